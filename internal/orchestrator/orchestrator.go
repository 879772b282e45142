// Package orchestrator drives one replication run end to end: for each
// configured replication set it discovers tables, groups destinations by
// shared baseline version, and fans an extraction out to every destination
// in the group.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"

	"github.com/vitaliisemenov/syncchanges/internal/apply"
	"github.com/vitaliisemenov/syncchanges/internal/domain"
	"github.com/vitaliisemenov/syncchanges/internal/extract"
	"github.com/vitaliisemenov/syncchanges/internal/gateway"
	"github.com/vitaliisemenov/syncchanges/internal/metadata"
	"github.com/vitaliisemenov/syncchanges/internal/telemetry"
	"github.com/vitaliisemenov/syncchanges/internal/versiontracker"
)

// Connector opens a Gateway to an endpoint. The real implementation is
// gateway.Open; tests substitute a function returning pre-wired Fakes.
type Connector func(ctx context.Context, endpoint domain.DatabaseEndpoint) (gateway.Gateway, error)

// Orchestrator implements the Replication Orchestrator component (spec.md §4.3).
type Orchestrator struct {
	connect    Connector
	discoverer *metadata.Discoverer
	tracker    *versiontracker.Tracker
	extractor  *extract.Extractor
	applier    *apply.Applier
	recorder   telemetry.Recorder
	logger     *slog.Logger
}

// New wires an Orchestrator from its components. A nil logger falls back to
// slog.Default(); a nil recorder falls back to telemetry.Noop{}.
func New(connect Connector, discoverer *metadata.Discoverer, tracker *versiontracker.Tracker, extractor *extract.Extractor, applier *apply.Applier, recorder telemetry.Recorder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = telemetry.Noop{}
	}
	return &Orchestrator{
		connect:    connect,
		discoverer: discoverer,
		tracker:    tracker,
		extractor:  extractor,
		applier:    applier,
		recorder:   recorder,
		logger:     logger,
	}
}

// Run processes every replication set in declaration order and returns true
// iff any destination, group, or set errored. It never aborts early: every
// set and every destination gets a chance to run regardless of earlier
// failures.
func (o *Orchestrator) Run(ctx context.Context, sets []domain.ReplicationSet, dryRun bool) bool {
	runErrored := false
	for _, set := range sets {
		if o.runSet(ctx, set, dryRun) {
			runErrored = true
		}
	}
	return runErrored
}

func (o *Orchestrator) runSet(ctx context.Context, set domain.ReplicationSet, dryRun bool) bool {
	logger := o.logger.With("set", set.Name)

	src, err := o.connect(ctx, set.Source)
	if err != nil {
		o.recorder.RecordError(set.Name, "metadata")
		logger.Error("connecting to source failed", "error", &domain.MetadataError{Set: set.Name, Cause: err})
		return true
	}
	defer src.Close()

	tables, err := o.discoverer.Discover(ctx, src)
	if err != nil {
		o.recorder.RecordError(set.Name, "metadata")
		logger.Error("table discovery failed", "error", &domain.MetadataError{Set: set.Name, Cause: err})
		return true
	}

	tables = metadata.FilterReplicable(logger, tables, set.TableFilter)
	if len(tables) == 0 {
		logger.Warn("no replicable tables after filtering; skipping set")
		return false
	}

	destinations, gateways, errored := o.connectDestinations(ctx, set, logger)
	if len(destinations) == 0 {
		return errored
	}
	defer closeAll(gateways)

	groups, skipped := o.groupByVersion(ctx, set, destinations, gateways, dryRun, logger)
	if skipped {
		errored = true
	}
	if len(groups) == 0 {
		return errored
	}

	for _, group := range groups {
		if o.runGroup(ctx, set, src, tables, group, gateways, dryRun, logger) {
			errored = true
		}
	}

	return errored
}

func (o *Orchestrator) connectDestinations(ctx context.Context, set domain.ReplicationSet, logger *slog.Logger) ([]domain.DatabaseEndpoint, map[string]gateway.Gateway, bool) {
	errored := false
	var destinations []domain.DatabaseEndpoint
	gateways := make(map[string]gateway.Gateway, len(set.Destinations))

	for _, dest := range set.Destinations {
		gw, err := o.connect(ctx, dest)
		if err != nil {
			o.recorder.RecordError(set.Name, "version")
			logger.Error("connecting to destination failed",
				"destination", dest.Name, "error", &domain.VersionError{Destination: dest.Name, Cause: err})
			errored = true
			continue
		}
		destinations = append(destinations, dest)
		gateways[dest.Name] = gw
	}

	return destinations, gateways, errored
}

// destinationGroup is a set of destinations sharing one baseline version.
type destinationGroup struct {
	version      int64
	destinations []domain.DatabaseEndpoint
}

// groupByVersion buckets destinations by their current SyncInfo version.
// The second return value reports whether any destination's version was
// unavailable and had to be skipped — the caller must fold this into its
// error flag so a set where every destination errors still fails the run
// (spec.md §7: VersionError skips the destination but sets the error flag).
func (o *Orchestrator) groupByVersion(ctx context.Context, set domain.ReplicationSet, destinations []domain.DatabaseEndpoint, gateways map[string]gateway.Gateway, dryRun bool, logger *slog.Logger) ([]destinationGroup, bool) {
	byVersion := map[int64][]domain.DatabaseEndpoint{}
	skipped := false

	for _, dest := range destinations {
		version := o.tracker.GetCurrentVersion(ctx, dest, gateways[dest.Name], dryRun)
		if version == domain.VersionUnavailable {
			o.recorder.RecordError(set.Name, "version")
			logger.Error("destination version unavailable; skipping",
				"destination", dest.Name, "error", &domain.VersionError{Destination: dest.Name, Cause: domain.ErrDestinationSkipped})
			skipped = true
			continue
		}
		v := int64(version)
		byVersion[v] = append(byVersion[v], dest)
	}

	versions := make([]int64, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	groups := make([]destinationGroup, 0, len(versions))
	for _, v := range versions {
		groups = append(groups, destinationGroup{version: v, destinations: byVersion[v]})
	}
	return groups, skipped
}

func (o *Orchestrator) runGroup(ctx context.Context, set domain.ReplicationSet, src gateway.Gateway, tables []domain.TableDescriptor, group destinationGroup, gateways map[string]gateway.Gateway, dryRun bool, logger *slog.Logger) bool {
	names := make([]string, len(group.destinations))
	for i, d := range group.destinations {
		names[i] = d.Name
	}

	batch, err := o.extractor.Extract(ctx, src, tables, group.version, names)
	if err != nil {
		if retention, ok := err.(*domain.RetentionError); ok {
			retention.Set = set.Name
			o.recorder.RecordError(set.Name, "retention")
			logger.Error("extraction aborted: retention window exceeded", "error", retention)
		} else {
			o.recorder.RecordError(set.Name, "extract")
			logger.Error("extraction failed", "error", &domain.ExtractError{Set: set.Name, Cause: err})
		}
		return true
	}

	for _, table := range tables {
		o.recorder.RecordExtract(set.Name, table.Name, countRecordsForTable(batch.Records, table.Name))
	}

	errored := false
	for _, dest := range group.destinations {
		if err := o.applier.Apply(ctx, dest.Name, gateways[dest.Name], batch, dryRun); err != nil {
			o.recorder.RecordError(set.Name, "apply")
			logger.Error("apply failed", "destination", dest.Name, "error", &domain.ApplyError{Set: set.Name, Destination: dest.Name, Cause: err})
			errored = true
			continue
		}
		o.recorder.RecordApply(set.Name, dest.Name, len(batch.Records))
		o.recorder.SetDestinationLag(set.Name, dest.Name, batch.SourceCurrentVersion-group.version)
		logger.Info("applied batch", "destination", dest.Name, "version", batch.SourceCurrentVersion, "records", len(batch.Records))
	}

	return errored
}

func countRecordsForTable(records []domain.ChangeRecord, tableName string) int {
	count := 0
	for _, r := range records {
		if r.Table.Name == tableName {
			count++
		}
	}
	return count
}

func closeAll(gateways map[string]gateway.Gateway) {
	for _, gw := range gateways {
		gw.Close()
	}
}
