package versiontracker_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/syncchanges/internal/domain"
	"github.com/vitaliisemenov/syncchanges/internal/gateway"
	"github.com/vitaliisemenov/syncchanges/internal/versiontracker"
)

type fakeBootstrap struct {
	called bool
	err    error
}

func (f *fakeBootstrap) EnsureSyncInfoTable(ctx context.Context, dest domain.DatabaseEndpoint) error {
	f.called = true
	return f.err
}

func TestGetCurrentVersionReadsExistingRow(t *testing.T) {
	gw := &gateway.Fake{
		ScalarFunc: func(ctx context.Context, query string, args ...any) (any, error) {
			switch {
			case strings.Contains(query, "sys.tables"):
				return int64(1), nil
			case strings.Contains(query, "SELECT Version"):
				return int64(5), nil
			}
			t.Fatalf("unexpected query: %s", query)
			return nil, nil
		},
	}

	tracker := versiontracker.New(nil, nil)
	v := tracker.GetCurrentVersion(context.Background(), domain.DatabaseEndpoint{Name: "dest1"}, gw, false)
	assert.Equal(t, domain.DestinationVersion(5), v)
}

// S5: destination has no SyncInfo, CT current version on destination = 100.
// Not dry-run: SyncInfo is created with Version=100.
func TestGetCurrentVersionBootstrapsFirstContact(t *testing.T) {
	bootstrap := &fakeBootstrap{}
	gw := &gateway.Fake{
		ScalarFunc: func(ctx context.Context, query string, args ...any) (any, error) {
			switch {
			case strings.Contains(query, "sys.tables"):
				return int64(0), nil
			case strings.Contains(query, "CHANGE_TRACKING_CURRENT_VERSION"):
				return int64(100), nil
			}
			t.Fatalf("unexpected query: %s", query)
			return nil, nil
		},
	}

	tracker := versiontracker.New(bootstrap, nil)
	v := tracker.GetCurrentVersion(context.Background(), domain.DatabaseEndpoint{Name: "dest1"}, gw, false)

	require.True(t, bootstrap.called)
	assert.Equal(t, domain.DestinationVersion(100), v)
	require.Len(t, gw.Execs, 1)
	assert.Equal(t, []any{int64(100)}, gw.Execs[0].Args)
}

func TestGetCurrentVersionDryRunSkipsBootstrap(t *testing.T) {
	bootstrap := &fakeBootstrap{}
	gw := &gateway.Fake{
		ScalarFunc: func(ctx context.Context, query string, args ...any) (any, error) {
			switch {
			case strings.Contains(query, "sys.tables"):
				return int64(0), nil
			case strings.Contains(query, "CHANGE_TRACKING_CURRENT_VERSION"):
				return int64(100), nil
			}
			t.Fatalf("unexpected query: %s", query)
			return nil, nil
		},
	}

	tracker := versiontracker.New(bootstrap, nil)
	v := tracker.GetCurrentVersion(context.Background(), domain.DatabaseEndpoint{Name: "dest1"}, gw, true)

	assert.False(t, bootstrap.called)
	assert.Equal(t, domain.DestinationVersion(100), v)
	assert.Empty(t, gw.Execs)
}

func TestGetCurrentVersionFreshSyncWhenCTNotEnabled(t *testing.T) {
	gw := &gateway.Fake{
		ScalarFunc: func(ctx context.Context, query string, args ...any) (any, error) {
			switch {
			case strings.Contains(query, "sys.tables"):
				return int64(0), nil
			case strings.Contains(query, "CHANGE_TRACKING_CURRENT_VERSION"):
				return nil, nil
			}
			t.Fatalf("unexpected query: %s", query)
			return nil, nil
		},
	}

	tracker := versiontracker.New(&fakeBootstrap{}, nil)
	v := tracker.GetCurrentVersion(context.Background(), domain.DatabaseEndpoint{Name: "dest1"}, gw, false)
	assert.Equal(t, domain.DestinationVersion(0), v)
}

func TestGetCurrentVersionErrorReturnsUnavailable(t *testing.T) {
	gw := &gateway.Fake{
		ScalarFunc: func(ctx context.Context, query string, args ...any) (any, error) {
			return nil, assert.AnError
		},
	}

	tracker := versiontracker.New(nil, nil)
	v := tracker.GetCurrentVersion(context.Background(), domain.DatabaseEndpoint{Name: "dest1"}, gw, false)
	assert.Equal(t, domain.VersionUnavailable, v)
}
