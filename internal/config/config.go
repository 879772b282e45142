// Package config loads the replication-set document that drives one
// syncchanges run: which source feeds which destinations, and which tables
// to restrict replication to.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/vitaliisemenov/syncchanges/internal/domain"
	"github.com/vitaliisemenov/syncchanges/pkg/logger"
)

// Config is the root configuration document for one syncchanges invocation.
type Config struct {
	ReplicationSets []ReplicationSetConfig `mapstructure:"replicationSets"`
	Log             logger.Config          `mapstructure:"log"`
	Metrics         MetricsConfig          `mapstructure:"metrics"`
}

// ReplicationSetConfig is the YAML shape of one replication set, before
// it's converted to domain.ReplicationSet.
type ReplicationSetConfig struct {
	Name         string             `mapstructure:"name"`
	Source       DatabaseEndpoint   `mapstructure:"source"`
	Destinations []DatabaseEndpoint `mapstructure:"destinations"`
	Tables       []string           `mapstructure:"tables"`
}

// DatabaseEndpoint is the YAML shape of one connection target.
type DatabaseEndpoint struct {
	Name             string `mapstructure:"name"`
	ConnectionString string `mapstructure:"connectionString"`
}

// MetricsConfig controls the optional Prometheus /metrics listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoadConfig reads and validates the replication-set document at path.
// Scalar settings such as log.level (LOG_LEVEL) may be overridden by
// environment variables using viper's automatic env binding. Fields inside
// the replicationSets list, connection strings included, are read from the
// file only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}

// Validate checks field-level invariants that viper's unmarshal can't
// express: every set needs a name and a source, at least one destination,
// and destination names must be unique within the set.
func (c *Config) Validate() error {
	if len(c.ReplicationSets) == 0 {
		return fmt.Errorf("no replication sets configured")
	}

	seenSets := map[string]bool{}
	for _, set := range c.ReplicationSets {
		if set.Name == "" {
			return fmt.Errorf("replication set has no name")
		}
		if seenSets[set.Name] {
			return fmt.Errorf("replication set %q declared more than once", set.Name)
		}
		seenSets[set.Name] = true

		if set.Source.Name == "" || set.Source.ConnectionString == "" {
			return fmt.Errorf("replication set %q: source endpoint incomplete", set.Name)
		}
		if len(set.Destinations) == 0 {
			return fmt.Errorf("replication set %q: at least one destination required", set.Name)
		}

		seenDest := map[string]bool{}
		for _, dest := range set.Destinations {
			if dest.Name == "" || dest.ConnectionString == "" {
				return fmt.Errorf("replication set %q: destination endpoint incomplete", set.Name)
			}
			if seenDest[dest.Name] {
				return fmt.Errorf("replication set %q: destination %q declared more than once", set.Name, dest.Name)
			}
			seenDest[dest.Name] = true
		}
	}

	return nil
}

// DomainReplicationSets converts the loaded YAML shape into the domain
// types the orchestrator consumes.
func (c *Config) DomainReplicationSets() []domain.ReplicationSet {
	sets := make([]domain.ReplicationSet, 0, len(c.ReplicationSets))
	for _, set := range c.ReplicationSets {
		sets = append(sets, domain.ReplicationSet{
			Name:         set.Name,
			Source:       toDomainEndpoint(set.Source),
			Destinations: toDomainEndpoints(set.Destinations),
			TableFilter:  set.Tables,
		})
	}
	return sets
}

func toDomainEndpoint(e DatabaseEndpoint) domain.DatabaseEndpoint {
	return domain.DatabaseEndpoint{Name: e.Name, ConnectionString: e.ConnectionString}
}

func toDomainEndpoints(endpoints []DatabaseEndpoint) []domain.DatabaseEndpoint {
	out := make([]domain.DatabaseEndpoint, len(endpoints))
	for i, e := range endpoints {
		out[i] = toDomainEndpoint(e)
	}
	return out
}
