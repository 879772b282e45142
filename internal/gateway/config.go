package gateway

import (
	"fmt"
	"time"
)

// Config holds connection-pool tuning for one SQL Server endpoint. Callers
// get a Config with sane defaults from DefaultConfig and only need to set
// Name and ConnectionString.
type Config struct {
	Name             string
	ConnectionString string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns pool settings appropriate for a single replication
// run against one endpoint: a handful of connections is plenty since the
// engine is single-threaded end to end.
func DefaultConfig(name, connectionString string) Config {
	return Config{
		Name:             name,
		ConnectionString: connectionString,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnMaxIdleTime:  10 * time.Minute,
		ConnectTimeout:   30 * time.Second,
	}
}

// Validate checks the config is well-formed before a connection is opened.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("gateway config: name is required")
	}
	if c.ConnectionString == "" {
		return fmt.Errorf("gateway config: connection string is required")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("gateway config: max open conns must be > 0")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("gateway config: max idle conns cannot be negative")
	}
	return nil
}
