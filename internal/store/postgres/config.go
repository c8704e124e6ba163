package postgres

import "fmt"

// RunStoreConfig holds run-specific configuration for the PostgreSQL run store.
// Pool configuration is handled separately via PoolConfig.
type RunStoreConfig struct {
	// AutoMigrate applies embedded migrations when the store is created.
	AutoMigrate bool

	// EventsTTLDays configures how many days events should be retained.
	// 0 means no expiration (events kept indefinitely).
	EventsTTLDays int32

	// QueryTimeoutSeconds is the maximum time a query can run before timing out.
	// Default: 10 seconds
	// Set to -1 to use context timeouts only
	QueryTimeoutSeconds int32

	// PurgeIntervalSeconds is how often expired events are deleted.
	// Default: 3600 (1 hour)
	PurgeIntervalSeconds int32
}

// Validate checks that the configuration is valid.
func (c *RunStoreConfig) Validate() error {
	if c.EventsTTLDays < 0 {
		return fmt.Errorf("events ttl days must not be negative")
	}
	if c.PurgeIntervalSeconds < 0 {
		return fmt.Errorf("purge interval must not be negative")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *RunStoreConfig) ApplyDefaults() {
	if c.QueryTimeoutSeconds == 0 {
		c.QueryTimeoutSeconds = 10
	}
	if c.PurgeIntervalSeconds == 0 {
		c.PurgeIntervalSeconds = 3600
	}
}
