package statesync

import (
	"fmt"
	"time"
)

type Config struct {
	// SyncInterval is the auto-sync push period.
	SyncInterval time.Duration `yaml:"sync_interval"`
	// Shards is the number of lock stripes in the store.
	Shards int `yaml:"shards"`
	// PushTimeout bounds a single push.
	PushTimeout time.Duration `yaml:"push_timeout"`
}

func DefaultConfig() Config {
	return Config{
		SyncInterval: time.Second,
		Shards:       16,
		PushTimeout:  5 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.SyncInterval <= 0:
		return fmt.Errorf("%w: sync_interval must be positive", ErrInvalidConfig)
	case c.Shards <= 0:
		return fmt.Errorf("%w: shards must be positive", ErrInvalidConfig)
	case c.PushTimeout <= 0:
		return fmt.Errorf("%w: push_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SyncInterval == 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.Shards == 0 {
		c.Shards = def.Shards
	}
	if c.PushTimeout == 0 {
		c.PushTimeout = def.PushTimeout
	}
	return c
}
