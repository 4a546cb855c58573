package registry

import (
	"fmt"
	"time"
)

// Config controls supervision of every connection.
type Config struct {
	// HeartbeatInterval is the probe period. A connection silent for twice
	// this long is closed with reason heartbeat_timeout.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// ReconnectAttempts bounds automatic reconnects after a close. Zero
	// disables them: a closed connection is dropped at once with
	// connection_lost. withDefaults leaves it alone; DefaultConfig sets 5.
	ReconnectAttempts int `yaml:"reconnect_attempts"`
	// ReconnectDelay is the base of the backoff: attempt n waits
	// ReconnectDelay * 2^n.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// MaxReconnectDelay caps a single backoff wait.
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	// DialTimeout bounds each reconnect dial.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 5 * time.Minute,
		DialTimeout:       10 * time.Second,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalidConfig)
	case c.ReconnectAttempts < 0:
		return fmt.Errorf("%w: reconnect_attempts must not be negative", ErrInvalidConfig)
	case c.ReconnectDelay <= 0:
		return fmt.Errorf("%w: reconnect_delay must be positive", ErrInvalidConfig)
	case c.MaxReconnectDelay < c.ReconnectDelay:
		return fmt.Errorf("%w: max_reconnect_delay is below reconnect_delay", ErrInvalidConfig)
	case c.DialTimeout <= 0:
		return fmt.Errorf("%w: dial_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills zero durations from DefaultConfig. ReconnectAttempts is
// taken as given.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = def.MaxReconnectDelay
		if c.MaxReconnectDelay < c.ReconnectDelay {
			c.MaxReconnectDelay = c.ReconnectDelay
		}
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = def.DialTimeout
	}
	return c
}
