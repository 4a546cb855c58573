package document

import "fmt"

// StrategyOperationalTransform is the only conflict resolution strategy.
const StrategyOperationalTransform = "operational-transform"

type Config struct {
	// MaxOperations caps the operation log; the oldest entries are evicted.
	MaxOperations int `yaml:"max_operations"`
	// ConflictResolution names the merge strategy. Other values are accepted
	// and ignored.
	ConflictResolution string `yaml:"conflict_resolution"`
}

func DefaultConfig() Config {
	return Config{
		MaxOperations:      1000,
		ConflictResolution: StrategyOperationalTransform,
	}
}

func (c Config) Validate() error {
	if c.MaxOperations < 1 {
		return fmt.Errorf("%w: max_operations must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// UnsupportedStrategy reports whether ConflictResolution names a strategy
// other than operational transform.
func (c Config) UnsupportedStrategy() bool {
	return c.ConflictResolution != "" && c.ConflictResolution != StrategyOperationalTransform
}

func (c Config) withDefaults() Config {
	if c.MaxOperations == 0 {
		c.MaxOperations = DefaultConfig().MaxOperations
	}
	return c
}
