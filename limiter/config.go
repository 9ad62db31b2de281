package limiter

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Rule defines a token bucket for one key.
type Rule struct {
	Key    string  `mapstructure:"key"`    // limited operation, e.g. "command.sync"
	Rate   float64 `mapstructure:"rate"`   // number of allowed operations (tokens, also burst)
	Period float64 `mapstructure:"period"` // time window in seconds
}

// Config holds the overall limiter configuration.
type Config struct {
	StorageType string `mapstructure:"storage_type"` // "memory" or "redis"
	Rules       []Rule `mapstructure:"rules"`
}

// DefaultConfig limits command syncs to 2 per 10 seconds in memory.
func DefaultConfig() Config {
	return Config{
		StorageType: StorageMemory,
		Rules: []Rule{
			{Key: KeyCommandSync, Rate: 2, Period: 10},
		},
	}
}

// Validate checks storage type and rule values.
func (c *Config) Validate() error {
	if c.StorageType == "" {
		c.StorageType = StorageMemory
	}
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return fmt.Errorf("invalid storage_type: %s, must be '%s' or '%s'", c.StorageType, StorageMemory, StorageRedis)
	}

	if len(c.Rules) == 0 {
		log.Warn().Msg("no limiter rules defined in config")
	}

	seen := make(map[string]bool, len(c.Rules))
	for _, rule := range c.Rules {
		if rule.Key == "" {
			return fmt.Errorf("limiter rule with empty key")
		}
		if seen[rule.Key] {
			return fmt.Errorf("duplicate limiter rule for key: %s", rule.Key)
		}
		seen[rule.Key] = true

		if rule.Rate <= 0 {
			return fmt.Errorf("rule for key '%s' has invalid rate: %f, must be positive", rule.Key, rule.Rate)
		}
		if rule.Period <= 0 {
			return fmt.Errorf("rule for key '%s' has invalid period: %f, must be positive", rule.Key, rule.Period)
		}
	}
	return nil
}
