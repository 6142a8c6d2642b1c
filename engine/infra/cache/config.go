package cache

import (
	"github.com/keeperd/keeper/pkg/config"
)

// Config represents the cache-specific configuration.
// This combines Redis connection settings with lock behavior settings.
type Config struct {
	*config.RedisConfig
	*config.LockConfig
}

// FromAppConfig creates a cache Config from the centralized app configuration.
func FromAppConfig(appConfig *config.Config) *Config {
	return &Config{
		RedisConfig: &appConfig.Redis,
		LockConfig:  &appConfig.Lock,
	}
}
