package config

import (
	"crypto/tls"
	"fmt"
	"time"
)

// Config is the root configuration for the instance manager and its
// collaborators. Defaults come from Default(); every field can be overridden
// through KEEPER_-prefixed environment variables (see loader.go).
type Config struct {
	Redis   RedisConfig   `koanf:"redis"   json:"redis"`
	Cache   CacheConfig   `koanf:"cache"   json:"cache"`
	Lock    LockConfig    `koanf:"lock"    json:"lock"`
	Breaker BreakerConfig `koanf:"breaker" json:"breaker"`
	Manager ManagerConfig `koanf:"manager" json:"manager"`
}

// RedisConfig holds connection settings for the backing key-value store.
type RedisConfig struct {
	// URL takes precedence over Host/Port when set.
	URL             string        `koanf:"url"               json:"url"`
	Host            string        `koanf:"host"              json:"host"`
	Port            string        `koanf:"port"              json:"port"`
	Password        string        `koanf:"password"          json:"-"`
	DB              int           `koanf:"db"                json:"db"                validate:"gte=0"`
	PoolSize        int           `koanf:"pool_size"         json:"pool_size"         validate:"gte=0"`
	MinIdleConns    int           `koanf:"min_idle_conns"    json:"min_idle_conns"    validate:"gte=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns"    json:"max_idle_conns"    validate:"gte=0"`
	MaxRetries      int           `koanf:"max_retries"       json:"max_retries"       validate:"gte=0"`
	PingTimeout     time.Duration `koanf:"ping_timeout"      json:"ping_timeout"`
	DialTimeout     time.Duration `koanf:"dial_timeout"      json:"dial_timeout"`
	ReadTimeout     time.Duration `koanf:"read_timeout"      json:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"     json:"write_timeout"`
	PoolTimeout     time.Duration `koanf:"pool_timeout"      json:"pool_timeout"`
	MinRetryBackoff time.Duration `koanf:"min_retry_backoff" json:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `koanf:"max_retry_backoff" json:"max_retry_backoff"`
	TLSEnabled      bool          `koanf:"tls_enabled"       json:"tls_enabled"`
	TLSConfig       *tls.Config   `koanf:"-"                 json:"-"`
}

// CacheConfig controls the process-local LRU instance cache.
type CacheConfig struct {
	// MaxSize 0 disables caching entirely (every lookup misses).
	MaxSize int `koanf:"max_size" json:"max_size" validate:"gte=0"`
	// EntryTTL 0 means entries never expire.
	EntryTTL time.Duration `koanf:"entry_ttl" json:"entry_ttl" validate:"gte=0"`
}

// LockConfig controls the distributed lock that serializes instance
// construction across processes.
type LockConfig struct {
	// LeaseTTL must exceed the expected critical-section duration; an
	// under-provisioned lease permits two holders within the expiry window.
	LeaseTTL     time.Duration `koanf:"lease_ttl"     json:"lease_ttl"     validate:"gt=0"`
	WaitTimeout  time.Duration `koanf:"wait_timeout"  json:"wait_timeout"  validate:"gt=0"`
	PollInterval time.Duration `koanf:"poll_interval" json:"poll_interval" validate:"gt=0"`
	KeyPrefix    string        `koanf:"key_prefix"    json:"key_prefix"`
}

// BreakerConfig controls the circuit breaker guarding instance construction.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" json:"failure_threshold" validate:"gt=0"`
	OpenTimeout      time.Duration `koanf:"open_timeout"      json:"open_timeout"      validate:"gt=0"`
}

// ManagerConfig controls the orchestrating façade.
type ManagerConfig struct {
	// OpTimeout bounds a whole GetOrCreate call, independent of the lock's
	// own wait timeout.
	OpTimeout          time.Duration `koanf:"op_timeout"            json:"op_timeout"            validate:"gt=0"`
	LockWaitSampleSize int           `koanf:"lock_wait_sample_size" json:"lock_wait_sample_size" validate:"gt=0"`
}

// Default returns the configuration used when no overrides are present.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Host:            "localhost",
			Port:            "6379",
			DB:              0,
			PoolSize:        10,
			MinIdleConns:    2,
			MaxIdleConns:    4,
			MaxRetries:      3,
			PingTimeout:     10 * time.Second,
			DialTimeout:     5 * time.Second,
			ReadTimeout:     3 * time.Second,
			WriteTimeout:    3 * time.Second,
			PoolTimeout:     4 * time.Second,
			MinRetryBackoff: 8 * time.Millisecond,
			MaxRetryBackoff: 512 * time.Millisecond,
		},
		Cache: CacheConfig{
			MaxSize:  1024,
			EntryTTL: 0,
		},
		Lock: LockConfig{
			LeaseTTL:     30 * time.Second,
			WaitTimeout:  10 * time.Second,
			PollInterval: 100 * time.Millisecond,
			KeyPrefix:    "instance:",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Manager: ManagerConfig{
			OpTimeout:          60 * time.Second,
			LockWaitSampleSize: 1024,
		},
	}
}

// Validate enforces cross-field constraints the struct tags cannot express.
func (c *Config) Validate() error {
	if c.Lock.PollInterval >= c.Lock.WaitTimeout {
		return fmt.Errorf(
			"lock poll interval (%s) must be shorter than wait timeout (%s)",
			c.Lock.PollInterval, c.Lock.WaitTimeout,
		)
	}
	if c.Manager.OpTimeout <= c.Lock.WaitTimeout {
		return fmt.Errorf(
			"manager op timeout (%s) must exceed lock wait timeout (%s)",
			c.Manager.OpTimeout, c.Lock.WaitTimeout,
		)
	}
	return nil
}
