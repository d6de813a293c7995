package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/recs-api/internal/env"
)

const configPathEnv = "RECS_CONFIG"

// Lock backends. LockNone relies on the in-process registry alone and is only
// correct when a single instance runs.
const (
	LockPostgres = "postgres"
	LockRedis    = "redis"
	LockNone     = "none"
)

// Config holds every setting shared by the API server and the sweeper.
type Config struct {
	Port     int            `yaml:"port"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Producer ProducerConfig `yaml:"producer"`
	Lock     LockConfig     `yaml:"lock"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Sweep    SweepConfig    `yaml:"sweep"`
	HTTP     HTTPConfig     `yaml:"http"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig is optional; an empty Addr disables the read cache and the redis lock backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ProducerConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

type LockConfig struct {
	Backend string        `yaml:"backend"`
	Timeout time.Duration `yaml:"timeout"`
	TTL     time.Duration `yaml:"ttl"`
}

// RefreshConfig carries the coordinator tuning. Grace is how long a settled
// refresh stays registered so bursts of triggers collapse onto it.
// MaxConcurrent caps background refreshes per process and sizes the
// postgres lock pool.
type RefreshConfig struct {
	Grace                time.Duration `yaml:"grace"`
	InteractiveThreshold time.Duration `yaml:"interactiveThreshold"`
	SweepThreshold       time.Duration `yaml:"sweepThreshold"`
	MaxConcurrent        int           `yaml:"maxConcurrent"`
	StoreTimeout         time.Duration `yaml:"storeTimeout"`
}

type SweepConfig struct {
	Concurrency int           `yaml:"concurrency"`
	PageSize    int           `yaml:"pageSize"`
	CallTimeout time.Duration `yaml:"callTimeout"`
	Interval    time.Duration `yaml:"interval"`
	Rate        float64       `yaml:"rate"`
}

type HTTPConfig struct {
	RateLimit    int           `yaml:"rateLimit"`
	ReadCacheTTL time.Duration `yaml:"readCacheTTL"`
}

// Load reads the YAML file named by RECS_CONFIG (if any) over the defaults and
// then applies environment overrides.
func Load() Config {
	cfg := Default()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = merge(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Port: 4002,
		Log:  LogConfig{Level: "info", Format: "json"},
		Producer: ProducerConfig{
			Timeout: 30 * time.Second,
		},
		Lock: LockConfig{Backend: LockPostgres, Timeout: time.Second, TTL: 2 * time.Minute},
		Refresh: RefreshConfig{
			Grace:                5 * time.Second,
			InteractiveThreshold: 12 * time.Hour,
			SweepThreshold:       24 * time.Hour,
			MaxConcurrent:        4,
			StoreTimeout:         10 * time.Second,
		},
		Sweep: SweepConfig{
			Concurrency: 3,
			PageSize:    200,
			CallTimeout: 10 * time.Second,
		},
		HTTP: HTTPConfig{RateLimit: 100, ReadCacheTTL: 10 * time.Minute},
	}
}

// Validate reports settings the binaries cannot start with.
func (c Config) Validate() error {
	switch c.Lock.Backend {
	case LockPostgres, LockNone:
	case LockRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("lock backend %q requires REDIS_ADDR", c.Lock.Backend)
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if c.Refresh.MaxConcurrent <= 0 {
		return fmt.Errorf("refresh max concurrent must be positive, got %d", c.Refresh.MaxConcurrent)
	}
	if c.Sweep.Concurrency <= 0 {
		return fmt.Errorf("sweep concurrency must be positive, got %d", c.Sweep.Concurrency)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	c.Port = env.GetInt("PORT", c.Port)
	c.Log.Level = env.Get("LOG_LEVEL", c.Log.Level)
	c.Log.Format = env.Get("LOG_FORMAT", c.Log.Format)

	c.Database.DSN = env.Get("PG_DSN", c.Database.DSN)

	c.Redis.Addr = env.Get("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = env.Get("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = env.GetInt("REDIS_DB", c.Redis.DB)

	c.Producer.URL = env.Get("PRODUCER_URL", c.Producer.URL)
	c.Producer.APIKey = env.Get("PRODUCER_API_KEY", c.Producer.APIKey)
	c.Producer.Timeout = env.GetDuration("PRODUCER_TIMEOUT", c.Producer.Timeout)

	c.Lock.Backend = strings.ToLower(env.Get("LOCK_BACKEND", c.Lock.Backend))
	c.Lock.Timeout = env.GetDuration("LOCK_TIMEOUT", c.Lock.Timeout)
	c.Lock.TTL = env.GetDuration("LOCK_TTL", c.Lock.TTL)

	c.Refresh.Grace = env.GetDuration("REFRESH_GRACE", c.Refresh.Grace)
	c.Refresh.InteractiveThreshold = env.GetDuration("STALE_THRESHOLD_INTERACTIVE", c.Refresh.InteractiveThreshold)
	c.Refresh.SweepThreshold = env.GetDuration("STALE_THRESHOLD_SWEEP", c.Refresh.SweepThreshold)
	c.Refresh.MaxConcurrent = env.GetInt("REFRESH_MAX_CONCURRENT", c.Refresh.MaxConcurrent)
	c.Refresh.StoreTimeout = env.GetDuration("REFRESH_STORE_TIMEOUT", c.Refresh.StoreTimeout)

	c.Sweep.Concurrency = env.GetInt("SWEEP_CONCURRENCY", c.Sweep.Concurrency)
	c.Sweep.PageSize = env.GetInt("SWEEP_PAGE_SIZE", c.Sweep.PageSize)
	c.Sweep.CallTimeout = env.GetDuration("SWEEP_CALL_TIMEOUT", c.Sweep.CallTimeout)
	c.Sweep.Interval = env.GetDuration("SWEEP_INTERVAL", c.Sweep.Interval)
	c.Sweep.Rate = env.GetFloat("SWEEP_RATE", c.Sweep.Rate)

	c.HTTP.RateLimit = env.GetInt("HTTP_RATE_LIMIT", c.HTTP.RateLimit)
	c.HTTP.ReadCacheTTL = env.GetDuration("READ_CACHE_TTL", c.HTTP.ReadCacheTTL)
}

func merge(base, override Config) Config {
	if override.Port != 0 {
		base.Port = override.Port
	}
	if override.Log.Level != "" {
		base.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		base.Log.Format = override.Log.Format
	}
	if override.Database.DSN != "" {
		base.Database = override.Database
	}
	if override.Redis.Addr != "" {
		base.Redis = override.Redis
	}

	if override.Producer.URL != "" {
		base.Producer.URL = override.Producer.URL
	}
	if override.Producer.APIKey != "" {
		base.Producer.APIKey = override.Producer.APIKey
	}
	if override.Producer.Timeout > 0 {
		base.Producer.Timeout = override.Producer.Timeout
	}

	if override.Lock.Backend != "" {
		base.Lock.Backend = override.Lock.Backend
	}
	if override.Lock.Timeout > 0 {
		base.Lock.Timeout = override.Lock.Timeout
	}
	if override.Lock.TTL > 0 {
		base.Lock.TTL = override.Lock.TTL
	}

	if override.Refresh.Grace > 0 {
		base.Refresh.Grace = override.Refresh.Grace
	}
	if override.Refresh.InteractiveThreshold > 0 {
		base.Refresh.InteractiveThreshold = override.Refresh.InteractiveThreshold
	}
	if override.Refresh.SweepThreshold > 0 {
		base.Refresh.SweepThreshold = override.Refresh.SweepThreshold
	}
	if override.Refresh.MaxConcurrent > 0 {
		base.Refresh.MaxConcurrent = override.Refresh.MaxConcurrent
	}
	if override.Refresh.StoreTimeout > 0 {
		base.Refresh.StoreTimeout = override.Refresh.StoreTimeout
	}

	if override.Sweep.Concurrency > 0 {
		base.Sweep.Concurrency = override.Sweep.Concurrency
	}
	if override.Sweep.PageSize > 0 {
		base.Sweep.PageSize = override.Sweep.PageSize
	}
	if override.Sweep.CallTimeout > 0 {
		base.Sweep.CallTimeout = override.Sweep.CallTimeout
	}
	if override.Sweep.Interval > 0 {
		base.Sweep.Interval = override.Sweep.Interval
	}
	if override.Sweep.Rate > 0 {
		base.Sweep.Rate = override.Sweep.Rate
	}

	if override.HTTP.RateLimit > 0 {
		base.HTTP.RateLimit = override.HTTP.RateLimit
	}
	if override.HTTP.ReadCacheTTL > 0 {
		base.HTTP.ReadCacheTTL = override.HTTP.ReadCacheTTL
	}
	return base
}
