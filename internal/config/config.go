package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	HTTP struct {
		Port               int     `yaml:"port"`
		RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
		RateLimitBurst     int     `yaml:"rate_limit_burst"`
		RequestTimeoutMs   int     `yaml:"request_timeout_ms"`
	} `yaml:"http"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Lock struct {
		TTLSeconds       int `yaml:"ttl_seconds"`
		WaitTimeoutMs    int `yaml:"wait_timeout_ms"`
		PartyBucketWidth int `yaml:"party_bucket_width"`
	} `yaml:"lock"`

	Allocation struct {
		MaxAttempts    int `yaml:"max_attempts"`
		RetryBackoffMs int `yaml:"retry_backoff_ms"`
	} `yaml:"allocation"`

	Availability struct {
		CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
	} `yaml:"availability"`

	Restaurants struct {
		Path                  string `yaml:"path"`
		ReloadIntervalSeconds int    `yaml:"reload_interval_seconds"`
	} `yaml:"restaurants"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		Path          string `yaml:"path"`
		IntervalHours int    `yaml:"interval_hours"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"backup"`
}

// Load reads the YAML config at path. A .env file next to the working
// directory is loaded first so ${VAR} placeholders can refer to it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	// Missing .env is normal outside development.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/tablealloc.db"
	}
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = "localhost:6379"
	}
	if cfg.Backup.Path == "" {
		cfg.Backup.Path = "backups"
	}
	if cfg.Restaurants.Path == "" {
		cfg.Restaurants.Path = filepath.Join(filepath.Dir(path), "restaurants.yaml")
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) HTTPPort() int {
	if c.HTTP.Port <= 0 {
		return 8080
	}
	return c.HTTP.Port
}

func (c *Config) RequestTimeout() time.Duration {
	if c.HTTP.RequestTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.HTTP.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) RateLimit() (float64, int) {
	perSecond, burst := c.HTTP.RateLimitPerSecond, c.HTTP.RateLimitBurst
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return perSecond, burst
}

func (c *Config) LockTTL() time.Duration {
	if c.Lock.TTLSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

func (c *Config) LockWait() time.Duration {
	if c.Lock.WaitTimeoutMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.Lock.WaitTimeoutMs) * time.Millisecond
}

// PartyBucketWidth groups party sizes sharing a lock key. 1 keys on the exact size.
func (c *Config) PartyBucketWidth() int {
	if c.Lock.PartyBucketWidth <= 0 {
		return 2
	}
	return c.Lock.PartyBucketWidth
}

func (c *Config) MaxAttempts() int {
	if c.Allocation.MaxAttempts <= 0 {
		return 3
	}
	return c.Allocation.MaxAttempts
}

func (c *Config) RetryBackoff() time.Duration {
	if c.Allocation.RetryBackoffMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.Allocation.RetryBackoffMs) * time.Millisecond
}

func (c *Config) AvailabilityCacheTTL() time.Duration {
	if c.Availability.CacheTTLSeconds <= 0 {
		return 3 * time.Minute
	}
	return time.Duration(c.Availability.CacheTTLSeconds) * time.Second
}

func (c *Config) RestaurantsReloadInterval() time.Duration {
	if c.Restaurants.ReloadIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Restaurants.ReloadIntervalSeconds) * time.Second
}

func (c *Config) BackupInterval() time.Duration {
	if c.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

func (c *Config) BackupRetention() time.Duration {
	if c.Backup.RetentionDays <= 0 {
		return 14 * 24 * time.Hour
	}
	return time.Duration(c.Backup.RetentionDays) * 24 * time.Hour
}
