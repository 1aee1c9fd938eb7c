// Package config loads perfsync settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"
)

// Cache backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendTables = "tables"
)

var backends = []string{BackendMemory, BackendSQLite, BackendRedis, BackendTables}

// Config is the root client configuration.
type Config struct {
	EmployeeID string        `yaml:"employee_id" env:"PERFSYNC_EMPLOYEE_ID" env-required:"true"`
	Gateway    GatewayConfig `yaml:"gateway"`
	Cache      CacheConfig   `yaml:"cache"`
	Sync       SyncConfig    `yaml:"sync"`
	Log        LogConfig     `yaml:"log"`
}

// GatewayConfig holds the portal API settings.
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url" env:"PERFSYNC_API_URL"     env-required:"true"`
	Token   string        `yaml:"token"    env:"PERFSYNC_TOKEN"`
	Timeout time.Duration `yaml:"timeout"  env:"PERFSYNC_API_TIMEOUT" env-default:"10s"`
}

// CacheConfig selects and configures the local cache backend.
type CacheConfig struct {
	Backend     string        `yaml:"backend"      env:"PERFSYNC_CACHE_BACKEND" env-default:"sqlite"`
	Path        string        `yaml:"path"         env:"PERFSYNC_CACHE_PATH"    env-default:"perfsync.db"`
	RedisURL    string        `yaml:"redis_url"    env:"PERFSYNC_REDIS_URL"`
	RedisTTL    time.Duration `yaml:"redis_ttl"    env:"PERFSYNC_REDIS_TTL"     env-default:"0s"`
	Profile     string        `yaml:"profile"      env:"PERFSYNC_PROFILE"       env-default:"default"`
	TablesConn  string        `yaml:"tables_conn"  env:"PERFSYNC_TABLES_CONN"`
	TablesTable string        `yaml:"tables_table" env:"PERFSYNC_TABLES_TABLE"  env-default:"perfsynccache"`
}

// SyncConfig tunes replay, retry and draft saving.
type SyncConfig struct {
	Debounce        time.Duration `yaml:"debounce"          env:"PERFSYNC_DEBOUNCE"          env-default:"800ms"`
	SaveTimeout     time.Duration `yaml:"save_timeout"      env:"PERFSYNC_SAVE_TIMEOUT"      env-default:"30s"`
	SyncTimeout     time.Duration `yaml:"sync_timeout"      env:"PERFSYNC_SYNC_TIMEOUT"      env-default:"2m"`
	RetryInitial    time.Duration `yaml:"retry_initial"     env:"PERFSYNC_RETRY_INITIAL"     env-default:"2s"`
	RetryMax        time.Duration `yaml:"retry_max"         env:"PERFSYNC_RETRY_MAX"         env-default:"60s"`
	RetryLimit      int           `yaml:"retry_limit"       env:"PERFSYNC_RETRY_LIMIT"       env-default:"0"`
	StaleRetryLimit int           `yaml:"stale_retry_limit" env:"PERFSYNC_STALE_RETRY_LIMIT" env-default:"3"`
	BulkReplay      bool          `yaml:"bulk_replay"       env:"PERFSYNC_BULK_REPLAY"       env-default:"false"`
	LedgerTTL       time.Duration `yaml:"ledger_ttl"        env:"PERFSYNC_LEDGER_TTL"        env-default:"24h"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"PERFSYNC_LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"PERFSYNC_LOG_FORMAT" env-default:"text"`
	// Debug forces the debug level regardless of Level.
	Debug bool `yaml:"debug" env:"PERFSYNC_DEBUG" env-default:"false"`
}

// Validate checks values the struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.EmployeeID == "" {
		errs = append(errs, errors.New("employee_id is required"))
	}
	if u, err := url.Parse(c.Gateway.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("gateway.base_url %q is not an absolute url", c.Gateway.BaseURL))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("gateway.timeout must be positive"))
	}
	if !slices.Contains(backends, c.Cache.Backend) {
		errs = append(errs, fmt.Errorf("cache.backend %q must be one of %v", c.Cache.Backend, backends))
	}
	switch c.Cache.Backend {
	case BackendSQLite:
		if c.Cache.Path == "" {
			errs = append(errs, errors.New("cache.path is required for the sqlite backend"))
		}
	case BackendRedis:
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
		}
	case BackendTables:
		if c.Cache.TablesConn == "" {
			errs = append(errs, errors.New("cache.tables_conn is required for the tables backend"))
		}
	}
	if c.Sync.Debounce < 0 {
		errs = append(errs, errors.New("sync.debounce must not be negative"))
	}
	if c.Sync.RetryInitial <= 0 {
		errs = append(errs, errors.New("sync.retry_initial must be positive"))
	}
	if c.Sync.RetryMax < c.Sync.RetryInitial {
		errs = append(errs, errors.New("sync.retry_max must not be below sync.retry_initial"))
	}
	if c.Sync.RetryLimit < 0 || c.Sync.StaleRetryLimit < 0 {
		errs = append(errs, errors.New("sync retry limits must not be negative"))
	}
	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
