package monitor

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Config carries the tunables of the monitor core. Defaults match the
// values the console has always shipped with and can be loaded via
// envdecode.
type Config struct {
	// RefreshInterval is how often the service cache is wholesale
	// refreshed. ENV: MONITOR_REFRESH_INTERVAL
	RefreshInterval time.Duration `env:"MONITOR_REFRESH_INTERVAL,default=60s"`

	// RetentionWindow is how long a session may go without a keep-alive
	// before its connection is evicted. ENV: MONITOR_SESSION_RETENTION
	RetentionWindow time.Duration `env:"MONITOR_SESSION_RETENTION,default=30m"`

	// EvictionPeriod is how often the eviction sweep runs.
	// ENV: MONITOR_EVICTION_PERIOD
	EvictionPeriod time.Duration `env:"MONITOR_EVICTION_PERIOD,default=5s"`

	// QueryTimeout bounds registry queries against the fabric.
	// ENV: MONITOR_QUERY_TIMEOUT
	QueryTimeout time.Duration `env:"MONITOR_QUERY_TIMEOUT,default=5s"`

	// CorrelationTTL bounds how long a request-topic correlation entry is
	// retained waiting for its response. ENV: MONITOR_CORRELATION_TTL
	CorrelationTTL time.Duration `env:"MONITOR_CORRELATION_TTL,default=5m"`

	// CorrelationMax caps the number of outstanding correlation entries.
	// ENV: MONITOR_CORRELATION_MAX
	CorrelationMax int `env:"MONITOR_CORRELATION_MAX,default=4096"`
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 60 * time.Second
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 30 * time.Minute
	}
	if c.EvictionPeriod <= 0 {
		c.EvictionPeriod = 5 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.CorrelationTTL <= 0 {
		c.CorrelationTTL = 5 * time.Minute
	}
	if c.CorrelationMax <= 0 {
		c.CorrelationMax = 4096
	}
	return c
}

// ConfigFromEnv populates Config using envdecode; struct tags provide the
// defaults.
func ConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return cfg.withDefaults()
}
