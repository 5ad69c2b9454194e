package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DailyRunAt:     "12:00",
		WorkerSettings: &WorkerConfig{MaxWorkers: 1},
		DbSettings:     &DatabaseConfig{Driver: "mysql", DSN: "user:pass@tcp(localhost:3306)/prices"},
		CrawlerSettings: &CrawlerConfig{
			MaxRequestsPerCrawl:   20000,
			MaxRequestsPerMinute:  30,
			MaxRequestRetries:     3,
			MaxConcurrency:        4,
			RequestHandlerTimeout: 180 * time.Second,
			NavigationTimeout:     120 * time.Second,
			ProductCheckAttempts:  10,
			ProductCheckInterval:  3 * time.Second,
			ScrollWait:            3 * time.Second,
			ClickTimeout:          5 * time.Second,
		},
		HistorySettings: &HistoryConfig{PriceChangeThreshold: 48 * time.Hour, Concurrency: 16},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{
			name:   "missing connection string",
			mutate: func(c *Config) { c.DbSettings.DSN = "" },
			want:   ErrNoConnectionString,
		},
		{
			name:   "sqlite needs a dsn",
			mutate: func(c *Config) { c.DbSettings.Driver = "sqlite"; c.DbSettings.DSN = ""; c.DbSettings.Host = "db" },
			want:   ErrNoConnectionString,
		},
		{
			name:   "zero requests per minute",
			mutate: func(c *Config) { c.CrawlerSettings.MaxRequestsPerMinute = 0 },
			want:   ErrInvalidLimit,
		},
		{
			name:   "zero click timeout",
			mutate: func(c *Config) { c.CrawlerSettings.ClickTimeout = 0 },
			want:   ErrInvalidLimit,
		},
		{
			name:   "zero product check interval",
			mutate: func(c *Config) { c.CrawlerSettings.ProductCheckInterval = 0 },
			want:   ErrInvalidLimit,
		},
		{
			name:   "negative scroll wait",
			mutate: func(c *Config) { c.CrawlerSettings.ScrollWait = -time.Second },
			want:   ErrInvalidLimit,
		},
		{
			name:   "zero workers",
			mutate: func(c *Config) { c.WorkerSettings.MaxWorkers = 0 },
			want:   ErrInvalidLimit,
		},
		{
			name:   "bad run time",
			mutate: func(c *Config) { c.DailyRunAt = "noon" },
			want:   ErrInvalidRunTime,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validConfig()
	cfg.DbSettings.Driver = "postgres"
	assert.Error(t, cfg.Validate())
}

func TestDailyRunTime(t *testing.T) {
	cfg := validConfig()
	cfg.DailyRunAt = "06:30"
	h, m, err := cfg.DailyRunTime()
	require.NoError(t, err)
	assert.Equal(t, 6, h)
	assert.Equal(t, 30, m)
}
