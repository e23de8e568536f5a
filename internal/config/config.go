// Package config defines the top-level configuration for the order indexer
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ORDERWATCH_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Indexer  IndexerConfig  `toml:"indexer"`
	Sweep    SweepConfig    `toml:"sweep"`
	Tasks    TasksConfig    `toml:"tasks"`
	Price    PriceConfig    `toml:"price"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the pruning
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// IndexerConfig holds ingestion and reduction parameters.
type IndexerConfig struct {
	// PendingWsURL is the mempool feed endpoint; empty disables the
	// pending overlay feed.
	PendingWsURL string `toml:"pending_ws_url"`
	// AdvanceEndOffset treats orders as ended this long before their exact
	// on-chain end.
	AdvanceEndOffset duration `toml:"advance_end_offset"`
}

// SweepConfig holds status sweep scheduling parameters.
type SweepConfig struct {
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

// TasksConfig holds reconciliation task runner parameters. Run lists the
// task specs executed in "tasks" mode as "TYPE" or "TYPE:param" strings.
type TasksConfig struct {
	Run             []string `toml:"run"`
	ChunkSize       int      `toml:"chunk_size"`
	Parallelism     int      `toml:"parallelism"`
	BidExpireWindow duration `toml:"bid_expire_window"`
}

// PriceConfig holds USD enrichment parameters.
type PriceConfig struct {
	Enabled  bool     `toml:"enabled"`
	MaxStale duration `toml:"max_stale"`
}

// duration wraps time.Duration for TOML decoding.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sane development defaults.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "orderwatch",
			User:          "orderwatch",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Region:         "us-east-1",
			Bucket:         "orderwatch-archive",
			UseSSL:         true,
			ForcePathStyle: false,
		},
		Indexer: IndexerConfig{
			AdvanceEndOffset: duration{15 * time.Second},
		},
		Sweep: SweepConfig{
			Interval:  duration{time.Minute},
			BatchSize: 500,
		},
		Tasks: TasksConfig{
			ChunkSize:       200,
			Parallelism:     8,
			BidExpireWindow: duration{30 * 24 * time.Hour},
		},
		Price: PriceConfig{
			Enabled:  true,
			MaxStale: duration{time.Hour},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"indexer": true,
	"sweeper": true,
	"tasks":   true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: indexer, sweeper, tasks, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Postgres.DSN == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: either dsn or host must be set")
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database is required")
		}
		if c.Postgres.User == "" {
			errs = append(errs, "postgres: user is required")
		}
	}
	if c.Postgres.PoolMaxConns < c.Postgres.PoolMinConns {
		errs = append(errs, "postgres: pool_max_conns must be >= pool_min_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when enabled")
		}
		if c.S3.Region == "" && c.S3.Endpoint == "" {
			errs = append(errs, "s3: region or endpoint is required when enabled")
		}
	}

	if c.Indexer.AdvanceEndOffset.Duration < 0 {
		errs = append(errs, "indexer: advance_end_offset must not be negative")
	}
	if c.Sweep.Interval.Duration <= 0 {
		errs = append(errs, "sweep: interval must be positive")
	}
	if c.Sweep.BatchSize <= 0 {
		errs = append(errs, "sweep: batch_size must be positive")
	}
	if c.Tasks.ChunkSize <= 0 {
		errs = append(errs, "tasks: chunk_size must be positive")
	}
	if c.Tasks.Parallelism <= 0 {
		errs = append(errs, "tasks: parallelism must be positive")
	}
	for _, spec := range c.Tasks.Run {
		if strings.TrimSpace(spec) == "" {
			errs = append(errs, "tasks: run entries must not be empty")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
