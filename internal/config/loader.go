package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ORDERWATCH_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. An empty path skips the
// file and loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ORDERWATCH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ORDERWATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ORDERWATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ORDERWATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ORDERWATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ORDERWATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ORDERWATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ORDERWATCH_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ORDERWATCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ORDERWATCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORDERWATCH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ORDERWATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORDERWATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORDERWATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORDERWATCH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORDERWATCH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORDERWATCH_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ORDERWATCH_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ORDERWATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORDERWATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORDERWATCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORDERWATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORDERWATCH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ORDERWATCH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORDERWATCH_S3_FORCE_PATH_STYLE")

	// ── Indexer ──
	setStr(&cfg.Indexer.PendingWsURL, "ORDERWATCH_INDEXER_PENDING_WS_URL")
	setDuration(&cfg.Indexer.AdvanceEndOffset, "ORDERWATCH_INDEXER_ADVANCE_END_OFFSET")

	// ── Sweep ──
	setDuration(&cfg.Sweep.Interval, "ORDERWATCH_SWEEP_INTERVAL")
	setInt(&cfg.Sweep.BatchSize, "ORDERWATCH_SWEEP_BATCH_SIZE")

	// ── Tasks ──
	setStringSlice(&cfg.Tasks.Run, "ORDERWATCH_TASKS_RUN")
	setInt(&cfg.Tasks.ChunkSize, "ORDERWATCH_TASKS_CHUNK_SIZE")
	setInt(&cfg.Tasks.Parallelism, "ORDERWATCH_TASKS_PARALLELISM")
	setDuration(&cfg.Tasks.BidExpireWindow, "ORDERWATCH_TASKS_BID_EXPIRE_WINDOW")

	// ── Price ──
	setBool(&cfg.Price.Enabled, "ORDERWATCH_PRICE_ENABLED")
	setDuration(&cfg.Price.MaxStale, "ORDERWATCH_PRICE_MAX_STALE")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORDERWATCH_MODE")
	setStr(&cfg.LogLevel, "ORDERWATCH_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
