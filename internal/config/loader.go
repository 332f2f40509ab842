package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MIRROR_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known MIRROR_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.GatewayURL, "MIRROR_CHAIN_GATEWAY_URL")
	setStr(&cfg.Chain.WSURL, "MIRROR_CHAIN_WS_URL")
	setStr(&cfg.Chain.ProgramID, "MIRROR_CHAIN_PROGRAM_ID")
	setStr(&cfg.Chain.PayerKey, "MIRROR_CHAIN_PAYER_KEY")
	setStr(&cfg.Chain.EncryptedKeyPath, "MIRROR_CHAIN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Chain.KeyPassword, "MIRROR_CHAIN_KEY_PASSWORD")

	// ── Database ──
	setStr(&cfg.Database.DSN, "MIRROR_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "MIRROR_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "MIRROR_DATABASE_HOST")
	setInt(&cfg.Database.Port, "MIRROR_DATABASE_PORT")
	setStr(&cfg.Database.Database, "MIRROR_DATABASE_NAME")
	setStr(&cfg.Database.User, "MIRROR_DATABASE_USER")
	setStr(&cfg.Database.Password, "MIRROR_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "MIRROR_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "MIRROR_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "MIRROR_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "MIRROR_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MIRROR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MIRROR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MIRROR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MIRROR_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MIRROR_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MIRROR_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "MIRROR_REDIS_CACHE_TTL")

	// ── Queue ──
	setStr(&cfg.Queue.Name, "MIRROR_QUEUE_NAME")
	setInt(&cfg.Queue.Workers, "MIRROR_QUEUE_WORKERS")
	setInt(&cfg.Queue.MaxAttempts, "MIRROR_QUEUE_MAX_ATTEMPTS")
	setDuration(&cfg.Queue.BackoffBase, "MIRROR_QUEUE_BACKOFF_BASE")

	// ── Scheduler ──
	setBool(&cfg.Scheduler.Enabled, "MIRROR_SCHEDULER_ENABLED")
	setDuration(&cfg.Scheduler.Tick, "MIRROR_SCHEDULER_TICK")
	setDuration(&cfg.Scheduler.RevealStaleness, "MIRROR_SCHEDULER_REVEAL_STALENESS")
	setDuration(&cfg.Scheduler.FinalizeTimeout, "MIRROR_SCHEDULER_FINALIZE_TIMEOUT")
	setInt(&cfg.Scheduler.MaxInFlight, "MIRROR_SCHEDULER_MAX_IN_FLIGHT")
	setStr(&cfg.Scheduler.AirdropCron, "MIRROR_SCHEDULER_AIRDROP_CRON")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MIRROR_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "MIRROR_ARCHIVE_CRON")
	setStr(&cfg.Archive.Endpoint, "MIRROR_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "MIRROR_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "MIRROR_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "MIRROR_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "MIRROR_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.UseSSL, "MIRROR_ARCHIVE_USE_SSL")
	setBool(&cfg.Archive.ForcePathStyle, "MIRROR_ARCHIVE_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MIRROR_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MIRROR_SERVER_PORT")

	// ── Top-level ──
	setStr(&cfg.Mode, "MIRROR_MODE")
	setStr(&cfg.LogLevel, "MIRROR_LOG_LEVEL")
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
