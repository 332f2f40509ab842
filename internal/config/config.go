// Package config defines the top-level configuration for the market mirror
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MIRROR_* environment variables.
type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Queue     QueueConfig     `toml:"queue"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ChainConfig holds the program gateway endpoints and the reveal payer key.
type ChainConfig struct {
	GatewayURL string `toml:"gateway_url"`
	WSURL      string `toml:"ws_url"`
	ProgramID  string `toml:"program_id"`

	// PayerKey is the hex-encoded ed25519 seed of the reveal payer. If
	// empty, EncryptedKeyPath + KeyPassword are used instead.
	PayerKey         string `toml:"payer_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
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
	// CacheTTL is the fixed TTL for market query cache entries.
	CacheTTL duration `toml:"cache_ttl"`
}

// QueueConfig holds event queue delivery parameters.
type QueueConfig struct {
	Name        string   `toml:"name"`
	Workers     int      `toml:"workers"`
	MaxAttempts int      `toml:"max_attempts"`
	BackoffBase duration `toml:"backoff_base"`
}

// SchedulerConfig holds the reveal scheduler parameters.
type SchedulerConfig struct {
	Enabled bool `toml:"enabled"`
	// Tick is the sweep interval.
	Tick duration `toml:"tick"`
	// RevealStaleness is how old a reveal must be, relative to fresh
	// trading activity, before the market is revealed again.
	RevealStaleness duration `toml:"reveal_staleness"`
	// FinalizeTimeout bounds the out-of-band finalization await.
	FinalizeTimeout duration `toml:"finalize_timeout"`
	// MaxInFlight bounds concurrent reveal submissions per process.
	MaxInFlight int `toml:"max_in_flight"`
	// AirdropCron schedules the daily payer top-up request.
	AirdropCron string `toml:"airdrop_cron"`
}

// ArchiveConfig holds dead-letter cold storage parameters.
type ArchiveConfig struct {
	Enabled        bool   `toml:"enabled"`
	Cron           string `toml:"cron"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds the health server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "60s", "2m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "60s" or "2m".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration a TOML file is merged over.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			GatewayURL: "http://localhost:8899",
			WSURL:      "ws://localhost:8900",
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketmirror",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 16,
			CacheTTL: duration{60 * time.Second},
		},
		Queue: QueueConfig{
			Name:        "chain-events",
			Workers:     2,
			MaxAttempts: 3,
			BackoffBase: duration{2 * time.Second},
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			Tick:            duration{60 * time.Second},
			RevealStaleness: duration{61 * time.Second},
			FinalizeTimeout: duration{2 * time.Minute},
			MaxInFlight:     4,
			AirdropCron:     "0 0 0 * * *",
		},
		Archive: ArchiveConfig{
			Cron: "0 0 1 * * *",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Validate checks the configuration for values that would prevent startup.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "full", "ingest", "scheduler":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if c.Chain.GatewayURL == "" {
		return fmt.Errorf("config: chain.gateway_url is required")
	}
	if c.Chain.WSURL == "" {
		return fmt.Errorf("config: chain.ws_url is required")
	}

	if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.Database == "" || c.Database.User == "") {
		return fmt.Errorf("config: database requires dsn or host/database/user")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}

	if c.Queue.Workers <= 0 {
		return fmt.Errorf("config: queue.workers must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config: queue.max_attempts must be positive")
	}
	if c.Queue.BackoffBase.Duration <= 0 {
		return fmt.Errorf("config: queue.backoff_base must be positive")
	}

	if c.Scheduler.Enabled {
		if c.Scheduler.Tick.Duration <= 0 {
			return fmt.Errorf("config: scheduler.tick must be positive")
		}
		if c.Scheduler.FinalizeTimeout.Duration <= 0 {
			return fmt.Errorf("config: scheduler.finalize_timeout must be positive")
		}
		if c.Scheduler.MaxInFlight <= 0 {
			return fmt.Errorf("config: scheduler.max_in_flight must be positive")
		}
		if c.Chain.PayerKey == "" && c.Chain.EncryptedKeyPath == "" {
			return fmt.Errorf("config: scheduler requires chain.payer_key or chain.encrypted_key_path")
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" || c.Archive.Region == "" {
			return fmt.Errorf("config: archive requires bucket and region")
		}
	}

	return nil
}
