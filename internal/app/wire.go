package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/arxpredict/marketmirror/internal/blob/s3"
	"github.com/arxpredict/marketmirror/internal/cache/redis"
	"github.com/arxpredict/marketmirror/internal/chain"
	"github.com/arxpredict/marketmirror/internal/config"
	"github.com/arxpredict/marketmirror/internal/crypto"
	"github.com/arxpredict/marketmirror/internal/domain"
	"github.com/arxpredict/marketmirror/internal/queue"
	"github.com/arxpredict/marketmirror/internal/reconcile"
	"github.com/arxpredict/marketmirror/internal/scheduler"
	"github.com/arxpredict/marketmirror/internal/service"
	"github.com/arxpredict/marketmirror/internal/source"
	"github.com/arxpredict/marketmirror/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Backing clients, exposed for health checks.
	DB    *postgres.Client
	Redis *redis.Client

	// Stores
	MarketStore domain.MarketStore
	PriceStore  domain.PriceStore
	QueryCache  domain.QueryCache

	// Chain
	Chain *chain.Client

	// Pipeline
	Queue      *queue.Queue
	Monitor    *source.Monitor
	Reconciler *reconcile.Reconciler
	Scheduler  *scheduler.Scheduler
	Archiver   *s3blob.Archiver

	// Read side
	Reader *service.MarketReader
}

// needsSigner returns true for modes that submit reveal transactions.
func needsSigner(cfg *config.Config) bool {
	if !cfg.Scheduler.Enabled {
		return false
	}
	switch cfg.Mode {
	case "scheduler", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)
	deps.DB = pgClient

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	marketStore := postgres.NewMarketStore(pool)
	priceSeries := postgres.NewPriceStore(pool)
	deps.MarketStore = marketStore

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Redis = redisClient

	deps.QueryCache = redis.NewQueryCache(redisClient, cfg.Redis.CacheTTL.Duration, logger)
	deps.PriceStore = redis.NewPriceStore(redisClient, priceSeries, marketStore, logger)

	// --- Chain client ---
	chainOpts := []chain.Option{}
	if needsSigner(cfg) {
		signer, err := crypto.LoadSigner(crypto.KeyConfig{
			RawSeed:          cfg.Chain.PayerKey,
			EncryptedKeyPath: cfg.Chain.EncryptedKeyPath,
			KeyPassword:      cfg.Chain.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: payer key: %w", err)
		}
		chainOpts = append(chainOpts, chain.WithSigner(signer))
	}
	deps.Chain = chain.NewClient(cfg.Chain.GatewayURL, cfg.Chain.ProgramID, chainOpts...)

	// --- Queue, monitor, reconciler ---
	deps.Queue = queue.New(redisClient, queue.Config{
		Name:        cfg.Queue.Name,
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase.Duration,
	}, logger)

	deps.Monitor = source.NewMonitor(cfg.Chain.WSURL, cfg.Chain.ProgramID, deps.Queue, logger)
	deps.Reconciler = reconcile.New(
		deps.MarketStore, deps.PriceStore, deps.QueryCache, deps.Chain, logger,
	)

	// --- Scheduler ---
	if cfg.Scheduler.Enabled {
		deps.Scheduler = scheduler.New(marketStore, deps.Chain, deps.Chain, scheduler.Config{
			Tick:            cfg.Scheduler.Tick.Duration,
			RevealStaleness: cfg.Scheduler.RevealStaleness.Duration,
			FinalizeTimeout: cfg.Scheduler.FinalizeTimeout.Duration,
			MaxInFlight:     cfg.Scheduler.MaxInFlight,
			AirdropCron:     cfg.Scheduler.AirdropCron,
		}, logger)
	}

	// --- Dead-letter archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Queue, cfg.Archive.Cron, logger)
	}

	// --- Read side ---
	deps.Reader = service.NewMarketReader(
		deps.MarketStore, deps.PriceStore, deps.Chain, deps.QueryCache, logger,
	)

	return deps, cleanup, nil
}
