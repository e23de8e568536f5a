package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/ethmarket/orderwatch/internal/blob/s3"
	"github.com/ethmarket/orderwatch/internal/cache/redis"
	"github.com/ethmarket/orderwatch/internal/config"
	"github.com/ethmarket/orderwatch/internal/domain"
	"github.com/ethmarket/orderwatch/internal/protocol"
	"github.com/ethmarket/orderwatch/internal/reduce"
	"github.com/ethmarket/orderwatch/internal/service"
	"github.com/ethmarket/orderwatch/internal/store/postgres"
	"github.com/ethmarket/orderwatch/internal/worker"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	Orders         domain.OrderStore
	Versions       domain.OrderVersionStore
	History        domain.ExchangeHistoryStore
	Balances       domain.BalanceStore
	States         domain.OrderStateStore
	Auctions       domain.AuctionStore
	AuctionHistory domain.AuctionHistoryStore
	Tasks          domain.TaskStore

	// Redis
	SignalBus   domain.SignalBus
	PriceCache  domain.PriceCache
	LockManager domain.LockManager

	// Blob storage; nil unless s3.enabled.
	Archiver domain.Archiver

	// Services
	Normalizer     *protocol.Normalizer
	OrderUpdates   *service.OrderUpdateService
	AuctionUpdates *service.AuctionUpdateService
	BalanceSvc     *service.BalanceService
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
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
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Orders = postgres.NewOrderStore(pool)
	deps.Versions = postgres.NewOrderVersionStore(pool)
	deps.History = postgres.NewHistoryStore(pool)
	deps.Balances = postgres.NewBalanceStore(pool)
	deps.States = postgres.NewOrderStateStore(pool)
	deps.Auctions = postgres.NewAuctionStore(pool)
	deps.AuctionHistory = postgres.NewAuctionHistoryStore(pool)
	deps.Tasks = postgres.NewTaskStore(pool)

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

	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)

	// --- S3 archive (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client))
	}

	// --- Reduction and services ---
	reduceCfg := reduce.Config{AdvanceEndOffset: cfg.Indexer.AdvanceEndOffset.Duration}
	reducer := reduce.New(deps.Versions, deps.History, deps.Balances, deps.States, reduceCfg, time.Now, logger)
	auctionReducer := reduce.NewAuction(deps.AuctionHistory, reduceCfg, time.Now, logger)
	locks := worker.NewKeyedLocks()

	var prices *service.PriceService
	if cfg.Price.Enabled {
		prices = service.NewPriceService(deps.PriceCache, cfg.Price.MaxStale.Duration, logger)
	}

	deps.Normalizer = protocol.New()
	deps.OrderUpdates = service.NewOrderUpdateService(deps.Orders, reducer, locks, deps.SignalBus, prices, logger)
	deps.AuctionUpdates = service.NewAuctionUpdateService(deps.Auctions, auctionReducer, locks, deps.SignalBus, logger)
	deps.BalanceSvc = service.NewBalanceService(deps.Balances, deps.Orders, deps.OrderUpdates, logger)

	return deps, cleanup, nil
}
