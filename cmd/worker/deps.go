package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/adapter/lock"
	"github.com/simaogato/topup-engine/internal/adapter/notify"
	"github.com/simaogato/topup-engine/internal/adapter/repository/kv"
	"github.com/simaogato/topup-engine/internal/adapter/repository/memory"
	"github.com/simaogato/topup-engine/internal/adapter/repository/postgres"
	"github.com/simaogato/topup-engine/internal/config"
	"github.com/simaogato/topup-engine/internal/domain"
	"github.com/simaogato/topup-engine/internal/usecase/alerting"
	"github.com/simaogato/topup-engine/internal/worker"
)

const connectTimeout = 10 * time.Second

// deps is everything the commands share once the store is open
type deps struct {
	store         kv.Store
	accounts      domain.AccountRepository
	orders        domain.OrderRepository
	transferQueue domain.TransferQueue
	ratingQueue   domain.RatingQueue
	transactions  domain.TransactionRepository
	alerts        domain.AlertRepository
	notifier      *alerting.Service
	lease         worker.Lease
	closers       []func() error
}

func (d *deps) Close(logger *zap.Logger) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.Warn("failed to close dependency", zap.Error(err))
		}
	}
}

// openDeps connects to the ledger store and, when configured, Redis.
// A store that cannot be reached at startup is fatal.
func openDeps(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*deps, error) {
	d := &deps{}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, closeStore)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		d.Close(logger)
		return nil, fmt.Errorf("ledger store unreachable: %w", err)
	}

	d.store = store
	d.accounts = kv.NewAccountRepository(store)
	d.orders = kv.NewOrderRepository(store)
	d.transferQueue = kv.NewTransferQueue(store)
	d.ratingQueue = kv.NewRatingQueue(store)
	d.transactions = kv.NewTransactionRepository(store)
	d.alerts = kv.NewAlertRepository(store)

	var publisher alerting.Publisher
	d.lease = worker.NewLocalLease()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		d.closers = append(d.closers, client.Close)
		if err := client.Ping(pingCtx).Err(); err != nil {
			d.Close(logger)
			return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
		}
		publisher = notify.NewRedisPublisher(client, cfg.Redis.ChannelPrefix)
		d.lease = lock.NewRedisLease(client, cfg.Redis.LeaseTTL)
		logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	} else {
		logger.Info("redis not configured: alerts are stored only and drain passes are not coordinated across instances")
	}
	d.notifier = alerting.NewService(d.alerts, publisher, logger)

	return d, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (kv.Store, func() error, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Warn("using the in-memory ledger store: state is lost on exit")
		store := memory.NewStore(memory.WithMaxRetries(cfg.Store.MaxRetries))
		return store, store.Close, nil
	default:
		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		db, err := postgres.NewDB(connCtx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store := postgres.NewStore(db, logger, cfg.Store.MaxRetries)
		return store, store.Close, nil
	}
}
