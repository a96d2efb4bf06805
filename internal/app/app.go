// Package app builds the shared component graph for the serve and worker
// commands from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/subsync/internal/config"
	"github.com/jmehdipour/subsync/internal/db"
	"github.com/jmehdipour/subsync/internal/eventlog"
	"github.com/jmehdipour/subsync/internal/lock"
	"github.com/jmehdipour/subsync/internal/logger"
	"github.com/jmehdipour/subsync/internal/projector"
	"github.com/jmehdipour/subsync/internal/provider"
	"github.com/jmehdipour/subsync/internal/reconcile"
	"github.com/jmehdipour/subsync/internal/repository"
	"github.com/jmehdipour/subsync/internal/retry"
	"github.com/jmehdipour/subsync/internal/service/ingest"
	"github.com/jmehdipour/subsync/internal/worker"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Options struct {
	// Memory replaces MySQL, ClickHouse and Redis with in-process stores.
	Memory bool
}

type App struct {
	Cfg config.Config
	Log *zap.Logger

	MySQL      *sqlx.DB
	ClickHouse *sqlx.DB
	Redis      *redis.Client
	Memory     *repository.MemoryStore

	Events   repository.EventsRepository
	Statuses repository.StatusRepository
	Subs     repository.SubscriptionsRepository
	Outbox   repository.OutboxRepository
	// History is nil unless history.enabled.
	History repository.CHEventsRepository

	Locker    lock.Locker
	Provider  provider.Client
	EventLog  *eventlog.Service
	Projector *projector.Projector
	Ingest    *ingest.Service
	// HistoryWriter is nil unless history.enabled; its Run must be started by
	// the command that owns the process.
	HistoryWriter *worker.HistoryWriter
}

func New(cfg config.Config, log *zap.Logger, opts Options) (*App, error) {
	a := &App{Cfg: cfg, Log: log}
	var err error
	if opts.Memory {
		a.initMemory()
	} else if err = a.initStores(); err != nil {
		a.Close()
		return nil, err
	}

	if a.Provider, err = a.newProvider(opts.Memory); err != nil {
		a.Close()
		return nil, err
	}

	maxRetries := cfg.Retry.MaxRetries
	a.EventLog = eventlog.New(a.Events, log.Named("eventlog"), maxRetries)
	a.Projector = projector.New(a.Statuses, a.Subs, a.EventLog, a.Provider, cfg.Provider.Timeout(), log.Named("projector"))
	a.Ingest = ingest.New(a.EventLog, a.Projector, a.Statuses, a.Locker, log.Named("ingest"), maxRetries)
	a.Ingest.LockTTL = lockTTL(cfg)
	if a.History != nil {
		a.HistoryWriter = worker.NewHistoryWriter(a.History, log.Named("history"),
			cfg.History.BatchSize, cfg.History.BatchWait, cfg.History.Buffer)
		a.Ingest.WithHistory(a.HistoryWriter)
	}
	return a, nil
}

func (a *App) initMemory() {
	a.Memory = repository.NewMemoryStore()
	a.Events = a.Memory.Events()
	a.Statuses = a.Memory.Statuses()
	a.Subs = a.Memory.Subscriptions()
	a.Outbox = a.Memory.Outbox()
	if a.Cfg.History.Enabled {
		a.History = a.Memory.History()
	}
	a.Locker = lock.NewMemoryLocker()
}

func (a *App) initStores() error {
	cfg := a.Cfg
	var err error
	a.MySQL, err = db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}

	a.Redis, err = db.NewRedisClient(db.RedisOpts{
		URL:         cfg.Redis.URL,
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}

	a.Events = repository.NewEventsRepository(a.MySQL)
	a.Statuses = repository.NewStatusRepository(a.MySQL)
	a.Subs = repository.NewSubscriptionsRepository(a.MySQL)
	a.Outbox = repository.NewOutboxRepository(a.MySQL)
	a.Locker = lock.NewRedisLocker(a.Redis, cfg.Redis.LockPrefix)

	if cfg.History.Enabled {
		a.ClickHouse, err = db.NewClickHouseConnection(db.ClickHouseOpts{
			DSN:             cfg.ClickHouse.DSN,
			MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
			PingTimeout:     cfg.ClickHouse.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		a.History = repository.NewCHEventsRepository(a.ClickHouse)
	}
	return nil
}

func (a *App) newProvider(memory bool) (provider.Client, error) {
	pc := a.Cfg.Provider
	var inner provider.Client
	switch {
	case pc.Name == "static", memory && pc.APIKey == "":
		inner = provider.NewStaticClient()
	case pc.APIKey == "":
		return nil, errors.New("provider.api_key is required for stripe")
	default:
		inner = provider.NewStripeClient(pc.APIKey, a.locateSubscription)
	}
	br := provider.NewBreaker(pc.Breaker.FailThreshold, time.Duration(pc.Breaker.OpenForMs)*time.Millisecond)
	return provider.WithBreaker(inner, br), nil
}

// locateSubscription prefers the id the projector last saw and falls back to
// the base subscription row.
func (a *App) locateSubscription(ctx context.Context, ownerID string) (string, error) {
	st, err := a.Statuses.Get(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if id := st.ExternalID(); id != "" {
		return id, nil
	}
	sub, err := a.Subs.GetByOwner(ctx, ownerID)
	if err != nil {
		return "", err
	}
	return sub.ExternalID(), nil
}

func (a *App) Scheduler() *retry.Scheduler {
	s := retry.NewScheduler(a.Events, a.Statuses, a.Ingest, a.Cfg.Retry.Policy(), a.Log.Named("retry"))
	if a.Cfg.Retry.BatchSize > 0 {
		s.BatchSize = a.Cfg.Retry.BatchSize
	}
	s.StalePendingAfter = a.Cfg.Retry.StalePendingAfter
	return s
}

// Sweeper builds the reconciliation sweeper. inline forces in-process
// repairs regardless of reconcile.mode, which the resync worker needs.
func (a *App) Sweeper(inline bool) *reconcile.Sweeper {
	policy, _ := reconcile.ParsePolicy(a.Cfg.Reconcile.RepairPolicy)

	var repairer reconcile.Repairer
	switch {
	case policy == reconcile.PolicyReport:
	case a.Cfg.Reconcile.Mode == "outbox" && !inline:
		repairer = reconcile.NewOutboxRepairer(a.Outbox, policy)
	default:
		repairer = reconcile.NewInlineRepairer(policy, a.Statuses, a.Subs, a.Ingest)
	}

	s := reconcile.NewSweeper(a.Subs, a.Statuses, a.Locker, repairer, a.Log.Named("reconcile"))
	if a.Cfg.Reconcile.PageSize > 0 {
		s.PageSize = a.Cfg.Reconcile.PageSize
	}
	s.LockTTL = lockTTL(a.Cfg)
	s.Retry = a.Cfg.Retry.Policy()
	return s
}

func lockTTL(cfg config.Config) time.Duration {
	if cfg.Reconcile.LockTTL > 0 {
		return cfg.Reconcile.LockTTL
	}
	return reconcile.DefaultLockTTL
}

func (a *App) Close() {
	if a.ClickHouse != nil {
		_ = a.ClickHouse.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.MySQL != nil {
		_ = a.MySQL.Close()
	}
}

// Load reads the config at path, initializes the process logger and builds
// the App.
func Load(path string, opts Options) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Encoding)
	return New(cfg, log, opts)
}

// RunHistory starts the history writer when history is enabled. The returned
// channel closes once the writer has flushed after ctx is cancelled.
func (a *App) RunHistory(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if a.HistoryWriter == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		if err := a.HistoryWriter.Run(ctx); err != nil {
			a.Log.Error("history writer stopped", zap.Error(err))
		}
	}()
	return done
}
