package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/yourorg/recs-api/internal/config"
	"github.com/yourorg/recs-api/internal/events"
	"github.com/yourorg/recs-api/internal/hydrator"
	"github.com/yourorg/recs-api/internal/lock"
	"github.com/yourorg/recs-api/internal/readcache"
	"github.com/yourorg/recs-api/internal/redisx"
	"github.com/yourorg/recs-api/internal/refresh"
	"github.com/yourorg/recs-api/internal/staleness"
	"github.com/yourorg/recs-api/internal/store"
	"github.com/yourorg/recs-api/internal/sweep"
	"github.com/yourorg/recs-api/producer"
)

// Application holds the components shared by the API server and the sweeper.
type Application struct {
	Config      config.Config
	Logger      *zap.Logger
	Store       *store.Store
	Redis       *redisx.Client
	Events      events.Publisher
	Coordinator *refresh.Coordinator
	Walker      *sweep.Walker

	lockPool       *lock.Postgres
	stopInvalidate context.CancelFunc
	invalidateDone chan struct{}
}

// New opens Postgres (and Redis when configured), migrates the schema, wires
// the coordinator and the sweep walker and starts the read cache invalidator.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, errors.New("PG_DSN is required")
	}
	if cfg.Producer.URL == "" {
		return nil, errors.New("PRODUCER_URL is required")
	}
	if cfg.Refresh.MaxConcurrent >= store.MaxOpenConns {
		return nil, fmt.Errorf("REFRESH_MAX_CONCURRENT must stay below the store pool size %d", store.MaxOpenConns)
	}

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := st.Ping(pctx); err != nil {
		_ = st.DB.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := st.Migrate(pctx); err != nil {
		_ = st.DB.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	a := &Application{Config: cfg, Logger: log, Store: st, Events: events.NewInMemory(256)}

	if cfg.Redis.Addr != "" {
		a.Redis = redisx.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := a.Redis.Ping(pctx); err != nil {
			if cfg.Lock.Backend == config.LockRedis {
				_ = a.Close(ctx)
				return nil, fmt.Errorf("redis ping: %w", err)
			}
			log.Warn("redis unavailable, read cache disabled", zap.Error(err))
			_ = a.Redis.Close()
			a.Redis = nil
		}
	}

	var locker lock.Locker
	switch cfg.Lock.Backend {
	case config.LockRedis:
		locker = &lock.Redis{Client: a.Redis, TTL: cfg.Lock.TTL}
	case config.LockNone:
		log.Warn("lock backend none: refresh exclusion only holds within this process")
		locker = lock.Nop{}
	default:
		// One session per running refresh plus one for a caller that is
		// still polling.
		pool, err := lock.OpenPostgres(cfg.Database.DSN, cfg.Refresh.MaxConcurrent+1)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("lock pool open: %w", err)
		}
		a.lockPool = pool
		locker = pool
	}

	sugar := log.Sugar()
	a.Coordinator = refresh.New(refresh.Deps{
		Evaluator: staleness.New(st, nil),
		Locker:    locker,
		Producer:  producer.NewClient(cfg.Producer.URL, cfg.Producer.APIKey, cfg.Producer.Timeout, sugar.Named("producer")),
		Writer:    &hydrator.Hydrator{Store: st, Pub: a.Events},
		Logger:    sugar.Named("refresh"),
	}, refresh.Config{
		Threshold:       cfg.Refresh.InteractiveThreshold,
		LockTimeout:     cfg.Lock.Timeout,
		ProducerTimeout: cfg.Producer.Timeout,
		StoreTimeout:    cfg.Refresh.StoreTimeout,
		Grace:           cfg.Refresh.Grace,
		MaxConcurrent:   cfg.Refresh.MaxConcurrent,
	})

	a.Walker = &sweep.Walker{
		Clients: st,
		Trigger: a.Coordinator,
		Logger:  sugar.Named("sweep"),
		Config: sweep.Config{
			Concurrency: cfg.Sweep.Concurrency,
			PageSize:    cfg.Sweep.PageSize,
			CallTimeout: cfg.Sweep.CallTimeout,
			Threshold:   cfg.Refresh.SweepThreshold,
			Interval:    cfg.Sweep.Interval,
			Rate:        cfg.Sweep.Rate,
		},
	}

	// Every process that writes batches invalidates the shared read cache.
	// Without redis the invalidator only drains batch.written events.
	a.startInvalidator(&readcache.Invalidator{Pub: a.Events, Redis: a.Redis, Logger: sugar.Named("readcache")})
	return a, nil
}

func (a *Application) startInvalidator(inv *readcache.Invalidator) {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopInvalidate = cancel
	a.invalidateDone = make(chan struct{})
	go func() {
		defer close(a.invalidateDone)
		inv.Run(ctx)
	}()
}

// Close waits for running refreshes until ctx expires, then releases the
// connections.
func (a *Application) Close(ctx context.Context) error {
	var errs *multierror.Error
	if a.Coordinator != nil {
		if err := a.Coordinator.Close(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("coordinator: %w", err))
		}
	}
	// Stopped after the coordinator so batches written during shutdown are
	// still invalidated.
	if a.stopInvalidate != nil {
		a.stopInvalidate()
		<-a.invalidateDone
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.lockPool != nil {
		if err := a.lockPool.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("lock pool: %w", err))
		}
	}
	if err := a.Store.DB.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("postgres: %w", err))
	}
	return errs.ErrorOrNil()
}
