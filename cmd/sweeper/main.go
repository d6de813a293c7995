package main

import (
	"context"
	"errors"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/recs-api/internal/app"
	"github.com/yourorg/recs-api/internal/config"
	"github.com/yourorg/recs-api/internal/env"
	"github.com/yourorg/recs-api/internal/logger"
)

// The sweeper runs next to any number of API replicas; the shared lock backend
// keeps their refreshes exclusive.
func main() {
	cfg := config.Load()
	if cfg.Sweep.Interval <= 0 {
		cfg.Sweep.Interval = 6 * time.Hour
	}
	runOnce := env.GetBool("SWEEP_RUN_ONCE", false)

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		stdlog.Fatalf("logger init: %v", err)
	}
	defer func() { _ = log.Sync() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Producer.Timeout+cfg.Lock.Timeout+30*time.Second)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()

	if runOnce {
		res, err := a.Walker.RunOnce(rootCtx, 0)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("sweep run failed", zap.Error(err))
			return
		}
		log.Info("sweep run complete", zap.Int("total", res.Total), zap.Int("failed", res.Failed))
		return
	}

	if err := a.Walker.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("sweep loop stopped with error", zap.Error(err))
	}
}
