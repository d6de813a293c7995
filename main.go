package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/recs-api/internal/app"
	"github.com/yourorg/recs-api/internal/config"
	"github.com/yourorg/recs-api/internal/logger"
)

func main() {
	cfg := config.Load()
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

	if cfg.Sweep.Interval > 0 {
		go func() {
			if err := a.Walker.Run(rootCtx); err != nil {
				log.Error("in-process sweep stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           BuildRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("recs-api listening", zap.Int("port", cfg.Port), zap.String("lock_backend", cfg.Lock.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Warn("close", zap.Error(err))
	}
}
