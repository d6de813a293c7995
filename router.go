package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"

	httpapi "github.com/yourorg/recs-api/http"
	httpv1 "github.com/yourorg/recs-api/http/v1"
	"github.com/yourorg/recs-api/internal/app"
	"github.com/yourorg/recs-api/internal/logger"
)

func BuildRouter(a *app.Application) http.Handler {
	log := a.Logger.Named("http")
	sugar := log.Sugar()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware(log))
	r.Use(httprate.LimitByIP(a.Config.HTTP.RateLimit, 1*time.Minute)) // protect producer quota
	r.Use(render.SetContentType(render.ContentTypeJSON))

	checks := map[string]func(context.Context) error{"postgres": a.Store.Ping}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Ping
	}
	httpapi.RegisterHealth(r, httpapi.HealthDeps{Checks: checks})

	httpapi.RegisterRefresh(r, httpapi.RefreshDeps{
		Coordinator: a.Coordinator,
		Store:       a.Store,
		Threshold:   a.Config.Refresh.InteractiveThreshold,
		Logger:      sugar,
	})
	httpapi.RegisterSweep(r, httpapi.SweepDeps{Sweeper: a.Walker, Logger: sugar})
	httpapi.RegisterClients(r, httpapi.ClientsDeps{Store: a.Store, Logger: sugar})

	// v1 read path with Redis read-through cache
	httpv1.RegisterRecommendations(r, httpv1.RecommendationsDeps{
		Store:     a.Store,
		Redis:     a.Redis,
		Trigger:   a.Coordinator,
		Threshold: a.Config.Refresh.InteractiveThreshold,
		CacheTTL:  a.Config.HTTP.ReadCacheTTL,
		Logger:    sugar.Named("v1"),
	})

	return r
}
