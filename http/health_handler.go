package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// HealthDeps maps a dependency name to its check.
type HealthDeps struct {
	Checks map[string]func(ctx context.Context) error
}

func RegisterHealth(r chi.Router, d HealthDeps) {
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		failed := map[string]string{}
		for name, check := range d.Checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			render.Status(req, http.StatusServiceUnavailable)
			render.JSON(w, req, map[string]any{"ok": false, "failed": failed})
			return
		}
		render.JSON(w, req, map[string]any{"ok": true})
	})
}
