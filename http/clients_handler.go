package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/yourorg/recs-api/internal/canon"
)

type ClientRegistrar interface {
	UpsertClient(ctx context.Context, clientID string) error
}

type ClientsDeps struct {
	Store  ClientRegistrar
	Logger *zap.SugaredLogger
}

// RegisterClients exposes client registration so sweeps cover clients that
// never had a batch.
func RegisterClients(r chi.Router, d ClientsDeps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	r.Post("/clients", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ClientID string `json:"clientId"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, req, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		id, err := canon.ClientID(body.ClientID)
		if err != nil {
			writeError(w, req, http.StatusBadRequest, "client_id_invalid", err.Error())
			return
		}
		if err := d.Store.UpsertClient(req.Context(), id); err != nil {
			d.Logger.Errorw("client registration failed", "client_id", id, "error", err)
			writeError(w, req, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		render.Status(req, http.StatusCreated)
		render.JSON(w, req, map[string]any{"ok": true, "clientId": id})
	})
}
