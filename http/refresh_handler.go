package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/yourorg/recs-api/internal/canon"
	"github.com/yourorg/recs-api/internal/refresh"
	"github.com/yourorg/recs-api/internal/store"
)

type Coordinator interface {
	EnsureFresh(ctx context.Context, clientID string, threshold time.Duration) (refresh.Result, error)
	InFlight(clientID string) *refresh.Task
}

type BatchReader interface {
	LatestBatch(ctx context.Context, clientID string) (*store.Batch, error)
}

type RefreshDeps struct {
	Coordinator Coordinator
	Store       BatchReader
	// Threshold applies when the request carries no thresholdHours.
	Threshold time.Duration
	Logger    *zap.SugaredLogger
}

type RefreshRequest struct {
	ClientID       string   `json:"clientId"`
	ThresholdHours *float64 `json:"thresholdHours,omitempty"`
}

type latestBatchResponse struct {
	BatchID    *string    `json:"batchId"`
	CreatedAt  *time.Time `json:"createdAt"`
	ItemCount  int        `json:"itemCount"`
	Refreshing bool       `json:"refreshing"`
}

func RegisterRefresh(r chi.Router, d RefreshDeps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}

	r.Post("/refresh-if-stale", func(w http.ResponseWriter, req *http.Request) {
		var body RefreshRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, req, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		threshold, ok := thresholdFrom(body.ThresholdHours, d.Threshold)
		if !ok {
			writeError(w, req, http.StatusBadRequest, "invalid_threshold", "thresholdHours must be between 0 and 8760")
			return
		}
		res, err := d.Coordinator.EnsureFresh(req.Context(), body.ClientID, threshold)
		if err != nil {
			switch {
			case errors.Is(err, canon.ErrInvalidClientID):
				writeError(w, req, http.StatusBadRequest, "client_id_invalid", err.Error())
			case errors.Is(err, refresh.ErrClosed):
				writeError(w, req, http.StatusServiceUnavailable, "shutting_down", "")
			default:
				d.Logger.Errorw("refresh check failed", "client_id", body.ClientID, "error", err)
				writeError(w, req, http.StatusInternalServerError, "refresh_check_failed", err.Error())
			}
			return
		}
		render.Status(req, http.StatusAccepted)
		render.JSON(w, req, res)
	})

	r.Get("/latest-batch", func(w http.ResponseWriter, req *http.Request) {
		id, err := canon.ClientID(req.URL.Query().Get("clientId"))
		if err != nil {
			writeError(w, req, http.StatusBadRequest, "client_id_invalid", err.Error())
			return
		}
		b, err := d.Store.LatestBatch(req.Context(), id)
		if err != nil {
			d.Logger.Errorw("latest batch lookup failed", "client_id", id, "error", err)
			writeError(w, req, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		resp := latestBatchResponse{}
		if b != nil {
			resp.BatchID = &b.ID
			resp.CreatedAt = &b.CreatedAt
			resp.ItemCount = b.ItemCount
		}
		if t := d.Coordinator.InFlight(id); t != nil {
			select {
			case <-t.Done():
			default:
				resp.Refreshing = true
			}
		}
		render.JSON(w, req, resp)
	})
}

const maxThresholdHours = 24 * 365

// thresholdFrom converts an optional hour count; absent or zero means def.
func thresholdFrom(hours *float64, def time.Duration) (time.Duration, bool) {
	if hours == nil || *hours == 0 {
		return def, true
	}
	h := *hours
	if h < 0 || h > maxThresholdHours || math.IsNaN(h) {
		return 0, false
	}
	return time.Duration(h * float64(time.Hour)), true
}

// decodeOptional decodes a JSON body that may be empty.
func decodeOptional(body io.Reader, v any) error {
	err := json.NewDecoder(body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
