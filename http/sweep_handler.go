package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/yourorg/recs-api/internal/sweep"
)

const maxSweepConcurrency = 64

type Sweeper interface {
	RunOnce(ctx context.Context, concurrency int) (sweep.Result, error)
}

type SweepDeps struct {
	Sweeper Sweeper
	Logger  *zap.SugaredLogger
}

type SweepRequest struct {
	Concurrency *int `json:"concurrency,omitempty"`
}

type sweepResponse struct {
	Total        int   `json:"total"`
	ProcessedOK  int   `json:"processed_ok"`
	ProcessedErr int   `json:"processed_err"`
	ElapsedMs    int64 `json:"elapsedMs"`
	Concurrency  int   `json:"concurrency"`
	PeakInFlight int   `json:"peakInFlight"`
}

func RegisterSweep(r chi.Router, d SweepDeps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	r.Post("/sweep", func(w http.ResponseWriter, req *http.Request) {
		var body SweepRequest
		if err := decodeOptional(req.Body, &body); err != nil {
			writeError(w, req, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		concurrency := 0
		if body.Concurrency != nil {
			concurrency = *body.Concurrency
			if concurrency < 1 || concurrency > maxSweepConcurrency {
				writeError(w, req, http.StatusBadRequest, "invalid_concurrency",
					fmt.Sprintf("concurrency must be between 1 and %d", maxSweepConcurrency))
				return
			}
		}
		res, err := d.Sweeper.RunOnce(req.Context(), concurrency)
		if err != nil {
			d.Logger.Errorw("sweep aborted", "error", err, "visited", res.Total)
			writeError(w, req, http.StatusInternalServerError, "sweep_failed", err.Error())
			return
		}
		render.JSON(w, req, sweepResponse{
			Total:        res.Total,
			ProcessedOK:  res.Succeeded,
			ProcessedErr: res.Failed,
			ElapsedMs:    res.Elapsed.Milliseconds(),
			Concurrency:  res.Concurrency,
			PeakInFlight: res.PeakInFlight,
		})
	})
}
