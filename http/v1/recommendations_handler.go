package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/yourorg/recs-api/internal/canon"
	"github.com/yourorg/recs-api/internal/redisx"
	"github.com/yourorg/recs-api/internal/refresh"
	"github.com/yourorg/recs-api/internal/store"
)

type Reader interface {
	LatestBatch(ctx context.Context, clientID string) (*store.Batch, error)
	BatchItems(ctx context.Context, batchID string) ([]store.Item, error)
}

type Trigger interface {
	EnsureFresh(ctx context.Context, clientID string, threshold time.Duration) (refresh.Result, error)
}

type RecommendationsDeps struct {
	Store Reader
	// Redis is optional; without it every read goes to the store.
	Redis *redisx.Client
	// Trigger, when set, is asked to refresh stale clients after each read.
	Trigger   Trigger
	Threshold time.Duration
	CacheTTL  time.Duration
	Logger    *zap.SugaredLogger
}

type recommendationItem struct {
	Kind       string  `json:"kind"`
	Message    string  `json:"message"`
	SubjectRef *string `json:"subjectRef"`
	Priority   int     `json:"priority"`
}

type recommendationsBody struct {
	BatchID           string               `json:"batchId"`
	CreatedAt         time.Time            `json:"createdAt"`
	AnalysisTimestamp *time.Time           `json:"analysisTimestamp"`
	SummaryNote       *string              `json:"summaryNote,omitempty"`
	Items             []recommendationItem `json:"items"`
}

type cachedEnvelope struct {
	Data recommendationsBody `json:"data"`
	Meta struct {
		CachedAt   time.Time `json:"cached_at"`
		TTLSeconds int       `json:"ttl_seconds"`
	} `json:"meta"`
}

func RegisterRecommendations(r chi.Router, d RecommendationsDeps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/recommendations", func(w http.ResponseWriter, req *http.Request) {
			id, err := canon.ClientID(req.URL.Query().Get("clientId"))
			if err != nil {
				writeError(w, req, http.StatusBadRequest, "client_id_invalid", err.Error())
				return
			}
			serveRecommendations(w, req, d, id)
		})
	})
}

func serveRecommendations(w http.ResponseWriter, req *http.Request, d RecommendationsDeps, id string) {
	ctx := req.Context()
	refreshStatus := triggerRefresh(ctx, d, id)

	if d.Redis != nil {
		val, ok, err := d.Redis.Get(ctx, canon.ReadCacheKey(id))
		if err != nil {
			d.Logger.Warnw("read cache lookup failed", "client_id", id, "error", err)
		} else if ok {
			var env cachedEnvelope
			if err := json.Unmarshal([]byte(val), &env); err == nil {
				render.JSON(w, req, withMeta(env.Data, "cache", refreshStatus))
				return
			}
		}
	}

	b, err := d.Store.LatestBatch(ctx, id)
	if err != nil {
		d.Logger.Errorw("latest batch lookup failed", "client_id", id, "error", err)
		writeError(w, req, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if b == nil {
		render.Status(req, http.StatusNotFound)
		render.JSON(w, req, map[string]any{"error": "not_found", "clientId": id, "refresh": refreshStatus})
		return
	}
	items, err := d.Store.BatchItems(ctx, b.ID)
	if err != nil {
		d.Logger.Errorw("batch items lookup failed", "client_id", id, "batch_id", b.ID, "error", err)
		writeError(w, req, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	body := recommendationsBody{
		BatchID:           b.ID,
		CreatedAt:         b.CreatedAt,
		AnalysisTimestamp: b.AnalysisTimestamp,
		SummaryNote:       b.SummaryNote,
		Items:             make([]recommendationItem, 0, len(items)),
	}
	for _, it := range items {
		body.Items = append(body.Items, recommendationItem{
			Kind:       it.Kind,
			Message:    it.Message,
			SubjectRef: it.SubjectRef,
			Priority:   it.Priority,
		})
	}

	if d.Redis != nil {
		ttl := maxDur(d.CacheTTL, 10*time.Minute)
		env := cachedEnvelope{Data: body}
		env.Meta.CachedAt = time.Now().UTC()
		env.Meta.TTLSeconds = int(ttl.Seconds())
		raw, _ := json.Marshal(env)
		stored, err := d.Redis.SetIfVersion(ctx, canon.ReadCacheKey(id), string(raw), ttl, canon.ReadCacheVersionKey(id), b.ID)
		if err != nil {
			d.Logger.Warnw("read cache store failed", "client_id", id, "error", err)
		} else if !stored {
			d.Logger.Debugw("read cache fill skipped, newer batch written", "client_id", id, "batch_id", b.ID)
		}
	}
	render.JSON(w, req, withMeta(body, "database", refreshStatus))
}

// triggerRefresh asks the coordinator to refresh a stale client. It never
// waits for the refresh itself.
func triggerRefresh(ctx context.Context, d RecommendationsDeps, id string) string {
	if d.Trigger == nil {
		return ""
	}
	res, err := d.Trigger.EnsureFresh(ctx, id, d.Threshold)
	if err != nil {
		d.Logger.Warnw("refresh trigger failed", "client_id", id, "error", err)
		return ""
	}
	return string(res.Status)
}

func withMeta(body recommendationsBody, source string, refreshStatus string) map[string]any {
	out := map[string]any{
		"batchId":           body.BatchID,
		"createdAt":         body.CreatedAt,
		"analysisTimestamp": body.AnalysisTimestamp,
		"items":             body.Items,
		"source":            source,
	}
	if body.SummaryNote != nil {
		out["summaryNote"] = *body.SummaryNote
	}
	if refreshStatus != "" {
		out["refresh"] = refreshStatus
	}
	return out
}

func writeError(w http.ResponseWriter, req *http.Request, status int, code string, detail string) {
	render.Status(req, status)
	render.JSON(w, req, map[string]any{"error": code, "detail": detail})
}

func maxDur(a, b time.Duration) time.Duration {
	if a > 0 {
		return a
	}
	return b
}
