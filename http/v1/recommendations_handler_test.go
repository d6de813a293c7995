package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/recs-api/internal/canon"
	"github.com/yourorg/recs-api/internal/redisx"
	"github.com/yourorg/recs-api/internal/refresh"
	"github.com/yourorg/recs-api/internal/store"
)

type fakeReader struct {
	batch     *store.Batch
	items     []store.Item
	reads     int
	itemReads int
	// afterItems runs once the items of a batch have been loaded.
	afterItems func()
}

func (f *fakeReader) LatestBatch(context.Context, string) (*store.Batch, error) {
	f.reads++
	return f.batch, nil
}

func (f *fakeReader) BatchItems(context.Context, string) ([]store.Item, error) {
	f.itemReads++
	if f.afterItems != nil {
		f.afterItems()
	}
	return f.items, nil
}

type fakeTrigger struct{ calls int }

func (f *fakeTrigger) EnsureFresh(context.Context, string, time.Duration) (refresh.Result, error) {
	f.calls++
	return refresh.Result{Status: refresh.StatusFresh}, nil
}

func get(t *testing.T, h http.Handler, target string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func sampleReader() *fakeReader {
	ref := "SKU-1"
	return &fakeReader{
		batch: &store.Batch{ID: "b-1", ClientID: "A", CreatedAt: time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC), ItemCount: 2},
		items: []store.Item{
			{ID: "i-1", BatchID: "b-1", Kind: "restock", Message: "Restock SKU-1", SubjectRef: &ref, Priority: 1},
			{ID: "i-2", BatchID: "b-1", Kind: "note", Message: "Review pricing", Priority: 3},
		},
	}
}

func TestRecommendationsReadThrough(t *testing.T) {
	s := miniredis.RunT(t)
	rc := redisx.New(s.Addr(), "", 0)
	t.Cleanup(func() { _ = rc.Close() })

	reader := sampleReader()
	trig := &fakeTrigger{}
	r := chi.NewRouter()
	RegisterRecommendations(r, RecommendationsDeps{Store: reader, Redis: rc, Trigger: trig, CacheTTL: time.Minute})

	code, out := get(t, r, "/v1/recommendations?clientId=A")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "database", out["source"])
	require.Equal(t, "b-1", out["batchId"])
	require.Equal(t, "fresh", out["refresh"])
	items := out["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	require.Equal(t, "restock", first["kind"])
	require.Equal(t, "SKU-1", first["subjectRef"])
	require.Nil(t, items[1].(map[string]any)["subjectRef"])

	require.True(t, s.Exists(canon.ReadCacheKey("A")))
	require.Equal(t, time.Minute, s.TTL(canon.ReadCacheKey("A")))

	code, out = get(t, r, "/v1/recommendations?clientId=A")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cache", out["source"])
	require.Len(t, out["items"], 2)
	require.Equal(t, 1, reader.reads)
	require.Equal(t, 1, reader.itemReads)
	require.Equal(t, 2, trig.calls)
}

func TestRecommendationsWithoutRedis(t *testing.T) {
	reader := sampleReader()
	r := chi.NewRouter()
	RegisterRecommendations(r, RecommendationsDeps{Store: reader})

	for i := 0; i < 2; i++ {
		code, out := get(t, r, "/v1/recommendations?clientId=A")
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "database", out["source"])
		require.NotContains(t, out, "refresh")
	}
	require.Equal(t, 2, reader.reads)
}

func TestRecommendationsNotFound(t *testing.T) {
	r := chi.NewRouter()
	RegisterRecommendations(r, RecommendationsDeps{Store: &fakeReader{}})

	code, out := get(t, r, "/v1/recommendations?clientId=ghost")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", out["error"])

	code, out = get(t, r, "/v1/recommendations")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "client_id_invalid", out["error"])
}

func TestRecommendationsSkipsFillAfterNewerBatch(t *testing.T) {
	s := miniredis.RunT(t)
	rc := redisx.New(s.Addr(), "", 0)
	t.Cleanup(func() { _ = rc.Close() })

	reader := sampleReader()
	// A refresh commits b-2 and invalidates while this read still holds b-1.
	reader.afterItems = func() {
		reader.afterItems = nil
		require.NoError(t, rc.Invalidate(context.Background(), canon.ReadCacheKey("A"), canon.ReadCacheVersionKey("A"), "b-2", time.Hour))
	}
	r := chi.NewRouter()
	RegisterRecommendations(r, RecommendationsDeps{Store: reader, Redis: rc, CacheTTL: time.Minute})

	code, out := get(t, r, "/v1/recommendations?clientId=A")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "database", out["source"])
	require.Equal(t, "b-1", out["batchId"])
	require.False(t, s.Exists(canon.ReadCacheKey("A")))

	reader.batch = &store.Batch{ID: "b-2", ClientID: "A", CreatedAt: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC), ItemCount: 2}
	code, out = get(t, r, "/v1/recommendations?clientId=A")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "b-2", out["batchId"])
	require.True(t, s.Exists(canon.ReadCacheKey("A")))

	code, out = get(t, r, "/v1/recommendations?clientId=A")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cache", out["source"])
	require.Equal(t, "b-2", out["batchId"])
}
