package hydrator

import (
	"context"
	"errors"
	"time"

	"github.com/yourorg/recs-api/internal/events"
	"github.com/yourorg/recs-api/internal/store"
	"github.com/yourorg/recs-api/producer"
)

// BatchWriter is the slice of the store the hydrator needs.
type BatchWriter interface {
	WriteBatch(ctx context.Context, in store.BatchInput) (store.Batch, error)
}

// Hydrator turns a producer payload into a persisted batch and announces it.
type Hydrator struct {
	Store BatchWriter
	Pub   events.Publisher
	// Now stamps createdAt; defaults to time.Now.
	Now func() time.Time
}

func (h *Hydrator) Enabled() bool { return h != nil && h.Store != nil }

func (h *Hydrator) Write(ctx context.Context, clientID string, raw []byte, p producer.Payload) (store.Batch, error) {
	if !h.Enabled() {
		return store.Batch{}, errors.New("hydrator has no store")
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	in := store.BatchInput{
		ClientID:          clientID,
		CreatedAt:         now(),
		AnalysisTimestamp: p.AnalysisTimestamp,
		SummaryNote:       p.SummaryNote,
		Items:             make([]store.ItemInput, 0, len(p.Items)),
		PayloadJSON:       raw,
	}
	for _, it := range p.Items {
		in.Items = append(in.Items, store.ItemInput{
			Kind:       it.Kind,
			Message:    it.Message,
			SubjectRef: it.SubjectRef,
			Priority:   it.Priority,
		})
	}
	b, err := h.Store.WriteBatch(ctx, in)
	if err != nil {
		return store.Batch{}, err
	}
	if h.Pub != nil {
		h.Pub.PublishBatchWritten(ctx, events.BatchWritten{
			ClientID:  b.ClientID,
			BatchID:   b.ID,
			ItemCount: b.ItemCount,
			CreatedAt: b.CreatedAt,
		})
	}
	return b, nil
}
