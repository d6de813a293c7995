// Package staleness decides whether a client's latest batch is still usable.
package staleness

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/yourorg/recs-api/internal/store"
)

type Status int

const (
	Absent Status = iota
	Stale
	Fresh
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "absent"
	}
}

// LatestReader is the read side of the store.
type LatestReader interface {
	LatestBatch(ctx context.Context, clientID string) (*store.Batch, error)
}

type Evaluation struct {
	Status               Status
	LatestBatchID        string
	LatestBatchCreatedAt time.Time
}

type Evaluator struct {
	Store LatestReader
	Clock clock.Clock
}

func New(st LatestReader, clk clock.Clock) *Evaluator {
	if clk == nil {
		clk = clock.New()
	}
	return &Evaluator{Store: st, Clock: clk}
}

// Evaluate is read only. A batch exactly threshold old is still fresh.
func (e *Evaluator) Evaluate(ctx context.Context, clientID string, threshold time.Duration) (Evaluation, error) {
	b, err := e.Store.LatestBatch(ctx, clientID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("evaluate %s: %w", clientID, err)
	}
	return Classify(b, threshold, e.Clock.Now()), nil
}

// Classify is the pure part of Evaluate.
func Classify(b *store.Batch, threshold time.Duration, now time.Time) Evaluation {
	if b == nil {
		return Evaluation{Status: Absent}
	}
	ev := Evaluation{Status: Fresh, LatestBatchID: b.ID, LatestBatchCreatedAt: b.CreatedAt}
	if now.Sub(b.CreatedAt) > threshold {
		ev.Status = Stale
	}
	return ev
}
