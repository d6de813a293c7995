package events

import (
	"context"
	"time"
)

// BatchWritten is published after a batch commits.
type BatchWritten struct {
	ClientID  string
	BatchID   string
	ItemCount int
	CreatedAt time.Time
}

type Publisher interface {
	PublishBatchWritten(ctx context.Context, evt BatchWritten)
	SubscribeBatchWritten() <-chan BatchWritten
}

type inMemory struct {
	ch chan BatchWritten
}

// NewInMemory returns a single-consumer publisher. Events are dropped when the
// buffer is full; consumers must tolerate missed events.
func NewInMemory(buffer int) Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &inMemory{ch: make(chan BatchWritten, buffer)}
}

func (m *inMemory) PublishBatchWritten(_ context.Context, evt BatchWritten) {
	select {
	case m.ch <- evt:
	default:
	}
}

func (m *inMemory) SubscribeBatchWritten() <-chan BatchWritten { return m.ch }
