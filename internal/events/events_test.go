package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryDropsWhenFull(t *testing.T) {
	pub := NewInMemory(1)
	pub.PublishBatchWritten(context.Background(), BatchWritten{ClientID: "A", BatchID: "b-1"})
	pub.PublishBatchWritten(context.Background(), BatchWritten{ClientID: "B", BatchID: "b-2"})

	evt := <-pub.SubscribeBatchWritten()
	require.Equal(t, "A", evt.ClientID)
	select {
	case extra := <-pub.SubscribeBatchWritten():
		t.Fatalf("unexpected second event %+v", extra)
	default:
	}
}
