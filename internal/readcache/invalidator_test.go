package readcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/recs-api/internal/canon"
	"github.com/yourorg/recs-api/internal/events"
	"github.com/yourorg/recs-api/internal/redisx"
)

func TestInvalidatorDropsCachedEntry(t *testing.T) {
	s := miniredis.RunT(t)
	rc := redisx.New(s.Addr(), "", 0)
	t.Cleanup(func() { _ = rc.Close() })

	require.NoError(t, s.Set(canon.ReadCacheKey("A"), `{"batchId":"old"}`))
	require.NoError(t, s.Set(canon.ReadCacheKey("B"), `{"batchId":"keep"}`))

	pub := events.NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		(&Invalidator{Pub: pub, Redis: rc}).Run(ctx)
	}()

	pub.PublishBatchWritten(ctx, events.BatchWritten{ClientID: "A", BatchID: "new", ItemCount: 3, CreatedAt: time.Now()})
	require.Eventually(t, func() bool { return !s.Exists(canon.ReadCacheKey("A")) }, time.Second, 5*time.Millisecond)
	require.True(t, s.Exists(canon.ReadCacheKey("B")))
	ver, err := s.Get(canon.ReadCacheVersionKey("A"))
	require.NoError(t, err)
	require.Equal(t, "new", ver)
	require.Equal(t, DefaultVersionTTL, s.TTL(canon.ReadCacheVersionKey("A")))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("invalidator did not stop")
	}
}

func TestInvalidatorWithoutRedisDrainsEvents(t *testing.T) {
	pub := events.NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go (&Invalidator{Pub: pub}).Run(ctx)

	pub.PublishBatchWritten(ctx, events.BatchWritten{ClientID: "A"})
	require.Eventually(t, func() bool { return len(pub.SubscribeBatchWritten()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestInvalidatorFlushesBufferedEventsOnStop(t *testing.T) {
	s := miniredis.RunT(t)
	rc := redisx.New(s.Addr(), "", 0)
	t.Cleanup(func() { _ = rc.Close() })

	require.NoError(t, s.Set(canon.ReadCacheKey("A"), `{"batchId":"old"}`))
	require.NoError(t, s.Set(canon.ReadCacheKey("B"), `{"batchId":"old"}`))

	pub := events.NewInMemory(4)
	pub.PublishBatchWritten(context.Background(), events.BatchWritten{ClientID: "A", BatchID: "a-2"})
	pub.PublishBatchWritten(context.Background(), events.BatchWritten{ClientID: "B", BatchID: "b-2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	(&Invalidator{Pub: pub, Redis: rc}).Run(ctx)

	require.False(t, s.Exists(canon.ReadCacheKey("A")))
	require.False(t, s.Exists(canon.ReadCacheKey("B")))
	ver, err := s.Get(canon.ReadCacheVersionKey("B"))
	require.NoError(t, err)
	require.Equal(t, "b-2", ver)
}
