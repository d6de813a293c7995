package app

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/recs-api/internal/canon"
	"github.com/yourorg/recs-api/internal/events"
	"github.com/yourorg/recs-api/internal/readcache"
	"github.com/yourorg/recs-api/internal/redisx"
	"github.com/yourorg/recs-api/internal/store"
)

func TestCloseInvalidatesBatchesWrittenBeforeShutdown(t *testing.T) {
	s := miniredis.RunT(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	a := &Application{
		Logger: zap.NewNop(),
		Store:  &store.Store{DB: db},
		Redis:  redisx.New(s.Addr(), "", 0),
		Events: events.NewInMemory(8),
	}
	a.startInvalidator(&readcache.Invalidator{Pub: a.Events, Redis: a.Redis})

	require.NoError(t, s.Set(canon.ReadCacheKey("A"), `{"batchId":"b-1"}`))
	require.NoError(t, s.Set(canon.ReadCacheKey("B"), `{"batchId":"c-1"}`))
	ctx := context.Background()
	a.Events.PublishBatchWritten(ctx, events.BatchWritten{ClientID: "A", BatchID: "b-2"})
	a.Events.PublishBatchWritten(ctx, events.BatchWritten{ClientID: "B", BatchID: "c-2"})

	require.NoError(t, a.Close(ctx))
	require.False(t, s.Exists(canon.ReadCacheKey("A")))
	require.False(t, s.Exists(canon.ReadCacheKey("B")))
	ver, err := s.Get(canon.ReadCacheVersionKey("B"))
	require.NoError(t, err)
	require.Equal(t, "c-2", ver)
	require.NoError(t, mock.ExpectationsWereMet())
}
