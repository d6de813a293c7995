package readcache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/recs-api/internal/canon"
	"github.com/yourorg/recs-api/internal/events"
	"github.com/yourorg/recs-api/internal/redisx"
)

// DefaultVersionTTL bounds how long the newest batch id of a client is kept
// next to its cache entry.
const DefaultVersionTTL = 24 * time.Hour

// Invalidator consumes batch.written events, drops the cached latest
// recommendations of that client and records the new batch id so that reads
// which loaded an older batch cannot put it back.
type Invalidator struct {
	Pub        events.Publisher
	Redis      *redisx.Client
	Logger     *zap.SugaredLogger
	VersionTTL time.Duration
}

// Run handles events until ctx is done, then flushes whatever is still
// buffered.
func (i *Invalidator) Run(ctx context.Context) {
	if i.Logger == nil {
		i.Logger = zap.NewNop().Sugar()
	}
	if i.VersionTTL <= 0 {
		i.VersionTTL = DefaultVersionTTL
	}
	sub := i.Pub.SubscribeBatchWritten()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case evt := <-sub:
					i.handle(ctx, evt)
				default:
					return
				}
			}
		case evt := <-sub:
			i.handle(ctx, evt)
		}
	}
}

func (i *Invalidator) handle(ctx context.Context, evt events.BatchWritten) {
	if i.Redis == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	err := i.Redis.Invalidate(dctx, canon.ReadCacheKey(evt.ClientID), canon.ReadCacheVersionKey(evt.ClientID), evt.BatchID, i.VersionTTL)
	cancel()
	if err != nil {
		i.Logger.Warnw("read cache invalidation failed", "client_id", evt.ClientID, "batch_id", evt.BatchID, "error", err)
		return
	}
	i.Logger.Debugw("read cache invalidated", "client_id", evt.ClientID, "batch_id", evt.BatchID, "items", evt.ItemCount)
}
