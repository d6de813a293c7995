package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/recs-api/internal/redisx"
)

const defaultRedisTTL = 2 * time.Minute

// Redis holds a key with SET NX PX and a random token. The TTL only matters
// when a holder dies without releasing; keep it above the producer timeout.
type Redis struct {
	Client       *redisx.Client
	TTL          time.Duration
	PollInterval time.Duration
}

func (r *Redis) TryAcquire(ctx context.Context, key string, timeout time.Duration) (Lease, error) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	token := uuid.NewString()
	err := poll(ctx, timeout, r.PollInterval, func(ctx context.Context) (bool, error) {
		ok, err := r.Client.SetNX(ctx, key, token, ttl)
		if err != nil {
			return false, fmt.Errorf("redis setnx: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		// A SET may have landed after its reply was given up on. Drop it so
		// the key does not stay held for a whole TTL.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_, _ = r.Client.DelIfEquals(cctx, key, token)
		return nil, err
	}
	return &redisLease{client: r.Client, key: key, token: token}, nil
}

type redisLease struct {
	client *redisx.Client
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	removed, err := l.client.DelIfEquals(ctx, l.key, l.token)
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if !removed {
		return ErrLeaseLost
	}
	return nil
}
