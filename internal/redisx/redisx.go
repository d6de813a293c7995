package redisx

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	Rdb *redis.Client
}

func New(addr string, password string, db int) *Client {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &Client{Rdb: rdb}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Rdb.Ping(ctx).Err()
}

func (c *Client) Close() error { return c.Rdb.Close() }

// Get returns ("", false, nil) on a cache miss.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.Rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Client) Set(ctx context.Context, key string, val string, ttl time.Duration) error {
	return c.Rdb.Set(ctx, key, val, ttl).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.Rdb.Del(ctx, keys...).Err()
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.Rdb.Exists(ctx, key).Result()
	return n == 1, err
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.Rdb.TTL(ctx, key).Result()
}

func (c *Client) SetNX(ctx context.Context, key string, val string, ttl time.Duration) (bool, error) {
	return c.Rdb.SetNX(ctx, key, val, ttl).Result()
}

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

// DelIfEquals deletes key only while it still holds val. It reports whether a key was removed.
func (c *Client) DelIfEquals(ctx context.Context, key string, val string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.Rdb, []string{key}, val).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var invalidateVersioned = redis.NewScript(`
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
return redis.call("DEL", KEYS[1])`)

// Invalidate deletes key and records version under versionKey in one step.
// Later SetIfVersion calls for an older version become no-ops.
func (c *Client) Invalidate(ctx context.Context, key, versionKey, version string, versionTTL time.Duration) error {
	return invalidateVersioned.Run(ctx, c.Rdb, []string{key, versionKey}, version, versionTTL.Milliseconds()).Err()
}

var setIfVersion = redis.NewScript(`
local v = redis.call("GET", KEYS[2])
if v and v ~= ARGV[2] then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1`)

// SetIfVersion stores val unless versionKey names a different version. It
// reports whether the value was written.
func (c *Client) SetIfVersion(ctx context.Context, key, val string, ttl time.Duration, versionKey, version string) (bool, error) {
	n, err := setIfVersion.Run(ctx, c.Rdb, []string{key, versionKey}, val, version, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
