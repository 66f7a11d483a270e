package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/dispatchd/internal/retry"
)

// Redis is a Cache backed by plain GET / SET PX.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedis wraps an existing client. Close does not close it.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

// DialRedis opens a client from a redis:// URL and owns it.
func DialRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, retry.InvalidArgument("cache redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, retry.Unavailable("cache redis ping", err)
	}
	return &Redis{rdb: rdb, prefix: prefix, owned: true}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.prefix+Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, retry.Unavailable("cache get", err)
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return retry.Unavailable("cache set", r.rdb.Set(ctx, r.prefix+Key(key), value, ttl).Err())
}

func (r *Redis) Close() error {
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}
