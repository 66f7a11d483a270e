package queue

import (
	"context"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/dispatchd/internal/retry"
)

// ReadyKey is the list holding queue's pending ids.
func ReadyKey(prefix, queue string) string {
	return prefix + "queue:" + queue + ":ready"
}

// Redis is a Broker on Redis lists: RPUSH to publish, LPOP to take.
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
		return nil, retry.InvalidArgument("broker redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, retry.Unavailable("broker redis ping", err)
	}
	return &Redis{rdb: rdb, prefix: prefix, owned: true}, nil
}

func (r *Redis) queuesKey() string { return r.prefix + "queues" }

func (r *Redis) Publish(ctx context.Context, queue, taskID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, ReadyKey(r.prefix, queue), taskID)
		p.SAdd(ctx, r.queuesKey(), queue)
		return nil
	})
	return retry.Unavailable("publish", err)
}

func (r *Redis) Pop(ctx context.Context, queue string) (string, bool, error) {
	id, err := r.rdb.LPop(ctx, ReadyKey(r.prefix, queue)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, retry.Unavailable("pop", err)
	}
	return id, true, nil
}

func (r *Redis) Depth(ctx context.Context, queue string) (int, error) {
	n, err := r.rdb.LLen(ctx, ReadyKey(r.prefix, queue)).Result()
	if err != nil {
		return 0, retry.Unavailable("queue depth", err)
	}
	return int(n), nil
}

func (r *Redis) Queues(ctx context.Context) ([]string, error) {
	names, err := r.rdb.SMembers(ctx, r.queuesKey()).Result()
	if err != nil {
		return nil, retry.Unavailable("list queues", err)
	}
	sort.Strings(names)
	return names, nil
}

// Contains reports whether taskID is already on queue's ready list.
func (r *Redis) Contains(ctx context.Context, queue, taskID string) (bool, error) {
	ids, err := r.rdb.LRange(ctx, ReadyKey(r.prefix, queue), 0, -1).Result()
	if err != nil {
		return false, retry.Unavailable("queue lookup", err)
	}
	for _, id := range ids {
		if id == taskID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Redis) Close() error {
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}
