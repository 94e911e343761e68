package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
	goredis "github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// Redis is a Guard shared by every replica pointing at the same Redis
type Redis struct {
	rdb *goredis.Client
	ttl time.Duration
}

type RedisOption func(*Redis)

func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// NewRedis connects to addr and verifies the connection
func NewRedis(ctx context.Context, addr string, opts ...RedisOption) (*Redis, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, goerr.Wrap(err, "failed to connect to redis", goerr.V("addr", addr))
	}

	r := &Redis{rdb: rdb, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Redis) Acquire(ctx context.Context, userID, key string) (*model.Decision, error) {
	k := scopedKey(userID, key)

	// A completed key can expire between SETNX and GET; one retry covers it.
	for range 2 {
		ok, err := r.rdb.SetNX(ctx, k, pendingMarker, r.ttl).Result()
		if err != nil {
			return nil, goerr.Wrap(err, "failed to reserve idempotency key", goerr.V("key", k))
		}
		if ok {
			return nil, nil
		}

		raw, err := r.rdb.Get(ctx, k).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read idempotency key", goerr.V("key", k))
		}
		if raw == pendingMarker {
			return nil, goerr.Wrap(ErrInProgress, "key is reserved", goerr.V("user_id", userID), goerr.V("key", key))
		}

		var decision model.Decision
		if err := json.Unmarshal([]byte(raw), &decision); err != nil {
			return nil, goerr.Wrap(err, "broken stored decision", goerr.V("key", k))
		}
		return &decision, nil
	}

	return nil, goerr.Wrap(ErrInProgress, "key keeps changing", goerr.V("key", k))
}

func (r *Redis) Complete(ctx context.Context, userID, key string, decision *model.Decision) error {
	raw, err := json.Marshal(decision)
	if err != nil {
		return goerr.Wrap(err, "failed to encode decision")
	}
	if err := r.rdb.Set(ctx, scopedKey(userID, key), raw, r.ttl).Err(); err != nil {
		return goerr.Wrap(err, "failed to store decision", goerr.V("user_id", userID), goerr.V("key", key))
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, userID, key string) error {
	if err := r.rdb.Del(ctx, scopedKey(userID, key)).Err(); err != nil {
		return goerr.Wrap(err, "failed to release idempotency key", goerr.V("user_id", userID), goerr.V("key", key))
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
