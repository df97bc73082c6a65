package stores

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol"
)

// RedisDecisionCache is the distributed DecisionCache. Keys are written as
// given; the accesscontrol:check: prefix is part of the key already.
type RedisDecisionCache struct {
	client redis.UniversalClient
}

func NewRedisDecisionCache(client redis.UniversalClient) *RedisDecisionCache {
	return &RedisDecisionCache{client: client}
}

func (r *RedisDecisionCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, oops.Code(accesscontrol.CodeCacheUnavailable).With("key", key).Wrap(err)
	}
	return b, true, nil
}

func (r *RedisDecisionCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return oops.Code(accesscontrol.CodeCacheUnavailable).With("key", key).Wrap(err)
	}
	return nil
}

// Invalidate removes every cached decision of workstreamID.
func (r *RedisDecisionCache) Invalidate(ctx context.Context, workstreamID string) (int, error) {
	return r.deleteMatching(ctx, accesscontrol.CacheKeyPattern(workstreamID))
}

// InvalidateAll removes every cached decision of every workstream, including
// ones that were never named in configuration.
func (r *RedisDecisionCache) InvalidateAll(ctx context.Context) (int, error) {
	return r.deleteMatching(ctx, accesscontrol.CacheKeyPrefix+"*")
}

func (r *RedisDecisionCache) deleteMatching(ctx context.Context, pattern string) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, oops.Code(accesscontrol.CodeCacheUnavailable).With("key", iter.Val()).Wrap(err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, oops.Code(accesscontrol.CodeCacheUnavailable).With("pattern", pattern).Wrap(err)
	}
	return removed, nil
}
