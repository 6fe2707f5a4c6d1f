package identity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisResolver is a shared cache tier in front of a backing Resolver,
// for deployments where multiple kernel instances evaluate proposals against
// the same electorate. Cache entries are keyed by the lookup key's content
// hash and carry a TTL; a Redis outage degrades to the backing store rather
// than failing resolution.
type RedisResolver struct {
	backing Resolver
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

// negativeEntry marks a known-unknown key in the shared cache.
const negativeEntry = "__unknown__"

// NewRedisResolver creates a Redis-backed caching resolver.
func NewRedisResolver(backing Resolver, client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisResolver{backing: backing, client: client, ttl: ttl, logger: logger}
}

// ResolveRole implements Resolver.
func (r *RedisResolver) ResolveRole(ctx context.Context, keyOrID string) (*Role, error) {
	ck := cacheKey(keyOrID)

	raw, err := r.client.Get(ctx, ck).Result()
	switch {
	case err == nil:
		if raw == negativeEntry {
			return nil, nil
		}
		var role Role
		if jsonErr := json.Unmarshal([]byte(raw), &role); jsonErr == nil {
			return &role, nil
		}
		// Corrupt entry: fall through to the backing store and overwrite.
		r.logger.Warn("identity: corrupt redis cache entry", "key", ck)
	case errors.Is(err, redis.Nil):
		// Cache miss.
	default:
		r.logger.Warn("identity: redis cache unavailable, using backing store", "error", err)
	}

	role, err := r.backing.ResolveRole(ctx, keyOrID)
	if err != nil {
		return nil, err
	}

	payload := negativeEntry
	if role != nil {
		if b, jsonErr := json.Marshal(role); jsonErr == nil {
			payload = string(b)
		}
	}
	if setErr := r.client.Set(ctx, ck, payload, r.ttl).Err(); setErr != nil {
		r.logger.Warn("identity: redis cache write failed", "error", setErr)
	}
	return role, nil
}

// Invalidate drops the shared cache entry for a key.
func (r *RedisResolver) Invalidate(ctx context.Context, keyOrID string) error {
	return r.client.Del(ctx, cacheKey(keyOrID)).Err()
}
