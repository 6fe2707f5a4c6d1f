package identity

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sovereignos/gsep/core/pkg/canonicalize"
)

// CachingResolver wraps a Resolver with a content-hash keyed cache.
//
// Concurrent lookups for the same uncached key are coalesced into a single
// backing-store call via singleflight. Negative results (unknown key) are
// cached too, since consensus evaluation may retry the same bad key per
// signature batch.
type CachingResolver struct {
	backing Resolver

	mu    sync.RWMutex
	cache map[string]*Role // cache key -> role (nil = known-unknown)
	group singleflight.Group
}

// NewCachingResolver wraps backing with a cache.
func NewCachingResolver(backing Resolver) *CachingResolver {
	return &CachingResolver{
		backing: backing,
		cache:   make(map[string]*Role),
	}
}

// cacheKey derives the cache key from the lookup key's content hash so that
// cache entries are stable across restarts and safe to share with external
// cache tiers.
func cacheKey(keyOrID string) string {
	return "idr:" + canonicalize.HashBytes([]byte(keyOrID))
}

// ResolveRole implements Resolver.
func (c *CachingResolver) ResolveRole(ctx context.Context, keyOrID string) (*Role, error) {
	ck := cacheKey(keyOrID)

	c.mu.RLock()
	cached, ok := c.cache[ck]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := c.group.Do(ck, func() (interface{}, error) {
		role, err := c.backing.ResolveRole(ctx, keyOrID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[ck] = role
		c.mu.Unlock()
		return role, nil
	})
	if err != nil {
		return nil, err
	}
	role, _ := v.(*Role)
	return role, nil
}

// Invalidate drops the cache entry for a single key.
func (c *CachingResolver) Invalidate(keyOrID string) {
	c.mu.Lock()
	delete(c.cache, cacheKey(keyOrID))
	c.mu.Unlock()
}

// Clear drops all cached entries.
func (c *CachingResolver) Clear() {
	c.mu.Lock()
	c.cache = make(map[string]*Role)
	c.mu.Unlock()
}
