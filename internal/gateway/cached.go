package gateway

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"claimline/internal/domain"
)

// Cached keeps recently read claim snapshots in memory. Misses are not cached.
type Cached struct {
	next  Gateway
	cache *gocache.Cache
}

func NewCached(next Gateway, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{next: next, cache: gocache.New(ttl, 2*ttl)}
}

func (c *Cached) ReadByID(ctx context.Context, claimID string) (domain.Claim, error) {
	key := cacheKey(claimID)
	if v, ok := c.cache.Get(key); ok {
		return v.(domain.Claim), nil
	}
	claim, err := c.next.ReadByID(ctx, claimID)
	if err != nil {
		return claim, err
	}
	c.cache.SetDefault(key, claim)
	return claim, nil
}

// UpdateStatus invalidates before delegating so a failed write never leaves a stale status cached.
func (c *Cached) UpdateStatus(ctx context.Context, claimID, status string) error {
	c.cache.Delete(cacheKey(claimID))
	return c.next.UpdateStatus(ctx, claimID, status)
}

// Flush drops every cached snapshot.
func (c *Cached) Flush() {
	c.cache.Flush()
}

func cacheKey(claimID string) string {
	return strings.ToUpper(strings.TrimSpace(claimID))
}
