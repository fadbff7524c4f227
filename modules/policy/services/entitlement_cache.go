package services

import (
	"context"
	"time"

	"github.com/tidegrid/metacore/modules/policy/domain/ports"
	"github.com/tidegrid/metacore/modules/policy/domain/types"
)

// EntitlementCache serves TTL-cached entitlement snapshots. Expiry forces
// a synchronous recompute; it is never surfaced to callers as an error.
// Concurrent refreshes for the same principal need no coordination: the
// recomputation is pure and the upsert is last-writer-wins.
type EntitlementCache struct {
	source ports.EntitlementSource
	store  ports.EntitlementCacheStore
	ttl    time.Duration
	now    func() time.Time
}

func NewEntitlementCache(source ports.EntitlementSource, store ports.EntitlementCacheStore, ttl time.Duration) *EntitlementCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &EntitlementCache{source: source, store: store, ttl: ttl, now: time.Now}
}

// SetClock overrides the cache clock. Test helper.
func (c *EntitlementCache) SetClock(now func() time.Time) { c.now = now }

func (c *EntitlementCache) Get(ctx context.Context, tenantID string, principalID string) (types.EntitlementSnapshot, error) {
	cached, err := c.store.Get(ctx, tenantID, principalID)
	if err == nil && !cached.Expired(c.now()) {
		return cached, nil
	}
	if err != nil && err != ports.ErrEntitlementNotCached {
		return types.EntitlementSnapshot{}, err
	}
	return c.refresh(ctx, tenantID, principalID)
}

// Invalidate drops the cached bundle by recomputing it immediately.
func (c *EntitlementCache) Invalidate(ctx context.Context, tenantID string, principalID string) error {
	_, err := c.refresh(ctx, tenantID, principalID)
	return err
}

func (c *EntitlementCache) refresh(ctx context.Context, tenantID string, principalID string) (types.EntitlementSnapshot, error) {
	snapshot, err := c.source.ResolveEntitlements(ctx, tenantID, principalID)
	if err != nil {
		return types.EntitlementSnapshot{}, err
	}
	snapshot.TenantID = tenantID
	snapshot.PrincipalID = principalID
	snapshot.ExpiresAt = c.now().Add(c.ttl)
	if err := c.store.Upsert(ctx, snapshot); err != nil {
		return types.EntitlementSnapshot{}, err
	}
	return snapshot, nil
}
