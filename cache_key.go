package accessctl

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CachePrefix starts every decision cache key.
const CachePrefix = "perm:"

// normalizedContext is the projection of a PermissionContext that can change
// a decision. encoding/json writes map keys sorted, so equal contexts hash
// equal.
type normalizedContext struct {
	ResourceID   string         `json:"rid,omitempty"`
	ResourceType string         `json:"rt,omitempty"`
	Owner        string         `json:"own,omitempty"`
	IP           string         `json:"ip,omitempty"`
	Bucket       int64          `json:"tb,omitempty"`
	Attributes   map[string]any `json:"attrs,omitempty"`
}

// cacheKey builds perm:{user}:{permission}:{hash}.
func (e *Engine) cacheKey(userID, permission string, pc *PermissionContext) string {
	return CachePrefix + userID + ":" + permission + ":" + e.contextHash(pc)
}

func (e *Engine) contextHash(pc *PermissionContext) string {
	n := normalizedContext{
		ResourceID:   pc.ResourceID,
		ResourceType: pc.ResourceType,
		Owner:        pc.ResourceOwnerID,
		IP:           pc.IP,
		Attributes:   pc.Attributes,
	}
	if !pc.RequestTime.IsZero() {
		n.Bucket = pc.RequestTime.UTC().Truncate(e.timeBucket).Unix()
	}
	b, err := json.Marshal(n)
	if err != nil {
		// unencodable attribute values still get a stable, distinct key
		b = []byte(fmt.Sprintf("%#v", n))
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

// UserCachePattern matches every cached decision for one user.
func UserCachePattern(userID string) string {
	return CachePrefix + userID + ":*"
}

// cachedDecision returns a cached decision for key. Entries whose override
// or delegation has lapsed at now are ignored even if the cache still holds
// them.
func (e *Engine) cachedDecision(ctx context.Context, key string, now time.Time) (*Decision, bool) {
	if e.cache == nil {
		return nil, false
	}
	raw, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Error("decision cache read failed", "key", key, "error", err.Error())
		e.metrics.cacheLookup("error")
		return nil, false
	}
	if raw == nil {
		e.metrics.cacheLookup("miss")
		return nil, false
	}
	var dec Decision
	if err := json.Unmarshal(raw, &dec); err != nil {
		e.logger.Error("decision cache entry corrupt", "key", key, "error", err.Error())
		e.metrics.cacheLookup("error")
		return nil, false
	}
	if dec.ExpiresAt != nil && !now.Before(*dec.ExpiresAt) {
		e.metrics.cacheLookup("stale")
		return nil, false
	}
	e.metrics.cacheLookup("hit")
	return &dec, true
}

// storeDecision writes dec with the engine TTL, capped so the entry never
// outlives the override or delegation that produced it.
func (e *Engine) storeDecision(ctx context.Context, key string, dec *Decision, now time.Time) {
	if e.cache == nil {
		return
	}
	ttl := e.cacheTTL
	if dec.ExpiresAt != nil {
		remaining := dec.ExpiresAt.Sub(now)
		if remaining <= 0 {
			return
		}
		if remaining < ttl {
			ttl = remaining
		}
	}
	raw, err := json.Marshal(dec)
	if err != nil {
		e.logger.Error("decision encode failed", "key", key, "error", err.Error())
		return
	}
	if err := e.cache.Set(context.WithoutCancel(ctx), key, raw, ttl); err != nil {
		e.logger.Error("decision cache write failed", "key", key, "error", err.Error())
	}
}

func (e *Engine) invalidateUser(ctx context.Context, userID string) error {
	if e.cache == nil {
		return nil
	}
	if err := e.cache.DeletePattern(ctx, UserCachePattern(userID)); err != nil {
		return fmt.Errorf("%w: user %s: %v", ErrCacheInvalidation, userID, err)
	}
	return nil
}
