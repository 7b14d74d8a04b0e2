package stores

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/accessctl"
	"github.com/oarkflow/accessctl/utils"
)

// LocalCache is an in-process decision cache backed by ristretto. Ristretto
// cannot enumerate keys, so a side index of live keys backs DeletePattern.
type LocalCache struct {
	cache *ristretto.Cache
	mu    sync.Mutex
	keys  map[string]time.Time // key -> expiry
}

var _ accessctl.Cache = (*LocalCache)(nil)

// NewLocalCache creates a cache bounded to maxCost bytes of values.
func NewLocalCache(maxCost int64) (*LocalCache, error) {
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &LocalCache{cache: c, keys: make(map[string]time.Time)}, nil
}

func (c *LocalCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, nil
	}
	b, _ := v.([]byte)
	return b, nil
}

// Set waits for the write to be applied so a following Get observes it.
// The key is indexed and written under the index lock: a stored key is
// always visible to DeletePattern.
func (c *LocalCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = time.Now().Add(ttl)
	c.cache.SetWithTTL(key, value, int64(len(value)), ttl)
	c.cache.Wait()
	return nil
}

func (c *LocalCache) DeletePattern(ctx context.Context, pattern string) error {
	now := time.Now()
	prefix := utils.PrefixOf(pattern)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, exp := range c.keys {
		switch {
		case strings.HasPrefix(key, prefix) && utils.MatchGlob(pattern, key):
			c.cache.Del(key)
			delete(c.keys, key)
		case now.After(exp):
			delete(c.keys, key)
		}
	}
	return nil
}

func (c *LocalCache) Close() {
	c.cache.Close()
}
