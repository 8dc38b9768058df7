package server

import (
	"sync"
	"time"

	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

type cachedVerdict struct {
	verdict   types.Verdict
	expiresAt time.Time
}

type verdictCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cachedVerdict
}

func newVerdictCache(ttl time.Duration) *verdictCache {
	if ttl <= 0 {
		return nil
	}
	return &verdictCache{
		ttl:     ttl,
		entries: make(map[string]cachedVerdict),
	}
}

func (c *verdictCache) get(key string, now time.Time) (types.Verdict, bool) {
	if c == nil {
		return types.Verdict{}, false
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return types.Verdict{}, false
	}
	if e.expiresAt.After(now) {
		return e.verdict, true
	}
	c.evictExpired(key, now)
	return types.Verdict{}, false
}

// evictExpired deletes key only if it is still expired under the write
// lock, so an entry put since the read is kept.
func (c *verdictCache) evictExpired(key string, now time.Time) {
	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && !cur.expiresAt.After(now) {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

func (c *verdictCache) put(key string, v types.Verdict, now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = cachedVerdict{verdict: v, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
}
