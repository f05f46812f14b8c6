package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// MemoryGuard keeps consumed nonces in a bounded LRU. The oldest entries are
// evicted once size is reached, so it only suits single-process setups.
type MemoryGuard struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryGuard(size int, ttl time.Duration) (*MemoryGuard, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create replay cache: %w", err)
	}
	return &MemoryGuard{cache: cache, ttl: ttl, now: time.Now}, nil
}

type nonceKey struct {
	userID, topicID, nonce string
}

func (g *MemoryGuard) IsReplay(_ context.Context, userID, topicID, nonce string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.liveLocked(nonceKey{userID, topicID, nonce}), nil
}

func (g *MemoryGuard) MarkReplay(_ context.Context, userID, topicID, nonce string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := nonceKey{userID, topicID, nonce}
	if g.liveLocked(key) {
		return ErrAlreadyUsed
	}
	var expires time.Time
	if g.ttl > 0 {
		expires = g.now().Add(g.ttl)
	}
	g.cache.Add(key, expires)
	return nil
}

func (g *MemoryGuard) Len() int {
	return g.cache.Len()
}

func (g *MemoryGuard) liveLocked(key nonceKey) bool {
	v, ok := g.cache.Get(key)
	if !ok {
		return false
	}
	expires := v.(time.Time)
	if !expires.IsZero() && !g.now().Before(expires) {
		g.cache.Remove(key)
		return false
	}
	return true
}
