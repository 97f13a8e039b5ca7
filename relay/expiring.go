package relay

import (
	"sync"
	"time"
)

// expiringSet remembers keys for ttl after they were last added.
type expiringSet[K comparable] struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[K]time.Time
}

func newExpiringSet[K comparable](ttl time.Duration) *expiringSet[K] {
	return &expiringSet[K]{ttl: ttl, seen: make(map[K]time.Time)}
}

func (e *expiringSet[K]) Add(k K, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen[k] = now
}

func (e *expiringSet[K]) Contains(k K, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.seen[k]
	return ok && now.Sub(t) < e.ttl
}

// Cleanup forgets expired keys and returns how many are left.
func (e *expiringSet[K]) Cleanup(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, t := range e.seen {
		if now.Sub(t) >= e.ttl {
			delete(e.seen, k)
		}
	}
	return len(e.seen)
}
