// Package limiter implements admission control: rate budgets reset on a
// fixed cadence and concurrency slots held until released.
package limiter

import (
	"sync"
)

// Concurrent bounds a count per key and a count across all keys. Both must
// have room for TryIncrease to succeed. A zero cap means unlimited.
type Concurrent[K comparable] struct {
	mu        sync.Mutex
	maxLocal  int
	maxGlobal int
	local     map[K]int
	global    int
}

func NewConcurrent[K comparable](maxLocal, maxGlobal int) *Concurrent[K] {
	return &Concurrent[K]{
		maxLocal:  maxLocal,
		maxGlobal: maxGlobal,
		local:     make(map[K]int),
	}
}

// TryIncrease takes one slot for k.
func (c *Concurrent[K]) TryIncrease(k K) bool {
	return c.TryIncreaseBy(k, 1)
}

// TryIncreaseBy takes n slots for k, or none.
func (c *Concurrent[K]) TryIncreaseBy(k K, n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxLocal > 0 && c.local[k]+n > c.maxLocal {
		return false
	}
	if c.maxGlobal > 0 && c.global+n > c.maxGlobal {
		return false
	}
	c.local[k] += n
	c.global += n
	return true
}

// Decrease releases one slot of k, local and global.
func (c *Concurrent[K]) Decrease(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local[k] > 0 {
		c.local[k]--
		if c.local[k] == 0 {
			delete(c.local, k)
		}
	}
	if c.global > 0 {
		c.global--
	}
}

// DecreaseGlobal releases one global slot, keeping the per-key count, so a
// key's budget stays consumed until ResetLocal.
func (c *Concurrent[K]) DecreaseGlobal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.global > 0 {
		c.global--
	}
}

// ResetLocal clears all per-key counts.
func (c *Concurrent[K]) ResetLocal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = make(map[K]int)
}

// Reset clears all counts.
func (c *Concurrent[K]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = make(map[K]int)
	c.global = 0
}

func (c *Concurrent[K]) Local(k K) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local[k]
}

func (c *Concurrent[K]) Global() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global
}
