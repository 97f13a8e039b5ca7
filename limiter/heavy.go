package limiter

import (
	"time"
)

const (
	HeavyLocalLimit  = 5
	HeavyGlobalLimit = 50
)

// Heavy bounds per second the frames which cost the server real work before
// any session exists: SYN, RSA-wrapped and connectionless frames.
type Heavy struct {
	c     *Concurrent[InternetID]
	reset Cadence
}

func NewHeavy(local, global int) *Heavy {
	return &Heavy{
		c:     NewConcurrent[InternetID](local, global),
		reset: NewCadence(time.Second),
	}
}

// Allow consumes one unit of the sender's and the global budget.
func (h *Heavy) Allow(id InternetID) bool {
	return h.c.TryIncrease(id)
}

// Tick clears the budgets once per second of accumulated time.
func (h *Heavy) Tick(dt time.Duration) {
	if h.reset.Tick(dt) {
		h.c.Reset()
	}
}
