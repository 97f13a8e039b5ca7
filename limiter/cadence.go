package limiter

import "time"

// Cadence fires once per period of accumulated tick time.
type Cadence struct {
	period  time.Duration
	elapsed time.Duration
}

func NewCadence(period time.Duration) Cadence {
	return Cadence{period: period}
}

// Tick adds dt and reports whether a period has completed. Several periods
// completing in one tick fire once.
func (c *Cadence) Tick(dt time.Duration) bool {
	c.elapsed += dt
	if c.elapsed < c.period {
		return false
	}
	c.elapsed %= c.period
	return true
}
