package retransmit

import (
	"sort"
	"time"
)

const (
	// MaxSamples is the number of round-trip samples kept.
	MaxSamples = 10

	// PingWindow is how long an unanswered ping is remembered.
	PingWindow = 6 * time.Second

	DefaultFallback = 600 * time.Millisecond
	DefaultOffset   = 50 * time.Millisecond
)

type ping struct {
	seq  int32
	sent time.Time
}

// RTTTracker matches acknowledgements to send times and reports the median
// of recent samples, which a single delayed ack cannot skew.
type RTTTracker struct {
	fallback, offset time.Duration

	pings   []ping
	samples []time.Duration

	Now func() time.Time
}

func NewRTTTracker(fallback, offset time.Duration) *RTTTracker {
	return &RTTTracker{
		fallback: fallback,
		offset:   offset,
		Now:      time.Now,
	}
}

// Ping records that seq was sent now.
func (t *RTTTracker) Ping(seq int32) {
	now := t.Now()
	kept := t.pings[:0]
	for _, p := range t.pings {
		if now.Sub(p.sent) <= PingWindow {
			kept = append(kept, p)
		}
	}
	t.pings = append(kept, ping{seq: seq, sent: now})
}

// Pong takes one sample for every pending ping acknowledged by ack.
func (t *RTTTracker) Pong(ack int32) {
	now := t.Now()
	kept := t.pings[:0]
	for _, p := range t.pings {
		if p.seq-ack <= 0 {
			t.addSample(now.Sub(p.sent))
			continue
		}
		kept = append(kept, p)
	}
	t.pings = kept
}

// Forget drops pending pings for retransmitted sequences, since their acks
// cannot be attributed to a single send.
func (t *RTTTracker) Forget(seqs ...int32) {
	if len(seqs) == 0 {
		return
	}
	drop := make(map[int32]bool, len(seqs))
	for _, s := range seqs {
		drop[s] = true
	}
	kept := t.pings[:0]
	for _, p := range t.pings {
		if !drop[p.seq] {
			kept = append(kept, p)
		}
	}
	t.pings = kept
}

func (t *RTTTracker) addSample(d time.Duration) {
	t.samples = append(t.samples, d)
	if len(t.samples) > MaxSamples {
		t.samples = t.samples[1:]
	}
}

// AddSample records a round trip measured elsewhere.
func (t *RTTTracker) AddSample(d time.Duration) {
	t.addSample(d)
}

// Average returns the median sample, or the fallback without samples.
func (t *RTTTracker) Average() time.Duration {
	n := len(t.samples)
	if n == 0 {
		return t.fallback
	}
	s := append([]time.Duration(nil), t.samples...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// WaitingTime is the retry interval: the average plus a fixed offset.
func (t *RTTTracker) WaitingTime() time.Duration {
	return t.Average() + t.offset
}

// Pending is the number of unanswered pings.
func (t *RTTTracker) Pending() int {
	return len(t.pings)
}
