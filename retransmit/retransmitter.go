// Package retransmit keeps the retry bookkeeping of reliably sent frames and
// estimates the round-trip time used to pace the retries.
package retransmit

import (
	"time"

	tnet "badc0de.net/pkg/go-larnix/net"
)

type record struct {
	triesLeft int
	retryAt   time.Time
}

// Retransmitter tracks in-flight frames by identity: two frames with equal
// bytes are still distinct records.
type Retransmitter struct {
	tries   int
	records map[*tnet.Frame]*record

	// Now is the clock; tests may replace it.
	Now func() time.Time
}

func NewRetransmitter(tries int) *Retransmitter {
	return &Retransmitter{
		tries:   tries,
		records: make(map[*tnet.Frame]*record),
		Now:     time.Now,
	}
}

// Add registers f, first retry due after d.
func (r *Retransmitter) Add(f *tnet.Frame, d time.Duration) {
	r.records[f] = &record{triesLeft: r.tries, retryAt: r.Now().Add(d)}
}

// Discard forgets f, typically once it has been acknowledged.
func (r *Retransmitter) Discard(f *tnet.Frame) {
	delete(r.records, f)
}

func (r *Retransmitter) Tracked(f *tnet.Frame) bool {
	_, ok := r.records[f]
	return ok
}

func (r *Retransmitter) Len() int {
	return len(r.records)
}

// AllowRetry reports whether f is due for retransmission. Each allowed retry
// consumes one try and schedules the next one d later. Once the tries are
// spent, giveUp is true. Frames which were never added give up immediately.
func (r *Retransmitter) AllowRetry(f *tnet.Frame, d time.Duration) (retry, giveUp bool) {
	rec, ok := r.records[f]
	if !ok || rec.triesLeft <= 0 {
		return false, true
	}
	now := r.Now()
	if now.After(rec.retryAt) {
		rec.triesLeft--
		rec.retryAt = now.Add(d)
		return true, false
	}
	return false, false
}
