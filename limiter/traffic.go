package limiter

import (
	"sync"
	"time"

	"badc0de.net/pkg/go-larnix/commands"
)

// Policy limits one message type per sender per second. Over a soft limit
// messages are dropped; over a hard limit the sender is disconnected.
// Global, when non-zero, caps the type across all senders.
type Policy struct {
	Max    int
	Global int
	Hard   bool
}

type Decision int

const (
	Accept Decision = iota
	Drop
	Kick
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Drop:
		return "drop"
	case Kick:
		return "kick"
	}
	return "unknown"
}

// Traffic applies per-type policies to (owner, type) message counts, reset
// every second.
type Traffic struct {
	mu       sync.Mutex
	policies map[commands.ID]Policy
	counters map[commands.ID]*Concurrent[string]
	reset    Cadence
}

func NewTraffic(policies map[commands.ID]Policy) *Traffic {
	t := &Traffic{
		policies: make(map[commands.ID]Policy, len(policies)),
		counters: make(map[commands.ID]*Concurrent[string], len(policies)),
		reset:    NewCadence(time.Second),
	}
	for id, p := range policies {
		t.policies[id] = p
		t.counters[id] = NewConcurrent[string](p.Max, p.Global)
	}
	return t
}

// Allow counts one message of type id from owner. Types without a policy
// are always accepted.
func (t *Traffic) Allow(owner string, id commands.ID) Decision {
	t.mu.Lock()
	p, ok := t.policies[id]
	c := t.counters[id]
	t.mu.Unlock()
	if !ok || p.Max <= 0 {
		return Accept
	}
	if c.TryIncrease(owner) {
		return Accept
	}
	if p.Hard {
		return Kick
	}
	return Drop
}

// Tick resets all counts once per second of accumulated time.
func (t *Traffic) Tick(dt time.Duration) {
	t.mu.Lock()
	fire := t.reset.Tick(dt)
	t.mu.Unlock()
	if fire {
		t.Reset()
	}
}

func (t *Traffic) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.counters {
		c.Reset()
	}
}
