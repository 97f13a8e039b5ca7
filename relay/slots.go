package relay

import (
	"crypto/sha256"
	"encoding/binary"
	"net/netip"
)

// slots hands out client listener ports. A server gets the same port each
// time it comes back from the same /24, as long as that port is free.
type slots struct {
	min, max uint16
	used     map[uint16]bool
	last     uint16
}

func newSlots(min, max uint16) *slots {
	return &slots{min: min, max: max, used: make(map[uint16]bool), last: max}
}

func (s *slots) size() int {
	return int(s.max) - int(s.min) + 1
}

// preferred hashes the first three bytes of an IPv4 address into the range.
func (s *slots) preferred(a netip.Addr) uint16 {
	ip := a.Unmap().As4()
	sum := sha256.Sum256(ip[:3])
	return s.min + uint16(binary.LittleEndian.Uint32(sum[:4])%uint32(s.size()))
}

// take reserves a port for a, or reports false when the range is full.
func (s *slots) take(a netip.Addr) (uint16, bool) {
	if p := s.preferred(a); !s.used[p] {
		s.used[p] = true
		return p, true
	}
	p := s.last
	for range s.size() {
		if p == s.max {
			p = s.min
		} else {
			p++
		}
		if !s.used[p] {
			s.used[p] = true
			s.last = p
			return p, true
		}
	}
	return 0, false
}

func (s *slots) release(p uint16) {
	delete(s.used, p)
}
