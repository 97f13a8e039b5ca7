package limiter

import (
	"net/netip"
)

const (
	DefaultMaskIPv4 = 32
	DefaultMaskIPv6 = 56
)

// InternetID identifies the network a client connects from: its address
// truncated to a configurable prefix, so a single host cannot dodge
// per-client budgets by rotating through its IPv6 allocation.
type InternetID netip.Prefix

func NewInternetID(addr netip.Addr, maskIPv4, maskIPv6 int) InternetID {
	addr = addr.Unmap()
	bits := maskIPv6
	if addr.Is4() {
		bits = maskIPv4
	}
	if bits < 0 || bits > addr.BitLen() {
		bits = addr.BitLen()
	}
	p, err := addr.Prefix(bits)
	if err != nil {
		return InternetID(netip.PrefixFrom(addr, addr.BitLen()))
	}
	return InternetID(p)
}

func (id InternetID) String() string {
	return netip.Prefix(id).String()
}
