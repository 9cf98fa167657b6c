package xnetip

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// HostPrefix returns the single-address prefix covering addr, e.g.
// "2001:db8::1/128".
func HostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}

// Family returns the address family of addr suitable for netlink and socket
// calls.
func Family(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// SameFamily reports whether both addresses belong to the same family.
func SameFamily(a, b netip.Addr) bool {
	return Family(a) == Family(b)
}

// Unspecified returns the wildcard address of the same family as addr.
func Unspecified(addr netip.Addr) netip.Addr {
	if Family(addr) == unix.AF_INET {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

// FromIPNet converts a standard library network into its address part.
func FromIPNet(n *net.IPNet) (netip.Addr, bool) {
	if n == nil {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
