package xnetip

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestHostPrefix(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected string
	}{
		{
			name:     "IPv6 host",
			addr:     "2001:db8::1",
			expected: "2001:db8::1/128",
		},
		{
			name:     "IPv4 host",
			addr:     "192.0.2.10",
			expected: "192.0.2.10/32",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix := HostPrefix(netip.MustParseAddr(tt.addr))
			require.Equal(t, tt.expected, prefix.String())
		})
	}
}

func TestFamily(t *testing.T) {
	require.Equal(t, unix.AF_INET6, Family(netip.MustParseAddr("2001:4860:4860::8888")))
	require.Equal(t, unix.AF_INET, Family(netip.MustParseAddr("8.8.8.8")))
	require.Equal(t, unix.AF_INET, Family(netip.MustParseAddr("::ffff:8.8.8.8")))

	require.True(t, SameFamily(netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("::1")))
	require.False(t, SameFamily(netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("10.0.0.1")))
}

func TestUnspecified(t *testing.T) {
	require.Equal(t, netip.IPv6Unspecified(), Unspecified(netip.MustParseAddr("2001:db8::1")))
	require.Equal(t, netip.IPv4Unspecified(), Unspecified(netip.MustParseAddr("10.0.0.1")))
}

func TestFromIPNet(t *testing.T) {
	_, n, err := net.ParseCIDR("2001:db8::/64")
	require.NoError(t, err)

	addr, ok := FromIPNet(n)
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("2001:db8::"), addr)

	v4 := &net.IPNet{IP: net.ParseIP("10.1.2.3"), Mask: net.CIDRMask(24, 32)}
	addr, ok = FromIPNet(v4)
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("10.1.2.3"), addr)

	_, ok = FromIPNet(nil)
	require.False(t, ok)
}
