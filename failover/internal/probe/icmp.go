package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/yanet-platform/nat66-failover/common/go/xnetip"
)

const maxReplySize = 1500

// ICMPTransport sends echo requests over raw ICMP sockets.
//
// Each attempt opens its own socket, bound to the request source when one is
// given. Raw sockets require CAP_NET_RAW.
type ICMPTransport struct{}

// Echo implements Transport.
func (ICMPTransport) Echo(ctx context.Context, req EchoRequest) error {
	v6 := xnetip.Family(req.Target) == unix.AF_INET6

	network := "ip4:icmp"
	if v6 {
		network = "ip6:ipv6-icmp"
	}

	source := req.Source
	if !source.IsValid() {
		source = xnetip.Unspecified(req.Target)
	}

	conn, err := icmp.ListenPacket(network, source.String())
	if err != nil {
		return fmt.Errorf("failed to open %s socket on %s: %w", network, source, err)
	}
	defer conn.Close()

	if v6 {
		if p := conn.IPv6PacketConn(); p != nil {
			var filter ipv6.ICMPFilter
			filter.SetAll(true)
			filter.Accept(ipv6.ICMPTypeEchoReply)
			// Best effort; replies are matched below anyway.
			_ = p.SetICMPFilter(&filter)
		}
	}

	deadline := time.Now().Add(req.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set socket deadline: %w", err)
	}

	msg, err := marshalEcho(v6, req.ID, req.Seq, req.Payload)
	if err != nil {
		return err
	}

	dst := &net.IPAddr{IP: req.Target.AsSlice(), Zone: req.Target.Zone()}
	if _, err := conn.WriteTo(msg, dst); err != nil {
		return fmt.Errorf("failed to send echo request to %s: %w", req.Target, err)
	}

	buf := make([]byte, maxReplySize)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return fmt.Errorf("failed to receive echo reply from %s: %w", req.Target, err)
		}
		if !fromTarget(peer, req.Target) {
			continue
		}
		id, seq, ok := parseEchoReply(v6, buf[:n])
		if ok && id == req.ID && seq == req.Seq {
			return nil
		}
	}
}

func fromTarget(peer net.Addr, target netip.Addr) bool {
	ipAddr, ok := peer.(*net.IPAddr)
	if !ok {
		return false
	}
	addr, ok := netip.AddrFromSlice(ipAddr.IP)
	if !ok {
		return false
	}
	return addr.Unmap() == target.WithZone("").Unmap()
}

// Reason returns a short classification of an attempt error for logs and
// metrics.
func Reason(err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return "permission denied"
	case errors.Is(err, unix.ENETUNREACH), errors.Is(err, unix.EHOSTUNREACH):
		return "unreachable"
	case errors.Is(err, unix.EADDRNOTAVAIL):
		return "address not available"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}
