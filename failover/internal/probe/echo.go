package probe

import (
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// marshalEcho builds an ICMP (or ICMPv6) echo request without any IP header.
//
// The ICMPv6 checksum covers a pseudo-header that depends on the source
// address chosen by the kernel, so it is left to the kernel to fill in.
func marshalEcho(v6 bool, id, seq uint16, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()

	var err error
	if v6 {
		err = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
			&layers.ICMPv6{
				TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0),
			},
			&layers.ICMPv6Echo{
				Identifier: id,
				SeqNumber:  seq,
			},
			gopacket.Payload(payload),
		)
	} else {
		err = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true},
			&layers.ICMPv4{
				TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
				Id:       id,
				Seq:      seq,
			},
			gopacket.Payload(payload),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to serialize echo request: %w", err)
	}

	return buf.Bytes(), nil
}

// parseEchoReply extracts identifier and sequence number from an echo reply.
//
// ok is false for anything else, e.g. our own echo requests looped back on a
// raw socket, neighbour discovery or error messages.
func parseEchoReply(v6 bool, data []byte) (id uint16, seq uint16, ok bool) {
	if v6 {
		pkt := gopacket.NewPacket(data, layers.LayerTypeICMPv6, gopacket.NoCopy)
		icmp, _ := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
		if icmp == nil || icmp.TypeCode.Type() != layers.ICMPv6TypeEchoReply {
			return 0, 0, false
		}
		echo, _ := pkt.Layer(layers.LayerTypeICMPv6Echo).(*layers.ICMPv6Echo)
		if echo == nil {
			return 0, 0, false
		}
		return echo.Identifier, echo.SeqNumber, true
	}

	pkt := gopacket.NewPacket(data, layers.LayerTypeICMPv4, gopacket.NoCopy)
	icmp, _ := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if icmp == nil || icmp.TypeCode.Type() != layers.ICMPv4TypeEchoReply {
		return 0, 0, false
	}
	return icmp.Id, icmp.Seq, true
}
