// Package netcapture dissects captured link-layer frames down to UDP
// payloads tagged by stream identity (VLAN path, destination IPv4,
// destination UDP port), with single-flight IPv4 fragment reassembly and
// optional RTP unwrapping. Ethernet/VLAN/IPv4/UDP decoding is built on
// gopacket's layers package; IP reassembly is hand-written because the
// spec's single-in-flight semantics (new ident discards the prior,
// out-of-order discards, 64 KiB cap) differ from gopacket's own
// best-effort, multi-flow defragmenter.
package netcapture

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pion/rtp"
)

// Sentinel error kinds, per spec.md §7.
var (
	ErrTooManyVlans    = errors.New("netcapture: too many VLAN tags")
	ErrNotIPv4         = errors.New("netcapture: not IPv4")
	ErrNotUDP          = errors.New("netcapture: not UDP")
	ErrFragmentOverrun = errors.New("netcapture: reassembled datagram exceeds cap")
	ErrFragmentReorder = errors.New("netcapture: fragment arrived out of order")
	ErrPacketTooShort  = errors.New("netcapture: packet too short")
)

// MaxVLANDepth bounds VLAN tag peeling, per spec.md §4.2.
const MaxVLANDepth = 8

// ReassemblyCap is the maximum reassembled IPv4 datagram size, per spec.md §4.2.
const ReassemblyCap = 64 * 1024

// VLANTag records one 802.1Q tag in a stacked VLAN path.
type VLANTag struct {
	VID uint16
	PCP uint8
	CFI bool
}

// StreamID identifies a UDP flow by VLAN path plus destination IPv4:port.
// Two payloads with an identical StreamID map to the same stream regardless
// of source, per spec.md §3.
type StreamID struct {
	VLANPath [MaxVLANDepth]uint16
	VLANLen  int
	DstIP    [4]byte
	DstPort  uint16
}

// Delivery is one UDP (or RTP-unwrapped) payload tagged with its stream
// identity.
type Delivery struct {
	ID      StreamID
	SrcIP   net.IP
	SrcPort uint16
	Payload []byte
}

// RTPOptions configures optional RTP unwrapping, per spec.md §4.2.
type RTPOptions struct {
	Enabled     bool
	RawTypes    map[uint8]bool // payload types passed through verbatim
	MP2TPayload uint8          // normally 33
}

// DissectEthernet peels Ethernet and any stacked VLAN tags (type 0x8100),
// up to MaxVLANDepth, requiring the terminal ethertype to be IPv4 (0x0800).
// It returns the VLAN path and the IPv4 payload (including the IPv4 header).
func DissectEthernet(frame []byte) (VLANTag2, []byte, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return VLANTag2{}, nil, fmt.Errorf("netcapture: ethernet: %w", err)
	}
	etherType := eth.EthernetType
	payload := eth.Payload
	var path VLANTag2
	for etherType == layers.EthernetTypeDot1Q || etherType == layers.EthernetTypeQinQ {
		if path.Len >= MaxVLANDepth {
			return VLANTag2{}, nil, ErrTooManyVlans
		}
		var tag layers.Dot1Q
		if err := tag.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return VLANTag2{}, nil, fmt.Errorf("netcapture: vlan tag: %w", err)
		}
		path.Tags[path.Len] = VLANTag{VID: tag.VLANIdentifier, PCP: uint8(tag.Priority), CFI: tag.DropEligible}
		path.Len++
		etherType = tag.Type
		payload = tag.Payload
	}
	if etherType != layers.EthernetTypeIPv4 {
		return VLANTag2{}, nil, ErrNotIPv4
	}
	return path, payload, nil
}

// VLANTag2 is a fixed-capacity VLAN path, cheap to copy and compare.
type VLANTag2 struct {
	Tags [MaxVLANDepth]VLANTag
	Len  int
}

// Equal reports whether two VLAN paths carry the same tag sequence.
func (p VLANTag2) Equal(o VLANTag2) bool {
	if p.Len != o.Len {
		return false
	}
	for i := 0; i < p.Len; i++ {
		if p.Tags[i] != o.Tags[i] {
			return false
		}
	}
	return true
}

// DissectIPv4 decodes an IPv4 header from an Ethernet payload.
func DissectIPv4(payload []byte) (layers.IPv4, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return layers.IPv4{}, fmt.Errorf("netcapture: ipv4: %w", err)
	}
	return ip, nil
}

// DissectUDP decodes a UDP header from an IPv4 payload (post-reassembly).
func DissectUDP(payload []byte) (layers.UDP, error) {
	var udp layers.UDP
	if err := udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return layers.UDP{}, fmt.Errorf("netcapture: udp: %w", err)
	}
	return udp, nil
}

// UnwrapRTP validates an RTP header (version 2) and returns the RTP
// payload when the packet's payload type is configured as "raw" or is the
// MP2T type and the unwrapped payload begins with the TS sync byte.
// ok is false when the input is not recognised as RTP at all (the caller
// should then treat the datagram as raw TS).
func UnwrapRTP(opts RTPOptions, datagram []byte) (payload []byte, ok bool, err error) {
	if !opts.Enabled {
		return nil, false, nil
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		return nil, false, nil
	}
	if pkt.Version != 2 {
		return nil, false, nil
	}
	pt := pkt.PayloadType
	mp2t := opts.MP2TPayload
	if mp2t == 0 {
		mp2t = 33
	}
	switch {
	case opts.RawTypes[pt]:
		return pkt.Payload, true, nil
	case pt == mp2t:
		if len(pkt.Payload) == 0 || pkt.Payload[0] != 0x47 {
			return nil, false, nil
		}
		return pkt.Payload, true, nil
	default:
		return nil, false, nil
	}
}
