// Package streamtable keeps the hash table of UDP streams discovered by the
// pcap/netcapture pipeline, keyed by destination IPv4:port with a secondary
// VLAN-path equality check, per spec.md §4.3.
package streamtable

import (
	"fmt"

	"github.com/snapetech/tsserve/internal/netcapture"
)

// Stream is one content-addressed (VLAN path, dst IPv4, dst UDP port) flow.
type Stream struct {
	No       int
	VLANPath netcapture.VLANTag2
	DstIP    [4]byte
	DstPort  uint16

	// PcpSeen/CfiSeen accumulate the first/last-seen VLAN priority and
	// drop-eligible bits as bitmasks (bit i set => value i observed).
	PcpSeen uint8
	CfiSeen uint8

	Packets int
	Bytes   int64
}

type key struct {
	dstIP   [4]byte
	dstPort uint16
}

// Table is the stream hash table. A secondary VLAN-path equality check
// handles packets that share a dst:port but arrive over distinct VLAN
// stacks, which the spec treats as distinct streams (spec.md §4.3).
type Table struct {
	byKey map[key][]*Stream
	next  int
}

// New returns an empty Table.
func New() *Table {
	return &Table{byKey: make(map[key][]*Stream)}
}

// Lookup returns the stream for (vlanPath, dstIP, dstPort), creating one
// with a monotonically increasing stream number on first sight.
func (t *Table) Lookup(vlanPath netcapture.VLANTag2, dstIP [4]byte, dstPort uint16) *Stream {
	k := key{dstIP: dstIP, dstPort: dstPort}
	for _, s := range t.byKey[k] {
		if s.VLANPath.Equal(vlanPath) {
			return s
		}
	}
	s := &Stream{No: t.next, VLANPath: vlanPath, DstIP: dstIP, DstPort: dstPort}
	t.next++
	t.byKey[k] = append(t.byKey[k], s)
	return s
}

// Observe records one delivered packet's count and byte length against its
// stream. VLAN priority/CFI bitmasks are not touched here; RecordVLANFlags
// folds them in.
func (t *Table) Observe(d netcapture.Delivery, n int) *Stream {
	var dst [4]byte
	copy(dst[:], d.ID.DstIP[:])
	s := t.Lookup(vlanPathOf(d.ID), dst, d.ID.DstPort)
	s.Packets++
	s.Bytes += int64(n)
	for i := 0; i < d.ID.VLANLen; i++ {
		tag := d.ID.VLANPath[i]
		_ = tag // StreamID carries VIDs only; pcp/cfi bitmasks come from RecordVLANFlags
	}
	return s
}

func vlanPathOf(id netcapture.StreamID) netcapture.VLANTag2 {
	var p netcapture.VLANTag2
	p.Len = id.VLANLen
	for i := 0; i < id.VLANLen; i++ {
		p.Tags[i] = netcapture.VLANTag{VID: id.VLANPath[i]}
	}
	return p
}

// RecordVLANFlags folds a tag's PCP/CFI values into the stream's
// first/last-seen bitmasks.
func (s *Stream) RecordVLANFlags(tags []netcapture.VLANTag) {
	for _, tag := range tags {
		s.PcpSeen |= 1 << (tag.PCP & 0x07)
		if tag.CFI {
			s.CfiSeen |= 2
		} else {
			s.CfiSeen |= 1
		}
	}
}

// String renders a human-readable stream identity, used in diagnostics.
func (s *Stream) String() string {
	return fmt.Sprintf("stream#%d %d.%d.%d.%d:%d vlans=%d", s.No, s.DstIP[0], s.DstIP[1], s.DstIP[2], s.DstIP[3], s.DstPort, s.VLANPath.Len)
}

// All returns every stream currently tracked, in stream-number order.
func (t *Table) All() []*Stream {
	out := make([]*Stream, t.next)
	for _, bucket := range t.byKey {
		for _, s := range bucket {
			out[s.No] = s
		}
	}
	return out
}
