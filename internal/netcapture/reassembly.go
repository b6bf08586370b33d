package netcapture

import (
	"fmt"

	"github.com/google/gopacket/layers"
)

// Reassembler holds a single in-flight IPv4 fragmentation sequence per the
// spec's intentionally strict model (spec.md §4.2): only one identifier may
// be in flight at a time; a new ident arriving mid-reassembly discards the
// prior datagram; fragments must arrive in strict offset order or the whole
// datagram is discarded; the reassembled size is capped at ReassemblyCap.
type Reassembler struct {
	active     bool
	ident      uint16
	proto      layers.IPProtocol
	src, dst   [4]byte
	buf        []byte
	nextOffset int
	sawFinal   bool
}

// NewReassembler returns a ready, empty Reassembler.
func NewReassembler() *Reassembler { return &Reassembler{} }

// Result is a fully reassembled (or single, unfragmented) IPv4 payload.
type Result struct {
	Proto layers.IPProtocol
	Src   [4]byte
	Dst   [4]byte
	Data  []byte
}

// Feed processes one IPv4 packet. When the packet is unfragmented it
// returns the payload immediately. When it completes an in-flight sequence
// it returns the reassembled datagram. Otherwise it returns ok=false while
// the fragment is buffered (or the in-flight sequence is discarded per the
// strict single-flight rules).
func (r *Reassembler) Feed(ip layers.IPv4) (Result, bool, error) {
	moreFragments := ip.Flags&layers.IPv4MoreFragments != 0
	fragOffsetBytes := int(ip.FragOffset) * 8

	if !moreFragments && fragOffsetBytes == 0 {
		var src, dst [4]byte
		copy(src[:], ip.SrcIP.To4())
		copy(dst[:], ip.DstIP.To4())
		return Result{Proto: ip.Protocol, Src: src, Dst: dst, Data: ip.Payload}, true, nil
	}

	if moreFragments && len(ip.Payload)%8 != 0 {
		return Result{}, false, fmt.Errorf("netcapture: non-final fragment length %d not a multiple of 8", len(ip.Payload))
	}

	if r.active && r.ident != ip.Id {
		// A new identifier while another is in progress discards the prior,
		// per spec.md §4.2.
		r.reset()
	}

	if !r.active {
		if fragOffsetBytes != 0 {
			// First fragment we see for this ident is not the leading one;
			// nothing to reassemble from, treat as reorder.
			return Result{}, false, ErrFragmentReorder
		}
		r.active = true
		r.ident = ip.Id
		r.proto = ip.Protocol
		copy(r.src[:], ip.SrcIP.To4())
		copy(r.dst[:], ip.DstIP.To4())
		r.buf = append([]byte(nil), ip.Payload...)
		r.nextOffset = len(ip.Payload)
		r.sawFinal = !moreFragments
		if r.sawFinal {
			return r.finish()
		}
		return Result{}, false, nil
	}

	if fragOffsetBytes != r.nextOffset {
		r.reset()
		return Result{}, false, ErrFragmentReorder
	}
	if len(r.buf)+len(ip.Payload) > ReassemblyCap {
		r.reset()
		return Result{}, false, ErrFragmentOverrun
	}
	r.buf = append(r.buf, ip.Payload...)
	r.nextOffset += len(ip.Payload)
	if !moreFragments {
		r.sawFinal = true
		return r.finish()
	}
	return Result{}, false, nil
}

func (r *Reassembler) finish() (Result, bool, error) {
	res := Result{Proto: r.proto, Src: r.src, Dst: r.dst, Data: r.buf}
	r.reset()
	return res, true, nil
}

func (r *Reassembler) reset() {
	r.active = false
	r.ident = 0
	r.buf = nil
	r.nextOffset = 0
	r.sawFinal = false
}
