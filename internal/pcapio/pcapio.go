// Package pcapio reads classic pcap and pcap-ng capture files, yielding a
// lazy, finite, non-restartable sequence of (capture timestamp, link-layer
// bytes) pairs. It classifies the file from its leading magic, handles
// endianness per-format, and walks pcap-ng's block structure (section
// headers, interface descriptions, enhanced/obsolete packet blocks).
package pcapio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Sentinel error kinds, per spec.md §7.
var (
	ErrPacketTooShort = errors.New("pcapio: packet too short")
	ErrBadMagic       = errors.New("pcapio: bad magic")
	ErrBadLength      = errors.New("pcapio: bad block length")
	ErrBadInterfaceID = errors.New("pcapio: bad interface id")
)

const (
	magicClassicBE = 0xA1B2C3D4
	magicClassicLE = 0xD4C3B2A1
	magicNG        = 0x0A0D0D0A
	magicNGInnerLE = 0x1A2B3C4D
	magicNGInnerBE = 0x4D3C2B1A

	blockSectionHeader  = 0x0A0D0D0A
	blockInterfaceDesc  = 0x00000001
	blockPacketObsolete = 0x00000002
	blockEnhancedPacket = 0x00000006

	minBlockLength = 8
	maxBlockLength = 1 << 20 // 1 MiB, spec §4.1 sanity window
)

// Format distinguishes the two file kinds the reader recognises.
type Format int

const (
	FormatClassic Format = iota
	FormatNG
)

// Packet is one captured link-layer frame with its 90 kHz capture timestamp.
type Packet struct {
	Timestamp90k uint64 // capture time in 90 kHz units, arbitrary epoch
	LinkBytes    []byte
	InterfaceID  uint32
	LinkType     uint16
}

type ngInterface struct {
	linkType uint16
	tsResHz  uint64 // ticks per second for the raw 64-bit timestamp
}

// Reader walks a byte-stream source and emits framed packets.
type Reader struct {
	src    io.Reader
	format Format

	// classic pcap state
	order    binary.ByteOrder
	linkType uint16

	// pcap-ng state
	sectionOrder binary.ByteOrder
	ifaces       []ngInterface

	done bool
}

// Open classifies the source from its leading 4-byte magic and returns a
// ready Reader. For classic pcap the full 24-byte global header is consumed here;
// for pcap-ng only the magic is peeked and the Section Header Block is left
// for the first call to Next.
func Open(src io.Reader) (*Reader, error) {
	var magicBuf [4]byte
	if _, err := io.ReadFull(src, magicBuf[:]); err != nil {
		return nil, fmt.Errorf("pcapio: read magic: %w", err)
	}
	magic := binary.BigEndian.Uint32(magicBuf[:])
	switch magic {
	case magicClassicBE, magicClassicLE:
		order := binary.ByteOrder(binary.BigEndian)
		if magic == magicClassicLE {
			order = binary.LittleEndian
		}
		hdr := make([]byte, 20)
		if _, err := io.ReadFull(src, hdr); err != nil {
			return nil, fmt.Errorf("pcapio: read global header: %w", err)
		}
		r := &Reader{
			src:      src,
			format:   FormatClassic,
			order:    order,
			linkType: uint16(order.Uint32(hdr[16:20])),
		}
		return r, nil
	case magicNG:
		// Hand the magic back so Next reads the whole Section Header Block.
		return &Reader{src: io.MultiReader(bytes.NewReader(magicBuf[:]), src), format: FormatNG}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}
}

// Format reports the classified capture format.
func (r *Reader) Format() Format { return r.format }

// Next returns the next packet, or io.EOF when the source is exhausted.
func (r *Reader) Next() (Packet, error) {
	if r.done {
		return Packet{}, io.EOF
	}
	if r.format == FormatClassic {
		return r.nextClassic()
	}
	return r.nextNG()
}

func (r *Reader) nextClassic() (Packet, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		r.done = true
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, io.EOF
		}
		return Packet{}, fmt.Errorf("pcapio: read record header: %w", err)
	}
	tsSec := r.order.Uint32(hdr[0:4])
	tsUsec := r.order.Uint32(hdr[4:8])
	inclLen := r.order.Uint32(hdr[8:12])
	if inclLen == 0 {
		return Packet{}, fmt.Errorf("%w: incl_len=0", ErrPacketTooShort)
	}
	data := make([]byte, inclLen)
	if _, err := io.ReadFull(r.src, data); err != nil {
		r.done = true
		return Packet{}, fmt.Errorf("pcapio: read record data: %w", err)
	}
	ts90k := uint64(tsSec)*90000 + uint64(tsUsec)*90/1000
	return Packet{Timestamp90k: ts90k, LinkBytes: data, LinkType: r.linkType}, nil
}

func (r *Reader) nextNG() (Packet, error) {
	for {
		var blockHdr [8]byte
		if _, err := io.ReadFull(r.src, blockHdr[:]); err != nil {
			r.done = true
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Packet{}, io.EOF
			}
			return Packet{}, fmt.Errorf("pcapio: read block header: %w", err)
		}
		// The block type is always little-endian on disk for the purposes of
		// detecting the Section Header Block; everything else is read in the
		// byte order declared by that block's inner magic.
		blockType := binary.LittleEndian.Uint32(blockHdr[0:4])
		totalLen := binary.LittleEndian.Uint32(blockHdr[4:8])

		if blockType != blockSectionHeader {
			if totalLen < minBlockLength || totalLen > maxBlockLength {
				return Packet{}, fmt.Errorf("%w: block type=0x%x length=%d", ErrBadLength, blockType, totalLen)
			}
		}
		if totalLen < 12 {
			return Packet{}, fmt.Errorf("%w: total_length=%d", ErrBadLength, totalLen)
		}
		body := make([]byte, totalLen-12)
		if _, err := io.ReadFull(r.src, body); err != nil {
			r.done = true
			return Packet{}, fmt.Errorf("pcapio: read block body: %w", err)
		}
		var trailer [4]byte
		if _, err := io.ReadFull(r.src, trailer[:]); err != nil {
			r.done = true
			return Packet{}, fmt.Errorf("pcapio: read block trailer: %w", err)
		}

		switch blockType {
		case blockSectionHeader:
			if err := r.resetSection(body); err != nil {
				return Packet{}, err
			}
		case blockInterfaceDesc:
			if err := r.addInterface(body); err != nil {
				return Packet{}, err
			}
		case blockPacketObsolete:
			pkt, ok, err := r.readObsoletePacket(body)
			if err != nil {
				return Packet{}, err
			}
			if ok {
				return pkt, nil
			}
		case blockEnhancedPacket:
			pkt, ok, err := r.readEnhancedPacket(body)
			if err != nil {
				return Packet{}, err
			}
			if ok {
				return pkt, nil
			}
		default:
			// Unknown blocks are skipped by length, per spec §4.1.
		}
	}
}

func (r *Reader) resetSection(body []byte) error {
	if len(body) < 4 {
		return fmt.Errorf("%w: section header too short", ErrBadLength)
	}
	inner := binary.LittleEndian.Uint32(body[0:4])
	switch inner {
	case magicNGInnerLE:
		r.sectionOrder = binary.LittleEndian
	case magicNGInnerBE:
		r.sectionOrder = binary.BigEndian
	default:
		return fmt.Errorf("%w: section inner magic 0x%08x", ErrBadMagic, inner)
	}
	r.ifaces = r.ifaces[:0]
	return nil
}

func (r *Reader) order_() binary.ByteOrder {
	if r.sectionOrder != nil {
		return r.sectionOrder
	}
	return binary.LittleEndian
}

func (r *Reader) addInterface(body []byte) error {
	if len(body) < 8 {
		return fmt.Errorf("%w: interface description too short", ErrBadLength)
	}
	bo := r.order_()
	linkType := bo.Uint16(body[0:2])
	iface := ngInterface{linkType: linkType, tsResHz: 1_000_000} // default microsecond resolution
	parseOptions(body[8:], func(code uint16, value []byte) {
		if code == 9 && len(value) >= 1 {
			res := value[0]
			if res&0x80 == 0 {
				iface.tsResHz = uint64(1) << res
			} else {
				shift := uint(res & 0x7F)
				hz := uint64(10)
				for i := uint(0); i < shift; i++ {
					hz *= 10
				}
				iface.tsResHz = hz
			}
		}
	})
	r.ifaces = append(r.ifaces, iface)
	return nil
}

func (r *Reader) interfaceByID(id uint32) (ngInterface, error) {
	if int(id) >= len(r.ifaces) {
		return ngInterface{}, fmt.Errorf("%w: %d (known=%d)", ErrBadInterfaceID, id, len(r.ifaces))
	}
	return r.ifaces[id], nil
}

func (r *Reader) readEnhancedPacket(body []byte) (Packet, bool, error) {
	if len(body) < 20 {
		return Packet{}, false, fmt.Errorf("%w: enhanced packet block too short", ErrBadLength)
	}
	bo := r.order_()
	ifaceID := bo.Uint32(body[0:4])
	iface, err := r.interfaceByID(ifaceID)
	if err != nil {
		return Packet{}, false, err
	}
	tsHigh := bo.Uint32(body[4:8])
	tsLow := bo.Uint32(body[8:12])
	capLen := bo.Uint32(body[12:16])
	if int(20+capLen) > len(body) {
		return Packet{}, false, fmt.Errorf("%w: captured_len=%d exceeds block", ErrPacketTooShort, capLen)
	}
	data := make([]byte, capLen)
	copy(data, body[20:20+capLen])
	raw := (uint64(tsHigh) << 32) | uint64(tsLow)
	ts90k := scaleTimestamp(raw, iface.tsResHz)
	return Packet{Timestamp90k: ts90k, LinkBytes: data, InterfaceID: ifaceID, LinkType: iface.linkType}, true, nil
}

func (r *Reader) readObsoletePacket(body []byte) (Packet, bool, error) {
	if len(body) < 16 {
		return Packet{}, false, fmt.Errorf("%w: packet block too short", ErrBadLength)
	}
	bo := r.order_()
	ifaceID := uint32(bo.Uint16(body[0:2]))
	iface, err := r.interfaceByID(ifaceID)
	if err != nil {
		return Packet{}, false, err
	}
	tsHigh := bo.Uint32(body[4:8])
	tsLow := bo.Uint32(body[8:12])
	capLen := bo.Uint32(body[12:16])
	if int(16+capLen) > len(body) {
		return Packet{}, false, fmt.Errorf("%w: captured_len=%d exceeds block", ErrPacketTooShort, capLen)
	}
	data := make([]byte, capLen)
	copy(data, body[16:16+capLen])
	raw := (uint64(tsHigh) << 32) | uint64(tsLow)
	ts90k := scaleTimestamp(raw, iface.tsResHz)
	return Packet{Timestamp90k: ts90k, LinkBytes: data, InterfaceID: ifaceID, LinkType: iface.linkType}, true, nil
}

// scaleTimestamp converts a raw interface-resolution timestamp to 90 kHz.
func scaleTimestamp(raw, resHz uint64) uint64 {
	if resHz == 0 {
		resHz = 1_000_000
	}
	return raw * 90000 / resHz
}

func parseOptions(data []byte, fn func(code uint16, value []byte)) {
	for len(data) >= 4 {
		code := binary.LittleEndian.Uint16(data[0:2])
		length := binary.LittleEndian.Uint16(data[2:4])
		data = data[4:]
		if code == 0 {
			return
		}
		if int(length) > len(data) {
			return
		}
		fn(code, data[:length])
		pad := (4 - (int(length) % 4)) % 4
		if int(length)+pad > len(data) {
			return
		}
		data = data[int(length)+pad:]
	}
}
