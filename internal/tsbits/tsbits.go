// Package tsbits provides small, allocation-light byte-level readers shared
// by the pcap, transport-stream, and PES-framing layers: big/little-endian
// integer reads, the 33-bit MPEG PTS/DTS timestamp encoding, and the 33+9-bit
// PCR encoding carried in a transport-stream adaptation field.
package tsbits

import "fmt"

// BE16 reads a big-endian uint16 from b[0:2].
func BE16(b []byte) uint16 {
	_ = b[1]
	return uint16(b[0])<<8 | uint16(b[1])
}

// BE32 reads a big-endian uint32 from b[0:4].
func BE32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// BE64 reads a big-endian uint64 from b[0:8].
func BE64(b []byte) uint64 {
	_ = b[7]
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// LE16 reads a little-endian uint16 from b[0:2].
func LE16(b []byte) uint16 {
	_ = b[1]
	return uint16(b[0]) | uint16(b[1])<<8
}

// LE32 reads a little-endian uint32 from b[0:4].
func LE32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// LE64 reads a little-endian uint64 from b[0:8].
func LE64(b []byte) uint64 {
	_ = b[7]
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// PCR is a decoded transport-stream program clock reference: a 33-bit base
// (27 MHz/300 = 90 kHz units) plus a 9-bit extension (27 MHz units).
type PCR struct {
	Base uint64 // 90 kHz units
	Ext  uint16 // 27 MHz units, 0..299
}

// Ticks90k returns the PCR expressed as whole 90 kHz ticks, matching the
// precision used elsewhere in the system for capture timestamps and PTS/DTS.
func (p PCR) Ticks90k() uint64 {
	return p.Base
}

// Ticks27MHz returns the full-precision PCR value in 27 MHz units.
func (p PCR) Ticks27MHz() uint64 {
	return p.Base*300 + uint64(p.Ext)
}

// ReadPCR decodes a 6-byte PCR field from a transport-stream adaptation
// field (the bytes immediately following the adaptation flags byte).
func ReadPCR(b []byte) (PCR, error) {
	if len(b) < 6 {
		return PCR{}, fmt.Errorf("tsbits: PCR field needs 6 bytes, got %d", len(b))
	}
	base := (uint64(b[0]) << 25) |
		(uint64(b[1]) << 17) |
		(uint64(b[2]) << 9) |
		(uint64(b[3]) << 1) |
		(uint64(b[4]) >> 7)
	ext := (uint16(b[4]&0x01) << 8) | uint16(b[5])
	return PCR{Base: base, Ext: ext}, nil
}

// WritePCR encodes a PCR into a 6-byte adaptation-field buffer.
func WritePCR(dst []byte, p PCR) {
	_ = dst[5]
	base := p.Base & 0x1FFFFFFFF // 33 bits
	dst[0] = byte(base >> 25)
	dst[1] = byte(base >> 17)
	dst[2] = byte(base >> 9)
	dst[3] = byte(base >> 1)
	dst[4] = byte((base&0x01)<<7) | 0x7E | byte((p.Ext>>8)&0x01)
	dst[5] = byte(p.Ext)
}

// ReadTimestamp33 decodes a 5-byte, 33-bit MPEG PES PTS/DTS timestamp,
// validating the three marker bits embedded in bytes 0, 2 and 4.
func ReadTimestamp33(b []byte) (uint64, bool) {
	if len(b) < 5 {
		return 0, false
	}
	if (b[0]&0x01) != 0x01 || (b[2]&0x01) != 0x01 || (b[4]&0x01) != 0x01 {
		return 0, false
	}
	v := (uint64((b[0]>>1)&0x07) << 30) |
		(uint64(b[1]) << 22) |
		(uint64((b[2]>>1)&0x7F) << 15) |
		(uint64(b[3]) << 7) |
		uint64((b[4]>>1)&0x7F)
	return v, true
}

// WriteTimestamp33 encodes a 33-bit timestamp with the given 4-bit marker
// prefix (0x02 for PTS-only, 0x03 for PTS-with-DTS, 0x01 for DTS) into a
// 5-byte buffer, per the PES optional-header encoding.
func WriteTimestamp33(dst []byte, marker byte, v uint64) {
	_ = dst[4]
	v &= 0x1FFFFFFFF
	dst[0] = (marker << 4) | byte((v>>29)&0x0E) | 0x01
	dst[1] = byte(v >> 22)
	dst[2] = byte((v>>14)&0xFE) | 0x01
	dst[3] = byte(v >> 7)
	dst[4] = byte((v<<1)&0xFE) | 0x01
}
