package tspes

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/snapetech/tsserve/internal/picture"
	"github.com/snapetech/tsserve/internal/tsbits"
)

// ErrNoPackHeader is returned when a PS source does not begin with a pack
// header and scanning for one runs off the end of the stream.
var ErrNoPackHeader = errors.New("tspes: no PS pack header found")

// PS stream_id values the reader acts on. DVD private_stream_1 audio is
// passed through without substream unpacking (spec.md §4.5's "DVD private_stream_1 substream unpacking" note, handled
// only to the extent needed to pass audio through, not remultiplex it).
const (
	psStreamIDPackHeader   = 0xBA
	psStreamIDSystemHeader = 0xBB
	psStreamIDProgramEnd   = 0xB9
	psStreamIDPrivate1     = 0xBD
)

// PSReader scans a Program Stream byte source for pack headers and the PES
// packets nested inside each pack, per spec.md §4.5. No ecosystem library
// covers MPEG-PS, so this is hand-written start-code scanning in the same
// resync-loop style as the teacher's TS inspector.
type PSReader struct {
	src         *bufio.Reader
	byteOffset  int64
	videoSource PictureSource
	audioSource PictureSource
	videoStream byte // not assigned by the reader (stays 0); routing uses psStreamKind
	audioStream byte // not assigned by the reader (stays 0); routing uses psStreamKind
}

// NewPSReader returns a PSReader over src.
func NewPSReader(src io.Reader, video, audio PictureSource) *PSReader {
	return &PSReader{src: bufio.NewReaderSize(src, 64*1024), videoSource: video, audioSource: audio}
}

// ReadNextPicture pumps pack headers and their nested PES packets until at
// least one framed picture is produced, or EOF/error occurs.
func (r *PSReader) ReadNextPicture() ([]picture.Picture, error) {
	for {
		if err := r.syncToPack(); err != nil {
			return nil, err
		}
		pics, err := r.readPack()
		if err != nil {
			return nil, err
		}
		if len(pics) > 0 {
			return pics, nil
		}
	}
}

// syncToPack consumes bytes (tolerating long inter-pack padding runs of
// 0x00, per spec.md §4.5) until the reader is positioned just after a
// pack_start_code (00 00 01 BA).
func (r *PSReader) syncToPack() error {
	var window [3]byte
	for {
		b, err := r.src.ReadByte()
		if err != nil {
			return err
		}
		r.byteOffset++
		window[0], window[1], window[2] = window[1], window[2], b
		if window[0] == 0x00 && window[1] == 0x00 && window[2] == 0x01 {
			sid, err := r.src.ReadByte()
			if err != nil {
				return err
			}
			r.byteOffset++
			if sid == psStreamIDPackHeader {
				return nil
			}
			// Not a pack header; keep scanning (window already holds the
			// last three bytes read, sid becomes the new candidate byte).
			window[0], window[1], window[2] = 0x00, 0x01, sid
		}
	}
}

// readPack reads one pack_header, its optional system_header, and the PES
// packets that follow until the next pack_start_code or program_end_code,
// returning any pictures those PES packets produced.
func (r *PSReader) readPack() ([]picture.Picture, error) {
	if err := r.skipPackHeaderBody(); err != nil {
		return nil, err
	}

	var out []picture.Picture
	for {
		sc, sid, err := r.peekStartCode()
		if err != nil {
			return out, err
		}
		if !sc {
			// Padding or stuffing bytes between PES packets; consume one
			// byte and keep looking.
			if _, err := r.src.ReadByte(); err != nil {
				return out, err
			}
			r.byteOffset++
			continue
		}
		switch sid {
		case psStreamIDPackHeader:
			return out, nil
		case psStreamIDProgramEnd:
			r.discard(4)
			return out, io.EOF
		case psStreamIDSystemHeader:
			if err := r.skipSystemHeader(); err != nil {
				return out, err
			}
		default:
			pics, err := r.readPESPacket(sid)
			out = append(out, pics...)
			if err != nil {
				return out, err
			}
		}
	}
}

// peekStartCode reports whether the next 4 bytes are a start code
// (00 00 01 xx) without consuming them, and returns the stream_id byte.
func (r *PSReader) peekStartCode() (bool, byte, error) {
	b, err := r.src.Peek(4)
	if err != nil {
		if len(b) > 0 && errors.Is(err, io.EOF) {
			return false, 0, io.EOF
		}
		return false, 0, err
	}
	if b[0] == 0x00 && b[1] == 0x00 && b[2] == 0x01 {
		return true, b[3], nil
	}
	return false, 0, nil
}

func (r *PSReader) discard(n int) error {
	m, err := r.src.Discard(n)
	r.byteOffset += int64(m)
	return err
}

// skipPackHeaderBody consumes the fixed fields of a pack_header after its
// start code (already consumed by syncToPack): a 9-byte SCR/mux_rate field
// followed by a byte whose low 3 bits give the stuffing length, and that
// many stuffing bytes.
func (r *PSReader) skipPackHeaderBody() error {
	if err := r.discard(9); err != nil {
		return err
	}
	stuffByte, err := r.src.ReadByte()
	if err != nil {
		return err
	}
	r.byteOffset++
	stuffLen := int(stuffByte & 0x07)
	return r.discard(stuffLen)
}

func (r *PSReader) skipSystemHeader() error {
	if err := r.discard(4); err != nil { // start code + stream_id
		return err
	}
	hdr, err := r.peekN(2)
	if err != nil {
		return err
	}
	length := int(tsbits.BE16(hdr))
	return r.discard(2 + length)
}

func (r *PSReader) peekN(n int) ([]byte, error) {
	b, err := r.src.Peek(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// readPESPacket reads one PES packet (start code already peeked, stream_id
// == sid) and routes its payload to the matching PictureSource, classifying
// video (0xE0-0xEF) vs audio (0xC0-0xDF) vs DVD private_stream_1 (0xBD,
// passed through to the audio source verbatim — full de-substreaming is
// out of scope per spec.md §1).
func (r *PSReader) readPESPacket(sid byte) ([]picture.Picture, error) {
	startOffset := r.byteOffset
	hdr, err := r.peekN(6)
	if err != nil {
		return nil, err
	}
	length := int(tsbits.BE16(hdr[4:6]))
	if err := r.discard(6); err != nil {
		return nil, err
	}
	body := make([]byte, length)
	n, err := io.ReadFull(r.src, body)
	r.byteOffset += int64(n)
	if err != nil {
		return nil, fmt.Errorf("tspes: PS PES body: %w", err)
	}

	kind, ok := psStreamKind(sid)
	if !ok {
		return nil, nil
	}

	hdrLen := 0
	var pts, dts uint64
	var hasPTS, hasDTS bool
	if len(body) >= 3 {
		flags2 := body[1]
		optLen := int(body[2])
		ptsDts := (flags2 >> 6) & 0x03
		off := 3
		if (ptsDts == 0x02 || ptsDts == 0x03) && off+5 <= len(body) {
			if v, ok := tsbits.ReadTimestamp33(body[off : off+5]); ok {
				pts, hasPTS = v, true
			}
			off += 5
		}
		if ptsDts == 0x03 && off+5 <= len(body) {
			if v, ok := tsbits.ReadTimestamp33(body[off : off+5]); ok {
				dts, hasDTS = v, true
			}
		}
		hdrLen = 3 + optLen
	}
	if hdrLen > len(body) {
		hdrLen = len(body)
	}

	pes := PES{
		PID: int(sid), StreamID: sid, Kind: kind,
		Payload: body[hdrLen:], PTS: pts, DTS: dts, HasPTS: hasPTS, HasDTS: hasDTS,
		FileOffset: startOffset,
	}
	src := r.videoSource
	if kind == ESAudio {
		src = r.audioSource
	}
	if src == nil {
		return nil, nil
	}
	return src.FeedPES(pes)
}

func psStreamKind(sid byte) (ESKind, bool) {
	switch {
	case sid >= 0xE0 && sid <= 0xEF:
		return ESVideo, true
	case sid >= 0xC0 && sid <= 0xDF:
		return ESAudio, true
	case sid == psStreamIDPrivate1:
		return ESAudio, true
	default:
		return 0, false
	}
}
