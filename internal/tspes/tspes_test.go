package tspes

import (
	"bytes"
	"io"
	"testing"

	"github.com/snapetech/tsserve/internal/picture"
	"github.com/snapetech/tsserve/internal/tsbits"
)

// fakeSource is a PictureSource stub that records the PES packets it was
// handed and yields exactly one picture per call, at the PES's FileOffset.
type fakeSource struct {
	fed     []PES
	rewinds []int64
}

func (f *fakeSource) FeedPES(p PES) ([]picture.Picture, error) {
	f.fed = append(f.fed, p)
	return []picture.Picture{{
		Kind:   picture.IDR,
		Range:  picture.ByteRange{FileOffset: p.FileOffset},
		Length: int64(len(p.Payload)),
	}}, nil
}

func (f *fakeSource) Rewind(off int64) error {
	f.rewinds = append(f.rewinds, off)
	return nil
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	for i := len(b); i < n; i++ {
		out[i] = 0xFF
	}
	return out
}

func tsHeader(pid uint16, pusi bool) []byte {
	h := make([]byte, 4)
	h[0] = 0x47
	b1 := byte(pid >> 8 & 0x1F)
	if pusi {
		b1 |= 0x40
	}
	h[1] = b1
	h[2] = byte(pid & 0xFF)
	h[3] = 0x10 // payload-only, adaptation_field_control=01, cc=0
	return h
}

func buildPATPacket() []byte {
	sec := make([]byte, 16)
	sec[0] = 0x00
	sec[1] = 0xB0
	sec[2] = 13
	sec[3], sec[4] = 0x00, 0x01 // transport_stream_id
	sec[5] = 0xC1
	sec[6] = 0x00
	sec[7] = 0x00
	sec[8], sec[9] = 0x00, 0x01 // program_number = 1
	sec[10], sec[11] = 0xE1, 0x00 // PID 0x0100 (PMT)
	// sec[12:16] CRC, left zero

	payload := append([]byte{0x00}, sec...) // pointer_field = 0
	pkt := append(tsHeader(0x0000, true), padTo(payload, 184)...)
	return pkt
}

func buildPMTPacket() []byte {
	sec := make([]byte, 26)
	sec[0] = 0x02
	sec[1] = 0xB0
	sec[2] = 23
	sec[3], sec[4] = 0x00, 0x01 // program_number
	sec[5] = 0xC1
	sec[6] = 0x00
	sec[7] = 0x00
	sec[8], sec[9] = 0xE1, 0x01 // PCR_PID = 0x0101
	sec[10], sec[11] = 0xF0, 0x00 // program_info_length = 0
	sec[12] = 0x02 // video stream_type
	sec[13], sec[14] = 0xE1, 0x01 // video PID 0x0101
	sec[15], sec[16] = 0xF0, 0x00
	sec[17] = 0x04 // audio stream_type
	sec[18], sec[19] = 0xE1, 0x02 // audio PID 0x0102
	sec[20], sec[21] = 0xF0, 0x00
	// sec[22:26] CRC left zero

	payload := append([]byte{0x00}, sec...)
	pkt := append(tsHeader(0x0100, true), padTo(payload, 184)...)
	return pkt
}

func buildVideoPESPacket(pts uint64) []byte {
	buf := make([]byte, 14)
	buf[0], buf[1], buf[2] = 0x00, 0x00, 0x01
	buf[3] = 0xE0 // video stream_id
	buf[4], buf[5] = 0x00, 0x00 // PES_packet_length (unbounded, not interpreted here)
	buf[6] = 0x80
	buf[7] = 0x80 // PTS only
	buf[8] = 5
	tsbits.WriteTimestamp33(buf[9:14], 0x02, pts)
	buf = append(buf, []byte("payload!")...)
	// Fill the rest of the packet with adaptation-field stuffing so the TS
	// payload holds exactly the PES bytes.
	h := tsHeader(0x0101, true)
	h[3] = 0x30 // adaptation field followed by payload, cc=0
	af := make([]byte, 184-len(buf))
	af[0] = byte(len(af) - 1) // adaptation_field_length; af[1]=0: no flags set
	for i := 2; i < len(af); i++ {
		af[i] = 0xFF
	}
	pkt := append(h, af...)
	return append(pkt, buf...)
}

func TestReaderLearnsProgramAndFramesVideoPES(t *testing.T) {
	var stream []byte
	stream = append(stream, buildPATPacket()...)
	stream = append(stream, buildPMTPacket()...)
	stream = append(stream, buildVideoPESPacket(90000)...)

	video := &fakeSource{}
	r := NewReader(bytes.NewReader(stream), video, nil, nil)

	pics, err := r.ReadNextPicture()
	if err != nil {
		t.Fatalf("ReadNextPicture: %v", err)
	}
	if len(pics) != 1 {
		t.Fatalf("got %d pictures want 1", len(pics))
	}

	prog := r.Program()
	if prog.VideoPID != 0x0101 || prog.AudioPID != 0x0102 || prog.PCRPID != 0x0101 {
		t.Fatalf("unexpected program map: %+v", prog)
	}
	if len(video.fed) != 1 {
		t.Fatalf("video source fed %d times, want 1", len(video.fed))
	}
	if !video.fed[0].HasPTS || video.fed[0].PTS != 90000 {
		t.Fatalf("PTS not recovered: %+v", video.fed[0])
	}
	if string(video.fed[0].Payload) != "payload!" {
		t.Fatalf("payload mismatch: %q", video.fed[0].Payload)
	}
}

func TestReaderRejectsBadSyncByte(t *testing.T) {
	bad := make([]byte, 188)
	bad[0] = 0x00
	r := NewReader(bytes.NewReader(bad), &fakeSource{}, nil, nil)
	if _, err := r.ReadNextPicture(); err != ErrNoSyncByte {
		t.Fatalf("got %v want ErrNoSyncByte", err)
	}
}

func TestReaderReportsEOF(t *testing.T) {
	r := NewReader(bytes.NewReader(nil), &fakeSource{}, nil, nil)
	if _, err := r.ReadNextPicture(); err != io.EOF {
		t.Fatalf("got %v want io.EOF", err)
	}
}

func buildPackHeader() []byte {
	b := make([]byte, 14)
	b[0], b[1], b[2], b[3] = 0x00, 0x00, 0x01, psStreamIDPackHeader
	// 9 bytes of SCR/mux_rate (values unchecked by the reader)
	b[13] = 0x00 // stuffing_length low 3 bits = 0
	return b
}

func buildPSVideoPES(pts uint64) []byte {
	body := make([]byte, 8)
	body[0] = 0x80
	body[1] = 0x80 // PTS only
	body[2] = 5
	tsbits.WriteTimestamp33(body[3:8], 0x02, pts)
	body = append(body, []byte("ps-video")...)

	pkt := make([]byte, 6)
	pkt[0], pkt[1], pkt[2] = 0x00, 0x00, 0x01
	pkt[3] = 0xE0
	pkt[4] = byte(len(body) >> 8)
	pkt[5] = byte(len(body))
	return append(pkt, body...)
}

func TestPSReaderFramesPackedVideoPES(t *testing.T) {
	var stream []byte
	stream = append(stream, buildPackHeader()...)
	stream = append(stream, buildPSVideoPES(45000)...)
	stream = append(stream, []byte{0x00, 0x00, 0x01, psStreamIDPackHeader}...)
	stream = append(stream, make([]byte, 10)...) // minimal second pack header body

	video := &fakeSource{}
	r := NewPSReader(bytes.NewReader(stream), video, nil)

	pics, err := r.ReadNextPicture()
	if err != nil {
		t.Fatalf("ReadNextPicture: %v", err)
	}
	if len(pics) != 1 {
		t.Fatalf("got %d pictures want 1", len(pics))
	}
	if len(video.fed) != 1 {
		t.Fatalf("video source fed %d times, want 1", len(video.fed))
	}
	if !video.fed[0].HasPTS || video.fed[0].PTS != 45000 {
		t.Fatalf("PTS not recovered: %+v", video.fed[0])
	}
	if string(video.fed[0].Payload) != "ps-video" {
		t.Fatalf("payload mismatch: %q", video.fed[0].Payload)
	}
}
