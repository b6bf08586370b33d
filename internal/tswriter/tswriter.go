// Package tswriter owns the bounded ring buffer of TS packets fed by the
// serving thread and drained by a paced socket writer, plus the
// concurrently-updated command byte that the trick-play orchestrator reacts
// to, per spec.md §4.8/§5. PAT/PMT packet construction is adapted from the
// teacher's internal/tuner/psi_keepalive.go keepalive helper into a real
// program-table re-emission path.
package tswriter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// TSPacketSize is the fixed size of one MPEG-TS packet.
const TSPacketSize = 188

// ErrCommandChanged is a sentinel for unwinding on command_changed. The
// trickplay emitters in this module poll CommandState.Changed between
// pictures and return nil instead, so nothing in this module returns it.
var ErrCommandChanged = errors.New("tswriter: command changed")

// ErrClosed is returned by ring-buffer operations once the writer has been
// closed (the `q` command unwind path, per spec.md §5).
var ErrClosed = errors.New("tswriter: closed")

// ProgramTables is the program map the writer re-emits as PAT/PMT, adapted
// from psi_keepalive.go's hardcoded ffmpeg-default PIDs into the real
// program learned by internal/tspes.
type ProgramTables struct {
	PMTPID    int
	PCRPID    int
	VideoPID  int
	AudioPID  int
	VideoType int // stream_type for the video ES
	AudioType int // stream_type for the audio ES
}

// mpegTSCRC32 computes the MPEG-2 section CRC-32 (polynomial 0x04C11DB7,
// init 0xFFFFFFFF, MSB-first, no reflection, no final XOR), identical to the
// teacher's psi_keepalive.go helper of the same name.
func mpegTSCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (crc^(uint32(b)<<24))&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
			b <<= 1
		}
	}
	return crc
}

// BuildPATPacket returns a PAT packet declaring program 1 at pmtPID, with
// continuity counter cc.
func BuildPATPacket(cc uint8, pmtPID int) [TSPacketSize]byte {
	var pkt [TSPacketSize]byte
	pkt[0] = 0x47
	pkt[1] = 0x40
	pkt[2] = 0x00
	pkt[3] = 0x10 | (cc & 0x0F)
	pkt[4] = 0x00
	s := pkt[5:]
	s[0] = 0x00
	s[1] = 0xB0
	s[2] = 0x0D
	s[3] = 0x00
	s[4] = 0x01
	s[5] = 0xC1
	s[6] = 0x00
	s[7] = 0x00
	s[8] = 0x00
	s[9] = 0x01
	s[10] = byte(0xE0 | ((pmtPID >> 8) & 0x1F))
	s[11] = byte(pmtPID & 0xFF)
	crc := mpegTSCRC32(pkt[5:17])
	s[12] = byte(crc >> 24)
	s[13] = byte(crc >> 16)
	s[14] = byte(crc >> 8)
	s[15] = byte(crc)
	for i := 21; i < TSPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// BuildPMTPacket returns a PMT packet for program 1 declaring tbl's video
// and audio elementary streams, with continuity counter cc.
func BuildPMTPacket(cc uint8, tbl ProgramTables) [TSPacketSize]byte {
	var pkt [TSPacketSize]byte
	pkt[0] = 0x47
	pkt[1] = byte(0x40 | ((tbl.PMTPID >> 8) & 0x1F))
	pkt[2] = byte(tbl.PMTPID & 0xFF)
	pkt[3] = 0x10 | (cc & 0x0F)
	pkt[4] = 0x00
	s := pkt[5:]
	s[0] = 0x02
	s[1] = 0xB0
	s[2] = 0x17
	s[3] = 0x00
	s[4] = 0x01
	s[5] = 0xC1
	s[6] = 0x00
	s[7] = 0x00
	s[8] = byte(0xE0 | ((tbl.PCRPID >> 8) & 0x1F))
	s[9] = byte(tbl.PCRPID & 0xFF)
	s[10] = 0xF0
	s[11] = 0x00
	s[12] = byte(tbl.VideoType)
	s[13] = byte(0xE0 | ((tbl.VideoPID >> 8) & 0x1F))
	s[14] = byte(tbl.VideoPID & 0xFF)
	s[15] = 0xF0
	s[16] = 0x00
	s[17] = byte(tbl.AudioType)
	s[18] = byte(0xE0 | ((tbl.AudioPID >> 8) & 0x1F))
	s[19] = byte(tbl.AudioPID & 0xFF)
	s[20] = 0xF0
	s[21] = 0x00
	crc := mpegTSCRC32(pkt[5:27])
	s[22] = byte(crc >> 24)
	s[23] = byte(crc >> 16)
	s[24] = byte(crc >> 8)
	s[25] = byte(crc)
	for i := 31; i < TSPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// RingBuffer is a bounded FIFO of fixed-size TS packets, the sole
// cross-thread structure shared between the producer (orchestrator) and the
// paced drainer, per spec.md §5.
type RingBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      [][TSPacketSize]byte
	head     int
	count    int
	closed   bool
}

// NewRingBuffer returns a RingBuffer with room for capacity packets.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	r := &RingBuffer{buf: make([][TSPacketSize]byte, capacity)}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r
}

// Push blocks until there is room, the buffer is closed, or ctx is done.
func (r *RingBuffer) Push(ctx context.Context, pkt [TSPacketSize]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx != nil {
		// Wake a Push blocked on a full buffer when ctx is cancelled.
		stop := context.AfterFunc(ctx, func() {
			r.mu.Lock()
			r.notFull.Broadcast()
			r.mu.Unlock()
		})
		defer stop()
	}
	for r.count == len(r.buf) && !r.closed {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		r.notFull.Wait()
	}
	if r.closed {
		return ErrClosed
	}
	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = pkt
	r.count++
	r.notEmpty.Signal()
	return nil
}

// Pop blocks until a packet is available or the buffer is closed and
// drained, returning ok=false in the latter case.
func (r *RingBuffer) Pop() (pkt [TSPacketSize]byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count == 0 && !r.closed {
		r.notEmpty.Wait()
	}
	if r.count == 0 {
		return pkt, false
	}
	pkt = r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	r.notFull.Signal()
	return pkt, true
}

// Len reports the number of buffered packets.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close marks the buffer closed; blocked Push calls return ErrClosed and
// blocked Pop calls drain remaining packets before reporting ok=false.
func (r *RingBuffer) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
}

// CommandState is the writer's command slot: a single byte plus a changed
// flag, read by the command-reader flow and polled cooperatively by
// long-running emitters in the orchestrator, per spec.md §4.8/§5.
type CommandState struct {
	mu      sync.Mutex
	command byte
	changed bool
	atomic  bool
}

// Set records a newly-read command byte and raises command_changed, unless
// an atomic skip is in progress.
func (c *CommandState) Set(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.command = b
	if !c.atomic {
		c.changed = true
	}
}

// Current returns the most recently set command byte.
func (c *CommandState) Current() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command
}

// Changed reports whether a command has arrived since the last ClearChanged,
// unless suppressed by SetAtomic(true).
func (c *CommandState) Changed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// ClearChanged clears command_changed; the orchestrator does this before
// entering its next state, per spec.md §4.8.
func (c *CommandState) ClearChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changed = false
}

// SetAtomic suppresses (or restores) command_changed tracking around an
// atomic skip, per spec.md §4.7's "skips must be atomic" requirement.
func (c *CommandState) SetAtomic(atomic bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.atomic = atomic
	if atomic {
		c.changed = false
	}
}

// ReadCommands copies bytes from src into cs.Set until src returns an error
// (typically io.EOF on client disconnect), per spec.md §5's "command reader
// suspends on socket/stdin read".
func ReadCommands(ctx context.Context, src io.Reader, cs *CommandState) error {
	buf := make([]byte, 1)
	for {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := src.Read(buf)
		if n > 0 {
			cs.Set(buf[0])
		}
		if err != nil {
			return err
		}
	}
}

// LoadTestOptions configures the optional load/loss-test decorators,
// per spec.md §4.8.
type LoadTestOptions struct {
	// PadEveryN, when > 0, inserts one null TS packet (PID 0x1FFF) after
	// every N real packets written; it does not generate PES padding packets.
	PadEveryN int
	// DropK and DropD implement "drop the last d of every k+d packets" loss
	// testing; DropD of 0 disables dropping.
	DropK, DropD int
}

// Writer packetizes PES payloads (or mirrors raw TS packets in tsdirect
// mode) into the ring buffer, re-emitting PAT/PMT every RepeatProgramEvery
// EmitPES/EmitTSDirect calls and on forced transitions, per spec.md §4.8.
type Writer struct {
	Ring               *RingBuffer
	Tables             ProgramTables
	RepeatProgramEvery int
	TSDirect           bool
	Load               LoadTestOptions

	limiter *rate.Limiter

	patCC, pmtCC       uint8
	ccByPID            map[int]uint8
	sincePAT           int
	dropCounter        int
	padCounter         int
}

// NewWriter returns a Writer over a freshly allocated ring buffer of the
// given packet capacity.
func NewWriter(capacity int, tables ProgramTables, repeatProgramEvery int) *Writer {
	if repeatProgramEvery < 1 {
		repeatProgramEvery = 1
	}
	return &Writer{
		Ring:               NewRingBuffer(capacity),
		Tables:             tables,
		RepeatProgramEvery: repeatProgramEvery,
		ccByPID:            make(map[int]uint8),
		sincePAT:           repeatProgramEvery, // force PAT/PMT on the first emission
	}
}

// SetRateLimit configures a fixed-rate paced drain at bytesPerSecond; a
// non-positive value reverts to "as fast as the socket accepts" mode.
func (w *Writer) SetRateLimit(bytesPerSecond int) {
	if bytesPerSecond <= 0 {
		w.limiter = nil
		return
	}
	w.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), TSPacketSize*4)
}

func (w *Writer) nextCC(pid int) uint8 {
	cc := w.ccByPID[pid]
	w.ccByPID[pid] = (cc + 1) & 0x0F
	return cc
}

// maybeEmitProgramTables pushes a fresh PAT+PMT pair into the ring when the
// repeat counter elapses or force is set (a transition per spec.md §4.8).
func (w *Writer) maybeEmitProgramTables(ctx context.Context, force bool) error {
	if !force {
		w.sincePAT++
		if w.sincePAT < w.RepeatProgramEvery {
			return nil
		}
	}
	w.sincePAT = 0
	pat := BuildPATPacket(w.patCC, w.Tables.PMTPID)
	w.patCC = (w.patCC + 1) & 0x0F
	if err := w.Ring.Push(ctx, pat); err != nil {
		return err
	}
	pmt := BuildPMTPacket(w.pmtCC, w.Tables)
	w.pmtCC = (w.pmtCC + 1) & 0x0F
	return w.Ring.Push(ctx, pmt)
}

// EmitTSDirect mirrors one TS packet from a TS source verbatim into the
// ring buffer, applying the program-table repeat counter and loss/pad
// decorators.
func (w *Writer) EmitTSDirect(ctx context.Context, pkt [TSPacketSize]byte) error {
	if err := w.maybeEmitProgramTables(ctx, false); err != nil {
		return err
	}
	return w.pushDecorated(ctx, pkt)
}

// EmitPES packetizes one PES payload (already framed by internal/tspes) for
// the given PID/stream_id into one or more TS packets and pushes them,
// re-emitting program tables per RepeatProgramEvery.
func (w *Writer) EmitPES(ctx context.Context, pid int, streamID byte, payload []byte, pusiForce bool) error {
	if err := w.maybeEmitProgramTables(ctx, false); err != nil {
		return err
	}
	pesHeader := []byte{0x00, 0x00, 0x01, streamID, 0x00, 0x00, 0x80, 0x00, 0x00}
	buf := append(pesHeader, payload...)

	first := true
	for len(buf) > 0 {
		var pkt [TSPacketSize]byte
		pkt[0] = 0x47
		b1 := byte((pid >> 8) & 0x1F)
		if first {
			b1 |= 0x40
		}
		pkt[1] = b1
		pkt[2] = byte(pid & 0xFF)

		room := len(pkt) - 4
		n := len(buf)
		if n > room {
			n = room
		}
		if n == room-1 {
			// adaptation_field_length=0: the length byte alone fills the gap.
			pkt[3] = 0x30 | w.nextCC(pid)
			pkt[4] = 0x00
			copy(pkt[5:], buf[:n])
		} else if n < room {
			// Pad with an adaptation field (1 flags byte, all clear, plus
			// stuffing) so the payload lands flush against the packet end.
			pkt[3] = 0x30 | w.nextCC(pid)
			afLen := room - n - 1
			pkt[4] = byte(afLen)
			pkt[5] = 0x00 // adaptation_field flags, none set
			for i := 6; i < 6+afLen-1; i++ {
				pkt[i] = 0xFF
			}
			copy(pkt[6+afLen-1:], buf[:n])
		} else {
			pkt[3] = 0x10 | w.nextCC(pid)
			copy(pkt[4:], buf[:n])
		}
		buf = buf[n:]
		first = false
		if err := w.pushDecorated(ctx, pkt); err != nil {
			return err
		}
	}
	return nil
}

// pushDecorated applies the pad/drop load-test decorators before pushing a
// real packet, per spec.md §4.8.
func (w *Writer) pushDecorated(ctx context.Context, pkt [TSPacketSize]byte) error {
	if w.Load.DropD > 0 {
		period := w.Load.DropK + w.Load.DropD
		pos := w.dropCounter % period
		w.dropCounter++
		if pos >= w.Load.DropK {
			return nil // dropped for loss testing
		}
	}
	if err := w.Ring.Push(ctx, pkt); err != nil {
		return err
	}
	if w.Load.PadEveryN > 0 {
		w.padCounter++
		if w.padCounter >= w.Load.PadEveryN {
			w.padCounter = 0
			return w.Ring.Push(ctx, paddingPacket())
		}
	}
	return nil
}

// paddingPacket returns a PID-0x1FFF null packet used by the load-test pad
// decorator.
func paddingPacket() [TSPacketSize]byte {
	var pkt [TSPacketSize]byte
	pkt[0] = 0x47
	pkt[1] = 0x1F
	pkt[2] = 0xFF
	pkt[3] = 0x10
	for i := 4; i < TSPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// ForceProgramTables re-emits PAT/PMT immediately, used on NORMAL entry
// transitions per spec.md §4.7.
func (w *Writer) ForceProgramTables(ctx context.Context) error {
	return w.maybeEmitProgramTables(ctx, true)
}

// Drain runs the paced drain loop: pop packets from the ring and write them
// to dst, respecting the configured rate limit (or none). It returns when
// the ring is closed and drained, or dst.Write fails.
func (w *Writer) Drain(ctx context.Context, dst io.Writer) error {
	for {
		pkt, ok := w.Ring.Pop()
		if !ok {
			return nil
		}
		if w.limiter != nil {
			if err := w.limiter.WaitN(ctx, TSPacketSize); err != nil {
				return fmt.Errorf("tswriter: rate limiter: %w", err)
			}
		}
		if _, err := dst.Write(pkt[:]); err != nil {
			return fmt.Errorf("tswriter: socket write: %w", err)
		}
	}
}
