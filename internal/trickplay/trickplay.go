// Package trickplay implements the state machine that drives a single
// worker's trick-play session: normal forward play, pause, fast/faster
// forward, reverse/fast-reverse, and the ±10s/±3min/file-select/rewind/quit
// commands, per spec.md §4.7. Its explicit state type, transition-by-event
// dispatch and cooperative-cancellation style are adapted from the
// teacher's internal/supervisor/supervisor.go restart loop (ctx.Done()
// checks between blocking steps, log.Printf("component[name]: ...") lines)
// generalized from process supervision to stream state transitions.
package trickplay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/snapetech/tsserve/internal/filterengine"
	"github.com/snapetech/tsserve/internal/picture"
	"github.com/snapetech/tsserve/internal/tswriter"
)

// State is one of the six playback states of spec.md §4.7.
type State int

const (
	Normal State = iota
	Paused
	Fast
	Faster
	Reverse
	FastReverse
)

func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Paused:
		return "PAUSED"
	case Fast:
		return "FAST"
	case Faster:
		return "FASTER"
	case Reverse:
		return "REVERSE"
	case FastReverse:
		return "FAST_REVERSE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrQuit is returned from Run when the client sends the `q` command.
var ErrQuit = errors.New("trickplay: quit")

// FrameSource advances the forward reader by exactly one step, returning
// the pictures that step closed (zero, one, or more), per
// internal/tspes.Reader/PSReader's ReadNextPicture contract. Returns io.EOF
// at end of stream.
type FrameSource interface {
	ReadNextPicture() ([]picture.Picture, error)
}

// Rewinder re-primes a FrameSource's internal lookahead state after a seek
// or file-select, per spec.md §4.7's "not merely seek-to-0" file-select
// obligation.
type Rewinder interface {
	Rewind(fileOffset int64) error
}

// PayloadFetcher re-reads a picture's raw bytes from the underlying file on
// demand (spec.md §3 Ownership: "the ReverseIndex holds only offsets and
// lengths, never payload buffers"). Used uniformly for forward, reverse,
// and skip emission, trading a small amount of repeat I/O for one emission
// code path instead of two.
type PayloadFetcher interface {
	FetchPicture(p picture.Picture) ([]byte, error)
}

// SlotSource resolves file-select slot n (0..9) to the FrameSource/
// PayloadFetcher pair that should become active, opening the slot lazily
// on first use, per spec.md §4.7's "File select 0..9" event. Without a
// SlotSource, selectFile falls back to rewinding whatever single source
// the orchestrator already holds.
type SlotSource interface {
	Slot(n int) (FrameSource, PayloadFetcher, error)
}

// Config parameterizes one orchestrator instance.
type Config struct {
	Name           string // for log lines, e.g. "worker-3"
	VideoPID       int
	VideoStreamID  byte
	IsH264         bool
	FastFreq       int // AllReference-class frequency used by FAST
	FasterFreq     int // KeyframesOnly-class frequency used by FASTER
	WithSeqHeaders bool
	// Skip10Pictures / Skip3MinPictures approximate "10 seconds" / "3
	// minutes" of content as a picture count, computed by the caller from
	// the source's frame rate (spec.md doesn't mandate exact frame-accurate
	// timing for skips, only atomicity of the transition).
	Skip10Pictures    int
	Skip3MinPictures  int
}

// Orchestrator runs one worker's state machine, per spec.md §4.7.
type Orchestrator struct {
	cfg    Config
	state  State
	source FrameSource
	fetch  PayloadFetcher
	index  *picture.ReverseIndex
	writer *tswriter.Writer
	cmd    *tswriter.CommandState
	slots  SlotSource

	lastEmittedGlobalIdx int
}

// NewOrchestrator returns an Orchestrator that has not yet entered NORMAL.
func NewOrchestrator(cfg Config, source FrameSource, fetch PayloadFetcher, writer *tswriter.Writer, cmd *tswriter.CommandState) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		state:  Paused,
		source: source,
		fetch:  fetch,
		index:  picture.New(cfg.IsH264),
		writer: writer,
		cmd:    cmd,
	}
}

// SetSlots gives the orchestrator access to the full set of file-select
// slots, so selectFile can switch the active source/fetcher instead of
// merely rewinding the one it was constructed with. Call before Run.
func (o *Orchestrator) SetSlots(slots SlotSource) { o.slots = slots }

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State { return o.state }

// Index returns the owned reverse index (for tests and diagnostics).
func (o *Orchestrator) Index() *picture.ReverseIndex { return o.index }

// Run drives the state machine until `q`, an unrecoverable error, or ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.enterNormal(ctx, true); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		switch o.state {
		case Normal:
			err = o.runNormal(ctx)
		case Paused:
			err = o.runPaused(ctx)
		case Fast:
			err = o.runForwardFilter(ctx, filterengine.AllReference, o.cfg.FastFreq)
		case Faster:
			err = o.runForwardFilter(ctx, filterengine.KeyframesOnly, o.cfg.FasterFreq)
		case Reverse:
			err = o.runReverse(ctx, false)
		case FastReverse:
			err = o.runReverse(ctx, true)
		}
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// offerAndEmit appends pics to the reverse index (confirm-equal on
// re-traversal) and writes each as a PES-in-TS packet, per spec.md §4.6/§4.8.
func (o *Orchestrator) offerAndEmit(ctx context.Context, pics []picture.Picture) error {
	for _, p := range pics {
		idx := o.index.Len()
		if err := o.index.Offer(idx, p); err != nil {
			return fmt.Errorf("trickplay[%s]: reverse index: %w", o.cfg.Name, err)
		}
		if p.Kind == picture.SequenceHeader {
			continue
		}
		o.lastEmittedGlobalIdx = idx
		if err := o.emitPicture(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) emitPicture(ctx context.Context, p picture.Picture) error {
	buf, err := o.fetch.FetchPicture(p)
	if err != nil {
		return fmt.Errorf("trickplay[%s]: fetch picture: %w", o.cfg.Name, err)
	}
	return o.writer.EmitPES(ctx, o.cfg.VideoPID, o.cfg.VideoStreamID, buf, true)
}

// runNormal reads forward, offering and emitting each picture, checking
// command_changed between pictures (spec.md §4.8's cooperative cancellation).
func (o *Orchestrator) runNormal(ctx context.Context) error {
	for {
		if o.cmd.Changed() {
			return o.dispatch(ctx)
		}
		pics, err := o.source.ReadNextPicture()
		if errors.Is(err, io.EOF) {
			return o.handleEOFDuring(ctx, Normal)
		}
		if err != nil {
			return err
		}
		if err := o.offerAndEmit(ctx, pics); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) runPaused(ctx context.Context) error {
	for !o.cmd.Changed() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return o.dispatch(ctx)
}

// runForwardFilter implements FAST/FASTER: read forward, keep pictures that
// pass the class/frequency filter, emit a reference-picture backstop before
// resuming NORMAL, per spec.md §4.7 "After FAST/FASTER".
func (o *Orchestrator) runForwardFilter(ctx context.Context, class filterengine.Class, freq int) error {
	f := filterengine.New(class, freq)
	for {
		if o.cmd.Changed() {
			return o.dispatch(ctx)
		}
		pics, err := o.source.ReadNextPicture()
		if errors.Is(err, io.EOF) {
			return o.handleEOFDuring(ctx, o.state)
		}
		if err != nil {
			return err
		}
		for _, p := range pics {
			idx := o.index.Len()
			if err := o.index.Offer(idx, p); err != nil {
				return fmt.Errorf("trickplay[%s]: reverse index: %w", o.cfg.Name, err)
			}
			if p.Kind == picture.SequenceHeader {
				continue
			}
			o.lastEmittedGlobalIdx = idx
			if f.Offer(p.Kind) {
				if err := o.emitPicture(ctx, p); err != nil {
					return err
				}
			}
		}
	}
}

// runReverse implements REVERSE/FAST_REVERSE: emit from the reverse index
// back toward index 0, honoring command_changed as a cooperative-cancel
// check, per spec.md §4.6's reverse emission algorithm.
func (o *Orchestrator) runReverse(ctx context.Context, fast bool) error {
	freq := 1
	if fast {
		freq = o.cfg.FastFreq
		if freq < 2 {
			freq = 2
		}
	}
	cancelled := func() bool { return o.cmd.Changed() }
	emitted := o.index.ReverseEmit(o.lastEmittedGlobalIdx, freq, o.index.NumReferencePictures()+1, o.cfg.WithSeqHeaders, cancelled)
	for _, ep := range emitted {
		if ep.SeqHeader != nil {
			if err := o.emitPicture(ctx, *ep.SeqHeader); err != nil {
				return err
			}
		}
		if err := o.emitPicture(ctx, ep.Pic); err != nil {
			return err
		}
	}
	if len(emitted) > 0 {
		o.lastEmittedGlobalIdx = emitted[len(emitted)-1].Index
	}
	if o.lastEmittedGlobalIdx <= 0 {
		return o.handleEOFDuring(ctx, o.state)
	}
	return o.dispatch(ctx)
}

// dispatch reads the current command byte, clears command_changed, and
// performs the corresponding transition, per spec.md §4.7's event table.
func (o *Orchestrator) dispatch(ctx context.Context) error {
	b := o.cmd.Current()
	o.cmd.ClearChanged()
	log.Printf("trickplay[%s]: state=%s command=%q", o.cfg.Name, o.state, b)

	switch b {
	case 'n':
		return o.enterNormal(ctx, false)
	case 'p':
		o.state = Paused
		return nil
	case 'f':
		return o.leaveNormalInto(Fast)
	case 'F':
		return o.leaveNormalInto(Faster)
	case 'r':
		return o.leaveNormalInto(Reverse)
	case 'R':
		return o.leaveNormalInto(FastReverse)
	case '>':
		return o.skipForward(ctx, o.cfg.Skip10Pictures)
	case '<':
		return o.skipBackward(ctx, o.cfg.Skip10Pictures)
	case ']':
		return o.skipForward(ctx, o.cfg.Skip3MinPictures)
	case '[':
		return o.skipBackward(ctx, o.cfg.Skip3MinPictures)
	case 'q':
		return ErrQuit
	default:
		if b >= '0' && b <= '9' {
			return o.selectFile(ctx, int(b-'0'))
		}
		return nil
	}
}

// leaveNormalInto performs the "Leave NORMAL" obligation (spec.md §4.7): in
// this architecture the forward reader always completes whole pictures, so
// there is no partial-PES-packet prefix to flush; leaving NORMAL simply
// transitions state at the next picture boundary.
func (o *Orchestrator) leaveNormalInto(next State) error {
	o.state = next
	return nil
}

// enterNormal performs the "Enter NORMAL" obligation: re-emit program
// tables (skipped the very first time, when the writer has not yet sent
// any), per spec.md §4.7.
func (o *Orchestrator) enterNormal(ctx context.Context, firstTime bool) error {
	o.state = Normal
	if !firstTime {
		if err := o.writer.ForceProgramTables(ctx); err != nil {
			return err
		}
	}
	return nil
}

// skipForward implements "Skip ±10s / ±3min" forward: runs a FASTER-style
// filter atomically (command_changed suppressed) until n reference
// pictures have been passed, emitting only the target picture, then
// resumes NORMAL, per spec.md §4.7.
func (o *Orchestrator) skipForward(ctx context.Context, n int) error {
	if n <= 0 {
		return o.enterNormal(ctx, false)
	}
	o.cmd.SetAtomic(true)
	defer o.cmd.SetAtomic(false)

	count := 0
	for count < n {
		pics, err := o.source.ReadNextPicture()
		if errors.Is(err, io.EOF) {
			return o.handleEOFDuring(ctx, o.state)
		}
		if err != nil {
			return err
		}
		for _, p := range pics {
			idx := o.index.Len()
			if err := o.index.Offer(idx, p); err != nil {
				return err
			}
			if p.Kind == picture.SequenceHeader {
				continue
			}
			o.lastEmittedGlobalIdx = idx
			count++
			if count == n {
				if err := o.emitPicture(ctx, p); err != nil {
					return err
				}
			}
		}
	}
	return o.afterForwardTransition(ctx)
}

// skipBackward implements "Skip ±10s / ±3min" backward: navigates the
// reverse index n entries back and emits exactly one picture, atomically,
// then applies the after-REVERSE resume, per spec.md §4.7/§4.6.
func (o *Orchestrator) skipBackward(ctx context.Context, n int) error {
	if n <= 0 {
		return o.enterNormal(ctx, false)
	}
	o.cmd.SetAtomic(true)
	defer o.cmd.SetAtomic(false)

	ep, err := o.index.SkipBackward(o.lastEmittedGlobalIdx, n, o.cfg.WithSeqHeaders)
	if err != nil {
		return o.handleEOFDuring(ctx, o.state)
	}
	o.lastEmittedGlobalIdx = ep.Index
	if ep.SeqHeader != nil {
		if err := o.emitPicture(ctx, *ep.SeqHeader); err != nil {
			return err
		}
	}
	if err := o.emitPicture(ctx, ep.Pic); err != nil {
		return err
	}
	return o.afterReverseTransition(ctx)
}

// afterReverseTransition implements "After REVERSE/FAST_REVERSE" (spec.md
// §4.7): for H.262, read and emit one additional reference picture as a
// B-picture backstop; H.264's IDR backstop needs no extra read.
func (o *Orchestrator) afterReverseTransition(ctx context.Context) error {
	if !o.cfg.IsH264 {
		if err := o.emitOneMoreReference(ctx); err != nil {
			return err
		}
	}
	return o.enterNormal(ctx, false)
}

// afterForwardTransition implements "After FAST/FASTER" (spec.md §4.7):
// emit one additional reference picture before resuming NORMAL.
func (o *Orchestrator) afterForwardTransition(ctx context.Context) error {
	if err := o.emitOneMoreReference(ctx); err != nil {
		return err
	}
	return o.enterNormal(ctx, false)
}

func (o *Orchestrator) emitOneMoreReference(ctx context.Context) error {
	pics, err := o.source.ReadNextPicture()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	return o.offerAndEmit(ctx, pics)
}

// selectFile implements "File select 0..9" (spec.md §4.7): pause, switch to
// slot n's source when a SlotSource is available (re-priming its lookahead,
// not merely seeking to 0), or else rewind the single source the
// orchestrator already holds, then treat as first-time NORMAL.
func (o *Orchestrator) selectFile(ctx context.Context, n int) error {
	o.state = Paused
	if o.slots != nil {
		src, fetch, err := o.slots.Slot(n)
		if err != nil {
			return fmt.Errorf("trickplay[%s]: select file %d: %w", o.cfg.Name, n, err)
		}
		o.source = src
		o.fetch = fetch
	} else if rw, ok := o.source.(Rewinder); ok {
		if err := rw.Rewind(0); err != nil {
			return fmt.Errorf("trickplay[%s]: rewind file %d: %w", o.cfg.Name, n, err)
		}
	}
	o.index = picture.New(o.cfg.IsH264)
	o.lastEmittedGlobalIdx = 0
	return o.enterNormal(ctx, true)
}

// handleEOFDuring implements "EOF while reversing" / "EOF while
// fast-forwarding" (spec.md §4.7): emit the last keeper 2 entries before
// the end (to avoid re-emitting what was just sent), apply the
// corresponding resume transition, then PAUSED.
func (o *Orchestrator) handleEOFDuring(ctx context.Context, from State) error {
	if p, ok := o.index.BackReference(2); ok {
		if err := o.emitPicture(ctx, p); err != nil {
			return err
		}
	}
	switch from {
	case Reverse, FastReverse:
		if err := o.afterReverseTransition(ctx); err != nil {
			return err
		}
	case Fast, Faster:
		if err := o.afterForwardTransition(ctx); err != nil {
			return err
		}
	default:
	}
	o.state = Paused
	return nil
}

