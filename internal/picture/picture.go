// Package picture implements the reverse-index engine: it records, as a
// side effect of forward reading, the byte positions and classifications of
// reference pictures and sequence headers so that later reverse playback is
// O(1) per emitted picture, per spec.md §3 and §4.6.
package picture

import (
	"errors"
	"fmt"
)

// Kind classifies a framed video access unit, per spec.md §3.
type Kind int

const (
	SequenceHeader Kind = iota
	I
	P
	B
	IDR
	NonIDRRef
	NonRef
)

func (k Kind) String() string {
	switch k {
	case SequenceHeader:
		return "SequenceHeader"
	case I:
		return "I"
	case P:
		return "P"
	case B:
		return "B"
	case IDR:
		return "IDR"
	case NonIDRRef:
		return "NonIDRRef"
	case NonRef:
		return "NonRef"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ByteRange locates a picture in the elementary stream.
type ByteRange struct {
	FileOffset        int64
	OffsetWithinPES   int64
}

// Less reports whether r sorts strictly before o, used to check the
// monotonic-byte-range invariant (spec.md §3, §8).
func (r ByteRange) Less(o ByteRange) bool {
	if r.FileOffset != o.FileOffset {
		return r.FileOffset < o.FileOffset
	}
	return r.OffsetWithinPES < o.OffsetWithinPES
}

// Equal reports exact equality, used by confirm-equal re-traversal checks.
func (r ByteRange) Equal(o ByteRange) bool {
	return r.FileOffset == o.FileOffset && r.OffsetWithinPES == o.OffsetWithinPES
}

// Picture is one framed video unit, per spec.md §3.
type Picture struct {
	Kind             Kind
	Range            ByteRange
	Length           int64
	AFDByte          *byte // H.262 only
	SeqHeaderBackref int   // H.262 only: backward offset to the most recent sequence header, 0 if this IS one
}

// ErrMismatch is returned when a confirm-equal re-traversal finds a
// recorded entry that disagrees with what forward reading now sees — a
// fatal inconsistency per spec.md §7 (ReverseIndexMismatch).
var ErrMismatch = errors.New("picture: reverse-index mismatch")

// ReverseIndex is the append-only ordered sequence of Pictures plus replay
// bookkeeping, per spec.md §3.
type ReverseIndex struct {
	entries            []Picture
	numReferencePictures int
	lastReplayCursor   int
	isH264             bool
}

// New returns an empty ReverseIndex. isH264 selects which optional fields
// (AFD byte, sequence-header backref) are present and validated.
func New(isH264 bool) *ReverseIndex {
	return &ReverseIndex{isH264: isH264}
}

// IsH264 reports whether this index was created for an H.264 source.
func (r *ReverseIndex) IsH264() bool { return r.isH264 }

// Len returns the total number of recorded entries, sequence headers included.
func (r *ReverseIndex) Len() int { return len(r.entries) }

// NumReferencePictures returns the count of non-SequenceHeader entries.
func (r *ReverseIndex) NumReferencePictures() int { return r.numReferencePictures }

// LastReplayCursor returns the index most recently re-emitted, so forward
// play resumed after a reverse continues from the correct spot.
func (r *ReverseIndex) LastReplayCursor() int { return r.lastReplayCursor }

// SetReplayCursor updates the replay cursor explicitly (used when the
// orchestrator resumes forward play after a reverse/skip).
func (r *ReverseIndex) SetReplayCursor(idx int) { r.lastReplayCursor = idx }

func (r *ReverseIndex) validate(p Picture) error {
	if p.Kind == SequenceHeader {
		if p.SeqHeaderBackref != 0 {
			return fmt.Errorf("picture: sequence header must have seq_header_backref=0, got %d", p.SeqHeaderBackref)
		}
		return nil
	}
	if r.isH264 {
		return nil // H.264 entries carry no sequence-header backref
	}
	if p.SeqHeaderBackref < 1 {
		return fmt.Errorf("picture: non-sequence-header entry must have seq_header_backref>=1, got %d", p.SeqHeaderBackref)
	}
	refIdx := len(r.entries) - p.SeqHeaderBackref
	if refIdx < 0 || refIdx >= len(r.entries) {
		return fmt.Errorf("picture: seq_header_backref=%d out of range at index %d", p.SeqHeaderBackref, len(r.entries))
	}
	if r.entries[refIdx].Kind != SequenceHeader {
		return fmt.Errorf("picture: seq_header_backref=%d does not reference a sequence header", p.SeqHeaderBackref)
	}
	return nil
}

// Offer is called once per reference picture arriving during forward play,
// at absolute index globalIdx. When globalIdx extends beyond the recorded
// range it appends; when it re-traverses a previously recorded region it
// confirms the entry is unchanged. A mismatch is fatal (ErrMismatch),
// per spec.md §4.6.
func (r *ReverseIndex) Offer(globalIdx int, p Picture) error {
	if globalIdx == len(r.entries) {
		if len(r.entries) > 0 && p.Range.Less(r.entries[len(r.entries)-1].Range) {
			return fmt.Errorf("picture: byte range not monotonic at index %d", globalIdx)
		}
		if err := r.validate(p); err != nil {
			return err
		}
		r.entries = append(r.entries, p)
		if p.Kind != SequenceHeader {
			r.numReferencePictures++
		}
		return nil
	}
	if globalIdx < 0 || globalIdx > len(r.entries) {
		return fmt.Errorf("picture: offer index %d out of range (len=%d)", globalIdx, len(r.entries))
	}
	existing := r.entries[globalIdx]
	if existing.Kind != p.Kind || !existing.Range.Equal(p.Range) || existing.Length != p.Length {
		return fmt.Errorf("%w: index=%d recorded=%+v offered=%+v", ErrMismatch, globalIdx, existing, p)
	}
	return nil
}

// At returns the entry at absolute index idx.
func (r *ReverseIndex) At(idx int) (Picture, bool) {
	if idx < 0 || idx >= len(r.entries) {
		return Picture{}, false
	}
	return r.entries[idx], true
}

// skipSequenceHeadersBackward walks idx backwards over any terminal
// sequence-header entries (spec.md §4.6 step 1).
func (r *ReverseIndex) skipSequenceHeadersBackward(idx int) int {
	for idx >= 0 && idx < len(r.entries) && r.entries[idx].Kind == SequenceHeader {
		idx--
	}
	return idx
}

// SeqHeaderFor returns the sequence header an entry at idx refers back to,
// via its SeqHeaderBackref. Only meaningful for H.262 indexes.
func (r *ReverseIndex) SeqHeaderFor(idx int) (Picture, int, bool) {
	p, ok := r.At(idx)
	if !ok || p.Kind == SequenceHeader || p.SeqHeaderBackref == 0 {
		return Picture{}, 0, false
	}
	refIdx := idx - p.SeqHeaderBackref
	ref, ok := r.At(refIdx)
	return ref, refIdx, ok
}

// BackReference returns the reference picture n non-sequence-header steps
// behind the most recently appended entry, skipping over interleaved
// sequence-header entries rather than treating them as ordinary positions.
// n is clamped to the earliest available reference picture when the index
// holds fewer than n+1 of them. Used by trick-play's EOF handling to back
// off by a fixed count of reference pictures (spec.md §4.7), which would
// otherwise land short (or on a sequence header) if computed against
// NumReferencePictures and indexed via At, since At counts sequence
// headers and NumReferencePictures does not.
func (r *ReverseIndex) BackReference(n int) (Picture, bool) {
	if r.numReferencePictures == 0 {
		return Picture{}, false
	}
	if n >= r.numReferencePictures {
		n = r.numReferencePictures - 1
	}
	idx := r.skipSequenceHeadersBackward(len(r.entries) - 1)
	for n > 0 && idx >= 0 {
		idx--
		idx = r.skipSequenceHeadersBackward(idx)
		n--
	}
	if idx < 0 {
		return Picture{}, false
	}
	return r.entries[idx], true
}

// EmittedPicture is one unit produced by reverse emission: the picture
// itself, its absolute index, and — from SkipBackward, when requested — its
// sequence header. ReverseEmit does not fill SeqHeader; it emits sequence
// headers as entries of their own.
type EmittedPicture struct {
	Index        int
	Pic          Picture
	SeqHeader    *Picture
	SeqHeaderIdx int
	Repeat       bool // true when this is a repeat-emit to maintain perceived rate
}

// ReverseEmit implements the reverse emission algorithm of spec.md §4.6:
// starting from the replay cursor (or an explicit start index when >= 0),
// walk backwards keeping every f-th non-sequence-header picture, repeating
// the last kept picture when the gap would otherwise exceed f by more than
// one step, optionally interleaving sequence headers, and stopping after
// max pictures, at index 0, or when the context is cancelled.
func (r *ReverseIndex) ReverseEmit(startIdx int, freq int, max int, withSeqHeaders bool, cancelled func() bool) []EmittedPicture {
	if freq < 1 {
		freq = 1
	}
	idx := startIdx
	if idx < 0 {
		idx = r.lastReplayCursor
	}
	idx = r.skipSequenceHeadersBackward(idx)

	var out []EmittedPicture
	var lastKept *Picture
	var lastKeptIdx int
	var lastSeqEmittedIdx = -1
	gap := freq // force first real picture to be kept

	for idx >= 0 && len(out) < max {
		if cancelled != nil && cancelled() {
			break
		}
		p, ok := r.At(idx)
		if !ok {
			break
		}
		if p.Kind == SequenceHeader {
			idx--
			continue
		}
		gap++
		keep := gap >= freq
		if keep {
			gap = 0
			if withSeqHeaders && !r.isH264 {
				if seq, seqIdx, hasSeq := r.SeqHeaderFor(idx); hasSeq && seqIdx != lastSeqEmittedIdx {
					out = append(out, EmittedPicture{Index: seqIdx, Pic: seq, SeqHeaderIdx: seqIdx})
					lastSeqEmittedIdx = seqIdx
					if len(out) >= max {
						break
					}
				}
			}
			out = append(out, EmittedPicture{Index: idx, Pic: p})
			cp := p
			lastKept = &cp
			lastKeptIdx = idx
		} else if lastKept != nil {
			// Gap exceeds f by more than one f-step: repeat-emit the last
			// kept picture to maintain perceived rate (spec.md §4.6 step 2).
			out = append(out, EmittedPicture{Index: lastKeptIdx, Pic: *lastKept, Repeat: true})
		}
		idx--
		if len(out) >= max {
			break
		}
	}
	if len(out) > 0 {
		r.lastReplayCursor = out[len(out)-1].Index
	}
	return out
}

// SkipBackward navigates backwards by n non-sequence-header entries from
// idx and emits exactly one picture (with its sequence header, when
// requested), per spec.md §4.6's "output last picture with offset N".
func (r *ReverseIndex) SkipBackward(idx int, n int, withSeqHeaders bool) (EmittedPicture, error) {
	idx = r.skipSequenceHeadersBackward(idx)
	remaining := n
	for idx >= 0 {
		p, ok := r.At(idx)
		if !ok {
			break
		}
		if p.Kind == SequenceHeader {
			idx--
			continue
		}
		if remaining == 0 {
			ep := EmittedPicture{Index: idx, Pic: p}
			if withSeqHeaders && !r.isH264 {
				if seq, seqIdx, hasSeq := r.SeqHeaderFor(idx); hasSeq {
					ep.SeqHeader = &seq
					ep.SeqHeaderIdx = seqIdx
				}
			}
			r.lastReplayCursor = idx
			return ep, nil
		}
		remaining--
		idx--
	}
	return EmittedPicture{}, fmt.Errorf("picture: skip backward %d exceeds index range", n)
}
