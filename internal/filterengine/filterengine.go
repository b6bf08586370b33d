// Package filterengine selects which forward-read pictures to emit during
// fast-forward: all reference pictures, or I/IDR only, at a configured
// frequency, per spec.md §4.7 (umbrella) / §2 item 7.
package filterengine

import "github.com/snapetech/tsserve/internal/picture"

// Class selects which picture kinds pass the filter.
type Class int

const (
	// AllReference passes every non-SequenceHeader, non-NonRef picture
	// (the "FAST" state's class, spec.md §4.7).
	AllReference Class = iota
	// KeyframesOnly passes only I or IDR pictures (the "FASTER" state's
	// class, spec.md §4.7).
	KeyframesOnly
)

func (c Class) accepts(k picture.Kind) bool {
	switch k {
	case picture.SequenceHeader:
		return false
	case picture.I, picture.IDR:
		return true
	case picture.NonRef:
		return false // non-reference pictures pass neither class
	default:
		return c == AllReference
	}
}

// Filter decides, picture by picture, whether to emit under a given class
// and target frequency (1 = every accepted picture, 2 = every other, etc).
type Filter struct {
	class Class
	freq  int
	gap   int
	kept  int
}

// New returns a Filter for the given class and frequency. freq<1 is
// clamped to 1.
func New(class Class, freq int) *Filter {
	if freq < 1 {
		freq = 1
	}
	return &Filter{class: class, freq: freq, gap: freq}
}

// Offer reports whether the picture at this forward position should be
// emitted, advancing the filter's internal gap counter.
func (f *Filter) Offer(k picture.Kind) bool {
	if !f.class.accepts(k) {
		return false
	}
	f.gap++
	if f.gap < f.freq {
		return false
	}
	f.gap = 0
	f.kept++
	return true
}

// Kept returns how many pictures have been emitted so far.
func (f *Filter) Kept() int { return f.kept }

// Reset clears the gap/kept counters, so the next accepted picture passes
// as it does on a freshly created Filter.
func (f *Filter) Reset() {
	f.gap = f.freq
	f.kept = 0
}
