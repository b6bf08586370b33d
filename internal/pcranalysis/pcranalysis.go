// Package pcranalysis validates transport-stream alignment and computes
// per-stream PCR skew, jitter and drift, splitting a stream into sections
// at timing discontinuities and emitting a CSV report, per spec.md §4.4.
//
// Grounded on the teacher's tsPIDStats/recordTickGeneric continuity and
// timestamp-delta tracking pattern, generalized from a debug inspection
// tool into a full section/skew/jitter/drift engine.
package pcranalysis

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"

	"github.com/snapetech/tsserve/internal/tsbits"
)

// DefaultDiscontinuityThreshold90k is 6 seconds in 90 kHz units, the default
// section-split threshold from spec.md §4.4.
const DefaultDiscontinuityThreshold90k = 6 * 90000

// JitterWindow90k bounds the sliding jitter window to 10 seconds.
const JitterWindow90k = 10 * 90000

// JitterMaxSamples bounds the ring buffer, per spec.md §4.4.
const JitterMaxSamples = 1024

// AlignmentScoreMin/Max bound the rolling ts_good score, per spec.md §4.4.
const (
	AlignmentScoreMin = -10
	AlignmentScoreMax = 10
)

// Section is a contiguous run of TS packets within a stream whose
// capture-time vs PCR skew stays bounded, per spec.md §3.
type Section struct {
	FirstPacketIndex, LastPacketIndex int
	FirstPCR90k, LastPCR90k           uint64
	FirstCapture90k, LastCapture90k   uint64
	ByteCount                         int64
	MinSkew, MaxSkew                  int64
	MaxJitter                         int64
	RTPSkewMin, RTPSkewMax            int64
	LastSkew                          int64

	// anchors used to compute skew relative to the section start.
	anchorCapture90k uint64
	anchorPCR90k     uint64
	haveAnchor       bool
}

type jitterSample struct {
	t     uint64 // capture time, 90 kHz
	delta int64  // skew at that time
}

// jitterWindow is a ring buffer of recent skew samples used to compute the
// max-minus-min jitter over the trailing JitterWindow90k. The expiry
// predicate is "evict every sample whose age exceeds the window" (spec.md
// §9 resolves the two inverted variants found in the original source in
// favor of this one).
type jitterWindow struct {
	samples []jitterSample
	head    int // index of first valid sample
	max     int64
	min     int64
	haveAny bool
}

func newJitterWindow() *jitterWindow {
	return &jitterWindow{samples: make([]jitterSample, 0, JitterMaxSamples)}
}

// Add inserts a new sample at time t with the given skew delta, expires
// samples older than window, and returns the current jitter (max-min).
func (w *jitterWindow) Add(delta int64, t uint64, window uint64) int64 {
	w.samples = append(w.samples, jitterSample{t: t, delta: delta})
	needRescan := false
	if len(w.samples)-w.head > JitterMaxSamples {
		if s := w.samples[w.head]; w.haveAny && (s.delta == w.max || s.delta == w.min) {
			needRescan = true
		}
		w.head++
	}

	for w.head < len(w.samples) {
		s := w.samples[w.head]
		if t-s.t <= window {
			break
		}
		if w.haveAny && (s.delta == w.max || s.delta == w.min) {
			needRescan = true
		}
		w.head++
	}
	if w.head > JitterMaxSamples*2 {
		w.samples = append([]jitterSample(nil), w.samples[w.head:]...)
		w.head = 0
	}

	if needRescan || !w.haveAny {
		w.rescan()
	} else {
		if delta > w.max {
			w.max = delta
		}
		if delta < w.min {
			w.min = delta
		}
	}
	if len(w.samples)-w.head == 0 {
		w.haveAny = false
		return 0
	}
	return w.max - w.min
}

func (w *jitterWindow) rescan() {
	if len(w.samples)-w.head == 0 {
		w.haveAny = false
		return
	}
	w.max = w.samples[w.head].delta
	w.min = w.samples[w.head].delta
	for i := w.head + 1; i < len(w.samples); i++ {
		d := w.samples[i].delta
		if d > w.max {
			w.max = d
		}
		if d < w.min {
			w.min = d
		}
	}
	w.haveAny = true
}

// Analyzer tracks alignment, sectioning, skew, jitter and drift for a single
// stream, per spec.md §4.4.
type Analyzer struct {
	StreamNo int

	tsGood         int
	trustForced    bool
	sections       []*Section
	current        *Section
	jitter         *jitterWindow
	discThreshold  int64
	pcrPID         uint16
	pcrPIDSet      bool
	alienPIDLogged bool
	packetIndex    int

	lastSkew   int64
	lastJitter int64
}

// NewAnalyzer returns an Analyzer with the default discontinuity threshold.
func NewAnalyzer(streamNo int) *Analyzer {
	return &Analyzer{
		StreamNo:      streamNo,
		jitter:        newJitterWindow(),
		discThreshold: DefaultDiscontinuityThreshold90k,
	}
}

// ForceTrust sets the alignment score to the maximum, matching an explicit
// dst:port filter's "trust" override (spec.md §4.4 step 1).
func (a *Analyzer) ForceTrust() {
	a.trustForced = true
	a.tsGood = AlignmentScoreMax
}

// AlignmentResult classifies one payload's 188-byte sync alignment.
type AlignmentResult int

const (
	AlignmentGood AlignmentResult = iota
	AlignmentDodgy
	AlignmentBad
)

// CheckAlignment scores a payload for 188-byte TS alignment: every 188th
// byte must equal 0x47. The rolling score is clamped to [-10, 10]; a
// payload is declared bad once the score drops below 0, dodgy when sync
// bytes are individually wrong but the score stays positive.
func (a *Analyzer) CheckAlignment(payload []byte) AlignmentResult {
	if a.trustForced {
		return AlignmentGood
	}
	if len(payload)%188 != 0 || len(payload) == 0 {
		a.adjustScore(-1)
		return a.classify(false)
	}
	allGood := true
	for off := 0; off < len(payload); off += 188 {
		if payload[off] != 0x47 {
			allGood = false
			break
		}
	}
	if allGood {
		a.adjustScore(1)
	} else {
		a.adjustScore(-1)
	}
	return a.classify(allGood)
}

func (a *Analyzer) adjustScore(delta int) {
	a.tsGood += delta
	if a.tsGood > AlignmentScoreMax {
		a.tsGood = AlignmentScoreMax
	}
	if a.tsGood < AlignmentScoreMin {
		a.tsGood = AlignmentScoreMin
	}
}

func (a *Analyzer) classify(syncOK bool) AlignmentResult {
	switch {
	case a.tsGood < 0:
		return AlignmentBad
	case !syncOK:
		return AlignmentDodgy
	default:
		return AlignmentGood
	}
}

// Score returns the current rolling alignment score.
func (a *Analyzer) Score() int { return a.tsGood }

// Observe feeds one TS packet's PCR (if present) and capture time into the
// section/skew/jitter/drift engine. pid is the adaptation field's carrying
// PID, used for multi-PCR-PID detection.
func (a *Analyzer) Observe(pid uint16, pcrField []byte, capture90k uint64, byteLen int) error {
	a.packetIndex++
	pcr, err := tsbits.ReadPCR(pcrField)
	if err != nil {
		return fmt.Errorf("pcranalysis: %w", err)
	}

	if a.pcrPIDSet && pid != a.pcrPID {
		if !a.alienPIDLogged {
			log.Printf("pcranalysis: stream=%d multiple PCR PIDs observed (expected=0x%04x got=0x%04x); suppressing further tracking from alien PID", a.StreamNo, a.pcrPID, pid)
			a.alienPIDLogged = true
		}
		return nil
	}
	if !a.pcrPIDSet {
		a.pcrPID = pid
		a.pcrPIDSet = true
	}

	pcr90k := pcr.Ticks90k()

	if a.current == nil {
		a.startSection(pcr90k, capture90k)
	} else if a.isDiscontinuity(pcr90k, capture90k) {
		a.closeSection()
		a.startSection(pcr90k, capture90k)
	}

	s := a.current
	s.LastPacketIndex = a.packetIndex
	s.LastPCR90k = pcr90k
	s.LastCapture90k = capture90k
	s.ByteCount += int64(byteLen)

	skew := a.computeSkew(pcr90k, capture90k)
	s.LastSkew = skew
	if skew < s.MinSkew {
		s.MinSkew = skew
	}
	if skew > s.MaxSkew {
		s.MaxSkew = skew
	}
	jit := a.jitter.Add(skew, capture90k, JitterWindow90k)
	if jit > s.MaxJitter {
		s.MaxJitter = jit
	}
	a.lastSkew = skew
	a.lastJitter = jit
	return nil
}

// LastObservation returns the skew and jitter computed by the most recent
// Observe call, for callers building a per-packet report row (spec.md §6).
func (a *Analyzer) LastObservation() (skew, jitter int64) {
	return a.lastSkew, a.lastJitter
}

func (a *Analyzer) computeSkew(pcr90k, capture90k uint64) int64 {
	s := a.current
	if !s.haveAnchor {
		s.anchorCapture90k = capture90k
		s.anchorPCR90k = pcr90k
		s.haveAnchor = true
		return 0
	}
	capDelta := int64(capture90k) - int64(s.anchorCapture90k)
	pcrDelta := int64(pcr90k) - int64(s.anchorPCR90k)
	return capDelta - pcrDelta
}

func (a *Analyzer) isDiscontinuity(pcr90k, capture90k uint64) bool {
	s := a.current
	dPCR := absDelta64(pcr90k, s.LastPCR90k)
	dCapture := absDelta64(capture90k, s.LastCapture90k)
	skew := a.computeSkew(pcr90k, capture90k)
	dSkew := absInt64(skew - s.LastSkew)
	return int64(dPCR) > a.discThreshold || int64(dCapture) > a.discThreshold || dSkew > a.discThreshold
}

func (a *Analyzer) startSection(pcr90k, capture90k uint64) {
	a.current = &Section{
		FirstPacketIndex: a.packetIndex,
		LastPacketIndex:  a.packetIndex,
		FirstPCR90k:      pcr90k,
		LastPCR90k:       pcr90k,
		FirstCapture90k:  capture90k,
		LastCapture90k:   capture90k,
	}
}

func (a *Analyzer) closeSection() {
	if a.current != nil {
		a.sections = append(a.sections, a.current)
	}
	a.current = nil
}

// Finish closes any open section and returns every section observed.
func (a *Analyzer) Finish() []*Section {
	a.closeSection()
	return a.sections
}

// DriftReport summarises a section's capture-vs-PCR drift, per spec.md §4.4.
type DriftReport struct {
	PerMinute90k float64
	OneSecondPerNSeconds float64
}

// Drift computes the section's drift: capture_duration - PCR_duration, as a
// per-minute rate and as "1 second per N seconds".
func Drift(s *Section) DriftReport {
	captureDur := int64(s.LastCapture90k) - int64(s.FirstCapture90k)
	pcrDur := int64(s.LastPCR90k) - int64(s.FirstPCR90k)
	diff := captureDur - pcrDur
	if captureDur == 0 {
		return DriftReport{}
	}
	perMinute := float64(diff) / float64(captureDur) * 60.0 * 90000.0
	var oneSecPerN float64
	if diff != 0 {
		oneSecPerN = float64(captureDur) / 90000.0 / (float64(diff) / 90000.0)
	}
	return DriftReport{PerMinute90k: perMinute, OneSecondPerNSeconds: oneSecPerN}
}

func absDelta64(a, b uint64) uint64 {
	if a >= b {
		return a - b
	}
	return b - a
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// CSVRow is one PCR-carrying packet's report row, per spec.md §6.
type CSVRow struct {
	Packet int
	Time90k uint64
	PCR90k  uint64
	Skew    int64
	Jitter  int64
}

// WriteCSV emits the report header and rows exactly as spec.md §6 dictates:
// "PKT","Time","PCR","Skew","Jitter".
func WriteCSV(w io.Writer, rows []CSVRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"PKT", "Time", "PCR", "Skew", "Jitter"}); err != nil {
		return fmt.Errorf("pcranalysis: write csv header: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			fmt.Sprintf("%d", r.Packet),
			fmt.Sprintf("%d", r.Time90k),
			fmt.Sprintf("%d", r.PCR90k),
			fmt.Sprintf("%d", r.Skew),
			fmt.Sprintf("%d", r.Jitter),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("pcranalysis: write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
