package picture

import "testing"

func TestAppendRejectsNonMonotonicRange(t *testing.T) {
	r := New(true)
	if err := r.Offer(0, Picture{Kind: IDR, Range: ByteRange{FileOffset: 100}, Length: 10}); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	err := r.Offer(1, Picture{Kind: P, Range: ByteRange{FileOffset: 50}, Length: 10})
	if err == nil {
		t.Fatalf("expected error for non-monotonic byte range")
	}
}

func TestH262SeqHeaderBackrefValidated(t *testing.T) {
	r := New(false)
	if err := r.Offer(0, Picture{Kind: SequenceHeader, Range: ByteRange{FileOffset: 0}}); err != nil {
		t.Fatalf("Offer seqhdr: %v", err)
	}
	if err := r.Offer(1, Picture{Kind: I, Range: ByteRange{FileOffset: 10}, SeqHeaderBackref: 1}); err != nil {
		t.Fatalf("Offer I: %v", err)
	}
	if err := r.Offer(2, Picture{Kind: P, Range: ByteRange{FileOffset: 20}, SeqHeaderBackref: 0}); err == nil {
		t.Fatalf("expected error: non-sequence-header entry needs backref>=1")
	}
}

func TestConfirmEqualReTraversal(t *testing.T) {
	r := New(true)
	p := Picture{Kind: IDR, Range: ByteRange{FileOffset: 0}, Length: 10}
	if err := r.Offer(0, p); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if err := r.Offer(0, p); err != nil {
		t.Fatalf("confirm-equal should succeed: %v", err)
	}
	mismatched := p
	mismatched.Length = 999
	if err := r.Offer(0, mismatched); err == nil {
		t.Fatalf("expected ErrMismatch on disagreeing re-traversal")
	}
}

func buildForwardIndex(t *testing.T, n int) *ReverseIndex {
	t.Helper()
	r := New(true)
	for i := 0; i < n; i++ {
		p := Picture{Kind: IDR, Range: ByteRange{FileOffset: int64(i * 100)}, Length: 100}
		if i%3 != 0 {
			p.Kind = NonIDRRef
		}
		if err := r.Offer(i, p); err != nil {
			t.Fatalf("Offer %d: %v", i, err)
		}
	}
	return r
}

func TestForwardThenReverseRoundTrip(t *testing.T) {
	const n = 10
	r := buildForwardIndex(t, n)
	r.SetReplayCursor(n - 1)

	emitted := r.ReverseEmit(n-1, 1, n, false, nil)
	if len(emitted) != n {
		t.Fatalf("got %d emitted want %d", len(emitted), n)
	}
	for i, e := range emitted {
		wantIdx := n - 1 - i
		if e.Index != wantIdx {
			t.Fatalf("emitted[%d].Index = %d want %d", i, e.Index, wantIdx)
		}
	}
}

func TestReverseEmitStopsAtMax(t *testing.T) {
	r := buildForwardIndex(t, 20)
	emitted := r.ReverseEmit(19, 1, 5, false, nil)
	if len(emitted) != 5 {
		t.Fatalf("got %d emitted want 5", len(emitted))
	}
}

func TestSkipBackwardFromEOF(t *testing.T) {
	r := buildForwardIndex(t, 10)
	ep, err := r.SkipBackward(9, 2, false)
	if err != nil {
		t.Fatalf("SkipBackward: %v", err)
	}
	if ep.Index != 7 {
		t.Fatalf("got index %d want 7", ep.Index)
	}
}

// buildH262Index interleaves a sequence header every gopSize reference
// pictures, as naivepicture does for -h262 input, so Len() (entries,
// seq headers included) and NumReferencePictures() (seq headers excluded)
// diverge.
func buildH262Index(t *testing.T, n, gopSize int) *ReverseIndex {
	t.Helper()
	r := New(false)
	idx := 0
	lastSeqIdx := -1
	for i := 0; i < n; i++ {
		if i%gopSize == 0 {
			if err := r.Offer(idx, Picture{Kind: SequenceHeader, Range: ByteRange{FileOffset: int64(idx * 100)}}); err != nil {
				t.Fatalf("Offer seqhdr %d: %v", idx, err)
			}
			lastSeqIdx = idx
			idx++
		}
		kind := NonIDRRef
		if i%gopSize == 0 {
			kind = IDR
		}
		p := Picture{Kind: kind, Range: ByteRange{FileOffset: int64(idx * 100)}, Length: 100, SeqHeaderBackref: idx - lastSeqIdx}
		if err := r.Offer(idx, p); err != nil {
			t.Fatalf("Offer %d: %v", idx, err)
		}
		idx++
	}
	return r
}

// TestBackReferenceSkipsSequenceHeaders guards against the bug where
// handleEOFDuring computed NumReferencePictures()-3 and indexed it via At,
// which counts sequence headers in Len but not in NumReferencePictures and
// so can land short or directly on a SequenceHeader entry for H.262
// content. BackReference must walk back by reference-picture steps only.
func TestBackReferenceSkipsSequenceHeaders(t *testing.T) {
	const gopSize = 4
	r := buildH262Index(t, 10, gopSize)

	p, ok := r.BackReference(2)
	if !ok {
		t.Fatalf("BackReference(2): expected a picture, got none")
	}
	if p.Kind == SequenceHeader {
		t.Fatalf("BackReference(2) landed on a sequence header: %+v", p)
	}

	// Cross-check by counting back from the end over non-seq-header
	// entries only, the correct behavior the old NumReferencePictures()-3
	// arithmetic failed to produce.
	want := Picture{}
	steps := 2
	for i := r.Len() - 1; i >= 0; i-- {
		e, _ := r.At(i)
		if e.Kind == SequenceHeader {
			continue
		}
		if steps == 0 {
			want = e
			break
		}
		steps--
	}
	if p.Range != want.Range {
		t.Fatalf("BackReference(2) = %+v want %+v", p, want)
	}
}

func TestBackReferenceClampsWhenFewerThanNReferencePictures(t *testing.T) {
	r := buildH262Index(t, 1, 4) // one GOP: one sequence header + one IDR
	p, ok := r.BackReference(5)
	if !ok {
		t.Fatalf("BackReference(5): expected clamp to earliest reference picture, got none")
	}
	if p.Kind == SequenceHeader {
		t.Fatalf("BackReference clamp landed on a sequence header: %+v", p)
	}
}
