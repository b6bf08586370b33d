package naivepicture

import (
	"testing"

	"github.com/snapetech/tsserve/internal/picture"
	"github.com/snapetech/tsserve/internal/tspes"
)

func TestH264SourceEmitsOnePictureNoSeqHeader(t *testing.T) {
	s := New(true, 1)
	pics, err := s.FeedPES(tspes.PES{FileOffset: 100, Payload: []byte{0x01, 0x02, 0x03}})
	if err != nil {
		t.Fatalf("FeedPES: %v", err)
	}
	if len(pics) != 1 {
		t.Fatalf("got %d pictures want 1", len(pics))
	}
	if pics[0].Kind != picture.IDR {
		t.Fatalf("got kind=%s want IDR", pics[0].Kind)
	}
	payload, err := s.FetchPicture(pics[0])
	if err != nil {
		t.Fatalf("FetchPicture: %v", err)
	}
	if len(payload) != 3 {
		t.Fatalf("got %d bytes want 3", len(payload))
	}
}

func TestH262SourceEmitsSeqHeaderEveryGOP(t *testing.T) {
	s := New(false, 2)
	idx := picture.New(false)
	gidx := 0
	for i := 0; i < 4; i++ {
		pics, err := s.FeedPES(tspes.PES{FileOffset: int64(i * 10), Payload: []byte{byte(i)}})
		if err != nil {
			t.Fatalf("FeedPES %d: %v", i, err)
		}
		for _, p := range pics {
			if err := idx.Offer(gidx, p); err != nil {
				t.Fatalf("Offer %d: %v", gidx, err)
			}
			gidx++
		}
	}
	// GOP size 2 over 4 PES -> seq headers before picture 0 and picture 2.
	if idx.NumReferencePictures() != 4 {
		t.Fatalf("got %d reference pictures want 4", idx.NumReferencePictures())
	}
	if idx.Len() != 6 {
		t.Fatalf("got %d total entries want 6 (4 pictures + 2 seq headers)", idx.Len())
	}
}

func TestRewindResetsGOPCounting(t *testing.T) {
	s := New(false, 2)
	if _, err := s.FeedPES(tspes.PES{FileOffset: 0, Payload: []byte{0x01}}); err != nil {
		t.Fatalf("FeedPES: %v", err)
	}
	if err := s.Rewind(0); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	pics, err := s.FeedPES(tspes.PES{FileOffset: 0, Payload: []byte{0x02}})
	if err != nil {
		t.Fatalf("FeedPES after rewind: %v", err)
	}
	var sawSeqHeader bool
	for _, p := range pics {
		if p.Kind == picture.SequenceHeader {
			sawSeqHeader = true
		}
	}
	if !sawSeqHeader {
		t.Fatalf("expected a fresh sequence header after rewind")
	}
}

func TestFetchPictureUnknownOffsetErrors(t *testing.T) {
	s := New(true, 1)
	_, err := s.FetchPicture(picture.Picture{Range: picture.ByteRange{FileOffset: 999}})
	if err == nil {
		t.Fatalf("expected error for unknown offset")
	}
}
