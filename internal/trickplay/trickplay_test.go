package trickplay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/snapetech/tsserve/internal/picture"
	"github.com/snapetech/tsserve/internal/tswriter"
)

// fakeSource yields one IDR picture per call up to n, then io.EOF.
type fakeSource struct {
	n      int
	cursor int
}

func (f *fakeSource) ReadNextPicture() ([]picture.Picture, error) {
	if f.cursor >= f.n {
		return nil, io.EOF
	}
	p := picture.Picture{
		Kind:   picture.IDR,
		Range:  picture.ByteRange{FileOffset: int64(f.cursor * 100)},
		Length: 100,
	}
	f.cursor++
	return []picture.Picture{p}, nil
}

func (f *fakeSource) Rewind(off int64) error {
	f.cursor = 0
	return nil
}

type fakeFetcher struct{}

func (fakeFetcher) FetchPicture(p picture.Picture) ([]byte, error) {
	return bytes.Repeat([]byte{0x01}, int(p.Length)), nil
}

// fakeSlotSet is a stub SlotSource backing several distinguishable
// fakeSources keyed by slot number, used to verify that selectFile
// actually switches the orchestrator onto a different slot's source
// rather than rewinding whichever one was already active.
type fakeSlotSet struct {
	sources map[int]*fakeSource
}

func newFakeSlotSet(sources map[int]*fakeSource) *fakeSlotSet {
	return &fakeSlotSet{sources: sources}
}

func (fs *fakeSlotSet) Slot(n int) (FrameSource, PayloadFetcher, error) {
	src, ok := fs.sources[n]
	if !ok {
		return nil, nil, fmt.Errorf("fakeSlotSet: no source configured for slot %d", n)
	}
	src.cursor = 0
	return src, fakeFetcher{}, nil
}

func newTestOrchestrator(n int) (*Orchestrator, *fakeSource, *tswriter.CommandState) {
	src := &fakeSource{n: n}
	cmd := &tswriter.CommandState{}
	w := tswriter.NewWriter(256, tswriter.ProgramTables{PMTPID: 0x100, VideoPID: 0x101, AudioPID: 0x102}, 1000)
	cfg := Config{
		Name: "test", VideoPID: 0x101, VideoStreamID: 0xE0, IsH264: true,
		FastFreq: 2, FasterFreq: 4, Skip10Pictures: 3, Skip3MinPictures: 5,
	}
	o := NewOrchestrator(cfg, src, fakeFetcher{}, w, cmd)
	return o, src, cmd
}

func TestRunNormalStopsOnCommand(t *testing.T) {
	o, _, cmd := newTestOrchestrator(100)
	if err := o.enterNormal(context.Background(), true); err != nil {
		t.Fatalf("enterNormal: %v", err)
	}
	go func() {
		cmd.Set('p')
	}()
	if err := o.runNormal(context.Background()); err != nil {
		t.Fatalf("runNormal: %v", err)
	}
	if o.state != Paused {
		t.Fatalf("got state=%s want PAUSED", o.state)
	}
}

func TestEOFDuringNormalPauses(t *testing.T) {
	o, _, _ := newTestOrchestrator(3)
	if err := o.enterNormal(context.Background(), true); err != nil {
		t.Fatalf("enterNormal: %v", err)
	}
	if err := o.runNormal(context.Background()); err != nil {
		t.Fatalf("runNormal: %v", err)
	}
	if o.state != Paused {
		t.Fatalf("got state=%s want PAUSED after EOF", o.state)
	}
	if o.index.Len() != 3 {
		t.Fatalf("got %d indexed pictures want 3", o.index.Len())
	}
}

func TestSkipForwardAdvancesIndexAndResumesNormal(t *testing.T) {
	o, _, _ := newTestOrchestrator(20)
	if err := o.enterNormal(context.Background(), true); err != nil {
		t.Fatalf("enterNormal: %v", err)
	}
	if err := o.skipForward(context.Background(), 5); err != nil {
		t.Fatalf("skipForward: %v", err)
	}
	if o.state != Normal {
		t.Fatalf("got state=%s want NORMAL after skip-forward resume", o.state)
	}
	if o.index.Len() < 5 {
		t.Fatalf("expected at least 5 pictures indexed, got %d", o.index.Len())
	}
}

func TestSkipBackwardThenReverseResume(t *testing.T) {
	o, _, _ := newTestOrchestrator(20)
	if err := o.enterNormal(context.Background(), true); err != nil {
		t.Fatalf("enterNormal: %v", err)
	}
	if err := o.skipForward(context.Background(), 10); err != nil {
		t.Fatalf("skipForward: %v", err)
	}
	if err := o.skipBackward(context.Background(), 3); err != nil {
		t.Fatalf("skipBackward: %v", err)
	}
	if o.state != Normal {
		t.Fatalf("got state=%s want NORMAL after skip-backward resume", o.state)
	}
}

// TestSelectFileRewindsAndResetsIndex covers the single-source fallback
// path (no SlotSource set): selectFile still rewinds whatever source the
// orchestrator already holds and starts a fresh reverse index.
func TestSelectFileRewindsAndResetsIndex(t *testing.T) {
	o, src, _ := newTestOrchestrator(20)
	if err := o.enterNormal(context.Background(), true); err != nil {
		t.Fatalf("enterNormal: %v", err)
	}
	if err := o.skipForward(context.Background(), 4); err != nil {
		t.Fatalf("skipForward: %v", err)
	}
	if err := o.selectFile(context.Background(), 2); err != nil {
		t.Fatalf("selectFile: %v", err)
	}
	if o.index.Len() != 0 {
		t.Fatalf("expected fresh reverse index after file select, got len=%d", o.index.Len())
	}
	if src.cursor != 0 {
		t.Fatalf("expected source rewound to 0, got cursor=%d", src.cursor)
	}
	if o.state != Normal {
		t.Fatalf("got state=%s want NORMAL after file select", o.state)
	}
}

// TestSelectFileSwitchesToDistinctSlotContent covers the multi-slot path
// (SetSlots called): selecting slot 2 must hand the orchestrator slot 2's
// own source, distinct from slot 0's, with slot 0 left at whatever cursor
// skipForward advanced it to (spec.md §8 scenario 6 "File switch
// rewinds": resume with slot 1's picture 1, not slot 0's).
func TestSelectFileSwitchesToDistinctSlotContent(t *testing.T) {
	o, src0, _ := newTestOrchestrator(20)
	slot2 := &fakeSource{n: 20}
	slots := newFakeSlotSet(map[int]*fakeSource{0: src0, 2: slot2})
	o.SetSlots(slots)

	if err := o.enterNormal(context.Background(), true); err != nil {
		t.Fatalf("enterNormal: %v", err)
	}
	if err := o.skipForward(context.Background(), 4); err != nil {
		t.Fatalf("skipForward: %v", err)
	}
	if src0.cursor == 0 {
		t.Fatalf("expected slot 0 source to have advanced before file select")
	}
	advancedCursor := src0.cursor

	if err := o.selectFile(context.Background(), 2); err != nil {
		t.Fatalf("selectFile: %v", err)
	}
	if o.source != slot2 {
		t.Fatalf("expected orchestrator source to switch to slot 2's source after file select")
	}
	if src0.cursor != advancedCursor {
		t.Fatalf("slot 0's source cursor changed on an unrelated slot's select: got %d want %d", src0.cursor, advancedCursor)
	}
	if slot2.cursor != 0 {
		t.Fatalf("expected slot 2 freshly rewound to cursor 0, got %d", slot2.cursor)
	}

	pics, err := o.source.ReadNextPicture()
	if err != nil {
		t.Fatalf("ReadNextPicture after select: %v", err)
	}
	if len(pics) != 1 || pics[0].Range.FileOffset != 0 {
		t.Fatalf("expected first picture of freshly-selected slot 2 at offset 0, got %+v", pics)
	}

	if o.index.Len() != 0 {
		t.Fatalf("expected fresh reverse index after file select, got len=%d", o.index.Len())
	}
	if o.state != Normal {
		t.Fatalf("got state=%s want NORMAL after file select", o.state)
	}
}

func TestDispatchQuit(t *testing.T) {
	o, _, cmd := newTestOrchestrator(5)
	cmd.Set('q')
	if err := o.dispatch(context.Background()); err != ErrQuit {
		t.Fatalf("got %v want ErrQuit", err)
	}
}
