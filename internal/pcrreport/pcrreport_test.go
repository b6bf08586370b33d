package pcrreport

import (
	"path/filepath"
	"testing"

	"github.com/snapetech/tsserve/internal/pcranalysis"
)

func TestWriteAndReadSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.sqlite")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	a := pcranalysis.NewAnalyzer(1)
	a.ForceTrust()
	if err := a.Observe(0x100, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, 0, 188); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := a.Observe(0x100, []byte{0x00, 0x02, 0x18, 0x00, 0x00, 0x00}, 90000, 188); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	sections := a.Finish()
	if len(sections) == 0 {
		t.Fatalf("expected at least one section")
	}

	if err := store.WriteSections(1, sections); err != nil {
		t.Fatalf("WriteSections: %v", err)
	}

	rows, err := store.ReadSections(1)
	if err != nil {
		t.Fatalf("ReadSections: %v", err)
	}
	if len(rows) != len(sections) {
		t.Fatalf("got %d rows want %d", len(rows), len(sections))
	}
	if rows[0].StreamNo != 1 {
		t.Fatalf("got stream_no=%d want 1", rows[0].StreamNo)
	}
	if rows[0].FirstPCR90k != sections[0].FirstPCR90k {
		t.Fatalf("got first_pcr_90k=%d want %d", rows[0].FirstPCR90k, sections[0].FirstPCR90k)
	}
}

func TestReadSectionsEmptyForUnknownStream(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.sqlite")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	rows, err := store.ReadSections(99)
	if err != nil {
		t.Fatalf("ReadSections: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("got %d rows want 0", len(rows))
	}
}
