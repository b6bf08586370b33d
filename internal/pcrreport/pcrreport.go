// Package pcrreport persists pcapreport's per-section PCR analysis to a
// SQLite file via database/sql and modernc.org/sqlite, per spec.md §6's
// optional "-db path.sqlite" output mode. Grounded on the teacher's
// internal/plex/dvr.go, the only place in the teacher that talks to
// SQLite: that file opens a sql.DB against a fixed schema and issues
// UPDATE/INSERT by hand, which is the pattern followed here, repurposed
// from editing Plex's library database into writing a durable,
// append-only report store.
package pcrreport

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/snapetech/tsserve/internal/pcranalysis"
)

// Store wraps a sql.DB holding one table of per-section PCR report rows.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and ensures
// the report table exists. Closing the returned Store closes the
// underlying database handle.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("pcrreport: open %s: %w", path, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("pcrreport: create table: %w", err)
	}
	return &Store{db: db}, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS pcr_sections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_no INTEGER NOT NULL,
	first_packet_index INTEGER NOT NULL,
	last_packet_index INTEGER NOT NULL,
	first_pcr_90k INTEGER NOT NULL,
	last_pcr_90k INTEGER NOT NULL,
	first_capture_90k INTEGER NOT NULL,
	last_capture_90k INTEGER NOT NULL,
	byte_count INTEGER NOT NULL,
	min_skew INTEGER NOT NULL,
	max_skew INTEGER NOT NULL,
	max_jitter INTEGER NOT NULL,
	drift_per_minute_90k REAL NOT NULL,
	drift_one_second_per_n_seconds REAL NOT NULL
)`

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteSection inserts one row summarising a completed analysis section for
// the given stream number, per spec.md §6's "one row per section" shape.
func (s *Store) WriteSection(streamNo int, section *pcranalysis.Section) error {
	drift := pcranalysis.Drift(section)
	_, err := s.db.Exec(
		`INSERT INTO pcr_sections (
			stream_no, first_packet_index, last_packet_index,
			first_pcr_90k, last_pcr_90k, first_capture_90k, last_capture_90k,
			byte_count, min_skew, max_skew, max_jitter,
			drift_per_minute_90k, drift_one_second_per_n_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		streamNo,
		section.FirstPacketIndex, section.LastPacketIndex,
		section.FirstPCR90k, section.LastPCR90k,
		section.FirstCapture90k, section.LastCapture90k,
		section.ByteCount, section.MinSkew, section.MaxSkew, section.MaxJitter,
		drift.PerMinute90k, drift.OneSecondPerNSeconds,
	)
	if err != nil {
		return fmt.Errorf("pcrreport: insert section for stream %d: %w", streamNo, err)
	}
	return nil
}

// WriteSections persists every section produced by one stream's Analyzer,
// in order.
func (s *Store) WriteSections(streamNo int, sections []*pcranalysis.Section) error {
	for _, sec := range sections {
		if err := s.WriteSection(streamNo, sec); err != nil {
			return err
		}
	}
	return nil
}

// SectionRow is one persisted report row, returned by ReadSections for
// inspection and tests.
type SectionRow struct {
	StreamNo                                      int
	FirstPacketIndex, LastPacketIndex             int
	FirstPCR90k, LastPCR90k                       uint64
	FirstCapture90k, LastCapture90k                uint64
	ByteCount                                     int64
	MinSkew, MaxSkew, MaxJitter                   int64
	DriftPerMinute90k, DriftOneSecondPerNSeconds   float64
}

// ReadSections returns every row written for the given stream number, in
// insertion order.
func (s *Store) ReadSections(streamNo int) ([]SectionRow, error) {
	rows, err := s.db.Query(
		`SELECT stream_no, first_packet_index, last_packet_index,
			first_pcr_90k, last_pcr_90k, first_capture_90k, last_capture_90k,
			byte_count, min_skew, max_skew, max_jitter,
			drift_per_minute_90k, drift_one_second_per_n_seconds
		FROM pcr_sections WHERE stream_no = ? ORDER BY id ASC`, streamNo)
	if err != nil {
		return nil, fmt.Errorf("pcrreport: query sections for stream %d: %w", streamNo, err)
	}
	defer rows.Close()

	var out []SectionRow
	for rows.Next() {
		var r SectionRow
		if err := rows.Scan(
			&r.StreamNo, &r.FirstPacketIndex, &r.LastPacketIndex,
			&r.FirstPCR90k, &r.LastPCR90k, &r.FirstCapture90k, &r.LastCapture90k,
			&r.ByteCount, &r.MinSkew, &r.MaxSkew, &r.MaxJitter,
			&r.DriftPerMinute90k, &r.DriftOneSecondPerNSeconds,
		); err != nil {
			return nil, fmt.Errorf("pcrreport: scan section row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pcrreport: iterate section rows: %w", err)
	}
	return out, nil
}
