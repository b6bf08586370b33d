// Package naivepicture is the default tspes.PictureSource wired by
// cmd/tsserve when no codec-aware framer is configured. Concrete
// H.262/H.264 access-unit formation is explicitly out of scope (spec.md
// §1 Non-goals); this package instead treats every video PES as exactly
// one reference picture, synthesising a periodic sequence header plus
// backref chain for H.262 sources (the ReverseIndex requires one, per
// picture.go's validate) and nothing extra for H.264 sources.
//
// spec.md §3 says reversed payloads are "re-read from the file on
// demand," which assumes byte ranges that are contiguous on disk. A TS
// elementary stream's bytes are not contiguous — they are interleaved
// with other PIDs' packets and 4-byte TS headers — so re-reading by
// (offset, length) alone would require re-demuxing from that offset.
// Since codec-aware reconstruction is out of scope here too, this
// package instead caches each picture's payload bytes at ingest time and
// serves them back by (FileOffset, OffsetWithinPES) key, standing in for
// that re-demux.
package naivepicture

import (
	"fmt"

	"github.com/snapetech/tsserve/internal/picture"
	"github.com/snapetech/tsserve/internal/tspes"
)

const seqHeaderOffsetWithinPES = 0
const pictureOffsetWithinPES = 1

type cacheKey struct {
	fileOffset      int64
	offsetWithinPES int64
}

// Source is a minimal tspes.PictureSource and trickplay.PayloadFetcher:
// it frames one reference picture per PES and remembers its bytes so
// they can be re-fetched during reverse playback.
type Source struct {
	isH264  bool
	gopSize int // pictures per group: IDR cadence, plus sequence-header cadence for H.262

	pos        int // total entries produced so far, mirrors the ReverseIndex's Len()
	lastSeqPos int
	sincePic   int

	cache map[cacheKey][]byte
}

// New returns a Source. gopSize sets how often a picture is marked IDR;
// for H.262 sources it also sets the sequence-header cadence (H.264
// sources get no sequence-header/backref bookkeeping). Values below 1 are
// clamped to 1.
func New(isH264 bool, gopSize int) *Source {
	if gopSize < 1 {
		gopSize = 1
	}
	return &Source{isH264: isH264, gopSize: gopSize, cache: make(map[cacheKey][]byte)}
}

// FeedPES implements tspes.PictureSource.
func (s *Source) FeedPES(p tspes.PES) ([]picture.Picture, error) {
	var out []picture.Picture

	isGroupStart := s.sincePic%s.gopSize == 0
	if !s.isH264 && isGroupStart {
		seq := picture.Picture{
			Kind:  picture.SequenceHeader,
			Range: picture.ByteRange{FileOffset: p.FileOffset, OffsetWithinPES: seqHeaderOffsetWithinPES},
		}
		out = append(out, seq)
		s.lastSeqPos = s.pos
		s.pos++
	}

	kind := picture.NonIDRRef
	if isGroupStart {
		kind = picture.IDR
	}
	pic := picture.Picture{
		Kind:   kind,
		Range:  picture.ByteRange{FileOffset: p.FileOffset, OffsetWithinPES: pictureOffsetWithinPES},
		Length: int64(len(p.Payload)),
	}
	if !s.isH264 {
		pic.SeqHeaderBackref = s.pos - s.lastSeqPos
	}
	s.cache[cacheKey{p.FileOffset, pictureOffsetWithinPES}] = append([]byte(nil), p.Payload...)
	out = append(out, pic)

	s.pos++
	s.sincePic++
	return out, nil
}

// Rewind implements tspes.PictureSource, re-priming framing state after a
// file-select seek back to the start of the stream.
func (s *Source) Rewind(fileOffset int64) error {
	s.pos = 0
	s.lastSeqPos = 0
	s.sincePic = 0
	return nil
}

// FetchPicture implements trickplay.PayloadFetcher, returning the cached
// bytes for a picture previously produced by FeedPES. Sequence headers
// carry no payload of their own.
func (s *Source) FetchPicture(p picture.Picture) ([]byte, error) {
	if p.Kind == picture.SequenceHeader {
		return nil, nil
	}
	b, ok := s.cache[cacheKey{p.Range.FileOffset, p.Range.OffsetWithinPES}]
	if !ok {
		return nil, fmt.Errorf("naivepicture: no cached payload for file_offset=%d offset_within_pes=%d", p.Range.FileOffset, p.Range.OffsetWithinPES)
	}
	return b, nil
}
