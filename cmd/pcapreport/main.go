// Command pcapreport scans a classic pcap or pcap-ng capture for
// UDP-delivered MPEG-2 transport streams, groups packets by stream identity
// (VLAN path, destination IPv4:port), and reports per-stream PCR skew,
// jitter and drift as CSV, with optional persistence to a SQLite report
// database. CLI flags: -pcap, -csv-dir, -db, -rtp, -rtp-pt, -trust-port.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/Comcast/gots/packet"
	"github.com/google/gopacket/layers"

	"github.com/snapetech/tsserve/internal/netcapture"
	"github.com/snapetech/tsserve/internal/pcapio"
	"github.com/snapetech/tsserve/internal/pcranalysis"
	"github.com/snapetech/tsserve/internal/pcrreport"
	"github.com/snapetech/tsserve/internal/streamtable"
	"github.com/snapetech/tsserve/internal/tsbits"
)

func main() {
	pcapPath := flag.String("pcap", "", "input pcap/pcap-ng capture file")
	csvDir := flag.String("csv-dir", ".", "directory to write per-stream PKT/Time/PCR/Skew/Jitter CSV reports")
	dbPath := flag.String("db", "", "optional sqlite report database path (disabled when empty)")
	rtp := flag.Bool("rtp", false, "unwrap RTP before scanning for transport-stream packets")
	rtpPT := flag.Int("rtp-pt", 33, "RTP payload type carrying MP2T when -rtp is set")
	trustPort := flag.Int("trust-port", 0, "force-trust TS alignment for streams on this destination UDP port (0 disables)")
	flag.Parse()

	if *pcapPath == "" {
		log.Fatalf("pcapreport: -pcap is required")
	}

	f, err := os.Open(*pcapPath)
	if err != nil {
		log.Fatalf("pcapreport: open capture: %v", err)
	}
	defer f.Close()

	rdr, err := pcapio.Open(f)
	if err != nil {
		log.Fatalf("pcapreport: %v", err)
	}

	var store *pcrreport.Store
	if *dbPath != "" {
		store, err = pcrreport.Open(*dbPath)
		if err != nil {
			log.Fatalf("pcapreport: open report database: %v", err)
		}
		defer store.Close()
	}

	scanner := newScanner(scannerConfig{
		rtpEnabled: *rtp,
		mp2tPT:     uint8(*rtpPT),
		trustPort:  uint16(*trustPort),
	})

	n, err := scanner.Run(rdr)
	if err != nil {
		log.Fatalf("pcapreport: %v", err)
	}
	log.Printf("pcapreport: capture=%s format=%v packets=%d streams=%d", *pcapPath, rdr.Format(), n, len(scanner.table.All()))

	for _, s := range scanner.table.All() {
		a := scanner.analyzers[s.No]
		if a == nil {
			continue
		}
		sections := a.Finish()
		log.Printf("pcapreport: %s packets=%d bytes=%d sections=%d alignment_score=%d", s.String(), s.Packets, s.Bytes, len(sections), a.Score())

		if *csvDir != "" {
			if err := writeStreamCSV(*csvDir, s.No, scanner.rows[s.No]); err != nil {
				log.Printf("pcapreport: stream=%d write csv: %v", s.No, err)
			}
		}
		if store != nil {
			if err := store.WriteSections(s.No, sections); err != nil {
				log.Printf("pcapreport: stream=%d write report db: %v", s.No, err)
			}
		}
	}
}

func writeStreamCSV(dir string, streamNo int, rows []pcranalysis.CSVRow) error {
	path := filepath.Join(dir, fmt.Sprintf("stream-%d.csv", streamNo))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return pcranalysis.WriteCSV(f, rows)
}

// scannerConfig configures optional RTP unwrapping and a dst-port trust
// override, mirroring the original tool's -rtp and explicit dst:port filter
// behavior (spec.md §4.4 step 1).
type scannerConfig struct {
	rtpEnabled bool
	mp2tPT     uint8
	trustPort  uint16
}

// scanner walks a capture once, dissecting each frame down to UDP payloads
// and feeding candidate 188-byte TS packets into a per-stream
// pcranalysis.Analyzer, replicating the PID/PCR extraction tspes.Reader's
// handlePacket does against gots/packet.Packet, generalized here to
// packets recovered from a capture instead of a raw TS file.
type scanner struct {
	cfg         scannerConfig
	table       *streamtable.Table
	reassembler *netcapture.Reassembler
	analyzers   map[int]*pcranalysis.Analyzer
	rows        map[int][]pcranalysis.CSVRow
	packetIndex int
}

func newScanner(cfg scannerConfig) *scanner {
	return &scanner{
		cfg:         cfg,
		table:       streamtable.New(),
		reassembler: netcapture.NewReassembler(),
		analyzers:   make(map[int]*pcranalysis.Analyzer),
		rows:        make(map[int][]pcranalysis.CSVRow),
	}
}

// Run consumes every packet from rdr and returns the count of link-layer
// frames successfully dissected to UDP. Frames this pipeline cannot dissect
// (non-IPv4, non-UDP, malformed, mid-reassembly) are skipped rather than
// aborting the scan; only reassembly errors are logged.
func (s *scanner) Run(rdr *pcapio.Reader) (int, error) {
	n := 0
	for {
		pkt, err := rdr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read capture: %w", err)
		}
		if s.handleFrame(pkt) {
			n++
		}
	}
}

func (s *scanner) handleFrame(pkt pcapio.Packet) bool {
	vlanPath, ipPayload, err := netcapture.DissectEthernet(pkt.LinkBytes)
	if err != nil {
		return false
	}
	ip, err := netcapture.DissectIPv4(ipPayload)
	if err != nil {
		return false
	}
	result, ok, err := s.reassembler.Feed(ip)
	if err != nil {
		log.Printf("pcapreport: reassembly: %v", err)
		return false
	}
	if !ok {
		return false
	}
	if result.Proto != layers.IPProtocolUDP {
		return false
	}
	udp, err := netcapture.DissectUDP(result.Data)
	if err != nil {
		return false
	}

	payload := []byte(udp.Payload)
	if s.cfg.rtpEnabled {
		opts := netcapture.RTPOptions{Enabled: true, MP2TPayload: s.cfg.mp2tPT}
		if unwrapped, ok, err := netcapture.UnwrapRTP(opts, payload); err == nil && ok {
			payload = unwrapped
		}
	}
	if len(payload) == 0 {
		return false
	}

	id := netcapture.StreamID{VLANLen: vlanPath.Len, DstIP: result.Dst, DstPort: uint16(udp.DstPort)}
	for i := 0; i < vlanPath.Len; i++ {
		id.VLANPath[i] = vlanPath.Tags[i].VID
	}
	delivery := netcapture.Delivery{ID: id, SrcIP: ip.SrcIP, SrcPort: uint16(udp.SrcPort), Payload: payload}

	stream := s.table.Observe(delivery, len(payload))
	stream.RecordVLANFlags(vlanPath.Tags[:vlanPath.Len])

	analyzer := s.analyzerFor(stream.No, uint16(udp.DstPort))
	s.observeTS(analyzer, stream.No, payload, pkt.Timestamp90k)
	return true
}

func (s *scanner) analyzerFor(streamNo int, dstPort uint16) *pcranalysis.Analyzer {
	a := s.analyzers[streamNo]
	if a != nil {
		return a
	}
	a = pcranalysis.NewAnalyzer(streamNo)
	if s.cfg.trustPort != 0 && dstPort == s.cfg.trustPort {
		a.ForceTrust()
	}
	s.analyzers[streamNo] = a
	return a
}

// observeTS scores the payload for 188-byte alignment, then walks each
// candidate TS packet through gots/packet.Packet to find its PCR exactly as
// tspes.Reader.handlePacket does, feeding skew/jitter/section tracking and
// accumulating one CSV row per PCR-carrying packet.
func (s *scanner) observeTS(a *pcranalysis.Analyzer, streamNo int, payload []byte, capture90k uint64) {
	if a.CheckAlignment(payload) == pcranalysis.AlignmentBad {
		return
	}
	for off := 0; off+188 <= len(payload); off += 188 {
		s.packetIndex++
		var pkt packet.Packet
		copy(pkt[:], payload[off:off+188])
		if pkt[0] != 0x47 {
			continue
		}
		if !pkt.ContainsAdaptationField() {
			continue
		}
		af, err := pkt.AdaptationField()
		if err != nil || !af.HasPCR() {
			continue
		}
		pcrVal, err := af.PCR()
		if err != nil {
			continue
		}
		pcrField := make([]byte, 6)
		tsbits.WritePCR(pcrField, tsbits.PCR{Base: pcrVal / 300, Ext: uint16(pcrVal % 300)})

		if err := a.Observe(pkt.PID(), pcrField, capture90k, 188); err != nil {
			log.Printf("pcapreport: stream=%d pcr: %v", streamNo, err)
			continue
		}
		skew, jitter := a.LastObservation()
		pcr90k := pcrVal / 300
		s.rows[streamNo] = append(s.rows[streamNo], pcranalysis.CSVRow{
			Packet:  s.packetIndex,
			Time90k: capture90k,
			PCR90k:  pcr90k,
			Skew:    skew,
			Jitter:  jitter,
		})
	}
}
