// Command tsserve ingests a single PS or TS media file per file-select slot
// and serves trick-play (forward/reverse/fast-forward/skip) over a TCP
// socket per client, per spec.md. CLI flags mirror the original program's
// own names (spec.md "CLI of the server"): -port, -0..-9, -prepeat,
// -ffreq, -rfreq, -pad, -drop, -noseqhdr, -noaudio, -tsdirect, -h262/-avc.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/snapetech/tsserve/internal/naivepicture"
	"github.com/snapetech/tsserve/internal/picture"
	"github.com/snapetech/tsserve/internal/trickplay"
	"github.com/snapetech/tsserve/internal/tspes"
	"github.com/snapetech/tsserve/internal/tsserver"
	"github.com/snapetech/tsserve/internal/tswriter"
)

const (
	outputPMTPID   = 0x0100
	outputVideoPID = 0x0101
	outputAudioPID = 0x0102
	videoStreamID  = 0xE0
)

func main() {
	port := flag.Int("port", 9000, "TCP port clients connect to")
	metricsAddr := flag.String("metrics-addr", ":9100", "HTTP address serving Prometheus metrics (empty disables)")
	format := flag.String("format", "ts", "input container: ts or ps")
	h262 := flag.Bool("h262", false, "elementary stream is H.262 (MPEG-2 video)")
	avc := flag.Bool("avc", true, "elementary stream is H.264/AVC")
	gopSize := flag.Int("gop", 12, "synthetic GOP size (IDR cadence; also sequence-header cadence for -h262 input)")
	ffreq := flag.Int("ffreq", 4, "FAST and FAST_REVERSE state picture-keep frequency")
	rfreq := flag.Int("rfreq", 16, "FASTER state picture-keep frequency")
	prepeat := flag.Int("prepeat", 50, "PAT/PMT re-emission period, in PES packets written (TS packets with -tsdirect)")
	pad := flag.Int("pad", 0, "leading null TS packets inserted before streaming starts")
	padEveryN := flag.Int("pes_padding", 0, "load-test: insert a null TS packet after every N real packets (0 disables)")
	dropK := flag.Int("drop", 0, "load-test: packets kept at the start of each cycle of -drop + -dropd packets")
	dropD := flag.Int("dropd", 0, "load-test: packets dropped at the end of each cycle (0 disables dropping)")
	noSeqHdr := flag.Bool("noseqhdr", false, "suppress H.262 sequence-header interleaving during reverse playback")
	noAudio := flag.Bool("noaudio", false, "do not track the audio elementary stream")
	tsDirect := flag.Bool("tsdirect", false, "mirror every TS packet verbatim from a TS input instead of trick-play framing")
	rateBytesPerSec := flag.Int("rate", 0, "output rate limit in bytes/sec (0 disables pacing)")
	skip10 := flag.Int("skip10", 250, "picture count approximating a 10-second skip")
	skip3min := flag.Int("skip3min", 4500, "picture count approximating a 3-minute skip")

	var files [10]string
	for i := 0; i < 10; i++ {
		flag.StringVar(&files[i], fmt.Sprintf("%d", i), "", fmt.Sprintf("media file for file-select slot %d", i))
	}
	flag.Parse()

	isH264 := *avc && !*h262

	cfg := workerConfig{
		files:           files,
		format:          *format,
		isH264:          isH264,
		gopSize:         *gopSize,
		ffreq:           *ffreq,
		rfreq:           *rfreq,
		prepeat:         *prepeat,
		leadingPad:      *pad,
		padEveryN:       *padEveryN,
		dropK:           *dropK,
		dropD:           *dropD,
		withSeqHeaders:  !*noSeqHdr,
		trackAudio:      !*noAudio,
		tsDirect:        *tsDirect,
		rateBytesPerSec: *rateBytesPerSec,
		skip10:          *skip10,
		skip3min:        *skip3min,
	}
	if cfg.files[0] == "" {
		log.Fatalf("tsserve: -0 file is required (at least file-select slot 0 must be set)")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatalf("tsserve: listen: %v", err)
	}
	srv := tsserver.NewServer(ln, newWorker(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *metricsAddr != "" {
		go func() {
			log.Printf("tsserve: metrics listening on %s", *metricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", tsserver.MetricsHandler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("tsserve: metrics server: %v", err)
			}
		}()
	}

	go func() {
		if err := srv.Serve(ctx); err != nil {
			log.Fatalf("tsserve: serve: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("tsserve: shutting down")
	cancel()
	srv.Close()
}

type workerConfig struct {
	files           [10]string
	format          string
	isH264          bool
	gopSize         int
	ffreq, rfreq    int
	prepeat         int
	leadingPad      int
	padEveryN       int
	dropK, dropD    int
	withSeqHeaders  bool
	trackAudio      bool
	tsDirect        bool
	rateBytesPerSec int
	skip10, skip3min int
}

// sourceSlot opens one file-select slot's media file and frames it into
// pictures via naivepicture, re-opening the file from byte 0 on Rewind to
// satisfy trickplay.Rewinder (spec.md §4.7 "File select... rewind its
// framer").
type sourceSlot struct {
	path        string
	format      string
	trackAudio  bool
	videoSource *naivepicture.Source
	audioSource *naivepicture.Source

	file   *os.File
	reader trickplay.FrameSource
}

func openSlot(cfg workerConfig, slot int) (*sourceSlot, error) {
	path := cfg.files[slot]
	if path == "" {
		return nil, fmt.Errorf("tsserve: file-select slot %d has no configured file", slot)
	}
	s := &sourceSlot{
		path:        path,
		format:      cfg.format,
		trackAudio:  cfg.trackAudio,
		videoSource: naivepicture.New(cfg.isH264, cfg.gopSize),
		audioSource: naivepicture.New(cfg.isH264, cfg.gopSize),
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sourceSlot) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("tsserve: open %s: %w", s.path, err)
	}
	s.file = f
	var audio tspes.PictureSource
	if s.trackAudio {
		audio = s.audioSource
	}
	switch s.format {
	case "ps":
		s.reader = tspes.NewPSReader(f, s.videoSource, audio)
	default:
		s.reader = tspes.NewReader(f, s.videoSource, audio, nil)
	}
	return nil
}

// ReadNextPicture implements trickplay.FrameSource by delegating to the
// current underlying reader, which Rewind swaps out after a file-select.
func (s *sourceSlot) ReadNextPicture() ([]picture.Picture, error) {
	return s.reader.ReadNextPicture()
}

// Rewind implements trickplay.Rewinder by reopening the slot's file from
// the start and re-priming the naivepicture GOP counters.
func (s *sourceSlot) Rewind(fileOffset int64) error {
	if s.file != nil {
		s.file.Close()
	}
	if err := s.videoSource.Rewind(0); err != nil {
		return err
	}
	if err := s.audioSource.Rewind(0); err != nil {
		return err
	}
	return s.open()
}

// slotSet lazily opens each of the ten file-select slots for one
// connection and implements trickplay.SlotSource, so selectFile can swap
// the orchestrator onto a different slot's source (spec.md §4.7 "File
// select 0..9", §8 scenario 6 "File switch rewinds"). Revisiting a slot
// re-opens its file from byte 0 rather than resuming where it left off,
// matching sourceSlot's existing Rewind obligation.
type slotSet struct {
	cfg   workerConfig
	slots [10]*sourceSlot
}

func newSlotSet(cfg workerConfig) *slotSet {
	return &slotSet{cfg: cfg}
}

// Slot implements trickplay.SlotSource.
func (ss *slotSet) Slot(n int) (trickplay.FrameSource, trickplay.PayloadFetcher, error) {
	if n < 0 || n >= len(ss.slots) {
		return nil, nil, fmt.Errorf("tsserve: file-select slot %d out of range", n)
	}
	s := ss.slots[n]
	if s == nil {
		opened, err := openSlot(ss.cfg, n)
		if err != nil {
			return nil, nil, err
		}
		ss.slots[n] = opened
		return opened, opened.videoSource, nil
	}
	if err := s.Rewind(0); err != nil {
		return nil, nil, fmt.Errorf("tsserve: rewind file-select slot %d: %w", n, err)
	}
	return s, s.videoSource, nil
}

// Close releases every slot opened over the connection's lifetime.
func (ss *slotSet) Close() {
	for _, s := range ss.slots {
		if s != nil && s.file != nil {
			s.file.Close()
		}
	}
}

func newWorker(cfg workerConfig) tsserver.WorkerFunc {
	return func(ctx context.Context, conn net.Conn) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if cfg.tsDirect && cfg.format == "ts" {
			return runTSDirect(ctx, cfg, conn)
		}

		slots := newSlotSet(cfg)
		defer slots.Close()
		source, fetch, err := slots.Slot(0)
		if err != nil {
			return err
		}

		tables := tswriter.ProgramTables{
			PMTPID: outputPMTPID, PCRPID: outputVideoPID,
			VideoPID: outputVideoPID, AudioPID: outputAudioPID,
			VideoType: 0x1B, AudioType: 0x0F,
		}
		writer := tswriter.NewWriter(4096, tables, cfg.prepeat)
		writer.Load = tswriter.LoadTestOptions{PadEveryN: cfg.padEveryN, DropK: cfg.dropK, DropD: cfg.dropD}
		if cfg.rateBytesPerSec > 0 {
			writer.SetRateLimit(cfg.rateBytesPerSec)
		}
		cmd := &tswriter.CommandState{}

		if err := emitLeadingPad(ctx, writer, cfg.leadingPad); err != nil {
			return err
		}

		trickCfg := trickplay.Config{
			Name: "tsserve", VideoPID: outputVideoPID, VideoStreamID: videoStreamID,
			IsH264: cfg.isH264, FastFreq: cfg.ffreq, FasterFreq: cfg.rfreq,
			WithSeqHeaders: cfg.withSeqHeaders,
			Skip10Pictures: cfg.skip10, Skip3MinPictures: cfg.skip3min,
		}
		orch := trickplay.NewOrchestrator(trickCfg, source, fetch, writer, cmd)
		orch.SetSlots(slots)

		var wg sync.WaitGroup
		errCh := make(chan error, 2)
		wg.Add(2)
		go func() { defer wg.Done(); errCh <- writer.Drain(ctx, conn) }()
		go func() { defer wg.Done(); errCh <- tswriter.ReadCommands(ctx, conn, cmd) }()

		runErr := orch.Run(ctx)
		cancel()
		wg.Wait()
		close(errCh)
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("tsserve: orchestrator: %w", runErr)
		}
		for e := range errCh {
			if e != nil && !errors.Is(e, context.Canceled) {
				log.Printf("tsserve: session helper goroutine error: %v", e)
			}
		}
		return nil
	}
}

// runTSDirect mirrors raw TS packets verbatim from a TS file, per spec.md
// §4.8's tsdirect mode, still honoring command bytes so a client can `q`.
func runTSDirect(ctx context.Context, cfg workerConfig, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f, err := os.Open(cfg.files[0])
	if err != nil {
		return fmt.Errorf("tsserve: open %s: %w", cfg.files[0], err)
	}
	defer f.Close()

	writer := tswriter.NewWriter(4096, tswriter.ProgramTables{}, cfg.prepeat)
	writer.Load = tswriter.LoadTestOptions{PadEveryN: cfg.padEveryN, DropK: cfg.dropK, DropD: cfg.dropD}
	if cfg.rateBytesPerSec > 0 {
		writer.SetRateLimit(cfg.rateBytesPerSec)
	}
	cmd := &tswriter.CommandState{}

	if err := emitLeadingPad(ctx, writer, cfg.leadingPad); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errCh <- writer.Drain(ctx, conn) }()
	go func() { defer wg.Done(); errCh <- tswriter.ReadCommands(ctx, conn, cmd) }()

	var pkt [tswriter.TSPacketSize]byte
	var readErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		default:
		}
		if cmd.Current() == 'q' {
			break loop
		}
		if _, readErr = readFull(f, pkt[:]); readErr != nil {
			break loop
		}
		if err := writer.EmitTSDirect(ctx, pkt); err != nil {
			readErr = err
			break loop
		}
	}

	cancel()
	wg.Wait()
	close(errCh)
	if readErr != nil && !errors.Is(readErr, context.Canceled) && !errors.Is(readErr, io.EOF) {
		log.Printf("tsserve: tsdirect read ended: %v", readErr)
	}
	return nil
}

// emitLeadingPad pushes n null (PID 0x1FFF) TS packets ahead of real
// content, per spec.md's "-pad N" CLI flag.
func emitLeadingPad(ctx context.Context, w *tswriter.Writer, n int) error {
	var null [tswriter.TSPacketSize]byte
	null[0] = 0x47
	null[1] = 0x1F
	null[2] = 0xFF
	null[3] = 0x10
	for i := 0; i < n; i++ {
		if err := w.EmitTSDirect(ctx, null); err != nil {
			return fmt.Errorf("tsserve: emit leading pad: %w", err)
		}
	}
	return nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := f.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
