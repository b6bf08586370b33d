// Package tsserver implements the trick-play server's lifecycle: it listens
// on a TCP port and, per accepted client, spawns a worker that owns its own
// readers, reverse indexes, and writer, per spec.md §4.9/§5. The
// accept-loop-plus-per-connection-goroutine shape is adapted from the
// teacher's internal/hdhomerun/control.go ControlServer. Session metrics
// are exported via github.com/prometheus/client_golang, a direct
// dependency already pinned in the teacher's go.mod but never wired into
// any of its own source — this component is its first real use in the
// pack.
package tsserver

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsserve_sessions_total",
		Help: "Total number of client sessions accepted.",
	})
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tsserve_sessions_active",
		Help: "Number of client sessions currently being served.",
	})
	sessionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsserve_session_errors_total",
		Help: "Total number of client sessions that ended in error.",
	})
)

// WorkerFunc runs one client's entire session (its reader(s), reverse
// index(es), trickplay.Orchestrator and tswriter.Writer/CommandState),
// returning when the client disconnects, sends `q`, or the session errors.
type WorkerFunc func(ctx context.Context, conn net.Conn) error

// Server listens on a TCP port and spawns one worker per accepted client.
type Server struct {
	listener net.Listener
	worker   WorkerFunc

	mu     sync.Mutex
	closed bool
}

// NewServer wraps an already-bound listener with the given per-client
// worker function.
func NewServer(listener net.Listener, worker WorkerFunc) *Server {
	return &Server{listener: listener, worker: worker}
}

// Serve accepts connections until the listener is closed or ctx is
// cancelled, per spec.md §5's "per accepted client the server forks/spawns
// a worker" scheduling model (here, one goroutine per client instead of a
// process/thread, Go's idiomatic analogue).
func (s *Server) Serve(ctx context.Context) error {
	log.Printf("tsserver: listening on %s", s.listener.Addr())
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			log.Printf("tsserver: accept error: %v", err)
			continue
		}
		sessionsTotal.Inc()
		sessionsActive.Inc()
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer sessionsActive.Dec()
	defer conn.Close()
	start := time.Now()
	remote := conn.RemoteAddr()
	log.Printf("tsserver: client connected remote=%s", remote)
	if err := s.worker(ctx, conn); err != nil {
		sessionErrors.Inc()
		log.Printf("tsserver: client remote=%s session ended err=%v duration=%s", remote, err, time.Since(start).Round(time.Millisecond))
		return
	}
	log.Printf("tsserver: client remote=%s session ended duration=%s", remote, time.Since(start).Round(time.Millisecond))
}

// Close stops accepting new connections; in-flight worker goroutines run to
// completion on their own (per spec.md §5, cancellation is cooperative via
// the command channel, not forced).
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.listener.Close()
}

// MetricsHandler returns an http.Handler exposing the Prometheus registry
// in the standard exposition format, for a separate health/metrics listener
// (spec.md §6's external interfaces).
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
