package port

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// DefaultMemoTTL is how long a socket table snapshot is reused.
const DefaultMemoTTL = 500 * time.Millisecond

// MsgScanned is the info message emitted after each socket table read.
const MsgScanned = "socket table scanned"

// PortSet is a snapshot of listening ports.
type PortSet map[int]struct{}

// Has reports whether port is in the set.
func (s PortSet) Has(port int) bool {
	_, ok := s[port]
	return ok
}

// Scanner lists the ports in LISTEN state on the host.
//
// Reading the socket table means running netstat or parsing procfs. The
// Scanner bounds how often that happens under a burst of requests:
//   - results are memoized for a short window (DefaultMemoTTL unless
//     overridden), after which the snapshot is treated as stale
//   - concurrent calls made while a read is in flight share that read
//
// A failed read is never memoized, so the next call reads again.
type Scanner struct {
	table   SocketTable
	clock   clock.Clock
	ttl     time.Duration
	emitter event.Emitter

	group singleflight.Group

	mu          sync.Mutex
	memo        PortSet
	memoExpires time.Time
	memoTimer   *clock.Timer
	generation  uint64
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithScannerClock sets the clock used for the memo window.
func WithScannerClock(c clock.Clock) ScannerOption {
	return func(s *Scanner) { s.clock = c }
}

// WithMemoTTL overrides DefaultMemoTTL.
func WithMemoTTL(ttl time.Duration) ScannerOption {
	return func(s *Scanner) { s.ttl = ttl }
}

// WithScannerEmitter sets where info events go.
func WithScannerEmitter(e event.Emitter) ScannerOption {
	return func(s *Scanner) { s.emitter = event.OrDiscard(e) }
}

// NewScanner creates a Scanner reading table.
func NewScanner(table SocketTable, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		table:   table,
		clock:   clock.New(),
		ttl:     DefaultMemoTTL,
		emitter: event.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListeningPorts returns the current set of listening TCP ports.
//
// A snapshot younger than the memo window is returned without touching the
// socket table. Otherwise the table is read once for all concurrent callers;
// that read runs detached from the caller's cancellation so one caller
// giving up does not fail the others. A caller whose ctx is done stops
// waiting and receives a ScanFailed error wrapping ctx's error.
//
// Returns a set the caller owns, or a ScanFailed error. Failed reads are
// not memoized.
func (s *Scanner) ListeningPorts(ctx context.Context) (PortSet, error) {
	if memo, ok := s.cached(); ok {
		return memo, nil
	}

	ch := s.group.DoChan("scan", func() (any, error) {
		if memo, ok := s.cached(); ok {
			return memo, nil
		}
		return s.scan(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clonePortSet(res.Val.(PortSet)), nil
	case <-ctx.Done():
		return nil, model.Wrap(ctx.Err(), model.KindScanFailed, "unable to list listening TCP ports", nil)
	}
}

func (s *Scanner) scan(ctx context.Context) (PortSet, error) {
	started := s.clock.Now()
	ports, err := s.table.ListeningPorts(ctx)
	if err != nil {
		return nil, model.Wrap(err, model.KindScanFailed, "unable to list listening TCP ports", nil)
	}

	set := make(PortSet, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}

	s.mu.Lock()
	if s.memoTimer != nil {
		s.memoTimer.Stop()
	}
	s.generation++
	gen := s.generation
	s.memo = set
	s.memoExpires = s.clock.Now().Add(s.ttl)
	s.memoTimer = s.clock.AfterFunc(s.ttl, func() { s.clear(gen) })
	s.mu.Unlock()

	s.emitter.Emit(event.Info(MsgScanned, model.Data{
		"durationMs": s.clock.Since(started).Milliseconds(),
		"ports":      len(set),
	}))

	return clonePortSet(set), nil
}

func (s *Scanner) cached() (PortSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memo == nil || !s.clock.Now().Before(s.memoExpires) {
		return nil, false
	}
	return clonePortSet(s.memo), true
}

func (s *Scanner) clear(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen {
		s.memo = nil
		s.memoTimer = nil
	}
}

func clonePortSet(set PortSet) PortSet {
	out := make(PortSet, len(set))
	for p := range set {
		out[p] = struct{}{}
	}
	return out
}
