package port

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// DefaultBookingTTL is how long a booked port stays reserved for a domain.
const DefaultBookingTTL = 300 * time.Second

// Info messages emitted by the Ledger.
const (
	MsgAlreadyBooked  = "port already booked for this domain"
	MsgBooked         = "port booked for domain"
	MsgBookingExpired = "port booking expired for domain"
)

// PortLister provides the set of ports in use on the host. *Scanner
// implements it.
type PortLister interface {
	ListeningPorts(ctx context.Context) (PortSet, error)
}

// Ledger books ports from a discovery range for domains that no process
// claims.
//
// A booking reserves a port for a domain for the booking TTL
// (DefaultBookingTTL unless overridden) whether or not anything listens on
// it yet.
//
// Invariants:
//   - at most one live booking exists per domain
//   - live bookings never share a port
//   - a booking is never extended; asking again before expiry returns the
//     same port, asking after expiry may return a different one
//
// Expiry is checked against the clock on every read; the timers only tidy
// up and emit MsgBookingExpired.
type Ledger struct {
	ports   PortLister
	clock   clock.Clock
	ttl     time.Duration
	emitter event.Emitter
	intn    func(n int) int

	mu       sync.Mutex
	bookings map[string]model.Booking
	timers   map[string]*clock.Timer
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock sets the clock used for booking expiry.
func WithLedgerClock(c clock.Clock) LedgerOption {
	return func(l *Ledger) { l.clock = c }
}

// WithBookingTTL overrides DefaultBookingTTL.
func WithBookingTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) { l.ttl = ttl }
}

// WithLedgerEmitter sets where info events go.
func WithLedgerEmitter(e event.Emitter) LedgerOption {
	return func(l *Ledger) { l.emitter = event.OrDiscard(e) }
}

// WithRandom replaces the source of the random probe start. intn must
// return a value in [0, n).
func WithRandom(intn func(n int) int) LedgerOption {
	return func(l *Ledger) { l.intn = intn }
}

// NewLedger creates a Ledger that excludes the ports reported by ports.
func NewLedger(ports PortLister, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		ports:    ports,
		clock:    clock.New(),
		ttl:      DefaultBookingTTL,
		emitter:  event.Discard,
		intn:     rand.IntN,
		bookings: make(map[string]model.Booking),
		timers:   make(map[string]*clock.Timer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Book returns the port booked for domain, booking a new one from rng when
// there is no live booking.
//
// The search for a new port starts at a uniformly random offset of the
// range and moves forward one port at a time, wrapping from the top of the
// range to its bottom, until it finds a port that is neither listening on
// the host nor booked by another domain. At most rng.Size() ports are
// tried.
//
// Parameters:
//   - ctx: passed to the port lister.
//   - domain: the booking key, used as given.
//   - rng: the discovery range. Reversed bounds are swapped.
//
// Returns the booked port, or a ScanFailed error when the listening ports
// could not be read, or a RangeExhausted error when every port of the
// range is excluded. A failed call books nothing.
func (l *Ledger) Book(ctx context.Context, domain string, rng model.PortRange) (int, error) {
	rng = rng.Normalize()

	if b, ok := l.Lookup(domain); ok {
		l.emitter.Emit(event.Info(MsgAlreadyBooked, model.Data{"domain": domain, "port": b.Port}))
		return b.Port, nil
	}

	inUse, err := l.ports.ListeningPorts(ctx)
	if err != nil {
		return 0, model.Wrap(err, model.KindScanFailed, "unable to book a port", model.Data{
			"domain": domain,
			"range":  rng.String(),
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Another caller may have booked this domain while we were scanning.
	if b, ok := l.liveLocked(domain); ok {
		return b.Port, nil
	}

	listening := len(inUse)
	excluded := clonePortSet(inUse)
	for d, b := range l.bookings {
		if d != domain && l.isLive(b) {
			excluded[b.Port] = struct{}{}
		}
	}

	port, ok := probe(rng, excluded, l.intn(rng.Size()))
	if !ok {
		return 0, model.New(model.KindRangeExhausted, "All ports in range used", model.Data{
			"domain": domain,
			"range":  rng.String(),
		})
	}

	booking := model.Booking{Domain: domain, Port: port, ExpiresAt: l.clock.Now().Add(l.ttl)}
	l.bookings[domain] = booking
	if t, ok := l.timers[domain]; ok {
		t.Stop()
	}
	l.timers[domain] = l.clock.AfterFunc(l.ttl, func() { l.expire(booking) })

	l.emitter.Emit(event.Info(MsgBooked, model.Data{
		"domain":    domain,
		"port":      port,
		"range":     rng.String(),
		"listening": listening,
		"expiresAt": booking.ExpiresAt,
	}))

	return port, nil
}

// probe scans rng starting at offset start and moving forward with
// wraparound, returning the first port not in excluded. It makes exactly
// rng.Size() attempts at most.
func probe(rng model.PortRange, excluded PortSet, start int) (int, bool) {
	size := rng.Size()
	for i := 0; i < size; i++ {
		port := rng.Low + (start+i)%size
		if !excluded.Has(port) {
			return port, true
		}
	}
	return 0, false
}

// Lookup returns the live booking for domain, if any.
func (l *Ledger) Lookup(domain string) (model.Booking, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.liveLocked(domain)
}

// Bookings returns the live bookings ordered by domain.
func (l *Ledger) Bookings() []model.Booking {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Booking, 0, len(l.bookings))
	for _, b := range l.bookings {
		if l.isLive(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Close stops all expiry timers and forgets every booking.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = make(map[string]*clock.Timer)
	l.bookings = make(map[string]model.Booking)
}

func (l *Ledger) liveLocked(domain string) (model.Booking, bool) {
	b, ok := l.bookings[domain]
	if !ok || !l.isLive(b) {
		return model.Booking{}, false
	}
	return b, true
}

func (l *Ledger) isLive(b model.Booking) bool {
	return l.clock.Now().Before(b.ExpiresAt)
}

func (l *Ledger) expire(b model.Booking) {
	l.mu.Lock()
	current, ok := l.bookings[b.Domain]
	if !ok || current != b {
		l.mu.Unlock()
		return
	}
	delete(l.bookings, b.Domain)
	delete(l.timers, b.Domain)
	l.mu.Unlock()

	l.emitter.Emit(event.Info(MsgBookingExpired, model.Data{"domain": b.Domain, "port": b.Port}))
}
