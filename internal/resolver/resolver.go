package resolver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// DefaultCacheTTL is how long a resolved port is reused for a domain.
const DefaultCacheTTL = 5 * time.Second

// Info messages emitted by the Resolver. Each carries a "source" field set
// to one of the Source values.
const (
	MsgFromCache     = "domain's port resolved from cache"
	MsgFromDirectory = "domain's port resolved from directory"
	MsgBooked        = "domain's port booked"
)

// Source tells where a resolution came from.
type Source string

const (
	SourceCache     Source = "cache"
	SourceDirectory Source = "directory"
	SourceBooking   Source = "booking"
)

// Lister lists managed processes. *directory.Client implements it.
type Lister interface {
	List(ctx context.Context) ([]model.ProcessRecord, error)
}

// Booker reserves a port from a range for a domain. *port.Ledger
// implements it.
type Booker interface {
	Book(ctx context.Context, domain string, rng model.PortRange) (int, error)
}

type cacheEntry struct {
	port      int
	expiresAt time.Time
}

// Resolver finds the port serving a domain.
//
// It combines three sources, consulted in order: a short-lived cache of
// earlier answers, the environment of the processes reported by the
// directory, and, for domains no process claims, a port booked from the
// discovery range. Every answer from the directory or the ledger is cached
// for the cache TTL (DefaultCacheTTL unless overridden); a cached answer is
// never refreshed early, so a process that moves to another port is picked
// up at most one TTL later.
//
// It is safe for concurrent use. Concurrent resolutions of the same
// uncached domain are not merged; the directory listing they share is.
type Resolver struct {
	directory Lister
	booker    Booker
	clock     clock.Clock
	ttl       time.Duration
	emitter   event.Emitter

	mu     sync.Mutex
	cache  map[string]cacheEntry
	timers map[string]*clock.Timer
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock sets the clock used for cache expiry.
func WithClock(c clock.Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithEmitter sets where info events go.
func WithEmitter(e event.Emitter) Option {
	return func(r *Resolver) { r.emitter = event.OrDiscard(e) }
}

// New creates a Resolver. booker may be nil when no discovery range will
// ever be passed to Resolve.
func New(directory Lister, booker Booker, opts ...Option) *Resolver {
	r := &Resolver{
		directory: directory,
		booker:    booker,
		clock:     clock.New(),
		ttl:       DefaultCacheTTL,
		emitter:   event.Discard,
		cache:     make(map[string]cacheEntry),
		timers:    make(map[string]*clock.Timer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the port for domain. domain is matched case-insensitively.
//
// Resolution proceeds as follows:
//  1. A live cache entry for the domain is returned as is.
//  2. Otherwise the directory is listed and the records are matched: a
//     record whose DOMAIN equals the domain and that declares a PORT wins,
//     then a record whose HOSTNAME_TO_PORT lists the domain.
//  3. Otherwise a port is booked from rng.
//
// An info event is emitted for each answer, carrying its Source.
//
// Parameters:
//   - ctx: passed to the directory and the ledger.
//   - domain: the Host header without its port.
//   - rng: the discovery range; nil disables booking.
//
// Returns the port, or an error: DirectoryUnavailable when listing failed,
// NoTargetFound when nothing claims the domain (or the claiming process
// declares an unusable port) and no booking was possible, or the ledger's
// ScanFailed / RangeExhausted error.
//
// When no process claims the domain and rng is not nil, a port is booked
// from rng. Without rng the call fails with a NoTargetFound error.
func (r *Resolver) Resolve(ctx context.Context, domain string, rng *model.PortRange) (int, error) {
	domain = strings.ToLower(domain)

	if port, ok := r.cached(domain); ok {
		r.emitter.Emit(event.Info(MsgFromCache, model.Data{
			"domain": domain,
			"port":   port,
			"source": string(SourceCache),
		}))
		return port, nil
	}

	records, err := r.directory.List(ctx)
	if err != nil {
		return 0, model.Wrap(err, model.KindDirectoryUnavailable, "unable to list processes", model.Data{"domain": domain})
	}

	if rec, value, ok := Match(records, domain); ok {
		port, err := model.ParsePort(value)
		if err != nil {
			return 0, model.Wrap(err, model.KindNoTargetFound, "process declares an invalid port for this domain", model.Data{
				"domain":  domain,
				"process": rec.Name,
				"port":    value,
			})
		}
		r.store(domain, port)
		r.emitter.Emit(event.Info(MsgFromDirectory, model.Data{
			"domain":    domain,
			"port":      port,
			"source":    string(SourceDirectory),
			"process":   rec.Name,
			"pid":       rec.PID,
			"managerId": rec.ManagerID,
			"status":    rec.Status,
		}))
		return port, nil
	}

	if rng == nil || r.booker == nil {
		return 0, model.New(model.KindNoTargetFound, "No process using this domain", model.Data{"domain": domain})
	}

	port, err := r.booker.Book(ctx, domain, *rng)
	if err != nil {
		return 0, err
	}
	r.store(domain, port)
	r.emitter.Emit(event.Info(MsgBooked, model.Data{
		"domain": domain,
		"port":   port,
		"source": string(SourceBooking),
		"range":  rng.Normalize().String(),
	}))
	return port, nil
}

// Flush drops every cache entry.
func (r *Resolver) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for domain, t := range r.timers {
		t.Stop()
		delete(r.timers, domain)
	}
	clear(r.cache)
}

func (r *Resolver) cached(domain string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[domain]
	if !ok || !r.clock.Now().Before(e.expiresAt) {
		return 0, false
	}
	return e.port, true
}

// store caches port for domain. An entry that is still live is kept as is,
// so its expiry is never pushed back.
func (r *Resolver) store(domain string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if e, ok := r.cache[domain]; ok && now.Before(e.expiresAt) {
		return
	}
	if t, ok := r.timers[domain]; ok {
		t.Stop()
	}

	entry := cacheEntry{port: port, expiresAt: now.Add(r.ttl)}
	r.cache[domain] = entry
	r.timers[domain] = r.clock.AfterFunc(r.ttl, func() { r.evict(domain, entry) })
}

func (r *Resolver) evict(domain string, entry cacheEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache[domain] == entry {
		delete(r.cache, domain)
		delete(r.timers, domain)
	}
}
