package directory

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// DefaultIdleTimeout is how long the connection is kept after the last
// listing completes.
const DefaultIdleTimeout = 100 * time.Millisecond

// Info messages emitted by the Client.
const (
	MsgConnecting   = "connecting to process manager"
	MsgDisconnected = "disconnect from process manager"
)

// Backend is a process manager connection.
//
// Connect and Disconnect are never called concurrently with each other, and
// List is only called between a successful Connect and the next Disconnect.
type Backend interface {
	Name() string
	Connect(ctx context.Context) error
	List(ctx context.Context) ([]model.ProcessRecord, error)
	Disconnect() error
}

// Client lists processes through a Backend, managing the connection
// lifecycle.
//
// The connection is opened on demand by the first List and kept while
// listings keep coming. Once no listing is in flight, an idle timer is
// armed; when it fires (DefaultIdleTimeout unless overridden) the backend
// is disconnected. Any List made before then cancels the timer and reuses
// the connection.
//
// The zero value is not usable; create Clients with NewClient.
type Client struct {
	backend Backend
	clock   clock.Clock
	idle    time.Duration
	emitter event.Emitter

	group singleflight.Group

	mu         sync.Mutex
	connected  bool
	inFlight   int
	idleTimer  *clock.Timer
	generation uint64
}

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock driving the idle disconnect.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.idle = d }
}

// WithEmitter sets where info events go.
func WithEmitter(e event.Emitter) Option {
	return func(cl *Client) { cl.emitter = event.OrDiscard(e) }
}

// NewClient creates a Client over backend. No connection is made until the
// first List.
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend: backend,
		clock:   clock.New(),
		idle:    DefaultIdleTimeout,
		emitter: event.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns the processes known to the manager, connecting first if
// needed.
//
// Calls made while a listing is in flight join that listing and receive
// its result instead of starting another one. The shared listing runs
// detached from any single caller's context: a caller whose ctx is done
// stops waiting and gets ctx's error, while the listing keeps running for
// the other callers. The connection is held for as long as either a caller
// or the shared listing is active; once both are gone the idle timer is
// armed and the connection is released after the idle timeout.
//
// Parameters:
//   - ctx: bounds how long this caller waits. Values (not cancellation) are
//     passed on to the backend.
//
// Returns the records in manager order, as a copy the caller owns, or a
// DirectoryUnavailable error when connecting or listing failed.
func (c *Client) List(ctx context.Context) ([]model.ProcessRecord, error) {
	c.acquire()
	defer c.releaseHold()

	ch := c.group.DoChan("list", func() (any, error) {
		c.acquire()
		defer c.releaseHold()
		return c.list(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneRecords(res.Val.([]model.ProcessRecord)), nil
	case <-ctx.Done():
		return nil, model.Wrap(ctx.Err(), model.KindDirectoryUnavailable, "unable to get process list", model.Data{
			"backend": c.backend.Name(),
		})
	}
}

func (c *Client) list(ctx context.Context) ([]model.ProcessRecord, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	records, err := c.backend.List(ctx)
	if err != nil {
		return nil, model.Wrap(err, model.KindDirectoryUnavailable, "unable to get process list", model.Data{
			"backend": c.backend.Name(),
		})
	}
	return records, nil
}

// acquire marks the connection as in use and cancels any pending idle
// disconnect.
func (c *Client) acquire() {
	c.mu.Lock()
	c.inFlight++
	c.cancelIdleLocked()
	c.mu.Unlock()
}

// releaseHold undoes acquire and arms the idle timer once nothing holds
// the connection.
func (c *Client) releaseHold() {
	c.mu.Lock()
	c.inFlight--
	if c.inFlight == 0 && c.connected {
		c.scheduleIdleLocked()
	}
	c.mu.Unlock()
}

// Close cancels a pending idle disconnect and disconnects now.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelIdleLocked()
	if !c.connected {
		return nil
	}
	c.connected = false
	if err := c.backend.Disconnect(); err != nil {
		return model.Wrap(err, model.KindDirectoryUnavailable, "unable to disconnect from process manager", model.Data{
			"backend": c.backend.Name(),
		})
	}
	return nil
}

// Connected reports whether a backend connection is currently held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if connected {
		return nil
	}

	c.emitter.Emit(event.Info(MsgConnecting, model.Data{"backend": c.backend.Name()}))
	if err := c.backend.Connect(ctx); err != nil {
		return model.Wrap(err, model.KindDirectoryUnavailable, "unable to connect to process manager", model.Data{
			"backend": c.backend.Name(),
		})
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) scheduleIdleLocked() {
	c.generation++
	gen := c.generation
	c.idleTimer = c.clock.AfterFunc(c.idle, func() { c.release(gen) })
}

func (c *Client) cancelIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.generation++
}

// release disconnects when no listing has started since gen was scheduled.
func (c *Client) release(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.inFlight > 0 || !c.connected {
		c.mu.Unlock()
		return
	}
	c.idleTimer = nil
	c.connected = false
	err := c.backend.Disconnect()
	c.mu.Unlock()

	data := model.Data{"backend": c.backend.Name()}
	if err != nil {
		data["error"] = err.Error()
	}
	c.emitter.Emit(event.Info(MsgDisconnected, data))
}

func cloneRecords(records []model.ProcessRecord) []model.ProcessRecord {
	out := make([]model.ProcessRecord, len(records))
	copy(out, records)
	return out
}
