package static

import (
	"context"
	"errors"
	"maps"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jpillora/backoff"

	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// Messages emitted by the Router.
const (
	MsgRoutesUpdated  = "routes updated"
	MsgRoutesChanged  = "routes file changed"
	MsgReadFailed     = "Unable to read config file"
	MsgPortOutOfRange = "configured port out of range"
	MsgWatchFailed    = "Error while watching at proxy config file"
	MsgUnknownDomain  = "No route for this domain"
	MsgForeignDomain  = "domain not handled by this proxy"
)

// reloadAttempts bounds the reads made after one change notification.
const reloadAttempts = 4

const (
	msgMissingRoutes = "Missing path for proxy config file"
	msgMissingDomain = "Missing domain name handled by proxy"
	msgMissingRange  = "Missing target ports range definition"
)

// Config is the static mode configuration. Every field is required.
type Config struct {
	RoutesFile string
	Domain     string
	Range      model.PortRange
}

// Validate reports a ConfigError for the first missing field.
func (c Config) Validate() error {
	switch {
	case c.RoutesFile == "":
		return model.New(model.KindConfig, msgMissingRoutes, nil)
	case strings.Trim(c.Domain, ".") == "":
		return model.New(model.KindConfig, msgMissingDomain, nil)
	case c.Range.Low == 0 && c.Range.High == 0:
		return model.New(model.KindConfig, msgMissingRange, nil)
	}
	return nil
}

// Router resolves sub-domains of one base domain from a routes file.
type Router struct {
	path    string
	domain  string
	rng     model.PortRange
	emitter event.Emitter

	// retryMin is the first delay between reads of a changed file.
	retryMin time.Duration

	mu      sync.RWMutex
	routes  Routes
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRouter validates cfg and loads the routes file once. A file that
// cannot be read is reported as a request_error event and the router
// starts with no routes, as a later change to the file will be picked up
// by Watch.
func NewRouter(cfg Config, emitter event.Emitter) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	path, err := filepath.Abs(cfg.RoutesFile)
	if err != nil {
		return nil, model.Wrap(err, model.KindConfig, "invalid routes file path", model.Data{"file": cfg.RoutesFile})
	}

	r := &Router{
		path:     path,
		domain:   strings.ToLower(strings.Trim(cfg.Domain, ".")),
		rng:      cfg.Range.Normalize(),
		emitter:  event.OrDiscard(emitter),
		retryMin: 25 * time.Millisecond,
		routes:   Routes{},
	}
	_ = r.Reload()
	return r, nil
}

// Reload re-reads the routes file. On failure the current routes are kept.
func (r *Router) Reload() error {
	routes, err := LoadRoutes(r.path)
	if err != nil {
		return r.readFailed(err)
	}
	r.apply(routes)
	return nil
}

// reloadAfterChange reloads after a change notification. Writers may still
// be filling the file, so failed reads are retried a few times.
func (r *Router) reloadAfterChange(ctx context.Context, done <-chan struct{}) {
	b := &backoff.Backoff{Min: r.retryMin, Max: 10 * r.retryMin, Factor: 2}
	for {
		routes, err := LoadRoutes(r.path)
		if err == nil {
			r.apply(routes)
			return
		}
		if int(b.Attempt()) >= reloadAttempts-1 {
			_ = r.readFailed(err)
			return
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

func (r *Router) readFailed(err error) error {
	merr := model.Wrap(err, model.KindConfig, MsgReadFailed, model.Data{"file": r.path})
	r.emitter.Emit(event.Failure(event.TypeRequestError, merr))
	return merr
}

func (r *Router) apply(routes Routes) {
	r.mu.Lock()
	r.routes = routes
	r.mu.Unlock()

	r.emitter.Emit(event.Info(MsgRoutesUpdated, model.Data{"file": r.path, "routes": len(routes)}))
}

// Routes returns a copy of the current routes.
func (r *Router) Routes() Routes {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.routes)
}

// Resolve implements proxy.TargetResolver. The range argument is ignored:
// ports come from the routes file and are checked against the configured
// range instead.
func (r *Router) Resolve(_ context.Context, domain string, _ *model.PortRange) (int, error) {
	domain = strings.ToLower(domain)
	data := model.Data{"domain": domain}

	sub, ok := strings.CutSuffix(domain, "."+r.domain)
	if !ok || sub == "" {
		return 0, model.New(model.KindNoTargetFound, MsgForeignDomain, data)
	}

	r.mu.RLock()
	port, ok := r.routes[sub]
	r.mu.RUnlock()
	if !ok {
		return 0, model.New(model.KindNoTargetFound, MsgUnknownDomain, data)
	}

	if !r.rng.Contains(port) {
		r.emitter.Emit(event.Failure(event.TypeProxyError, model.New(model.KindConfig, MsgPortOutOfRange, model.Data{
			"domain": domain,
			"port":   port,
			"range":  r.rng.String(),
		})))
		return 0, model.New(model.KindNoTargetFound, MsgPortOutOfRange, data)
	}
	return port, nil
}

// Watch reloads the routes whenever the file changes, until ctx is done or
// Close is called. The parent directory is watched so that editors which
// replace the file by renaming are handled.
func (r *Router) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return model.Wrap(err, model.KindInternal, MsgWatchFailed, model.Data{"file": r.path})
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return model.Wrap(err, model.KindInternal, MsgWatchFailed, model.Data{"file": r.path})
	}

	r.mu.Lock()
	if r.watcher != nil {
		r.mu.Unlock()
		w.Close()
		return errors.New("routes file is already watched")
	}
	r.watcher = w
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go r.watchLoop(ctx, w, done)
	return nil
}

func (r *Router) watchLoop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != r.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.emitter.Emit(event.Info(MsgRoutesChanged, model.Data{"file": r.path, "op": ev.Op.String()}))
			r.reloadAfterChange(ctx, done)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.emitter.Emit(event.Failure(event.TypeError,
				model.Wrap(err, model.KindInternal, MsgWatchFailed, model.Data{"file": r.path})))
		}
	}
}

// Close stops watching. It is safe to call when Watch was never called.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	r.watcher = nil
	return nil
}
