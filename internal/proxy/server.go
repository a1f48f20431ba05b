package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/requestlog"

	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// Response texts sent to clients.
const (
	TextBadPortRequest  = "Unable to answer your request"
	TextPortNotFound    = "Unable to find requested port"
	TextNoTarget        = "No such target service"
	TextTransportFailed = "Something went wrong while transfering request to target"
)

// Info messages emitted by the Server.
const (
	MsgPortAnswered      = "port search finished with success"
	MsgRequestRedirected = "request redirected"
	MsgWebsocketRedirect = "websocket redirected"
	MsgClosing           = "Closing pm2 proxy server"
)

// MsgSocketError is the request_error message for failures net/http
// reports on client connections.
const MsgSocketError = "Error on request's socket"

// shutdownWindow bounds how long Close waits for in-flight requests.
const shutdownWindow = 5 * time.Second

var portRequestPattern = regexp.MustCompile(`^/port/([^/]+)$`)

// TargetResolver finds the local port serving a domain. A nil rng disables
// any fallback allocation.
type TargetResolver interface {
	Resolve(ctx context.Context, domain string, rng *model.PortRange) (int, error)
}

// Server is the HTTP/WebSocket dispatcher.
//
// Every request is routed by its Host header: the host name (without port)
// is resolved to a local port and the request, or the WebSocket upgrade, is
// forwarded to 127.0.0.1 on that port. Requests for /port/<domain> are
// answered by the Server itself with the resolved port, and only for
// loopback clients.
//
// The Server is the only place where failures become HTTP statuses:
//
//	400  malformed or non-loopback /port/ request
//	500  /port/ resolution failed for another reason than NoTargetFound
//	503  no target for the Host (or no Host at all)
//	504  the target was chosen but the forward failed
//
// All other failures are reported as events and the Server keeps serving.
type Server struct {
	resolver   TargetResolver
	rng        *model.PortRange
	emitter    event.Emitter
	requestLog bool

	transport *Transport
	errorLog  *log.Logger

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithRange sets the discovery range passed to the resolver for proxied
// requests. Introspection requests never use it.
func WithRange(rng model.PortRange) Option {
	return func(s *Server) {
		n := rng.Normalize()
		s.rng = &n
	}
}

// WithEmitter sets where events go.
func WithEmitter(e event.Emitter) Option {
	return func(s *Server) { s.emitter = event.OrDiscard(e) }
}

// WithRequestLog wraps the handler with a per-request access log.
func WithRequestLog(enabled bool) Option {
	return func(s *Server) { s.requestLog = enabled }
}

// New creates a Server routing through resolver.
func New(resolver TargetResolver, opts ...Option) *Server {
	s := &Server{
		resolver: resolver,
		emitter:  event.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.errorLog = log.New(socketErrorWriter{s.emitter}, "", 0)
	s.transport = NewTransport(s.emitter, s.transportFailed, s.errorLog)
	return s
}

// Handler returns the dispatcher as an http.Handler.
func (s *Server) Handler() http.Handler {
	if s.requestLog {
		return requestlog.Wrap(s)
	}
	return s
}

// ServeHTTP dispatches one request, either answering a /port/ request or
// forwarding to the resolved target. Forwarding passes the configured
// discovery range to the resolver; /port/ requests never book.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/port/") {
		if !isLoopback(r.RemoteAddr) {
			s.emitter.Emit(event.Failure(event.TypeRequestError, model.New(model.KindRequest,
				"port request from a non-loopback address", model.Data{"remoteAddr": r.RemoteAddr})))
			writeText(w, http.StatusBadRequest, TextBadPortRequest, false)
			return
		}
		s.servePortRequest(w, r)
		return
	}
	s.forward(w, r)
}

func (s *Server) servePortRequest(w http.ResponseWriter, r *http.Request) {
	match := portRequestPattern.FindStringSubmatch(r.URL.Path)
	if match == nil {
		s.emitter.Emit(event.Failure(event.TypeRequestError, model.New(model.KindRequest,
			"port request not matching expected pattern", model.Data{"path": r.URL.Path})))
		writeText(w, http.StatusBadRequest, TextBadPortRequest, false)
		return
	}
	domain := match[1]

	port, err := s.resolver.Resolve(r.Context(), domain, nil)
	if err != nil {
		s.emitter.Emit(event.Failure(event.TypeRequestError,
			model.Wrap(err, "", "unable to find a port for this domain", model.Data{"domain": domain})))
		if errors.Is(err, model.ErrNoTargetFound) {
			writeText(w, http.StatusServiceUnavailable, TextNoTarget, false)
			return
		}
		writeText(w, http.StatusInternalServerError, TextPortNotFound, false)
		return
	}

	s.emitter.Emit(event.Info(MsgPortAnswered, model.Data{"domain": domain, "port": port}))
	writeText(w, http.StatusOK, strconv.Itoa(port), false)
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	domain := hostOnly(r.Host)
	if domain == "" {
		s.emitter.Emit(event.Failure(event.TypeRequestError,
			model.New(model.KindRequest, "request without Host header", model.Data{"remoteAddr": r.RemoteAddr})))
		writeText(w, http.StatusServiceUnavailable, TextNoTarget, true)
		return
	}

	port, err := s.resolver.Resolve(r.Context(), domain, s.rng)
	if err != nil {
		s.emitter.Emit(event.Failure(event.TypeRequestError,
			model.Wrap(err, "", "unable to find service process for this domain", model.Data{"domain": domain})))
		writeText(w, http.StatusServiceUnavailable, TextNoTarget, true)
		return
	}

	msg := MsgRequestRedirected
	if isUpgrade(r) {
		msg = MsgWebsocketRedirect
	}
	s.emitter.Emit(event.Info(msg, model.Data{
		"domain": domain,
		"port":   port,
		"method": r.Method,
		"path":   r.URL.Path,
	}))

	s.transport.Forward(w, r, port)
}

func (s *Server) transportFailed(w http.ResponseWriter, r *http.Request, err error) {
	perr := model.Wrap(err, model.KindTransport, "", model.Data{
		"domain": hostOnly(r.Host),
		"method": r.Method,
		"path":   r.URL.Path,
	})
	s.emitter.Emit(event.Failure(event.TypeProxyError, perr))
	writeText(w, http.StatusGatewayTimeout, TextTransportFailed+": "+err.Error(), false)
}

// ListenAndServe binds addr and serves until ctx is done or Close is
// called. A bind failure is emitted as an error event and returned as a
// BindError; it is the only fatal failure.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		berr := bindError(err, addr)
		s.emitter.Emit(event.Failure(event.TypeError, berr))
		return berr
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ErrorLog:          s.errorLog,
		ReadHeaderTimeout: 30 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.listener = l
	s.mu.Unlock()

	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		s.emitter.Emit(event.Listening(addr.Port))
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return model.Wrap(err, model.KindInternal, "proxy server stopped", nil)
	}
	return nil
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the HTTP server and drops backend connections. Each failure
// is emitted as an error event; several are returned together.
func (s *Server) Close() error {
	s.emitter.Emit(event.Info(MsgClosing, nil))

	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.mu.Unlock()

	var errs []*model.Error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			errs = append(errs, model.Wrap(err, model.KindInternal, "unable to close HTTP server", nil))
		}
	}
	if err := s.transport.Close(); err != nil {
		errs = append(errs, model.Wrap(err, model.KindTransport, "unable to close proxy transport", nil))
	}

	causes := make([]error, 0, len(errs))
	for _, err := range errs {
		s.emitter.Emit(event.Failure(event.TypeError, err))
		causes = append(causes, err)
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return model.WrapMulti(causes, model.KindInternal, "Errors while closing servers", nil)
	}
}

// socketErrorWriter turns net/http's internal log lines into request_error
// events.
type socketErrorWriter struct {
	emitter event.Emitter
}

func (w socketErrorWriter) Write(p []byte) (int, error) {
	w.emitter.Emit(event.Failure(event.TypeRequestError, model.New(model.KindRequest, MsgSocketError,
		model.Data{"detail": strings.TrimSpace(string(p))})))
	return len(p), nil
}

func writeText(w http.ResponseWriter, status int, body string, closeConn bool) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	if closeConn {
		h.Set("Connection", "close")
	}
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

// hostOnly strips an optional port from a Host header value.
func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}

// isLoopback reports whether a RemoteAddr ("ip:port") is a loopback
// address, including IPv4-mapped IPv6 forms.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isUpgrade(r *http.Request) bool {
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return r.Header.Get("Upgrade") != ""
			}
		}
	}
	return false
}
