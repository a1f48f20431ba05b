package proxy

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// MsgForwarded is emitted for each backend response relayed to a client.
const MsgForwarded = "response forwarded"

// targetHost is the address every backend listens on.
const targetHost = "127.0.0.1"

type targetPortKey struct{}

// ErrorFunc is called when a forward fails after its target was chosen.
type ErrorFunc func(w http.ResponseWriter, r *http.Request, err error)

// Transport forwards requests and WebSocket upgrades to local ports.
type Transport struct {
	proxy     *httputil.ReverseProxy
	transport *http.Transport
}

// NewTransport creates a Transport. onError handles failed forwards;
// errorLog receives the reverse proxy's internal diagnostics.
func NewTransport(emitter event.Emitter, onError ErrorFunc, errorLog *log.Logger) *Transport {
	emitter = event.OrDiscard(emitter)

	tr := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			port, _ := pr.In.Context().Value(targetPortKey{}).(int)
			pr.SetURL(&url.URL{Scheme: "http", Host: net.JoinHostPort(targetHost, strconv.Itoa(port))})
			// Backends route on the name the client asked for.
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
		},
		Transport: tr,
		ErrorLog:  errorLog,
		ModifyResponse: func(resp *http.Response) error {
			data := model.Data{
				"status": resp.StatusCode,
				"target": resp.Request.URL.Host,
			}
			if resp.ContentLength >= 0 {
				data["size"] = sizestr.ToString(resp.ContentLength)
			}
			emitter.Emit(event.Info(MsgForwarded, data))
			return nil
		},
		ErrorHandler: onError,
	}

	return &Transport{proxy: rp, transport: tr}
}

// Forward relays r to 127.0.0.1:port and copies the response to w.
// Upgrade requests are tunneled once the backend switches protocols.
func (t *Transport) Forward(w http.ResponseWriter, r *http.Request, port int) {
	ctx := context.WithValue(r.Context(), targetPortKey{}, port)
	t.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// Close drops idle backend connections.
func (t *Transport) Close() error {
	t.transport.CloseIdleConnections()
	return nil
}
