// Package proxy implements the inbound HTTP and WebSocket dispatcher.
//
// Every request is routed by its Host header: the dispatcher asks a
// TargetResolver for the local port serving that domain and forwards the
// request, or the WebSocket upgrade, to 127.0.0.1:<port>. Loopback clients
// may also ask for a domain's port directly with GET /port/<domain>.
//
// The dispatcher never writes Go errors to clients. Failures are answered
// with fixed status lines (400, 500, 503, 504) and reported as events.
package proxy
