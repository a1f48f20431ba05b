// Package metrics exposes proxy activity as Prometheus metrics.
//
// The Collector is an event observer: subscribe it to the event bus and it
// derives every metric from the events the components already emit.
//
//	pm2proxy_events_total{type}          events by type (listening, error, ...)
//	pm2proxy_resolutions_total{source}   resolved domains by source
//	                                     (cache, directory, booking)
//	pm2proxy_bookings_active             live port bookings
//
// The bookings gauge is read from the ledger at scrape time (see
// TrackBookings), so bookings that lapse between timer ticks are never
// counted.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// BookingLister reports the live port bookings. *port.Ledger implements it.
type BookingLister interface {
	Bookings() []model.Booking
}

// Collector turns events into Prometheus metrics.
type Collector struct {
	events      *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	bookings    prometheus.GaugeFunc

	mu     sync.Mutex
	ledger BookingLister
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pm2proxy_events_total",
			Help: "Events emitted by the proxy, by type",
		}, []string{"type"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pm2proxy_resolutions_total",
			Help: "Domain resolutions, by source",
		}, []string{"source"}),
	}
	c.bookings = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pm2proxy_bookings_active",
		Help: "Current number of live port bookings",
	}, c.countBookings)

	reg.MustRegister(c.events, c.resolutions, c.bookings)
	return c
}

// Observe implements event.Observer.
func (c *Collector) Observe(e event.Event) {
	c.events.WithLabelValues(string(e.Type)).Inc()
	if e.Type != event.TypeInfo {
		return
	}

	if source, ok := e.Data["source"].(string); ok {
		c.resolutions.WithLabelValues(source).Inc()
	}
}

// TrackBookings makes the bookings gauge report the live bookings of l.
// Until it is called the gauge reads 0.
func (c *Collector) TrackBookings(l BookingLister) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledger = l
}

func (c *Collector) countBookings() float64 {
	c.mu.Lock()
	l := c.ledger
	c.mu.Unlock()
	if l == nil {
		return 0
	}
	return float64(len(l.Bookings()))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return model.Wrap(err, model.KindBind, "unable to serve metrics", model.Data{"address": addr})
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return model.Wrap(err, model.KindInternal, "unable to stop metrics server", nil)
		}
		return nil
	}
}
