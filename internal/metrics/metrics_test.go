package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
	"github.com/shinji-kodama/pm2-http-proxy/internal/port"
	"github.com/shinji-kodama/pm2-http-proxy/internal/resolver"
)

func TestCollector_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	bus := event.NewBus()
	bus.Subscribe(c)

	bus.Emit(event.Listening(8080))
	bus.Emit(event.Info(port.MsgBooked, model.Data{"domain": "a.com", "port": 8850}))
	bus.Emit(event.Info(resolver.MsgFromDirectory, model.Data{"source": string(resolver.SourceDirectory)}))
	bus.Emit(event.Info(resolver.MsgFromCache, model.Data{"source": string(resolver.SourceCache)}))
	bus.Emit(event.Info(resolver.MsgFromCache, model.Data{"source": string(resolver.SourceCache)}))
	bus.Emit(event.Failure(event.TypeProxyError, model.New(model.KindTransport, "connection refused", nil)))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("listening")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.events.WithLabelValues("info")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("proxy_error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.resolutions.WithLabelValues("cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resolutions.WithLabelValues("directory")))
}

type stubScanner struct{ ports port.PortSet }

func (s stubScanner) ListeningPorts(context.Context) (port.PortSet, error) { return s.ports, nil }

// TestCollector_TrackBookings verifies the gauge follows the ledger,
// including expiry.
func TestCollector_TrackBookings(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.bookings), "no ledger tracked yet")

	mock := clock.NewMock()
	ledger := port.NewLedger(stubScanner{ports: port.PortSet{}}, port.WithLedgerClock(mock))
	defer ledger.Close()
	c.TrackBookings(ledger)

	rng := model.PortRange{Low: 9000, High: 9010}
	_, err := ledger.Book(context.Background(), "a.com", rng)
	require.NoError(t, err)
	_, err = ledger.Book(context.Background(), "b.com", rng)
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.bookings))

	mock.Add(port.DefaultBookingTTL)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.bookings))
}

func TestNewCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.Observe(event.Listening(8080))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `pm2proxy_events_total{type="listening"} 1`)
	assert.Contains(t, string(body), "pm2proxy_bookings_active 0")
}

func TestServe_BindFailure(t *testing.T) {
	err := Serve(context.Background(), "256.0.0.1:0", prometheus.NewRegistry())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrBind)
}
