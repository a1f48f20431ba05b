package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// sink collects observed events. It is not safe for concurrent use.
type sink struct{ events []Event }

func (s *sink) Observe(e Event) { s.events = append(s.events, e) }
func (s *sink) Emit(e Event)    { s.Observe(e) }

// TestBus_FanOut verifies every subscriber sees every event in order and
// that unsubscribing stops delivery.
func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	first := &sink{}
	second := &sink{}

	bus.Subscribe(first)
	unsubscribe := bus.Subscribe(second)

	bus.Emit(Listening(8080))
	unsubscribe()
	bus.Emit(Info("after unsubscribe", nil))

	require.Len(t, first.events, 2)
	require.Len(t, second.events, 1)
	assert.Equal(t, TypeListening, second.events[0].Type)
	assert.False(t, first.events[0].Time.IsZero(), "Emit should stamp the event time")
}

// TestObserverFunc verifies the function adapter.
func TestObserverFunc(t *testing.T) {
	var got []Type
	bus := NewBus()
	bus.Subscribe(ObserverFunc(func(e Event) { got = append(got, e.Type) }))

	bus.Emit(Failure(TypeProxyError, model.New(model.KindTransport, "refused", nil)))
	assert.Equal(t, []Type{TypeProxyError}, got)
}

// TestOrDiscard verifies nil emitters are replaced.
func TestOrDiscard(t *testing.T) {
	assert.Equal(t, Discard, OrDiscard(nil))
	r := &sink{}
	assert.Same(t, r, OrDiscard(r))
	assert.NotPanics(t, func() { Discard.Emit(Info("x", nil)) })
}

// TestNewLogger verifies level and format validation.
func TestNewLogger(t *testing.T) {
	_, err := NewLogger(&bytes.Buffer{}, "loud", FormatJSON)
	assert.Error(t, err)

	_, err = NewLogger(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)

	_, err = NewLogger(&bytes.Buffer{}, "", "")
	assert.NoError(t, err, "empty level and format fall back to defaults")
}

// TestLogObserver_JSON verifies the JSON rendering of a failure event,
// including its kind, data and flattened causes.
func TestLogObserver_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", FormatJSON)
	require.NoError(t, err)
	observer := NewLogObserver(logger)

	cause := errors.New("connect: connection refused")
	failure := model.Wrap(cause, model.KindTransport, "Something went wrong", model.Data{"port": 9000})
	observer.Observe(Failure(TypeProxyError, failure))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "proxy_error", line["event"])
	assert.Equal(t, "TransportError", line["kind"])
	assert.Equal(t, float64(9000), line["port"])
	assert.Equal(t, []any{"connect: connection refused"}, line["causes"])
	assert.Equal(t, "Something went wrong", line["message"])
}

// TestLogObserver_InfoIsDebug verifies info events are hidden at info level.
func TestLogObserver_InfoIsDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "info", FormatConsole)
	require.NoError(t, err)
	observer := NewLogObserver(logger)

	observer.Observe(Info("domain's port resolved from cache", model.Data{"domain": "a.com"}))
	assert.Empty(t, buf.String())

	observer.Observe(Listening(8080))
	assert.True(t, strings.Contains(buf.String(), "Listening on port 8080"))
}
