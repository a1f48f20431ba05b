package event

import (
	"sync"
	"time"

	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// Type names the kind of notification an Event carries.
type Type string

const (
	// TypeListening is emitted once the dispatcher is bound; Port is set.
	TypeListening Type = "listening"

	// TypeError reports fatal-class failures (bind errors, watcher errors).
	TypeError Type = "error"

	// TypeProxyError reports a failed forward to a chosen backend.
	TypeProxyError Type = "proxy_error"

	// TypeRequestError reports a failure scoped to one client request.
	TypeRequestError Type = "request_error"

	// TypeInfo is an informational message with structured Data.
	TypeInfo Type = "info"
)

// Event is one notification. Which fields are set depends on Type.
type Event struct {
	Type    Type
	Time    time.Time
	Port    int
	Err     *model.Error
	Message string
	Data    model.Data
}

// Emitter accepts events from a component.
type Emitter interface {
	Emit(Event)
}

// Observer receives events from a Bus.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }

// Info builds an info event.
func Info(message string, data model.Data) Event {
	return Event{Type: TypeInfo, Message: message, Data: data}
}

// Listening builds a listening event.
func Listening(port int) Event {
	return Event{Type: TypeListening, Port: port}
}

// Failure builds an error-carrying event of type t.
func Failure(t Type, err *model.Error) Event {
	return Event{Type: t, Err: err, Message: err.Message}
}

// Bus fans events out to subscribed observers, in subscription order.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	observers []subscription
	now       func() time.Time
}

type subscription struct {
	id       int
	observer Observer
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers o and returns a function that removes it again.
func (b *Bus) Subscribe(o Observer) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.observers = append(b.observers, subscription{id: id, observer: o})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.observers {
			if s.id == id {
				b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
				return
			}
		}
	}
}

// Emit stamps e with the current time (if unset) and delivers it to every
// observer synchronously.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	observers := make([]Observer, 0, len(b.observers))
	for _, s := range b.observers {
		observers = append(observers, s.observer)
	}
	b.mu.RUnlock()

	for _, o := range observers {
		o.Observe(e)
	}
}

type discard struct{}

func (discard) Emit(Event) {}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

// OrDiscard returns e, or Discard when e is nil.
func OrDiscard(e Emitter) Emitter {
	if e == nil {
		return Discard
	}
	return e
}
