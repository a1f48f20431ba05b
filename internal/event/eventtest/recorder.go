// Package eventtest provides an event sink for tests, in the manner of
// net/http/httptest.
package eventtest

import (
	"sync"

	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
)

// Recorder is an Emitter that keeps every event it receives. It is safe for
// concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
}

// Emit appends e.
func (r *Recorder) Emit(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Observe appends e, so a Recorder can also be subscribed to a Bus.
func (r *Recorder) Observe(e event.Event) { r.Emit(e) }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t event.Type) []event.Event {
	var out []event.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Messages returns the messages of the recorded info events.
func (r *Recorder) Messages() []string {
	var out []string
	for _, e := range r.OfType(event.TypeInfo) {
		out = append(out, e.Message)
	}
	return out
}
