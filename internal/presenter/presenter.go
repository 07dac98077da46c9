// Package presenter delivers session events to whatever renders them.
package presenter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-session/internal/events"
)

// Log writes every event as a structured log line.
type Log struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (l Log) Emit(ev events.Event) {
	attrs := []any{"type", ev.Kind()}
	if e, ok := ev.(events.ErrorDisplayed); ok {
		attrs = append(attrs, "message", e.Message, "recoverable", e.Recoverable)
	}
	l.Logger.Log(context.Background(), l.Level, "session event", attrs...)
}

// Fanout forwards each event to every sink in order.
type Fanout []events.Sink

func (f Fanout) Emit(ev events.Event) {
	for _, s := range f {
		s.Emit(ev)
	}
}

// Recent keeps the last events for clients that poll instead of holding a
// websocket open.
type Recent struct {
	mu   sync.Mutex
	size int
	buf  []Envelope
	now  func() time.Time
}

func NewRecent(size int) *Recent {
	if size <= 0 {
		size = 100
	}
	return &Recent{size: size, now: time.Now}
}

func (r *Recent) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, Envelope{Type: ev.Kind(), Payload: ev, Timestamp: r.now()})
	if len(r.buf) > r.size {
		r.buf = append(r.buf[:0], r.buf[len(r.buf)-r.size:]...)
	}
}

// Events returns a copy, oldest first.
func (r *Recent) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.buf))
	copy(out, r.buf)
	return out
}
