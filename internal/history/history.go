package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventServiceStart EventType = "service_start"
	EventServiceStop  EventType = "service_stop"
	EventSliceStart   EventType = "slice_start"
	EventSliceStop    EventType = "slice_stop"
	EventSliceFailed  EventType = "slice_failed"
	EventSweepKill    EventType = "sweep_kill"
)

// Record is the subject of an event.
type Record struct {
	Name   string `json:"name"`
	PID    int    `json:"pid"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Event is one row exported to a history sink.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Session    string    `json:"session"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SendTimeout bounds a single Send issued by a Recorder.
const SendTimeout = 2 * time.Second

// Recorder stamps events with a session id and fans them out to sinks.
// Sink errors are logged at debug and otherwise ignored: history never fails supervision.
// A nil *Recorder is valid and drops everything.
type Recorder struct {
	session string
	logger  *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
}

func NewRecorder(session string, logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{session: session, logger: logger, sinks: append([]Sink(nil), sinks...)}
}

func (r *Recorder) Session() string {
	if r == nil {
		return ""
	}
	return r.session
}

func (r *Recorder) AddSink(s Sink) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Emit sends an event of type t for rec to every sink.
func (r *Recorder) Emit(t EventType, rec Record) {
	if r == nil {
		return
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	evt := Event{Type: t, OccurredAt: time.Now().UTC(), Session: r.session, Record: rec}
	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
		if err := s.Send(ctx, evt); err != nil {
			r.logger.Debug("history send failed", "type", t, "name", rec.Name, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	r.sinks = nil
	return first
}
