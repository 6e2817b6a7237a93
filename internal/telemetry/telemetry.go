// Package telemetry carries sync events (cache decisions, replay discards,
// degraded mode) to pluggable sinks without ever blocking the caller.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	CacheUsed               EventType = "cache_used"
	CacheMismatch           EventType = "cache_mismatch"
	CacheDiscarded          EventType = "cache_discarded"
	VersionMismatchOnReplay EventType = "version_mismatch_on_replay"
	OpApplied               EventType = "op_applied"
	OpDeadLettered          EventType = "op_dead_lettered"
	OpDiscarded             EventType = "op_discarded"
	ConflictResolved        EventType = "conflict_resolved"
	HydrationDegraded       EventType = "hydration_degraded"
	BackingDegraded         EventType = "backing_degraded"
	BackingRecovered        EventType = "backing_recovered"
	SnapshotInvalidated     EventType = "snapshot_invalidated"
)

type Event struct {
	Type          EventType `json:"type"`
	NoteID        string    `json:"noteId,omitempty"`
	LocalVersion  int64     `json:"localVersion"`
	ServerVersion int64     `json:"serverVersion"`
	At            time.Time `json:"at"`
	Detail        string    `json:"detail,omitempty"`
}

type Sink interface {
	Publish(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

const DefaultBuffer = 256

type Options struct {
	Buffer int
	Logger zerolog.Logger
	Now    func() time.Time
}

// Emitter queues events on a bounded channel drained by one goroutine. When
// the channel is full the event is dropped and counted. A nil *Emitter is
// valid and discards everything.
type Emitter struct {
	events  chan Event
	sinks   []Sink
	logger  zerolog.Logger
	now     func() time.Time
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewEmitter(opts Options, sinks ...Sink) *Emitter {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Emitter{
		events: make(chan Event, buffer),
		sinks:  append([]Sink(nil), sinks...),
		logger: opts.Logger.With().Str("component", "telemetry").Logger(),
		now:    now,
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Emitter) Emit(event Event) {
	if e == nil {
		return
	}
	if event.At.IsZero() {
		event.At = e.now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- event:
	default:
		e.dropped.Add(1)
	}
}

func (e *Emitter) Dropped() int64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Close stops accepting events and waits for queued ones to reach the sinks.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	close(e.events)
	e.mu.Unlock()
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for event := range e.events {
		for _, sink := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := sink.Publish(ctx, event); err != nil {
				e.logger.Debug().Err(err).Str("type", string(event.Type)).Msg("telemetry sink failed")
			}
			cancel()
		}
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Count(eventType EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}
