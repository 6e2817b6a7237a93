package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Publish(_ context.Context, event Event) error {
	level := zerolog.DebugLevel
	switch event.Type {
	case VersionMismatchOnReplay, OpDeadLettered, HydrationDegraded, BackingDegraded:
		level = zerolog.WarnLevel
	case CacheDiscarded, OpDiscarded, BackingRecovered:
		level = zerolog.InfoLevel
	}
	s.Logger.WithLevel(level).
		Str("event", string(event.Type)).
		Str("noteId", event.NoteID).
		Int64("localVersion", event.LocalVersion).
		Int64("serverVersion", event.ServerVersion).
		Str("detail", event.Detail).
		Time("at", event.At).
		Msg("sync event")
	return nil
}

const DefaultRedisChannel = "panelsync:events"

// RedisSink publishes events as JSON so other processes on the machine can
// follow sync activity.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Channel() string {
	return s.channel
}

func (s *RedisSink) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

// Hub fans events out to in-process subscribers such as websocket streams.
// A slow subscriber loses events rather than holding up the others.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan Event{}}
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
