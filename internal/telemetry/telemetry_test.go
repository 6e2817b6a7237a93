package telemetry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversToEverySink(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	emitter := NewEmitter(Options{Logger: zerolog.Nop()}, first, second)
	emitter.Emit(Event{Type: CacheUsed, NoteID: "n1", LocalVersion: 2, ServerVersion: 2})
	emitter.Emit(Event{Type: CacheMismatch, NoteID: "n1", LocalVersion: 2, ServerVersion: 3})
	emitter.Close()

	for _, recorder := range []*Recorder{first, second} {
		events := recorder.Events()
		require.Len(t, events, 2)
		assert.Equal(t, CacheUsed, events[0].Type)
		assert.False(t, events[0].At.IsZero())
		assert.Equal(t, 1, recorder.Count(CacheMismatch))
	}
}

func TestEmitterNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	blocking := SinkFunc(func(ctx context.Context, event Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	emitter := NewEmitter(Options{Buffer: 1, Logger: zerolog.Nop()}, blocking)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			emitter.Emit(Event{Type: OpApplied})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a stuck sink")
	}
	assert.Greater(t, emitter.Dropped(), int64(0))
	close(release)
	emitter.Close()
	emitter.Emit(Event{Type: OpApplied})
}

func TestNilEmitterIsNoop(t *testing.T) {
	var emitter *Emitter
	emitter.Emit(Event{Type: CacheUsed})
	emitter.Close()
	assert.Equal(t, int64(0), emitter.Dropped())
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe(4)
	b, cancelB := hub.Subscribe(4)
	require.Equal(t, 2, hub.Subscribers())

	require.NoError(t, hub.Publish(context.Background(), Event{Type: CacheDiscarded, NoteID: "n1"}))
	assert.Equal(t, CacheDiscarded, (<-a).Type)
	assert.Equal(t, CacheDiscarded, (<-b).Type)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers())
	cancelB()
}

func TestRedisSinkPublishesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sub := client.Subscribe(ctx, DefaultRedisChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, "")
	require.Equal(t, DefaultRedisChannel, sink.Channel())
	require.NoError(t, sink.Publish(ctx, Event{Type: VersionMismatchOnReplay, NoteID: "n1", LocalVersion: 1, ServerVersion: 4}))

	select {
	case msg := <-sub.Channel():
		var event Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, VersionMismatchOnReplay, event.Type)
		assert.Equal(t, int64(4), event.ServerVersion)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestLogSinkWritesStructuredLine(t *testing.T) {
	var buf jsonBuffer
	sink := LogSink{Logger: zerolog.New(&buf)}
	require.NoError(t, sink.Publish(context.Background(), Event{Type: OpDeadLettered, NoteID: "n1", Detail: "bad parent"}))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.data, &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "op_dead_lettered", line["event"])
	assert.Equal(t, "bad parent", line["detail"])
}

type jsonBuffer struct {
	data []byte
}

func (b *jsonBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
