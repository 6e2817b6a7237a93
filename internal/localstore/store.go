// Package localstore is the durable local key/value storage every client-side
// cache sits on: the workspace version store, the snapshot cache and the
// offline mutation queue. Backends are picked by DSN scheme.
package localstore

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("store closed")
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns every key with the given prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Change is delivered by backends that can observe writes made by other
// processes sharing the same storage.
type Change struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

type Watcher interface {
	Watch(ctx context.Context, prefix string) (<-chan Change, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string][]byte
	subs   map[int]memorySubscriber
	nextID int
	closed bool
}

type memorySubscriber struct {
	prefix string
	ch     chan Change
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: map[string][]byte{},
		subs:  map[int]memorySubscriber{},
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.items[key] = append([]byte(nil), value...)
	s.notifyLocked(Change{Key: key})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.items[key]; !ok {
		return nil
	}
	delete(s.items, key)
	s.notifyLocked(Change{Key: key, Deleted: true})
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for key := range s.items {
		if hasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sortStrings(keys)
	return keys, nil
}

func (s *MemoryStore) Watch(ctx context.Context, prefix string) (<-chan Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	id := s.nextID
	s.nextID++
	ch := make(chan Change, 64)
	s.subs[id] = memorySubscriber{prefix: prefix, ch: ch}
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}()
	return ch, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	return nil
}

// notifyLocked never blocks a writer; a slow watcher misses changes rather
// than stalling the write path.
func (s *MemoryStore) notifyLocked(change Change) {
	for _, sub := range s.subs {
		if !hasPrefix(change.Key, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
}
