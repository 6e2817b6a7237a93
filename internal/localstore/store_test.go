package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func backendsForTest(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	redisStore, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "kv"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	boltStore, err := NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"bolt":   boltStore,
		"redis":  redisStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStoreConformance(t *testing.T) {
	for name, store := range backendsForTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Get(ctx, "workspace-version-n1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found on empty store, got %v", err)
			}
			if err := store.Put(ctx, "workspace-version-n1", []byte("3")); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := store.Put(ctx, "workspace-version-n2", []byte("5")); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := store.Put(ctx, "workspace-snapshot-n1", []byte(`{}`)); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := store.Get(ctx, "workspace-version-n1")
			if err != nil || string(got) != "3" {
				t.Fatalf("expected value 3, got %q (%v)", got, err)
			}

			keys, err := store.Keys(ctx, "workspace-version-")
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			want := []string{"workspace-version-n1", "workspace-version-n2"}
			if !reflect.DeepEqual(keys, want) {
				t.Fatalf("expected keys %v, got %v", want, keys)
			}

			if err := store.Delete(ctx, "workspace-version-n1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := store.Delete(ctx, "workspace-version-n1"); err != nil {
				t.Fatalf("second delete should be a no-op, got %v", err)
			}
			if _, err := store.Get(ctx, "workspace-version-n1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found after delete, got %v", err)
			}
		})
	}
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Put(context.Background(), "offline-queue", []byte(`{"items":[]}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "offline-queue")
	if err != nil || string(got) != `{"items":[]}` {
		t.Fatalf("expected persisted value, got %q (%v)", got, err)
	}
}

func TestWatchReportsChanges(t *testing.T) {
	stores := backendsForTest(t)
	for _, name := range []string{"memory", "file", "redis"} {
		store := stores[name]
		t.Run(name, func(t *testing.T) {
			watcher, ok := store.(Watcher)
			if !ok {
				t.Fatalf("%s store should support Watch", name)
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			changes, err := watcher.Watch(ctx, "workspace-snapshot-")
			if err != nil {
				t.Fatalf("watch: %v", err)
			}
			if err := store.Put(ctx, "workspace-version-ignored", []byte("1")); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := store.Put(ctx, "workspace-snapshot-n1", []byte("{}")); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := store.Delete(ctx, "workspace-snapshot-n1"); err != nil {
				t.Fatalf("delete: %v", err)
			}

			sawDelete := false
			deadline := time.After(3 * time.Second)
			for !sawDelete {
				select {
				case change := <-changes:
					if change.Key != "workspace-snapshot-n1" {
						t.Fatalf("unexpected change for key %q", change.Key)
					}
					if change.Deleted {
						sawDelete = true
					}
				case <-deadline:
					t.Fatalf("timed out waiting for delete notification")
				}
			}
		})
	}
}

func TestBuildFromDSN(t *testing.T) {
	store, err := BuildFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory store: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", store)
	}

	dir := filepath.Join(t.TempDir(), "kv")
	store, err = BuildFromDSN("file://" + dir)
	if err != nil {
		t.Fatalf("build file store: %v", err)
	}
	if fs, ok := store.(*FileStore); !ok || fs.Dir() != dir {
		t.Fatalf("expected file store rooted at %s, got %T", dir, store)
	}

	store, err = BuildFromDSN("bolt://" + filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("build bolt store: %v", err)
	}
	_ = store.Close()

	mr := miniredis.RunT(t)
	store, err = BuildFromDSN("redis://" + mr.Addr() + "/0")
	if err != nil {
		t.Fatalf("build redis store: %v", err)
	}
	_ = store.Close()
}

func TestBuildFromDSNRejectsUnsupportedScheme(t *testing.T) {
	if _, err := BuildFromDSN("indexeddb://canvas"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented, got %v", err)
	}
	if _, err := BuildFromDSN("gopher://x"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
	if _, err := BuildFromDSN("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank dsn, got %v", err)
	}
}

func TestRegisterFactory(t *testing.T) {
	scheme := "localstoretestcustom"
	RegisterFactory(scheme, func(dsn string) (Store, error) {
		return NewMemoryStore(), nil
	})
	store, err := BuildFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if store == nil {
		t.Fatalf("expected non-nil store from registered factory")
	}
}
