package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/agentworkforce/panelsync/internal/canvas"
)

type EntryKind string

const (
	EntryUpsert   EntryKind = "upsert"
	EntryClose    EntryKind = "close"
	EntryDelete   EntryKind = "delete"
	EntryCamera   EntryKind = "camera"
	EntryNoteOpen EntryKind = "note_open"
)

// UpsertIntent records what an upsert did on the secondary, judged from the
// panel the secondary held before it.
type UpsertIntent string

const (
	IntentCreate UpsertIntent = "create"
	IntentUpdate UpsertIntent = "update"
	IntentReopen UpsertIntent = "reopen"
)

// ReplicationEntry is one mutation accepted by the secondary while the
// primary was unreachable.
type ReplicationEntry struct {
	Seq        uint64         `cbor:"1,keyasint" json:"seq"`
	Kind       EntryKind      `cbor:"2,keyasint" json:"kind"`
	NoteID     string         `cbor:"3,keyasint" json:"noteId"`
	PanelID    string         `cbor:"4,keyasint,omitempty" json:"panelId,omitempty"`
	Panel      *canvas.Panel  `cbor:"5,keyasint,omitempty" json:"panel,omitempty"`
	Camera     *canvas.Camera `cbor:"6,keyasint,omitempty" json:"camera,omitempty"`
	Open       bool           `cbor:"7,keyasint,omitempty" json:"open,omitempty"`
	RecordedAt time.Time      `cbor:"8,keyasint" json:"recordedAt"`
	Synced     bool           `cbor:"9,keyasint,omitempty" json:"synced,omitempty"`
	Intent     UpsertIntent   `cbor:"10,keyasint,omitempty" json:"intent,omitempty"`
}

type LogStats struct {
	Total   int    `json:"total"`
	Pending int    `json:"pending"`
	LastSeq uint64 `json:"lastSeq"`
}

// ReplicationLog is an append-only record with strictly increasing sequence
// numbers. Pending returns unsynced entries in sequence order.
type ReplicationLog interface {
	Append(ctx context.Context, entry ReplicationEntry) (uint64, error)
	Pending(ctx context.Context, limit int) ([]ReplicationEntry, error)
	MarkSynced(ctx context.Context, seq uint64) error
	Stats(ctx context.Context) (LogStats, error)
	Close() error
}

var (
	replogBucket = []byte("replication_log")

	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
}

type BoltReplicationLog struct {
	db *bolt.DB
}

func NewBoltReplicationLog(path string) (*BoltReplicationLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open replication log: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(replogBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltReplicationLog{db: db}, nil
}

func (l *BoltReplicationLog) Append(_ context.Context, entry ReplicationEntry) (uint64, error) {
	var seq uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(replogBucket)
		next, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = next
		entry.Synced = false
		if entry.RecordedAt.IsZero() {
			entry.RecordedAt = time.Now().UTC()
		}
		data, err := cborEnc.Marshal(entry)
		if err != nil {
			return err
		}
		seq = next
		return bucket.Put(seqKey(next), data)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (l *BoltReplicationLog) Pending(_ context.Context, limit int) ([]ReplicationEntry, error) {
	out := make([]ReplicationEntry, 0)
	err := l.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(replogBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var entry ReplicationEntry
			if err := cborDec.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode replication entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if entry.Synced {
				continue
			}
			out = append(out, entry)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (l *BoltReplicationLog) MarkSynced(_ context.Context, seq uint64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(replogBucket)
		raw := bucket.Get(seqKey(seq))
		if raw == nil {
			return ErrNotFound
		}
		var entry ReplicationEntry
		if err := cborDec.Unmarshal(raw, &entry); err != nil {
			return err
		}
		entry.Synced = true
		data, err := cborEnc.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), data)
	})
}

func (l *BoltReplicationLog) Stats(_ context.Context) (LogStats, error) {
	var stats LogStats
	err := l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(replogBucket)
		stats.LastSeq = bucket.Sequence()
		return bucket.ForEach(func(_, v []byte) error {
			var entry ReplicationEntry
			if err := cborDec.Unmarshal(v, &entry); err != nil {
				return err
			}
			stats.Total++
			if !entry.Synced {
				stats.Pending++
			}
			return nil
		})
	})
	return stats, err
}

// Compact drops synced entries. Sequence numbers keep counting from where
// they were.
func (l *BoltReplicationLog) Compact(_ context.Context) (int, error) {
	removed := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(replogBucket)
		var synced [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var entry ReplicationEntry
			if err := cborDec.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Synced {
				synced = append(synced, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range synced {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (l *BoltReplicationLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	err := l.db.Close()
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return nil
	}
	return err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

type MemoryReplicationLog struct {
	mu      sync.Mutex
	seq     uint64
	entries map[uint64]ReplicationEntry
}

func NewMemoryReplicationLog() *MemoryReplicationLog {
	return &MemoryReplicationLog{entries: map[uint64]ReplicationEntry{}}
}

func (l *MemoryReplicationLog) Append(_ context.Context, entry ReplicationEntry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	entry.Seq = l.seq
	entry.Synced = false
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	l.entries[entry.Seq] = entry
	return entry.Seq, nil
}

func (l *MemoryReplicationLog) Pending(_ context.Context, limit int) ([]ReplicationEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ReplicationEntry, 0)
	for _, entry := range l.entries {
		if !entry.Synced {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryReplicationLog) MarkSynced(_ context.Context, seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[seq]
	if !ok {
		return ErrNotFound
	}
	entry.Synced = true
	l.entries[seq] = entry
	return nil
}

func (l *MemoryReplicationLog) Stats(_ context.Context) (LogStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := LogStats{Total: len(l.entries), LastSeq: l.seq}
	for _, entry := range l.entries {
		if !entry.Synced {
			stats.Pending++
		}
	}
	return stats, nil
}

func (l *MemoryReplicationLog) Close() error {
	return nil
}
