// Package versions tracks the per-note workspace version: the single fact used
// to decide whether a locally cached snapshot can be trusted.
package versions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/panelsync/internal/localstore"
)

const keyPrefix = "workspace-version-"

var ErrInvalidNoteID = errors.New("invalid note id")

// Store keeps versions in local durable storage, one key per note, so a
// version lookup never deserializes a snapshot.
type Store struct {
	local  localstore.Store
	logger zerolog.Logger

	mu sync.Mutex
	// floor is the highest value handed out per note in this session.
	floor map[string]int64
}

func NewStore(local localstore.Store, logger zerolog.Logger) *Store {
	return &Store{
		local:  local,
		logger: logger.With().Str("component", "versions").Logger(),
		floor:  map[string]int64{},
	}
}

func Key(noteID string) string {
	return keyPrefix + noteID
}

func (s *Store) Get(ctx context.Context, noteID string) (int64, error) {
	if strings.TrimSpace(noteID) == "" {
		return 0, ErrInvalidNoteID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.readLocked(ctx, noteID)
	if err != nil {
		return 0, err
	}
	if floor := s.floor[noteID]; floor > stored {
		return floor, nil
	}
	s.floor[noteID] = stored
	return stored, nil
}

// Bump records one committed mutation and returns the new version.
func (s *Store) Bump(ctx context.Context, noteID string) (int64, error) {
	if strings.TrimSpace(noteID) == "" {
		return 0, ErrInvalidNoteID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.readLocked(ctx, noteID)
	if err != nil {
		return 0, err
	}
	if floor := s.floor[noteID]; floor > current {
		current = floor
	}
	next := current + 1
	if err := s.writeLocked(ctx, noteID, next); err != nil {
		return 0, err
	}
	s.floor[noteID] = next
	return next, nil
}

// Adopt overwrites the local version with the backing store's value, even
// when that is lower. A higher local number may itself be left over from an
// earlier session, so the backing store always wins here.
func (s *Store) Adopt(ctx context.Context, noteID string, serverVersion int64) error {
	if strings.TrimSpace(noteID) == "" {
		return ErrInvalidNoteID
	}
	if serverVersion < 0 {
		serverVersion = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.readLocked(ctx, noteID)
	if err != nil {
		return err
	}
	if current == serverVersion && s.floor[noteID] <= serverVersion {
		s.floor[noteID] = serverVersion
		return nil
	}
	if current > serverVersion || s.floor[noteID] > serverVersion {
		s.logger.Warn().
			Str("noteId", noteID).
			Int64("localVersion", max(current, s.floor[noteID])).
			Int64("serverVersion", serverVersion).
			Msg("backing store reports a lower version; adopting it")
	}
	if err := s.writeLocked(ctx, noteID, serverVersion); err != nil {
		return err
	}
	s.floor[noteID] = serverVersion
	return nil
}

func (s *Store) Forget(ctx context.Context, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.floor, noteID)
	return s.local.Delete(ctx, Key(noteID))
}

func (s *Store) readLocked(ctx context.Context, noteID string) (int64, error) {
	raw, err := s.local.Get(ctx, Key(noteID))
	if errors.Is(err, localstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version %s: %w", noteID, err)
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || value < 0 {
		s.logger.Warn().Str("noteId", noteID).Str("raw", string(raw)).Msg("discarding malformed stored version")
		return 0, nil
	}
	return value, nil
}

func (s *Store) writeLocked(ctx context.Context, noteID string, version int64) error {
	if err := s.local.Put(ctx, Key(noteID), []byte(strconv.FormatInt(version, 10))); err != nil {
		return fmt.Errorf("write version %s: %w", noteID, err)
	}
	return nil
}
