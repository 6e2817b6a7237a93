package gateway

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/agentworkforce/panelsync/internal/canvas"
)

const (
	sqlNotesTableName   = "panelsync_notes"
	sqlPanelsTableName  = "panelsync_panels"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type dialect struct {
	name      string
	driver    string
	blobType  string
	forUpdate string
	// noteLock serializes version bumps for one note inside a transaction.
	noteLock func(ctx context.Context, tx *sql.Tx, noteID string) error
	rebind   func(query string) string
}

var (
	postgresDialect = dialect{
		name:      "postgres",
		driver:    "postgres",
		blobType:  "BYTEA",
		forUpdate: " FOR UPDATE",
		noteLock: func(ctx context.Context, tx *sql.Tx, noteID string) error {
			_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", noteLockKey(noteID))
			return err
		},
		rebind: rebindDollar,
	}
	sqliteDialect = dialect{
		name:     "sqlite",
		driver:   "sqlite3",
		blobType: "BLOB",
		// The connection pool is capped at one and transactions begin
		// immediately, so the database lock already serializes writers.
		noteLock: func(context.Context, *sql.Tx, string) error { return nil },
		rebind:   func(query string) string { return query },
	}
)

// SQLGateway stores notes and panels in two tables. The same queries run on
// Postgres (the remote primary) and SQLite (the local secondary); only the
// placeholder style, blob type and row locking differ.
type SQLGateway struct {
	dsn         string
	dialect     dialect
	notesTable  string
	panelsTable string
	openDB      sqlOpenFunc
	now         func() time.Time

	// initMu guards lazy bootstrap. Unlike a sync.Once a failed bootstrap is
	// retried on the next call, so a primary that was down at startup can
	// still be recovered.
	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresGateway(dsn string) (*SQLGateway, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return newSQLGateway(dsn, postgresDialect), nil
}

// NewSQLiteGateway opens the database file at path, creating it if needed.
func NewSQLiteGateway(path string) (*SQLGateway, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := "file:" + path + "?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
	return newSQLGateway(dsn, sqliteDialect), nil
}

func newSQLGateway(dsn string, d dialect) *SQLGateway {
	return &SQLGateway{
		dsn:         dsn,
		dialect:     d,
		notesTable:  sqlNotesTableName,
		panelsTable: sqlPanelsTableName,
		openDB:      sql.Open,
		now:         time.Now,
	}
}

func (g *SQLGateway) Dialect() string {
	return g.dialect.name
}

func (g *SQLGateway) ensureReady() error {
	if g == nil {
		return ErrInvalidInput
	}
	g.initMu.Lock()
	defer g.initMu.Unlock()
	if g.db != nil {
		return nil
	}
	db, err := g.openDB(g.dialect.driver, g.dsn)
	if err != nil {
		return classifyError("open", err)
	}
	if g.dialect.name == sqliteDialect.name {
		db.SetMaxOpenConns(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				note_id TEXT PRIMARY KEY,
				version BIGINT NOT NULL DEFAULT 0,
				is_open BOOLEAN NOT NULL DEFAULT FALSE,
				last_main_x DOUBLE PRECISION,
				last_main_y DOUBLE PRECISION,
				camera_x DOUBLE PRECISION,
				camera_y DOUBLE PRECISION,
				camera_zoom DOUBLE PRECISION,
				updated_at BIGINT NOT NULL DEFAULT 0
			)`, quoteIdentifier(g.notesTable)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				note_id TEXT NOT NULL,
				panel_id TEXT NOT NULL,
				type TEXT NOT NULL,
				position_x DOUBLE PRECISION NOT NULL,
				position_y DOUBLE PRECISION NOT NULL,
				width DOUBLE PRECISION NOT NULL,
				height DOUBLE PRECISION NOT NULL,
				z_index INTEGER NOT NULL,
				state TEXT NOT NULL,
				parent_id TEXT NOT NULL DEFAULT '',
				revision BIGINT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				content %s,
				metadata TEXT NOT NULL DEFAULT '{}',
				updated_at BIGINT NOT NULL,
				PRIMARY KEY (note_id, panel_id)
			)`, quoteIdentifier(g.panelsTable), g.dialect.blobType),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (note_id, state)",
			quoteIdentifier(g.panelsTable+"_state_idx"), quoteIdentifier(g.panelsTable)),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return classifyError("bootstrap", err)
		}
	}
	g.db = db
	return nil
}

func (g *SQLGateway) q(query string) string {
	query = strings.ReplaceAll(query, "{notes}", quoteIdentifier(g.notesTable))
	query = strings.ReplaceAll(query, "{panels}", quoteIdentifier(g.panelsTable))
	return g.dialect.rebind(query)
}

func (g *SQLGateway) Ping(ctx context.Context) error {
	if err := g.ensureReady(); err != nil {
		return err
	}
	return classifyError("ping", g.db.PingContext(ctx))
}

func (g *SQLGateway) GetVersion(ctx context.Context, noteID string) (int64, error) {
	if err := checkNoteID(noteID); err != nil {
		return 0, err
	}
	if err := g.ensureReady(); err != nil {
		return 0, err
	}
	var version int64
	err := g.db.QueryRowContext(ctx, g.q("SELECT version FROM {notes} WHERE note_id = ?"), noteID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classifyError("getVersion", err)
	}
	return version, nil
}

func (g *SQLGateway) GetNote(ctx context.Context, noteID string) (NoteRecord, error) {
	if err := checkNoteID(noteID); err != nil {
		return NoteRecord{}, err
	}
	if err := g.ensureReady(); err != nil {
		return NoteRecord{}, err
	}
	note, err := g.scanNote(g.db.QueryRowContext(ctx, g.q(noteSelect+" WHERE note_id = ?"), noteID))
	if errors.Is(err, sql.ErrNoRows) {
		return NoteRecord{}, ErrNotFound
	}
	if err != nil {
		return NoteRecord{}, classifyError("getNote", err)
	}
	return note, nil
}

func (g *SQLGateway) SetNoteOpen(ctx context.Context, noteID string, open bool) (NoteRecord, error) {
	if err := checkNoteID(noteID); err != nil {
		return NoteRecord{}, err
	}
	var note NoteRecord
	err := g.withTx(ctx, "setNoteOpen", noteID, func(tx *sql.Tx) error {
		now := g.now().UTC().UnixMilli()
		if _, err := tx.ExecContext(ctx, g.q("UPDATE {notes} SET is_open = ?, updated_at = ? WHERE note_id = ?"), open, now, noteID); err != nil {
			return err
		}
		var err error
		note, err = g.scanNote(tx.QueryRowContext(ctx, g.q(noteSelect+" WHERE note_id = ?"), noteID))
		return err
	})
	if err != nil {
		return NoteRecord{}, err
	}
	return note, nil
}

func (g *SQLGateway) ListActivePanels(ctx context.Context, noteID string) ([]canvas.Panel, error) {
	if err := checkNoteID(noteID); err != nil {
		return nil, err
	}
	if err := g.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := g.db.QueryContext(ctx, g.q(panelSelect+" WHERE note_id = ? AND state = ? ORDER BY z_index ASC, panel_id ASC"),
		noteID, string(canvas.PanelStateActive))
	if err != nil {
		return nil, classifyError("listActivePanels", err)
	}
	defer rows.Close()
	out := make([]canvas.Panel, 0)
	for rows.Next() {
		panel, err := scanPanel(rows)
		if err != nil {
			return nil, classifyError("listActivePanels", err)
		}
		out = append(out, panel)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("listActivePanels", err)
	}
	return out, nil
}

func (g *SQLGateway) GetPanel(ctx context.Context, noteID, panelID string) (canvas.Panel, error) {
	if err := checkNoteID(noteID); err != nil {
		return canvas.Panel{}, err
	}
	if err := g.ensureReady(); err != nil {
		return canvas.Panel{}, err
	}
	panel, err := scanPanel(g.db.QueryRowContext(ctx, g.q(panelSelect+" WHERE note_id = ? AND panel_id = ?"), noteID, panelID))
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.Panel{}, ErrNotFound
	}
	if err != nil {
		return canvas.Panel{}, classifyError("getPanel", err)
	}
	return panel, nil
}

func (g *SQLGateway) UpsertPanel(ctx context.Context, panel canvas.Panel, expectedRevision *int64) (MutationResult, error) {
	if err := panel.Validate(); err != nil {
		return MutationResult{}, &ValidationError{Reason: "panel", Err: err}
	}
	metadata, err := json.Marshal(panel.Metadata)
	if err != nil {
		return MutationResult{}, &ValidationError{Reason: "metadata", Err: err}
	}
	if panel.Metadata == nil {
		metadata = []byte("{}")
	}
	var result MutationResult
	err = g.withTx(ctx, "upsertPanel", panel.NoteID, func(tx *sql.Tx) error {
		existing, err := g.lockPanel(ctx, tx, panel.NoteID, panel.PanelID)
		if err != nil {
			return err
		}
		parentExists := false
		if panel.ParentID != "" {
			var one int
			err := tx.QueryRowContext(ctx, g.q("SELECT 1 FROM {panels} WHERE note_id = ? AND panel_id = ?"), panel.NoteID, panel.ParentID).Scan(&one)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			parentExists = err == nil
		}
		if err := checkUpsert(panel, existing, parentExists, expectedRevision); err != nil {
			return err
		}

		stored := panel.Clone()
		stored.Revision = 1
		if existing != nil {
			stored.Revision = existing.Revision + 1
		}
		stored.UpdatedAt = g.now().UTC().Truncate(time.Millisecond)
		_, err = tx.ExecContext(ctx, g.q(`
			INSERT INTO {panels} (note_id, panel_id, type, position_x, position_y, width, height, z_index, state, parent_id, revision, title, content, metadata, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (note_id, panel_id) DO UPDATE SET
				type = excluded.type, position_x = excluded.position_x, position_y = excluded.position_y,
				width = excluded.width, height = excluded.height, z_index = excluded.z_index,
				state = excluded.state, parent_id = excluded.parent_id, revision = excluded.revision,
				title = excluded.title, content = excluded.content, metadata = excluded.metadata,
				updated_at = excluded.updated_at`),
			stored.NoteID, stored.PanelID, string(stored.Type), stored.Position.X, stored.Position.Y,
			stored.Size.Width, stored.Size.Height, stored.ZIndex, string(stored.State), stored.ParentID,
			stored.Revision, stored.Title, stored.Content, string(metadata), stored.UpdatedAt.UnixMilli())
		if err != nil {
			return err
		}
		if stored.IsMain() {
			_, err = tx.ExecContext(ctx, g.q("UPDATE {notes} SET last_main_x = ?, last_main_y = ? WHERE note_id = ?"),
				stored.Position.X, stored.Position.Y, stored.NoteID)
			if err != nil {
				return err
			}
		}
		version, err := g.bumpVersion(ctx, tx, stored.NoteID)
		if err != nil {
			return err
		}
		result = MutationResult{Panel: stored, Version: version, Changed: true}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	return result, nil
}

func (g *SQLGateway) ClosePanel(ctx context.Context, noteID, panelID string) (MutationResult, error) {
	if err := checkNoteID(noteID); err != nil {
		return MutationResult{}, err
	}
	var result MutationResult
	err := g.withTx(ctx, "closePanel", noteID, func(tx *sql.Tx) error {
		existing, err := g.lockPanel(ctx, tx, noteID, panelID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		if !existing.Active() {
			var version int64
			if err := tx.QueryRowContext(ctx, g.q("SELECT version FROM {notes} WHERE note_id = ?"), noteID).Scan(&version); err != nil {
				return err
			}
			result = MutationResult{Panel: *existing, Version: version}
			return nil
		}
		closed := *existing
		closed.State = canvas.PanelStateClosed
		closed.Revision++
		closed.UpdatedAt = g.now().UTC().Truncate(time.Millisecond)
		_, err = tx.ExecContext(ctx, g.q("UPDATE {panels} SET state = ?, revision = ?, updated_at = ? WHERE note_id = ? AND panel_id = ?"),
			string(closed.State), closed.Revision, closed.UpdatedAt.UnixMilli(), noteID, panelID)
		if err != nil {
			return err
		}
		version, err := g.bumpVersion(ctx, tx, noteID)
		if err != nil {
			return err
		}
		result = MutationResult{Panel: closed, Version: version, Changed: true}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	return result, nil
}

func (g *SQLGateway) DeletePanel(ctx context.Context, noteID, panelID string) (MutationResult, error) {
	if err := checkNoteID(noteID); err != nil {
		return MutationResult{}, err
	}
	var result MutationResult
	err := g.withTx(ctx, "deletePanel", noteID, func(tx *sql.Tx) error {
		existing, err := g.lockPanel(ctx, tx, noteID, panelID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		var children int
		if err := tx.QueryRowContext(ctx, g.q("SELECT COUNT(*) FROM {panels} WHERE note_id = ? AND parent_id = ?"), noteID, panelID).Scan(&children); err != nil {
			return err
		}
		if children > 0 {
			return invalid("panel " + panelID + " still has children")
		}
		if _, err := tx.ExecContext(ctx, g.q("DELETE FROM {panels} WHERE note_id = ? AND panel_id = ?"), noteID, panelID); err != nil {
			return err
		}
		version, err := g.bumpVersion(ctx, tx, noteID)
		if err != nil {
			return err
		}
		result = MutationResult{Panel: *existing, Version: version, Changed: true}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	return result, nil
}

func (g *SQLGateway) GetCamera(ctx context.Context, noteID string) (canvas.Camera, bool, error) {
	note, err := g.GetNote(ctx, noteID)
	if errors.Is(err, ErrNotFound) {
		return canvas.Camera{}, false, nil
	}
	if err != nil {
		return canvas.Camera{}, false, err
	}
	if note.Camera == nil {
		return canvas.Camera{}, false, nil
	}
	return *note.Camera, true, nil
}

func (g *SQLGateway) SaveCamera(ctx context.Context, noteID string, camera canvas.Camera) error {
	if err := checkNoteID(noteID); err != nil {
		return err
	}
	if camera.Zoom <= 0 {
		return invalid("camera zoom must be positive")
	}
	return g.withTx(ctx, "saveCamera", noteID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, g.q("UPDATE {notes} SET camera_x = ?, camera_y = ?, camera_zoom = ?, updated_at = ? WHERE note_id = ?"),
			camera.TranslateX, camera.TranslateY, camera.Zoom, g.now().UTC().UnixMilli(), noteID)
		return err
	})
}

func (g *SQLGateway) Close() error {
	if g == nil {
		return nil
	}
	g.initMu.Lock()
	defer g.initMu.Unlock()
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

// withTx runs fn in a transaction holding the note's lock, with the note row
// guaranteed to exist. Errors are classified before they are returned.
func (g *SQLGateway) withTx(ctx context.Context, op, noteID string, fn func(tx *sql.Tx) error) error {
	if err := g.ensureReady(); err != nil {
		return err
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := g.dialect.noteLock(ctx, tx, noteID); err != nil {
		return classifyError(op, err)
	}
	_, err = tx.ExecContext(ctx, g.q("INSERT INTO {notes} (note_id, version, is_open, updated_at) VALUES (?, 0, ?, ?) ON CONFLICT (note_id) DO NOTHING"),
		noteID, false, g.now().UTC().UnixMilli())
	if err != nil {
		return classifyError(op, err)
	}
	if err := fn(tx); err != nil {
		return classifyError(op, err)
	}
	return classifyError(op, tx.Commit())
}

func (g *SQLGateway) lockPanel(ctx context.Context, tx *sql.Tx, noteID, panelID string) (*canvas.Panel, error) {
	panel, err := scanPanel(tx.QueryRowContext(ctx, g.q(panelSelect+" WHERE note_id = ? AND panel_id = ?"+g.dialect.forUpdate), noteID, panelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &panel, nil
}

func (g *SQLGateway) bumpVersion(ctx context.Context, tx *sql.Tx, noteID string) (int64, error) {
	if _, err := tx.ExecContext(ctx, g.q("UPDATE {notes} SET version = version + 1, updated_at = ? WHERE note_id = ?"), g.now().UTC().UnixMilli(), noteID); err != nil {
		return 0, err
	}
	var version int64
	if err := tx.QueryRowContext(ctx, g.q("SELECT version FROM {notes} WHERE note_id = ?"), noteID).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

const noteSelect = "SELECT note_id, version, is_open, last_main_x, last_main_y, camera_x, camera_y, camera_zoom, updated_at FROM {notes}"

func (g *SQLGateway) scanNote(row *sql.Row) (NoteRecord, error) {
	var (
		note                NoteRecord
		mainX, mainY        sql.NullFloat64
		camX, camY, camZoom sql.NullFloat64
		updatedAt           int64
	)
	if err := row.Scan(&note.NoteID, &note.Version, &note.IsOpen, &mainX, &mainY, &camX, &camY, &camZoom, &updatedAt); err != nil {
		return NoteRecord{}, err
	}
	if mainX.Valid && mainY.Valid {
		note.LastMainPosition = &canvas.WorldPoint{X: mainX.Float64, Y: mainY.Float64}
	}
	if camX.Valid && camY.Valid && camZoom.Valid {
		note.Camera = &canvas.Camera{TranslateX: camX.Float64, TranslateY: camY.Float64, Zoom: camZoom.Float64}
	}
	note.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return note, nil
}

const panelSelect = "SELECT note_id, panel_id, type, position_x, position_y, width, height, z_index, state, parent_id, revision, title, content, metadata, updated_at FROM {panels}"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPanel(row rowScanner) (canvas.Panel, error) {
	var (
		panel        canvas.Panel
		panelType    string
		state        string
		metadataJSON string
		updatedAt    int64
	)
	err := row.Scan(&panel.NoteID, &panel.PanelID, &panelType, &panel.Position.X, &panel.Position.Y,
		&panel.Size.Width, &panel.Size.Height, &panel.ZIndex, &state, &panel.ParentID, &panel.Revision,
		&panel.Title, &panel.Content, &metadataJSON, &updatedAt)
	if err != nil {
		return canvas.Panel{}, err
	}
	panel.Type = canvas.PanelType(panelType)
	panel.State = canvas.PanelState(state)
	panel.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if metadataJSON != "" && metadataJSON != "{}" && metadataJSON != "null" {
		if err := json.Unmarshal([]byte(metadataJSON), &panel.Metadata); err != nil {
			return canvas.Panel{}, fmt.Errorf("decode metadata for %s: %w", panel.Key(), err)
		}
	}
	return panel, nil
}

// classifyError maps driver errors onto the gateway taxonomy. Errors that are
// already typed pass through untouched.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		conflict   *ConflictError
		validation *ValidationError
		outage     *UnavailableError
	)
	if errors.As(err, &conflict) || errors.As(err, &validation) || errors.As(err, &outage) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return unavailable(op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return unavailable(op, err)
		case "23":
			return &ValidationError{Reason: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrFull:
			return unavailable(op, err)
		case sqlite3.ErrConstraint:
			return &ValidationError{Reason: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func noteLockKey(noteID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(sqlNotesTableName))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(noteID))
	return int64(hasher.Sum64())
}

// rebindDollar rewrites ? placeholders as $1, $2, ... for lib/pq. None of the
// queries here contain a literal question mark.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
