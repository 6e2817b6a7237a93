package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/panelsync/internal/canvas"
	"github.com/agentworkforce/panelsync/internal/hydrate"
	"github.com/agentworkforce/panelsync/internal/offlinequeue"
	"github.com/agentworkforce/panelsync/internal/telemetry"
	"github.com/agentworkforce/panelsync/internal/workspace"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// OriginPatterns is handed to the websocket handshake for /v1/events.
	OriginPatterns []string
	Logger         zerolog.Logger
}

// Server is the local control API of one workspace session: sync indicator,
// note lifecycle, panel edits, dead-letter handling and a live event stream.
type Server struct {
	session     *workspace.Session
	queue       *offlinequeue.Queue
	hub         *telemetry.Hub
	cfg         ServerConfig
	logger      zerolog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(session *workspace.Session, queue *offlinequeue.Queue, hub *telemetry.Hub) *Server {
	return NewServerWithConfig(session, queue, hub, ServerConfig{})
}

func NewServerWithConfig(session *workspace.Session, queue *offlinequeue.Queue, hub *telemetry.Hub, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		session:     session,
		queue:       queue,
		hub:         hub,
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "httpapi").Logger(),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.Method != http.MethodGet && s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		s.handleSync(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "camera" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.session.Camera())
	case len(parts) == 2 && parts[1] == "camera" && r.Method == http.MethodPost:
		s.handleCamera(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "dead-letter" && r.Method == http.MethodGet:
		s.handleDeadLetters(w, r, correlationID)
	case len(parts) == 4 && parts[1] == "dead-letter" && parts[3] == "retry" && r.Method == http.MethodPost:
		s.handleDeadLetterRetry(w, r, parts[2], correlationID)
	case len(parts) == 4 && parts[1] == "dead-letter" && parts[3] == "discard" && r.Method == http.MethodPost:
		s.handleDeadLetterDiscard(w, r, parts[2], correlationID)
	case len(parts) >= 4 && parts[1] == "notes":
		s.routeNote(w, r, parts[2], parts[3:], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) routeNote(w http.ResponseWriter, r *http.Request, noteID string, rest []string, correlationID string) {
	if strings.TrimSpace(noteID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing note id", correlationID)
		return
	}
	switch {
	case len(rest) == 1 && rest[0] == "status" && r.Method == http.MethodGet:
		s.handleNoteStatus(w, r, noteID, correlationID)
	case len(rest) == 1 && rest[0] == "open" && r.Method == http.MethodPost:
		s.handleOpen(w, r, noteID, correlationID)
	case len(rest) == 1 && rest[0] == "close" && r.Method == http.MethodPost:
		s.handleCloseNote(w, r, noteID, correlationID)
	case len(rest) == 1 && rest[0] == "panels" && r.Method == http.MethodGet:
		s.handlePanels(w, r, noteID, correlationID)
	case len(rest) == 1 && rest[0] == "panels" && r.Method == http.MethodPost:
		s.handleCreatePanel(w, r, noteID, correlationID)
	case len(rest) == 2 && rest[0] == "panels" && r.Method == http.MethodPatch:
		s.handleUpdatePanel(w, r, noteID, rest[1], correlationID)
	case len(rest) == 2 && rest[0] == "panels" && r.Method == http.MethodDelete:
		s.handleDeletePanel(w, r, noteID, rest[1], correlationID)
	case len(rest) == 3 && rest[0] == "panels" && rest[2] == "close" && r.Method == http.MethodPost:
		s.handleClosePanel(w, r, noteID, rest[1], correlationID)
	case len(rest) == 3 && rest[0] == "panels" && rest[2] == "reopen" && r.Method == http.MethodPost:
		s.handleReopenPanel(w, r, noteID, rest[1], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	writeJSON(w, http.StatusOK, s.session.Status(r.Context()))
}

func (s *Server) handleNoteStatus(w http.ResponseWriter, r *http.Request, noteID, correlationID string) {
	status, err := s.session.NoteStatus(r.Context(), noteID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request, noteID, correlationID string) {
	result, err := s.session.Open(r.Context(), noteID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCloseNote(w http.ResponseWriter, r *http.Request, noteID, correlationID string) {
	if err := s.session.CloseNote(r.Context(), noteID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"noteId": noteID, "closed": true})
}

type panelsResponse struct {
	NoteID string                 `json:"noteId"`
	Camera canvas.Camera          `json:"camera"`
	Panels []canvas.RenderedPanel `json:"panels"`
}

func (s *Server) handlePanels(w http.ResponseWriter, _ *http.Request, noteID, correlationID string) {
	panels, err := s.session.Panels(noteID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, panelsResponse{NoteID: noteID, Camera: s.session.Camera(), Panels: panels})
}

type createPanelRequest struct {
	Main     bool               `json:"main"`
	Type     canvas.PanelType   `json:"type"`
	ParentID string             `json:"parentId"`
	Title    string             `json:"title"`
	Content  *string            `json:"content"`
	Metadata map[string]any     `json:"metadata"`
	Position canvas.ScreenPoint `json:"screenPosition"`
	Size     canvas.ScreenSize  `json:"screenSize"`
}

func (s *Server) handleCreatePanel(w http.ResponseWriter, r *http.Request, noteID, correlationID string) {
	var body createPanelRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	input := workspace.NewPanel{
		Main:           body.Main,
		Type:           body.Type,
		ParentID:       body.ParentID,
		Title:          body.Title,
		Metadata:       body.Metadata,
		ScreenPosition: body.Position,
		ScreenSize:     body.Size,
	}
	if body.Content != nil {
		input.Content = []byte(*body.Content)
	}
	panel, err := s.session.CreatePanel(r.Context(), noteID, input)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, canvas.RenderPanel(panel, s.session.Camera()))
}

// updatePanelRequest carries any combination of edits; each present field
// is applied as its own queued update.
type updatePanelRequest struct {
	Position *canvas.ScreenPoint `json:"screenPosition"`
	Size     *canvas.ScreenSize  `json:"screenSize"`
	Title    *string             `json:"title"`
	Content  *string             `json:"content"`
	Front    bool                `json:"bringToFront"`
}

func (s *Server) handleUpdatePanel(w http.ResponseWriter, r *http.Request, noteID, panelID, correlationID string) {
	var body updatePanelRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Position == nil && body.Size == nil && body.Title == nil && body.Content == nil && !body.Front {
		writeError(w, http.StatusBadRequest, "bad_request", "no changes in request", correlationID)
		return
	}
	ctx := r.Context()
	panel, err := s.session.Panel(noteID, panelID)
	if err == nil && body.Position != nil {
		panel, err = s.session.MovePanel(ctx, noteID, panelID, *body.Position)
	}
	if err == nil && body.Size != nil {
		panel, err = s.session.ResizePanel(ctx, noteID, panelID, *body.Size)
	}
	if err == nil && (body.Title != nil || body.Content != nil) {
		title, content := panel.Title, panel.Content
		if body.Title != nil {
			title = *body.Title
		}
		if body.Content != nil {
			content = []byte(*body.Content)
		}
		panel, err = s.session.EditPanel(ctx, noteID, panelID, title, content)
	}
	if err == nil && body.Front {
		panel, err = s.session.BringToFront(ctx, noteID, panelID)
	}
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, canvas.RenderPanel(panel, s.session.Camera()))
}

func (s *Server) handleClosePanel(w http.ResponseWriter, r *http.Request, noteID, panelID, correlationID string) {
	if err := s.session.ClosePanel(r.Context(), noteID, panelID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"noteId": noteID, "panelId": panelID, "state": canvas.PanelStateClosed})
}

func (s *Server) handleReopenPanel(w http.ResponseWriter, r *http.Request, noteID, panelID, correlationID string) {
	panel, err := s.session.ReopenPanel(r.Context(), noteID, panelID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, canvas.RenderPanel(panel, s.session.Camera()))
}

func (s *Server) handleDeletePanel(w http.ResponseWriter, r *http.Request, noteID, panelID, correlationID string) {
	if err := s.session.DeletePanel(r.Context(), noteID, panelID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNoContent)
}

type cameraRequest struct {
	Pan *struct {
		DX float64 `json:"dx"`
		DY float64 `json:"dy"`
	} `json:"pan"`
	Zoom *struct {
		Factor float64            `json:"factor"`
		Anchor canvas.ScreenPoint `json:"anchor"`
	} `json:"zoom"`
	// Sync persists the camera now instead of waiting for the debounce.
	Sync bool `json:"sync"`
}

func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body cameraRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Zoom != nil && body.Zoom.Factor <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "zoom factor must be positive", correlationID)
		return
	}
	if body.Pan != nil {
		s.session.Pan(body.Pan.DX, body.Pan.DY)
	}
	if body.Zoom != nil {
		s.session.ZoomAt(body.Zoom.Factor, body.Zoom.Anchor)
	}
	if body.Sync {
		if err := s.session.SyncCamera(r.Context()); err != nil {
			s.writeDomainError(w, err, correlationID)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.session.Camera())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	result, err := s.session.Sync(r.Context())
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	items := s.queue.DeadLetters(strings.TrimSpace(r.URL.Query().Get("noteId")), limit)
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDeadLetterRetry(w http.ResponseWriter, r *http.Request, opID, correlationID string) {
	op, err := s.queue.Retry(r.Context(), opID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleDeadLetterDiscard(w http.ResponseWriter, r *http.Request, opID, correlationID string) {
	op, err := s.queue.Discard(r.Context(), opID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// handleEvents streams telemetry events as JSON websocket messages. An
// optional noteId query parameter narrows the stream to one note.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream disabled", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Debug().Err(err).Str("correlationId", correlationID).Msg("websocket handshake failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	events, unsubscribe := s.hub.Subscribe(64)
	defer unsubscribe()
	ctx := conn.CloseRead(r.Context())
	noteFilter := strings.TrimSpace(r.URL.Query().Get("noteId"))
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "")
				return
			}
			if noteFilter != "" && event.NoteID != noteFilter {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, workspace.ErrNoteNotOpen):
		writeError(w, http.StatusNotFound, "note_not_open", err.Error(), correlationID)
	case errors.Is(err, workspace.ErrPanelNotFound), errors.Is(err, offlinequeue.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, canvas.ErrInvalidPanel), errors.Is(err, offlinequeue.ErrInvalidOp), errors.Is(err, hydrate.ErrNoNotes):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, workspace.ErrSuperseded):
		writeError(w, http.StatusConflict, "superseded", err.Error(), correlationID)
	case errors.Is(err, offlinequeue.ErrInvalidState):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, workspace.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "closed", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "timeout", err.Error(), correlationID)
	default:
		s.logger.Error().Err(err).Str("correlationId", correlationID).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(correlationHeader))
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "empty request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
