package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/panelsync/internal/canvas"
	"github.com/agentworkforce/panelsync/internal/gateway"
	"github.com/agentworkforce/panelsync/internal/hydrate"
	"github.com/agentworkforce/panelsync/internal/localstore"
	"github.com/agentworkforce/panelsync/internal/offlinequeue"
	"github.com/agentworkforce/panelsync/internal/snapshot"
	"github.com/agentworkforce/panelsync/internal/telemetry"
	"github.com/agentworkforce/panelsync/internal/versions"
	"github.com/agentworkforce/panelsync/internal/workspace"
)

type fixture struct {
	server  *Server
	gw      *gateway.MemoryGateway
	queue   *offlinequeue.Queue
	session *workspace.Session
	hub     *telemetry.Hub
}

func newFixture(t *testing.T, cfg ServerConfig) *fixture {
	t.Helper()
	local := localstore.NewMemoryStore()
	gw := gateway.NewMemoryGateway()
	vs := versions.NewStore(local, zerolog.Nop())
	snaps := snapshot.NewCache(local, snapshot.Options{})
	queue, err := offlinequeue.New(context.Background(), local, gw, vs, snaps, offlinequeue.Options{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	session, err := workspace.NewSession(workspace.Deps{
		Gateway:   gw,
		Local:     local,
		Versions:  vs,
		Snapshots: snaps,
		Queue:     queue,
		Hydrator:  hydrate.New(gw, vs, snaps, hydrate.Options{}),
	}, workspace.Options{CameraDebounce: time.Hour, SnapshotDebounce: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	hub := telemetry.NewHub()
	return &fixture{
		server:  NewServerWithConfig(session, queue, hub, cfg),
		gw:      gw,
		queue:   queue,
		session: session,
		hub:     hub,
	}
}

func TestHealthAndCorrelationID(t *testing.T) {
	f := newFixture(t, ServerConfig{})

	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id")
	}

	resp = doRequest(t, f.server, request{
		method:  http.MethodGet,
		path:    "/v1/notes/n1/status",
		headers: map[string]string{"X-Correlation-Id": "corr_1"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a note that is not open, got %d", resp.Code)
	}
	payload := decodeMap(t, resp)
	if payload["code"] != "note_not_open" || payload["correlationId"] != "corr_1" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
	if resp.Header().Get("X-Correlation-Id") != "corr_1" {
		t.Fatalf("expected correlation id to be echoed")
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	for _, path := range []string{"/", "/v2/status", "/v1/notes/n1", "/v1/notes/n1/panels/main/explode"} {
		resp := doRequest(t, f.server, request{method: http.MethodPost, path: path})
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.Code)
		}
	}
}

func TestPanelLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, ServerConfig{})

	resp := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/notes/n1/open"})
	if resp.Code != http.StatusOK {
		t.Fatalf("open: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	note, err := f.gw.GetNote(context.Background(), "n1")
	if err != nil || !note.IsOpen {
		t.Fatalf("expected note to be marked open, got %+v err=%v", note, err)
	}

	resp = doRequest(t, f.server, request{
		method: http.MethodPost,
		path:   "/v1/camera",
		body: map[string]any{
			"zoom": map[string]any{"factor": 2, "anchor": map[string]any{"x": 0, "y": 0}},
			"sync": true,
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("camera: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, f.server, request{
		method: http.MethodPost,
		path:   "/v1/notes/n1/panels",
		body: map[string]any{
			"main":           true,
			"content":        "# hello",
			"screenPosition": map[string]any{"x": 200, "y": 100},
			"screenSize":     map[string]any{"width": 600, "height": 400},
		},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", resp.Code, resp.Body.String())
	}
	var created canvas.RenderedPanel
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Panel.Position != (canvas.WorldPoint{X: 100, Y: 50}) {
		t.Fatalf("expected world position (100,50) at zoom 2, got %+v", created.Panel.Position)
	}
	if created.ScreenPosition != (canvas.ScreenPoint{X: 200, Y: 100}) {
		t.Fatalf("expected screen position to round trip, got %+v", created.ScreenPosition)
	}

	resp = doRequest(t, f.server, request{
		method: http.MethodPatch,
		path:   "/v1/notes/n1/panels/main",
		body: map[string]any{
			"screenPosition": map[string]any{"x": 400, "y": 300},
			"title":          "Plan",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	stored, err := f.gw.GetPanel(context.Background(), "n1", "main")
	if err != nil {
		t.Fatalf("get stored panel: %v", err)
	}
	if stored.Position != (canvas.WorldPoint{X: 200, Y: 150}) || stored.Title != "Plan" {
		t.Fatalf("unexpected stored panel: %+v", stored)
	}
	if string(stored.Content) != "# hello" {
		t.Fatalf("expected content to survive a geometry edit, got %q", stored.Content)
	}

	resp = doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/notes/n1/panels"})
	var listed panelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode panels: %v", err)
	}
	if len(listed.Panels) != 1 || listed.Camera.Zoom != 2 {
		t.Fatalf("unexpected panel listing: %+v", listed)
	}

	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/notes/n1/panels/main/close"})
	if resp.Code != http.StatusOK {
		t.Fatalf("close panel: expected 200, got %d", resp.Code)
	}
	resp = doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/notes/n1/status"})
	var status workspace.NoteStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode note status: %v", err)
	}
	if status.Panels != 0 || status.LocalVersion != 4 {
		t.Fatalf("expected no active panels at version 4, got %+v", status)
	}

	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/notes/n1/close"})
	if resp.Code != http.StatusOK {
		t.Fatalf("close note: expected 200, got %d", resp.Code)
	}
	note, _ = f.gw.GetNote(context.Background(), "n1")
	if note.IsOpen {
		t.Fatalf("expected note to be marked closed")
	}
}

func TestPanelValidationErrors(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/notes/n1/open"})

	resp := doRequest(t, f.server, request{
		method: http.MethodPost,
		path:   "/v1/notes/n1/panels",
		body: map[string]any{
			"parentId":       "missing",
			"screenPosition": map[string]any{"x": 0, "y": 0},
			"screenSize":     map[string]any{"width": 100, "height": 100},
		},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown parent, got %d", resp.Code)
	}

	resp = doRequest(t, f.server, request{method: http.MethodPatch, path: "/v1/notes/n1/panels/main", body: map[string]any{}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty patch, got %d", resp.Code)
	}

	resp = doRawRequest(t, f.server, rawRequest{method: http.MethodPost, path: "/v1/camera", body: []byte("{")})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", resp.Code)
	}

	resp = doRequest(t, f.server, request{
		method: http.MethodPatch,
		path:   "/v1/notes/n1/panels/main",
		body:   map[string]any{"title": "x"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing panel, got %d", resp.Code)
	}
}

func TestMaxBodyBytes(t *testing.T) {
	f := newFixture(t, ServerConfig{MaxBodyBytes: 16})
	resp := doRawRequest(t, f.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/camera",
		body:   []byte(`{"pan":{"dx":1000000,"dy":1000000}}`),
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestRateLimitOnWrites(t *testing.T) {
	f := newFixture(t, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Minute})
	first := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/sync"})
	if first.Code != http.StatusOK {
		t.Fatalf("expected first sync to pass, got %d (%s)", first.Code, first.Body.String())
	}
	second := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/sync"})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", second.Header().Get("Retry-After"))
	}
	// reads are not limited
	if resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/status"}); resp.Code != http.StatusOK {
		t.Fatalf("expected status read to pass, got %d", resp.Code)
	}
}

func TestSyncReportsOfflineQueue(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/notes/n1/open"})

	f.gw.SetAvailable(false)
	resp := doRequest(t, f.server, request{
		method: http.MethodPost,
		path:   "/v1/notes/n1/panels",
		body: map[string]any{
			"main":           true,
			"screenPosition": map[string]any{"x": 10, "y": 10},
			"screenSize":     map[string]any{"width": 100, "height": 100},
		},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected offline create to be accepted locally, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/status"})
	var status workspace.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Online || status.Queue.Waiting() != 1 {
		t.Fatalf("expected offline with one waiting op, got %+v", status)
	}
}

func TestDeadLetterRetryAndDiscard(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	ctx := context.Background()
	doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/notes/n1/open"})
	if _, err := f.session.CreatePanel(ctx, "n1", workspace.NewPanel{
		Main:           true,
		ScreenPosition: canvas.ScreenPoint{X: 0, Y: 0},
		ScreenSize:     canvas.ScreenSize{Width: 100, Height: 100},
	}); err != nil {
		t.Fatalf("create main: %v", err)
	}
	if _, err := f.session.CreatePanel(ctx, "n1", workspace.NewPanel{
		ParentID:       canvas.MainPanelID,
		ScreenPosition: canvas.ScreenPoint{X: 200, Y: 0},
		ScreenSize:     canvas.ScreenSize{Width: 100, Height: 100},
	}); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	// The backing store refuses to delete a parent; the op cannot succeed.
	op, err := f.queue.Enqueue(ctx, offlinequeue.DeleteOp("n1", canvas.MainPanelID))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.queue.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/dead-letter?noteId=n1&limit=10"})
	var feed struct {
		Items []offlinequeue.Operation `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		t.Fatalf("decode dead letters: %v", err)
	}
	if len(feed.Items) != 1 || feed.Items[0].OpID != op.OpID {
		t.Fatalf("expected the delete op in dead letter, got %+v", feed.Items)
	}

	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/dead-letter/" + op.OpID + "/retry"})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("retry: expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/dead-letter/" + op.OpID + "/retry"})
	if resp.Code != http.StatusConflict {
		t.Fatalf("retry of a pending op: expected 409, got %d", resp.Code)
	}

	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/dead-letter/" + op.OpID + "/discard"})
	if resp.Code != http.StatusOK {
		t.Fatalf("discard: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/dead-letter/" + op.OpID + "/discard"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("second discard: expected 404, got %d", resp.Code)
	}
	if _, err := f.gw.GetPanel(ctx, "n1", canvas.MainPanelID); err != nil {
		t.Fatalf("expected main panel to survive, got %v", err)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	srv := httptest.NewServer(f.server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?noteId=n2"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed to the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = f.hub.Publish(ctx, telemetry.Event{Type: telemetry.CacheUsed, NoteID: "n1"})
	_ = f.hub.Publish(ctx, telemetry.Event{Type: telemetry.CacheMismatch, NoteID: "n2", LocalVersion: 4, ServerVersion: 6})

	var event telemetry.Event
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != telemetry.CacheMismatch || event.LocalVersion != 4 || event.ServerVersion != 6 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestEventStreamDisabledWithoutHub(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	server := NewServer(f.session, f.queue, nil)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/events"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}
