package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fusio/drawsync/internal/docstore"
	"github.com/fusio/drawsync/internal/element"
	"github.com/fusio/drawsync/internal/relay"
)

const testSecret = "test-secret"

func mustToken(t *testing.T, rooms ...string) string {
	t.Helper()
	claims := relay.RoomClaims{
		Rooms: rooms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{relay.TokenAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Correlation-Id", "corr_1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func seededStore(t *testing.T) docstore.Store {
	t.Helper()
	store := docstore.NewMemoryStore(docstore.Options{})
	adapter := docstore.NewAdapter(store, "participant-seed", docstore.AdapterOptions{})
	if _, err := adapter.Save(context.Background(), "canvas-1", element.Collection{element.New("e1", element.KindRectangle, nil)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func TestHealthAndUnknownRoutes(t *testing.T) {
	server := NewServer(relay.NewHub(relay.HubOptions{}), nil)
	if rec := doRequest(t, server, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
	rec := doRequest(t, server, "/v1/nothing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body["code"] != "not_found" || body["correlationId"] != "corr_1" {
		t.Fatalf("unexpected error body %+v", body)
	}
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	postRec := httptest.NewRecorder()
	server.ServeHTTP(postRec, req)
	if postRec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", postRec.Code)
	}
}

func TestGetDocument(t *testing.T) {
	server := NewServer(relay.NewHub(relay.HubOptions{}), seededStore(t))
	rec := doRequest(t, server, "/v1/documents/canvas-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var doc docstore.Document
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.LastWriterID != "participant-seed" || len(doc.Elements) != 1 || doc.UpdatedAt == 0 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if rec := doRequest(t, server, "/v1/documents/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing document, got %d", rec.Code)
	}
}

func TestGetDocumentWithoutStore(t *testing.T) {
	server := NewServer(relay.NewHub(relay.HubOptions{}), nil)
	if rec := doRequest(t, server, "/v1/documents/canvas-1", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestJWTGatesDocumentsAndAdmin(t *testing.T) {
	hub := relay.NewHub(relay.HubOptions{})
	server := NewServerWithConfig(hub, seededStore(t), ServerConfig{JWTSecret: testSecret})

	if rec := doRequest(t, server, "/v1/documents/canvas-1", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := doRequest(t, server, "/v1/documents/canvas-1", "garbage"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
	if rec := doRequest(t, server, "/v1/documents/canvas-1", mustToken(t, "other")); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for other room, got %d", rec.Code)
	}
	if rec := doRequest(t, server, "/v1/documents/canvas-1", mustToken(t, "canvas-1")); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with room grant, got %d", rec.Code)
	}
	if rec := doRequest(t, server, "/v1/documents/canvas-1?access_token="+mustToken(t, "*"), ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", rec.Code)
	}
	if rec := doRequest(t, server, "/v1/admin/rooms", mustToken(t, "canvas-1")); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for admin without wildcard, got %d", rec.Code)
	}
	if rec := doRequest(t, server, "/v1/admin/rooms", mustToken(t, "*")); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin with wildcard, got %d", rec.Code)
	}
	if rec := doRequest(t, server, "/v1/rooms/canvas-2/ws", mustToken(t, "canvas-1")); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 before upgrade for a foreign room, got %d", rec.Code)
	}
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

func TestWebsocketRoomRouteAndAdminStats(t *testing.T) {
	hub := relay.NewHub(relay.HubOptions{})
	logger := &recordingLogger{}
	server := NewServerWithConfig(hub, nil, ServerConfig{JWTSecret: testSecret, Logger: logger})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := mustToken(t, "canvas-1")
	alice, err := relay.Dial(ctx, base+"/v1/rooms/canvas-1/ws", relay.ClientOptions{Token: token})
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()
	bob, err := relay.Dial(ctx, base+"/v1/rooms/canvas-1/ws?access_token="+token, relay.ClientOptions{})
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats := hub.Stats()
		if len(stats) == 1 && stats[0].Members == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peers never joined: %+v", stats)
		}
		time.Sleep(5 * time.Millisecond)
	}

	payload := `[{"id":"e1","type":"ellipse"}]`
	if err := alice.Publish(ctx, relay.Update{RoomID: "canvas-1", SenderID: "participant-a", Elements: json.RawMessage(payload)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-bob.Updates():
		if string(got.Elements) != payload {
			t.Fatalf("unexpected elements %s", got.Elements)
		}
	case <-ctx.Done():
		t.Fatalf("bob never received the update")
	}

	rec := doRequest(t, server, "/v1/admin/rooms", mustToken(t, "*"))
	var body struct {
		Rooms []relay.RoomStats `json:"rooms"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(body.Rooms) != 1 || body.Rooms[0].RoomID != "canvas-1" || body.Rooms[0].Members != 2 {
		t.Fatalf("unexpected rooms %+v", body.Rooms)
	}

	_ = alice.Close()
	_ = bob.Close()
	if _, err := relay.Dial(ctx, base+"/v1/rooms/canvas-1/ws", relay.ClientOptions{}); err == nil {
		t.Fatalf("expected dial without token to fail")
	}
	deadline = time.Now().Add(2 * time.Second)
	for !strings.Contains(logger.joined(), "/v1/rooms/canvas-1/ws 401") {
		if time.Now().After(deadline) {
			t.Fatalf("expected access log for rejected upgrade, got:\n%s", logger.joined())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRateLimitOnUpgrades(t *testing.T) {
	server := NewServerWithConfig(relay.NewHub(relay.HubOptions{}), nil, ServerConfig{
		JWTSecret:       testSecret,
		RateLimitMax:    1,
		RateLimitWindow: time.Minute,
	})
	token := mustToken(t, "*")
	// Plain GETs fail the upgrade handshake after passing the limiter.
	first := doRequest(t, server, "/ws", token)
	if first.Code == http.StatusTooManyRequests {
		t.Fatalf("first request should pass the limiter")
	}
	second := doRequest(t, server, "/ws", token)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", second.Header().Get("Retry-After"))
	}
}

func TestRateLimiterEvictsExpiredClients(t *testing.T) {
	limiter := &rateLimiter{window: time.Minute, max: 1, entries: map[string]rateEntry{}}
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		if !limiter.allow(fmt.Sprintf("10.0.0.%d", i), start) {
			t.Fatalf("expected first request from client %d to pass", i)
		}
	}
	if !limiter.allow("10.0.1.1", start.Add(2*time.Minute)) {
		t.Fatalf("expected new client to pass")
	}
	if len(limiter.entries) != 1 {
		t.Fatalf("expected expired clients evicted, %d entries remain", len(limiter.entries))
	}
	if limiter.allow("10.0.1.1", start.Add(2*time.Minute+time.Second)) {
		t.Fatalf("expected limit to still apply within the window")
	}
}
