package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/fusio/drawsync/internal/docstore"
	"github.com/fusio/drawsync/internal/relay"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	// JWTSecret enables bearer-token checks on websocket and document routes.
	JWTSecret       string
	JWTLeeway       time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
	MaxMessageBytes int64
	PeerBuffer      int
	Logger          Logger
}

type Server struct {
	hub         *relay.Hub
	store       docstore.Store
	cfg         ServerConfig
	verifier    *relay.TokenVerifier
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

func NewServer(hub *relay.Hub, store docstore.Store) *Server {
	return NewServerWithConfig(hub, store, ServerConfig{})
}

// NewServerWithConfig builds the relay HTTP surface. store may be nil, in
// which case the document routes answer 501.
func NewServerWithConfig(hub *relay.Hub, store docstore.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.PeerBuffer <= 0 {
		cfg.PeerBuffer = 64
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	var verifier *relay.TokenVerifier
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		verifier = relay.NewTokenVerifier(cfg.JWTSecret, cfg.JWTLeeway)
	}
	return &Server{
		hub:         hub,
		store:       store,
		cfg:         cfg,
		verifier:    verifier,
		rateLimiter: limiter,
	}
}

// Handler wraps the server with access logging.
func (s *Server) Handler() http.Handler {
	return accessLog(s, s.cfg.Logger)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported", getCorrelationID(r))
		return
	}
	switch r.URL.Path {
	case "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case "/ws":
		s.handleWebsocket(w, r, "")
		return
	case "/v1/admin/rooms":
		s.handleAdminRooms(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "rooms" && parts[3] == "ws":
		roomID, ok := pathSegment(parts[2])
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid room id", getCorrelationID(r))
			return
		}
		s.handleWebsocket(w, r, roomID)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "documents":
		documentID, ok := pathSegment(parts[2])
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid document id", getCorrelationID(r))
			return
		}
		s.handleGetDocument(w, r, documentID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, roomID string) {
	correlationID := getCorrelationID(r)
	grant, authErr := s.authorize(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if roomID != "" {
		if authErr := authorizeRoom(grant, roomID); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
	}
	if s.rateLimiter != nil {
		key := clientKey(r)
		if grant != nil && grant.Subject != "" {
			key += "|" + grant.Subject
		}
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logf("httpapi: websocket accept: %v", err)
		return
	}
	opts := relay.ConnOptions{
		Grant:           grant,
		Buffer:          s.cfg.PeerBuffer,
		MaxMessageBytes: s.cfg.MaxMessageBytes,
	}
	if roomID != "" {
		opts.InitialRooms = []string{roomID}
	}
	if err := s.hub.ServeConn(r.Context(), ws, opts); err != nil {
		s.logf("httpapi: websocket session ended: %v", err)
	}
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	correlationID := getCorrelationID(r)
	grant, authErr := s.authorize(r)
	if authErr == nil {
		authErr = authorizeRoom(grant, documentID)
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "no document store configured", correlationID)
		return
	}
	doc, err := s.store.Get(r.Context(), documentID)
	if err != nil {
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "document not found", correlationID)
		case errors.Is(err, docstore.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			s.logf("httpapi: read document %s: %v", documentID, err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read document", correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleAdminRooms(w http.ResponseWriter, r *http.Request) {
	grant, authErr := s.authorize(r)
	if authErr == nil && grant != nil && !grant.Allows("*") {
		authErr = &authError{status: http.StatusForbidden, code: "forbidden", message: "admin routes need a wildcard room grant"}
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": s.hub.Stats()})
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func pathSegment(raw string) (string, bool) {
	value, err := url.PathUnescape(raw)
	if err != nil || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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
	if !ok {
		r.evictExpired(now)
	}
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

// evictExpired drops entries whose window has passed. Callers hold r.mu.
func (r *rateLimiter) evictExpired(now time.Time) {
	for key, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, key)
		}
	}
}
