package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fusio/drawsync/internal/relay"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorize resolves the request's room grant. Without a configured secret
// every request gets the nil grant, which allows all rooms.
func (s *Server) authorize(r *http.Request) (*relay.Grant, *authError) {
	if s.verifier == nil {
		return nil, nil
	}
	token := relay.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		return nil, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	grant, err := s.verifier.Verify(token)
	if err != nil {
		if errors.Is(err, relay.ErrForbidden) {
			return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: err.Error()}
		}
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: err.Error()}
	}
	return grant, nil
}

func authorizeRoom(grant *relay.Grant, roomID string) *authError {
	if grant.Allows(roomID) {
		return nil
	}
	return &authError{
		status:  http.StatusForbidden,
		code:    "forbidden",
		message: "room not allowed: " + roomID,
	}
}
