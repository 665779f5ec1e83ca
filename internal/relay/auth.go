package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const TokenAudience = "drawsync"

const allRooms = "*"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("room not allowed")
)

// Grant lists the rooms a verified token may join. A nil Grant allows every
// room; it is what an unauthenticated relay hands out.
type Grant struct {
	Subject string
	Rooms   []string
}

func (g *Grant) Allows(roomID string) bool {
	if g == nil {
		return true
	}
	for _, room := range g.Rooms {
		if room == allRooms || room == roomID {
			return true
		}
	}
	return false
}

type RoomClaims struct {
	Rooms []string `json:"rooms"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 bearer tokens issued for the drawsync audience.
type TokenVerifier struct {
	secret []byte
	leeway time.Duration
}

func NewTokenVerifier(secret string, leeway time.Duration) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), leeway: leeway}
}

func (v *TokenVerifier) Verify(token string) (*Grant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	claims := &RoomClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(TokenAudience),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return nil, ErrUnauthorized
	}
	if len(claims.Rooms) == 0 {
		return nil, fmt.Errorf("%w: token grants no rooms", ErrForbidden)
	}
	return &Grant{Subject: claims.Subject, Rooms: claims.Rooms}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
