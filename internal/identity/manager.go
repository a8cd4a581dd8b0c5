// Package identity issues and validates the HS256 access tokens that carry
// an actor's id and display name into the REST and realtime surfaces.
// Upstream authentication (how a user proves who they are) is an external
// collaborator; this package only handles the resulting token.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teamboard/boardsync/internal/board"
)

const defaultTokenTTL = 12 * time.Hour

var (
	ErrMissingSigningSecret = errors.New("identity: signing secret must be provided")
	ErrMissingActorID       = errors.New("identity: actor id must be provided")
	ErrInvalidToken         = errors.New("identity: invalid token")
	ErrExpiredToken         = errors.New("identity: token expired")
)

type actorClaims struct {
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// ManagerConfig configures the token manager.
type ManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Manager signs and validates actor access tokens.
type Manager struct {
	signingSecret []byte
	issuer        string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewManager constructs a Manager with sane defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "boardsync"
	}
	return &Manager{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed token for the actor and its expiry in seconds.
func (m *Manager) Issue(actor board.Actor) (string, int64, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return "", 0, ErrMissingActorID
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.tokenTTL)
	claims := actorClaims{
		DisplayName: actor.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate ensures the token is well formed and returns the acting identity.
func (m *Manager) Validate(tokenString string) (board.Actor, error) {
	trimmed := strings.TrimSpace(tokenString)
	if trimmed == "" {
		return board.Actor{}, ErrInvalidToken
	}

	claims := &actorClaims{}
	parsed, err := jwt.ParseWithClaims(
		trimmed,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, token.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return board.Actor{}, ErrExpiredToken
		}
		return board.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return board.Actor{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return board.Actor{}, ErrMissingActorID
	}
	return board.Actor{ID: claims.Subject, Name: claims.DisplayName}, nil
}
