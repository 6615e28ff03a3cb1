// Package auth binds a websocket connection to an external user identity.
//
// The signaling core never trusts identities supplied in event payloads for
// authorization decisions; the identity verified here (or, in dev mode, the
// one supplied at registration) is the one recorded on the connection.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Identity is the authenticated external user bound to a connection.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier validates a connect-time credential and resolves the identity it
// carries.
type Verifier interface {
	Verify(credential string) (Identity, error)
}

// Claims is the JWT claim set issued by the session service. The user id and
// display name ride alongside the registered claims.
type Claims struct {
	UserID      string `json:"uid"`
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens minted by the session service.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredentials
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing uid claim", ErrInvalidToken)
	}
	return Identity{UserID: claims.UserID, DisplayName: claims.DisplayName}, nil
}

// Sign mints a token for the given identity. Production tokens come from the
// session service; this is used by tests and local tooling.
func Sign(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
