package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	tok, err := Sign("secret", Identity{UserID: "u1", DisplayName: "Alice"}, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	id, err := NewJWTVerifier("secret").Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u1" || id.DisplayName != "Alice" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	tok, err := Sign("secret", Identity{UserID: "u1"}, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := NewJWTVerifier("other").Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTVerifier_Expired(t *testing.T) {
	tok, err := Sign("secret", Identity{UserID: "u1"}, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	v := NewJWTVerifier("secret")
	v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestJWTVerifier_MissingUID(t *testing.T) {
	tok, err := Sign("secret", Identity{}, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	_, err = NewJWTVerifier("secret").Verify(tok)
	if err == nil || !strings.Contains(err.Error(), "uid") {
		t.Fatalf("expected missing uid error, got %v", err)
	}
}

func TestJWTVerifier_Empty(t *testing.T) {
	if _, err := NewJWTVerifier("secret").Verify(""); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}
