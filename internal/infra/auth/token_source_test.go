//go:build !integration

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"codeforge-sync/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestStaticSource(t *testing.T) {
	ctx := context.Background()

	t.Run("should take the user id from the subject", func(t *testing.T) {
		tok := signed(t, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})
		src, err := NewStaticSource("Bearer "+tok, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if src.UserID() != "user-1" {
			t.Errorf("expected user-1, got %q", src.UserID())
		}
		got, err := src.Token(ctx)
		if err != nil || got != tok {
			t.Errorf("unexpected token %q %v", got, err)
		}
	})

	t.Run("should prefer a configured user id", func(t *testing.T) {
		tok := signed(t, jwt.MapClaims{"sub": "user-1"})
		src, _ := NewStaticSource(tok, "override")
		if src.UserID() != "override" {
			t.Errorf("expected override, got %q", src.UserID())
		}
	})

	t.Run("should report an expired token as unauthorized", func(t *testing.T) {
		tok := signed(t, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(-time.Minute).Unix()})
		src, err := NewStaticSource(tok, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := src.Token(ctx); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("should need a user id for opaque tokens", func(t *testing.T) {
		if _, err := NewStaticSource("opaque-token", ""); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
		src, err := NewStaticSource("opaque-token", "u-9")
		if err != nil || src.UserID() != "u-9" {
			t.Fatalf("unexpected %v %v", src, err)
		}
	})

	t.Run("should reject an empty token", func(t *testing.T) {
		if _, err := NewStaticSource("  ", "u"); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})
}
