// Package auth supplies the bearer credential attached to remote calls.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/ports/adapter"

	"github.com/golang-jwt/jwt/v5"
)

// StaticSource hands out one configured access token. The token is issued
// and refreshed elsewhere; here it is only inspected for its subject and
// expiry, never verified.
type StaticSource struct {
	token  string
	userID string
	expiry time.Time
	now    func() time.Time
}

var _ adapter.CredentialSource = (*StaticSource)(nil)

// NewStaticSource reads the user id from the token's "sub" claim unless
// userID is given. Opaque (non-JWT) tokens require userID.
func NewStaticSource(token, userID string) (*StaticSource, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", domain.ErrInvalidArgument)
	}
	s := &StaticSource{token: token, userID: userID, now: time.Now}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		if userID == "" {
			return nil, fmt.Errorf("%w: token is not a JWT and no user_id is configured", domain.ErrInvalidArgument)
		}
		return s, nil
	}
	if s.userID == "" {
		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return nil, fmt.Errorf("%w: token has no subject", domain.ErrInvalidArgument)
		}
		s.userID = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.expiry = exp.Time
	}
	return s, nil
}

// Token fails with ErrUnauthorized once the token has expired.
func (s *StaticSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !s.expiry.IsZero() && !s.now().Before(s.expiry) {
		return "", fmt.Errorf("%w: token expired at %s", domain.ErrUnauthorized, s.expiry.Format(time.RFC3339))
	}
	return s.token, nil
}

func (s *StaticSource) UserID() string { return s.userID }

// ExpiresAt is zero for tokens without an exp claim.
func (s *StaticSource) ExpiresAt() time.Time { return s.expiry }
