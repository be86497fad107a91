// Package auth issues and verifies the bearer credentials sent to /sync.
//
// A credential is an HS256 JWT whose subject is the teacher id. The sync
// endpoint trusts that subject as the principal all data is scoped to.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken is returned for any credential that fails verification.
var ErrInvalidToken = errors.New("invalid or expired token")

const issuer = "rollbook"

// Claims are the JWT claims carried by a bearer credential.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Authority signs and verifies credentials with a shared secret.
type Authority struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// NewAuthority creates an Authority. The secret must be non-empty.
func NewAuthority(secret string) (*Authority, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &Authority{secret: []byte(secret), leeway: 30 * time.Second, now: time.Now}, nil
}

// Issue mints a credential for teacherID valid for ttl. A zero ttl never expires.
func (a *Authority) Issue(teacherID, name string, ttl time.Duration) (string, error) {
	if teacherID == "" {
		return "", fmt.Errorf("teacher id is required")
	}
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  teacherID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Name: name,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a credential and returns its teacher id.
func (a *Authority) Verify(tokenString string) (string, error) {
	claims := &Claims{}
	parser := jwt.Parser{
		ValidMethods:         []string{jwt.SigningMethodHS256.Alg()},
		SkipClaimsValidation: true,
	}
	_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	now := a.now()
	if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Add(a.leeway)) {
		return "", fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	if claims.Issuer != issuer {
		return "", fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", fmt.Errorf("%w: missing bearer credential", ErrInvalidToken)
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer credential", ErrInvalidToken)
	}
	return token, nil
}

// Subject reads the teacher id from a credential without checking its
// signature. Clients use it to scope local data; only Verify is trusted.
func Subject(tokenString string) (string, error) {
	claims := &Claims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
