// Package auth verifies and issues the HS256 bearer tokens the lottery API
// uses to identify ticket owners and operators.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin may commit draws.
const RoleAdmin = "admin"

var (
	ErrNoToken      = errors.New("authorization header is required")
	ErrBadScheme    = errors.New("authorization header must start with Bearer")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token has expired")
	ErrNoSecret     = errors.New("jwt secret is not configured")
)

// Claims is the subset of token claims the API acts on.
type Claims struct {
	UserID string `json:"sub"`
	Role   string `json:"role,omitempty"`
}

// IsAdmin reports whether the caller may run operator actions.
func (c *Claims) IsAdmin() bool { return c != nil && c.Role == RoleAdmin }

// Verifier checks tokens signed with a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier for secret. An empty secret yields a
// verifier that rejects every token with ErrNoSecret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Parse validates a raw token and returns its claims.
func (v *Verifier) Parse(tokenString string) (*Claims, error) {
	if !v.Enabled() {
		return nil, ErrNoSecret
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	role, _ := mc["role"].(string)
	return &Claims{UserID: sub, Role: role}, nil
}

// FromRequest extracts and validates the bearer token of r.
func (v *Verifier) FromRequest(r *http.Request) (*Claims, error) {
	const bearerSchema = "Bearer "
	h := r.Header.Get("Authorization")
	if h == "" {
		return nil, ErrNoToken
	}
	if !strings.HasPrefix(h, bearerSchema) {
		return nil, ErrBadScheme
	}
	return v.Parse(strings.TrimSpace(h[len(bearerSchema):]))
}

// Issue signs a token for userID. A zero ttl issues a token without expiry.
func Issue(secret, userID, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
