package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// RoleAdmin is the authority that marks an administrator.
const RoleAdmin = "ROLE_ADMIN"

// Claims is the payload of a dashboard access token.
//
// Claims are decoded without verifying the signature. They drive UI
// decisions such as hiding admin pages and proactive logout; they are not
// a trust boundary. The backend verifies every token it receives.
type Claims struct {
	UserID      int64    `json:"userId,omitempty"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	IPAddress   string   `json:"ipAddress,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
	jwt.RegisteredClaims
}

// Expiry returns the exp claim, if present.
func (c *Claims) Expiry() (time.Time, bool) {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}, false
	}
	return c.ExpiresAt.Time, true
}

// HasAuthority reports whether the token grants authority.
func (c *Claims) HasAuthority(authority string) bool {
	if c == nil {
		return false
	}
	for _, a := range c.Authorities {
		if a == authority {
			return true
		}
	}
	return false
}

// DecodeClaims parses token without verifying its signature.
func DecodeClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return claims, nil
}
