package auth

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
)

// TokenCookie is the name of the cookie mirroring the access token.
const TokenCookie = "token"

// CookieMirror keeps a cookie copy of the access token for server-side
// consumers of the same origin.
type CookieMirror interface {
	SetToken(token string)
	ClearToken()
}

// JarMirror mirrors the token into a cookie jar scoped to one origin.
// Hand Jar() to an http.Client to send the cookie on every request.
type JarMirror struct {
	jar *cookiejar.Jar
	u   *url.URL
}

// NewJarMirror creates a mirror for baseURL.
func NewJarMirror(baseURL string) (*JarMirror, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &JarMirror{jar: jar, u: u}, nil
}

func (m *JarMirror) SetToken(token string) {
	m.jar.SetCookies(m.u, []*http.Cookie{{Name: TokenCookie, Value: token, Path: "/"}})
}

func (m *JarMirror) ClearToken() {
	m.jar.SetCookies(m.u, []*http.Cookie{{Name: TokenCookie, Value: "", Path: "/", MaxAge: -1}})
}

// Token returns the mirrored token, or "" when none is set.
func (m *JarMirror) Token() string {
	for _, c := range m.jar.Cookies(m.u) {
		if c.Name == TokenCookie {
			return c.Value
		}
	}
	return ""
}

// Jar returns the underlying cookie jar.
func (m *JarMirror) Jar() http.CookieJar {
	return m.jar
}
