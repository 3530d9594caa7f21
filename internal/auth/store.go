// Package auth holds the dashboard's credentials: the access/refresh token
// pair, the cached user profile and the "auth expired" notification.
//
// Token lifetimes are read from unverified JWT claims. That is enough to
// log a user out before the backend starts rejecting requests, and nothing
// more: authorization is always enforced by the backend.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agatticelli/retail-dashboard/internal/platform/clock"
	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
)

// DefaultRefreshSkew is how long before exp a token stops being handed out.
const DefaultRefreshSkew = 5 * time.Minute

// ErrNotAuthenticated is returned when no valid credentials are stored.
var ErrNotAuthenticated = errors.New("not authenticated")

// TokenPair is what a successful login returns.
type TokenPair struct {
	AccessToken  string `json:"access_token" yaml:"access_token"`
	RefreshToken string `json:"refresh_token" yaml:"refresh_token"`
}

// User is the cached profile of the signed-in user.
type User struct {
	ID          int64    `json:"id" yaml:"id"`
	Username    string   `json:"username" yaml:"username"`
	Email       string   `json:"email" yaml:"email"`
	Name        string   `json:"name" yaml:"name"`
	Role        string   `json:"role" yaml:"role"`
	Authorities []string `json:"authorities,omitempty" yaml:"authorities,omitempty"`
}

// Event is published when the session ends involuntarily.
type Event struct {
	Reason string
	At     time.Time
}

// Config configures a Store.
type Config struct {
	Storage     Storage
	Cookies     CookieMirror
	Clock       clock.Clock
	RefreshSkew time.Duration
	Logger      *observability.Logger
}

// Store is the Token Store. All methods are safe for concurrent use.
type Store struct {
	storage Storage
	cookies CookieMirror
	clock   clock.Clock
	skew    time.Duration
	logger  *observability.Logger

	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// NewStore creates a Store. A nil Storage defaults to memory.
func NewStore(cfg Config) *Store {
	if cfg.Storage == nil {
		cfg.Storage = NewMemoryStorage()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	return &Store{
		storage: cfg.Storage,
		cookies: cfg.Cookies,
		clock:   cfg.Clock,
		skew:    cfg.RefreshSkew,
		logger:  cfg.Logger.WithComponent("auth"),
		subs:    make(map[int]func(Event)),
	}
}

// Save stores the result of a login. user may be nil.
func (s *Store) Save(pair TokenPair, user *User) error {
	if pair.AccessToken == "" {
		return fmt.Errorf("access token is required")
	}
	if err := s.storage.Set(KeyAccessToken, pair.AccessToken); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if err := s.storage.Set(KeyRefreshToken, pair.RefreshToken); err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	if user != nil {
		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to encode user: %w", err)
		}
		if err := s.storage.Set(KeyUserData, string(data)); err != nil {
			return fmt.Errorf("failed to store user: %w", err)
		}
	}
	if s.cookies != nil {
		s.cookies.SetToken(pair.AccessToken)
	}
	return nil
}

// ValidAccessToken returns the stored access token if it is not within
// RefreshSkew of expiry. An expired token wipes every credential; there is
// no refresh exchange.
func (s *Store) ValidAccessToken() (string, bool) {
	token := s.get(KeyAccessToken)
	if token == "" {
		return "", false
	}
	if s.IsTokenExpired(token) {
		s.logger.Info("access token expired, clearing credentials")
		s.Clear()
		return "", false
	}
	return token, true
}

// IsTokenExpired reports whether token is expired or within RefreshSkew of
// its exp claim. Tokens that cannot be decoded, or carry no exp, count as
// expired.
func (s *Store) IsTokenExpired(token string) bool {
	claims, err := DecodeClaims(token)
	if err != nil {
		return true
	}
	exp, ok := claims.Expiry()
	if !ok {
		return true
	}
	return !s.clock.Now().Before(exp.Add(-s.skew))
}

// Clear removes all credentials. Calling it twice is harmless.
func (s *Store) Clear() {
	if err := s.storage.Delete(KeyAccessToken, KeyRefreshToken, KeyUserData); err != nil {
		s.logger.Warn("failed to clear credentials", "error", err)
	}
	if s.cookies != nil {
		s.cookies.ClearToken()
	}
}

// IsAuthenticated reports whether both tokens are present and the access
// token is still valid.
func (s *Store) IsAuthenticated() bool {
	if s.get(KeyRefreshToken) == "" {
		return false
	}
	_, ok := s.ValidAccessToken()
	return ok
}

// User returns the cached profile.
func (s *Store) User() (*User, error) {
	raw := s.get(KeyUserData)
	if raw == "" {
		return nil, ErrNotAuthenticated
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("failed to decode user data: %w", err)
	}
	return &u, nil
}

// Claims decodes the current access token.
func (s *Store) Claims() (*Claims, error) {
	token, ok := s.ValidAccessToken()
	if !ok {
		return nil, ErrNotAuthenticated
	}
	return DecodeClaims(token)
}

// Permissions returns the sorted authorities of the current token.
func (s *Store) Permissions() []string {
	claims, err := s.Claims()
	if err != nil {
		return nil
	}
	out := append([]string(nil), claims.Authorities...)
	sort.Strings(out)
	return out
}

// HasPermission reports whether the current token grants permission.
func (s *Store) HasPermission(permission string) bool {
	claims, err := s.Claims()
	if err != nil {
		return false
	}
	return claims.HasAuthority(permission)
}

// IsAdmin reports whether the current token carries ROLE_ADMIN.
func (s *Store) IsAdmin() bool {
	return s.HasPermission(RoleAdmin)
}

// Subscribe registers fn for auth-expired events and returns a function
// that removes it.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Expire wipes credentials and notifies every subscriber synchronously.
func (s *Store) Expire(reason string) {
	s.Clear()

	ev := Event{Reason: reason, At: s.clock.Now()}
	s.logger.Warn("session expired", "reason", reason)

	s.mu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store) get(key string) string {
	v, ok, err := s.storage.Get(key)
	if err != nil {
		s.logger.Warn("failed to read credential", "key", key, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return v
}
