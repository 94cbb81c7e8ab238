package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/libresiem/libresiem/internal/ratelimit"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrMissingScope       = errors.New("missing required scope")
	ErrIPMismatch         = errors.New("token bound to a different client address")
)

// User is an API principal. Passwords are stored as bcrypt hashes only.
type User struct {
	Username     string
	PasswordHash []byte
	Scopes       []string
	Disabled     bool
	BindIP       bool
}

// Store is the in-memory user registry. The collector seeds it from
// ADMIN_USERNAME/ADMIN_PASSWORD at startup.
type Store struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewStore() *Store {
	return &Store{users: make(map[string]*User)}
}

// Add registers a user with a plaintext password, hashing it at cost
// DefaultCost. Replaces any existing entry for the same username.
func (s *Store) Add(username, password string, scopes []string, bindIP bool) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password for %s: %w", username, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &User{
		Username:     username,
		PasswordHash: hash,
		Scopes:       scopes,
		BindIP:       bindIP,
	}
	return nil
}

func (s *Store) Get(username string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return u, ok
}

// Disable marks a user as disabled without removing it.
func (s *Store) Disable(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[username]; ok {
		u.Disabled = true
	}
}

// Gatekeeper wires credential checks, lockout counters and the token
// broker into the two operations the HTTP surface needs.
type Gatekeeper struct {
	store       *Store
	broker      *TokenBroker
	counters    ratelimit.CounterStore
	maxAttempts int
	lockout     time.Duration
	now         func() time.Time
}

func NewGatekeeper(store *Store, broker *TokenBroker, counters ratelimit.CounterStore, maxAttempts int, lockout time.Duration) *Gatekeeper {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if lockout <= 0 {
		lockout = 15 * time.Minute
	}
	return &Gatekeeper{
		store:       store,
		broker:      broker,
		counters:    counters,
		maxAttempts: maxAttempts,
		lockout:     lockout,
		now:         time.Now,
	}
}

// IssueToken validates credentials and returns a signed bearer token.
// Failed attempts count against a sliding lockout window keyed by
// username; once the ceiling is reached every attempt fails fast with
// ErrAccountLocked, including attempts with the correct password.
func (g *Gatekeeper) IssueToken(ctx context.Context, username, password, clientIP string) (string, *Claims, error) {
	lockKey := "lockout:" + username

	failures, err := g.counters.Get(ctx, lockKey)
	if err == nil && failures >= int64(g.maxAttempts) {
		// Refresh the window so hammering a locked account extends it.
		_, _ = g.counters.IncrSliding(ctx, lockKey, g.lockout)
		return "", nil, ErrAccountLocked
	}

	user, ok := g.store.Get(username)
	if !ok {
		// Burn a comparable amount of time so absent users are not
		// distinguishable from wrong passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		g.recordFailure(ctx, lockKey)
		return "", nil, ErrInvalidCredentials
	}
	if user.Disabled {
		return "", nil, ErrAccountDisabled
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		g.recordFailure(ctx, lockKey)
		return "", nil, ErrInvalidCredentials
	}

	boundIP := ""
	if user.BindIP {
		boundIP = clientIP
	}
	return g.issue(user, boundIP)
}

func (g *Gatekeeper) issue(user *User, boundIP string) (string, *Claims, error) {
	token, claims, err := g.broker.Issue(user.Username, user.Scopes, boundIP, g.now())
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

func (g *Gatekeeper) recordFailure(ctx context.Context, lockKey string) {
	if _, err := g.counters.IncrSliding(ctx, lockKey, g.lockout); err != nil {
		// Counter store being down must not turn into an auth bypass
		// lever the other way either; failures are simply not counted.
		return
	}
}

// Authorize verifies a bearer token and checks account state, optional
// IP binding, and the required scope. requiredScope may be empty.
func (g *Gatekeeper) Authorize(tokenStr, clientIP, requiredScope string) (*Claims, error) {
	claims, err := g.broker.Verify(tokenStr, g.now())
	if err != nil {
		return nil, err
	}
	if user, ok := g.store.Get(claims.Subject); ok && user.Disabled {
		return nil, ErrAccountDisabled
	}
	if claims.BoundIP != "" && claims.BoundIP != clientIP {
		return nil, ErrIPMismatch
	}
	if requiredScope != "" && !claims.HasScope(requiredScope) {
		return nil, ErrMissingScope
	}
	return claims, nil
}

// dummyHash is a valid bcrypt hash of an unguessable string, used to
// equalize timing for unknown usernames.
var dummyHash = func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("libresiem-timing-pad"), bcrypt.DefaultCost)
	return h
}()
