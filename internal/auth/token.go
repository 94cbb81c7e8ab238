// Package auth issues and verifies bearer tokens for the ingestion API
// and enforces login lockout through the shared counter store.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims are the attributes embedded in a bearer token.
type Claims struct {
	Subject   string   `json:"sub"`
	Scopes    []string `json:"scopes"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	BoundIP   string   `json:"ip,omitempty"`
}

// HasScope reports whether the claims carry the named scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenBroker signs and verifies HMAC-SHA256 bearer tokens.
// Token = base64url(claims JSON) + "." + base64url(signature).
type TokenBroker struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	ttl        time.Duration
}

// NewTokenBroker builds a broker from the configured secret. An empty
// secret gets a random per-process key; tokens then die with the
// process, so a loud warning is logged.
func NewTokenBroker(secret string, ttl time.Duration) *TokenBroker {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("auth: cannot generate signing key: %v", err))
		}
		log.Printf("⚠️ JWT_SECRET_KEY not set, using a random per-process key; issued tokens will not survive restarts")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &TokenBroker{secret: key, ttl: ttl}
}

// Issue signs a token for the subject with the given scopes. boundIP,
// when non-empty, pins the token to that client address.
func (tb *TokenBroker) Issue(subject string, scopes []string, boundIP string, now time.Time) (string, *Claims, error) {
	claims := &Claims{
		Subject:   subject,
		Scopes:    scopes,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(tb.ttl).Unix(),
		BoundIP:   boundIP,
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", nil, fmt.Errorf("serialize claims: %w", err)
	}

	tb.mu.RLock()
	sig := sign(tb.secret, claimsJSON)
	tb.mu.RUnlock()

	token := base64.RawURLEncoding.EncodeToString(claimsJSON) +
		"." +
		base64.RawURLEncoding.EncodeToString(sig)
	return token, claims, nil
}

// Verify checks the signature and expiry. During a key rotation grace
// window the previous key is also accepted.
func (tb *TokenBroker) Verify(token string, now time.Time) (*Claims, error) {
	parts := splitToken(token)
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}

	tb.mu.RLock()
	valid := hmac.Equal(sig, sign(tb.secret, claimsJSON))
	if !valid && len(tb.prevSecret) > 0 && now.Before(tb.graceUntil) {
		valid = hmac.Equal(sig, sign(tb.prevSecret, claimsJSON))
	}
	tb.mu.RUnlock()
	if !valid {
		return nil, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if now.Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

// RotateKey swaps in a new signing secret. The old key stays valid for
// the grace period so in-flight tokens survive the rotation.
func (tb *TokenBroker) RotateKey(newSecret string, grace time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.prevSecret = tb.secret
	tb.graceUntil = time.Now().Add(grace)
	tb.secret = []byte(newSecret)
}

// TTL returns the configured token lifetime.
func (tb *TokenBroker) TTL() time.Duration {
	return tb.ttl
}

func sign(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func splitToken(token string) []string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return []string{token}
}
