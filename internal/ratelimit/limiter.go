package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Result carries the outcome of a single limit check, shaped for the
// X-RateLimit-* response headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter checks named dimensions against a CounterStore. Windows are
// fixed one-minute buckets keyed by dimension, subject and bucket index
// so counters from adjacent minutes never collide.
type Limiter struct {
	store  CounterStore
	window time.Duration
	now    func() time.Time
}

func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{
		store:  store,
		window: time.Minute,
		now:    time.Now,
	}
}

// Check counts one hit for subject on the given dimension and reports
// whether it fits under limit. The counter is incremented even when the
// check fails, which keeps abusive clients pinned at the ceiling.
func (l *Limiter) Check(ctx context.Context, dimension, subject string, limit int) (Result, error) {
	return l.CheckN(ctx, dimension, subject, 1, limit)
}

// CheckN counts n hits at once, for endpoints that admit several events
// per request.
func (l *Limiter) CheckN(ctx context.Context, dimension, subject string, n, limit int) (Result, error) {
	now := l.now()
	bucket := now.Unix() / int64(l.window.Seconds())
	key := fmt.Sprintf("ratelimit:%s:%s:%d", dimension, subject, bucket)

	count, err := l.store.IncrBy(ctx, key, int64(n), l.window)
	if err != nil {
		return Result{}, err
	}

	reset := time.Unix((bucket+1)*int64(l.window.Seconds()), 0)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

// SetHeaders writes the standard rate-limit headers for a check result.
func SetHeaders(w http.ResponseWriter, r Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(r.Reset.Unix(), 10))
}

// RetryAfter returns the seconds until the window resets, at least 1.
func RetryAfter(r Result, now time.Time) int {
	secs := int(r.Reset.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
