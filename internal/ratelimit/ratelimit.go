// Package ratelimit is a fixed-window request counter keyed by client
// identity. Every read-modify-write runs inside a backing-store transaction.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"storefront/internal/clock"
	"storefront/internal/docstore"
	"storefront/internal/model"
)

// Defaults for checkout intent creation.
const (
	DefaultLimit  = 30
	DefaultWindow = 60 * time.Second
)

var ErrNotConfigured = errors.New("rate limiter backend not configured")

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds until the window resets, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	s := int(d.ResetAt.Sub(now).Seconds() + 0.999)
	if s < 1 {
		s = 1
	}
	return s
}

// Limiter checks and increments the counter for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// step applies the fixed-window rule to the stored counter. found is false
// when no counter exists yet.
func step(c model.RateLimitCounter, found bool, now time.Time, limit int, window time.Duration) (model.RateLimitCounter, Decision, bool) {
	if !found || !now.Before(c.WindowResetAt) {
		next := model.RateLimitCounter{Count: 1, WindowResetAt: now.Add(window)}
		return next, Decision{Allowed: true, Remaining: limit - 1, ResetAt: next.WindowResetAt}, true
	}
	if c.Count >= limit {
		return c, Decision{Allowed: false, Remaining: 0, ResetAt: c.WindowResetAt}, false
	}
	c.Count++
	return c, Decision{Allowed: true, Remaining: limit - c.Count, ResetAt: c.WindowResetAt}, true
}

// StoreLimiter keeps counters in the rate_limits collection.
type StoreLimiter struct {
	Provider docstore.Provider
	Limit    int
	Window   time.Duration
	Now      func() time.Time
}

func NewStoreLimiter(p docstore.Provider, limit int, window time.Duration) *StoreLimiter {
	return &StoreLimiter{Provider: p, Limit: limit, Window: window, Now: clock.Now}
}

func (l *StoreLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l.Provider == nil {
		return Decision{}, ErrNotConfigured
	}
	st, err := l.Provider.Store()
	if err != nil {
		return Decision{}, err
	}
	now := l.Now()
	var dec Decision
	err = st.Update(ctx, func(tx docstore.Tx) error {
		var cur model.RateLimitCounter
		found := true
		if err := tx.Get(docstore.RateLimits, key, &cur); err != nil {
			if !errors.Is(err, docstore.ErrNotFound) {
				return err
			}
			found = false
		}
		next, d, write := step(cur, found, now, l.Limit, l.Window)
		dec = d
		if !write {
			return nil
		}
		return tx.Put(docstore.RateLimits, key, next)
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit tx: %w", err)
	}
	return dec, nil
}

// FailOpen allows the request whenever the wrapped limiter errors. Checkout
// availability wins over strict enforcement.
type FailOpen struct {
	Next    Limiter
	Limit   int
	Counter prometheus.Counter
}

func (f FailOpen) Allow(ctx context.Context, key string) (Decision, error) {
	if f.Next == nil {
		return f.open(key, ErrNotConfigured), nil
	}
	d, err := f.Next.Allow(ctx, key)
	if err != nil {
		return f.open(key, err), nil
	}
	return d, nil
}

func (f FailOpen) open(key string, err error) Decision {
	log.Printf("ratelimit: fail open key=%s err=%v", key, err)
	if f.Counter != nil {
		f.Counter.Inc()
	}
	return Decision{Allowed: true, Remaining: f.Limit}
}
