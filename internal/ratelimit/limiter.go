// Package ratelimit bounds per-user request volume with fixed window counters.
package ratelimit

import (
	"sync"
	"time"

	"github.com/kimhsiao/daybook/internal/clock"
	apperrors "github.com/kimhsiao/daybook/internal/errors"
)

// Class identifies an operation class with its own limit.
type Class string

const (
	ClassSync   Class = "sync"
	ClassExport Class = "export"
	ClassBulk   Class = "bulk"
)

// Limit configures one class: at most MaxRequests admissions per Window.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultLimits returns the per-class defaults: interactive sync is tight but
// generous, export and bulk are deliberately scarce.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		ClassSync:   {MaxRequests: 30, Window: time.Minute},
		ClassExport: {MaxRequests: 3, Window: time.Hour},
		ClassBulk:   {MaxRequests: 10, Window: 10 * time.Minute},
	}
}

type window struct {
	start time.Time
	count int
}

// Limiter admits or rejects calls keyed by (class, user). Counters are the
// only shared state across concurrent callers for one user and are updated
// under a single lock so two near-simultaneous calls cannot both slip past a
// limit.
type Limiter struct {
	mu      sync.Mutex
	limits  map[Class]Limit
	windows map[string]*window
	clock   clock.Clock
}

// NewLimiter creates a Limiter with the given per-class limits.
func NewLimiter(limits map[Class]Limit, clk clock.Clock) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Limiter{
		limits:  limits,
		windows: make(map[string]*window),
		clock:   clk,
	}
}

// Allow admits one call for (class, userID) or returns a RATE_LIMITED error
// carrying the time until the current window resets. Classes without a
// configured limit are always admitted.
func (l *Limiter) Allow(class Class, userID string) error {
	limit, ok := l.limits[class]
	if !ok || limit.MaxRequests <= 0 {
		return nil
	}

	key := string(class) + ":" + userID
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= limit.Window {
		l.windows[key] = &window{start: now, count: 1}
		return nil
	}

	if w.count >= limit.MaxRequests {
		retryAfter := limit.Window - now.Sub(w.start)
		return apperrors.RateLimited("too many "+string(class)+" requests", retryAfter)
	}
	w.count++
	return nil
}

// Prune drops windows that ended before now, bounding memory across many
// users. Safe to call periodically.
func (l *Limiter) Prune() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		var limitWindow time.Duration
		for class, limit := range l.limits {
			if len(key) > len(class) && key[:len(class)] == string(class) {
				limitWindow = limit.Window
				break
			}
		}
		if limitWindow == 0 {
			limitWindow = time.Hour
		}
		if now.Sub(w.start) >= limitWindow {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
