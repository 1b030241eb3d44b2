package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/nartey/smsflow/internal/domain"
)

// Rate-limit windows. Counter keys expire with their window so no cleanup
// job is needed.
const (
	windowMinute = time.Minute
	windowHour   = time.Hour
	windowDay    = 24 * time.Hour
)

// RateCaps holds the per-window send quotas.
type RateCaps struct {
	PerMinute int64
	PerHour   int64
	PerDay    int64
}

// DefaultRateCaps returns the default per-window quotas.
func DefaultRateCaps() RateCaps {
	return RateCaps{
		PerMinute: 60,
		PerHour:   1000,
		PerDay:    10000,
	}
}

// CounterStore is the slice of the queue store the limiter needs.
type CounterStore interface {
	IncrCounter(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimiter enforces per-window send quotas against a shared counter store.
// The day window applies to every send; immediate sends additionally consume
// the minute window and bulk sends the hour window.
type RateLimiter struct {
	store CounterStore
	caps  RateCaps
}

// NewRateLimiter creates a rate limiter over the given counter store.
func NewRateLimiter(store CounterStore, caps RateCaps) *RateLimiter {
	return &RateLimiter{store: store, caps: caps}
}

// Check consumes quota for one send of the given priority class. It returns
// ErrRateLimited when a window's cap is exceeded.
func (rl *RateLimiter) Check(ctx context.Context, priority domain.Priority) error {
	day, err := rl.store.IncrCounter(ctx, "ratelimit:sms:day", windowDay)
	if err != nil {
		return fmt.Errorf("increment day counter: %w", err)
	}
	if rl.caps.PerDay > 0 && day > rl.caps.PerDay {
		recordRateLimited("day")
		return fmt.Errorf("%w: daily cap of %d reached", ErrRateLimited, rl.caps.PerDay)
	}

	switch priority {
	case domain.PriorityImmediate:
		minute, err := rl.store.IncrCounter(ctx, "ratelimit:sms:minute", windowMinute)
		if err != nil {
			return fmt.Errorf("increment minute counter: %w", err)
		}
		if rl.caps.PerMinute > 0 && minute > rl.caps.PerMinute {
			recordRateLimited("minute")
			return fmt.Errorf("%w: per-minute cap of %d reached", ErrRateLimited, rl.caps.PerMinute)
		}
	case domain.PriorityBulk:
		hour, err := rl.store.IncrCounter(ctx, "ratelimit:sms:hour", windowHour)
		if err != nil {
			return fmt.Errorf("increment hour counter: %w", err)
		}
		if rl.caps.PerHour > 0 && hour > rl.caps.PerHour {
			recordRateLimited("hour")
			return fmt.Errorf("%w: hourly cap of %d reached", ErrRateLimited, rl.caps.PerHour)
		}
	}

	return nil
}
