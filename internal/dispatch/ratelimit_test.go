package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nartey/smsflow/internal/domain"
)

func TestRateLimiter_DayCap(t *testing.T) {
	queues := newFakeQueues()
	limiter := NewRateLimiter(queues, RateCaps{PerMinute: 100, PerHour: 100, PerDay: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check(ctx, domain.PriorityNormal))
	}

	err := limiter.Check(ctx, domain.PriorityNormal)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimiter_MinuteCapOnlyForImmediate(t *testing.T) {
	queues := newFakeQueues()
	limiter := NewRateLimiter(queues, RateCaps{PerMinute: 2, PerHour: 100, PerDay: 100})
	ctx := context.Background()

	require.NoError(t, limiter.Check(ctx, domain.PriorityImmediate))
	require.NoError(t, limiter.Check(ctx, domain.PriorityImmediate))
	require.ErrorIs(t, limiter.Check(ctx, domain.PriorityImmediate), ErrRateLimited)

	// normal sends do not consume the minute window
	require.NoError(t, limiter.Check(ctx, domain.PriorityNormal))
	assert.Equal(t, int64(3), queues.counters["ratelimit:sms:minute"])
}

func TestRateLimiter_HourCapOnlyForBulk(t *testing.T) {
	queues := newFakeQueues()
	limiter := NewRateLimiter(queues, RateCaps{PerMinute: 100, PerHour: 1, PerDay: 100})
	ctx := context.Background()

	require.NoError(t, limiter.Check(ctx, domain.PriorityBulk))
	require.ErrorIs(t, limiter.Check(ctx, domain.PriorityBulk), ErrRateLimited)

	// high priority never touches the hour window
	require.NoError(t, limiter.Check(ctx, domain.PriorityHigh))
	assert.Equal(t, int64(2), queues.counters["ratelimit:sms:hour"])
}

func TestRateLimiter_WindowReset(t *testing.T) {
	queues := newFakeQueues()
	limiter := NewRateLimiter(queues, RateCaps{PerMinute: 1, PerHour: 100, PerDay: 100})
	ctx := context.Background()

	require.NoError(t, limiter.Check(ctx, domain.PriorityImmediate))
	require.ErrorIs(t, limiter.Check(ctx, domain.PriorityImmediate), ErrRateLimited)

	// expiry of the counter key opens the window again
	delete(queues.counters, "ratelimit:sms:minute")
	require.NoError(t, limiter.Check(ctx, domain.PriorityImmediate))
}

func TestRateLimiter_ZeroCapDisablesWindow(t *testing.T) {
	queues := newFakeQueues()
	limiter := NewRateLimiter(queues, RateCaps{PerMinute: 0, PerHour: 0, PerDay: 1000})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Check(ctx, domain.PriorityImmediate))
	}
}
