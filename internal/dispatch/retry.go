package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryDecision is the Retry Manager's verdict on a failed job.
type RetryDecision struct {
	Retry       bool
	Reason      string
	RetryCount  int
	NextRetryAt time.Time
}

// RetryManager is the single authority for retry decisions: bounded attempts
// with exponential backoff. Draining happens whenever the owning periodic
// worker next runs and finds the delay elapsed; nothing wakes the retry set
// early.
type RetryManager struct {
	store      QueueStore
	maxRetries int
	baseDelay  time.Duration
}

// NewRetryManager creates a retry manager. maxRetries defaults to 3 and
// baseDelay to one minute when zero.
func NewRetryManager(store QueueStore, maxRetries int, baseDelay time.Duration) *RetryManager {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	return &RetryManager{store: store, maxRetries: maxRetries, baseDelay: baseDelay}
}

// MaxRetries returns the retry budget.
func (rm *RetryManager) MaxRetries() int { return rm.maxRetries }

// Backoff returns the delay before the given attempt: baseDelay doubled per
// prior attempt (1, 2, 4 minutes for attempts 1..3 at the default).
func (rm *RetryManager) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return rm.baseDelay << (attempt - 1)
}

// Decide evaluates a job that failed with the given prior retry count. It
// does not touch the store; callers that own a queue entry use ShouldRetry.
func (rm *RetryManager) Decide(retryCount int, now time.Time) RetryDecision {
	if retryCount >= rm.maxRetries {
		return RetryDecision{
			Retry:      false,
			Reason:     fmt.Sprintf("max retries exceeded (%d)", rm.maxRetries),
			RetryCount: retryCount,
		}
	}

	attempt := retryCount + 1
	due := now.Add(rm.Backoff(attempt))
	return RetryDecision{
		Retry:       true,
		Reason:      fmt.Sprintf("retry %d/%d scheduled", attempt, rm.maxRetries),
		RetryCount:  attempt,
		NextRetryAt: due,
	}
}

// ShouldRetry decides whether the failed job is retried. On a positive
// decision the job is re-pushed onto the retry set, due at the backoff
// deadline.
func (rm *RetryManager) ShouldRetry(ctx context.Context, job Job) (RetryDecision, error) {
	decision := rm.Decide(job.RetryCount, time.Now())
	if !decision.Retry {
		return decision, nil
	}

	job.RetryCount = decision.RetryCount
	if err := rm.store.PushRetry(ctx, job, decision.NextRetryAt); err != nil {
		return decision, fmt.Errorf("push retry for %s: %w", job.RecordID, err)
	}

	slog.Info("send scheduled for retry",
		"record_id", job.RecordID,
		"attempt", decision.RetryCount,
		"max_retries", rm.maxRetries,
		"next_retry_at", decision.NextRetryAt,
	)
	return decision, nil
}
