package dispatch

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to producers.
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrScheduleInPast  = errors.New("scheduled time must be in the future")
)

// ValidationError reports a rejected destination or message body. It is never
// retried and no record is persisted for it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IsRetryable returns false, validation failures are permanent.
func (e *ValidationError) IsRetryable() bool { return false }

// ProviderError reports a failed provider call. Network errors, timeouts and
// 5xx responses are retryable; 4xx responses are permanent.
type ProviderError struct {
	Op        string // "send" or "status"
	Code      int    // HTTP status, 0 for transport errors
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("provider %s error %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", e.Op, e.Message)
}

// IsRetryable reports whether the call may be retried.
func (e *ProviderError) IsRetryable() bool { return e.Retryable }

// isRetryable checks if an error may be retried. Unknown errors default to
// retryable, matching provider transport failures that carry no type.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
