// Package dispatch implements the outbound SMS dispatch pipeline: routing,
// priority queues, periodic workers, rate limiting, retries and delivery
// tracking.
package dispatch

import (
	"context"
	"time"

	"github.com/nartey/smsflow/internal/domain"
)

// Repository is the persistent record store for message records.
type Repository interface {
	Create(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Message, error)
	Update(ctx context.Context, msg *domain.Message) error

	// Claim conditionally moves a record from the expected status to
	// processing. Returns false without error when another worker got
	// there first.
	Claim(ctx context.Context, id string, from domain.Status) (bool, error)

	// RequeueFailed conditionally moves a failed record back to queued,
	// the only retry edge in the status machine. Returns false without
	// error when the record is no longer failed.
	RequeueFailed(ctx context.Context, id string) (bool, error)

	// DueScheduled returns scheduled records whose scheduled time has
	// passed, capped at limit.
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Message, error)

	// SentAwaitingConfirmation returns sent records with an external id and
	// no terminal delivery status, sent inside the given window.
	SentAwaitingConfirmation(ctx context.Context, sentAfter, sentBefore time.Time, limit int) ([]*domain.Message, error)

	// DuplicateSentSince reports whether an identical message was already
	// sent to the destination after the given time.
	DuplicateSentSince(ctx context.Context, destination, body string, since time.Time) (bool, error)

	CountPending(ctx context.Context) (int64, error)
}

// Directory looks up the business entities a scheduled send references.
// Only the scheduled-message sweeper consults it.
type Directory interface {
	EventActive(ctx context.Context, eventID string) (bool, error)
	RecipientActive(ctx context.Context, destination string) (bool, error)
}

// SendResult is the provider's response to a send call.
type SendResult struct {
	ExternalID string
	Status     string
}

// StatusResult is the provider's response to a status check.
type StatusResult struct {
	Status        string     `json:"status"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// Provider abstracts the SMS provider HTTP API. A deterministic stand-in is
// used when the provider is not configured.
type Provider interface {
	Send(ctx context.Context, recipient, message string) (SendResult, error)
	Status(ctx context.Context, externalID string) (StatusResult, error)
	Mode() string
}
