package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nartey/smsflow/internal/domain"
)

// Sender performs the provider call for a single message in processing and
// records the outcome. It never retries; retry is the Retry Manager's job.
type Sender struct {
	repo     Repository
	provider Provider
}

// NewSender creates an immediate sender.
func NewSender(repo Repository, provider Provider) *Sender {
	return &Sender{repo: repo, provider: provider}
}

// Deliver sends the message, which must be in processing, and persists the
// resulting state. The returned error is the provider failure, already
// recorded on the message.
func (s *Sender) Deliver(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	result, err := s.provider.Send(ctx, msg.Destination, msg.Body)
	duration := time.Since(start)
	recordSendDuration(string(msg.Priority), duration)

	if err != nil {
		if terr := msg.TransitionTo(domain.StatusFailed); terr != nil {
			slog.Error("cannot mark message failed", "record_id", msg.ID, "error", terr)
		}
		msg.FailureReason = err.Error()
		if uerr := s.repo.Update(ctx, msg); uerr != nil {
			slog.Error("failed to persist send failure", "record_id", msg.ID, "error", uerr)
		}
		recordMessage(string(msg.Priority), "failed")
		return fmt.Errorf("send %s: %w", msg.ID, err)
	}

	now := time.Now()
	if terr := msg.TransitionTo(domain.StatusSent); terr != nil {
		return fmt.Errorf("mark sent: %w", terr)
	}
	msg.SentAt = &now
	msg.ExternalID = result.ExternalID
	msg.FailureReason = ""
	if result.Status != "" {
		msg.Delivery.AppendSnapshot(result.Status, now)
	}

	if err := s.repo.Update(ctx, msg); err != nil {
		return fmt.Errorf("persist sent state for %s: %w", msg.ID, err)
	}

	recordMessage(string(msg.Priority), "sent")
	slog.Debug("message sent",
		"record_id", msg.ID,
		"external_id", result.ExternalID,
		"priority", msg.Priority,
		"duration", duration,
	)
	return nil
}
