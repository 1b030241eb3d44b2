package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/nartey/smsflow/internal/dispatch"
)

// Sandbox is a deterministic in-process provider used when no API key is
// configured. Every send succeeds and every sent message reports delivered,
// with an external id derived from the recipient and message so repeated
// runs stay reproducible.
type Sandbox struct{}

// NewSandbox creates the sandbox provider.
func NewSandbox() *Sandbox { return &Sandbox{} }

// Mode identifies the sandbox stand-in.
func (s *Sandbox) Mode() string { return "sandbox" }

// Send accepts the message without any network call.
func (s *Sandbox) Send(ctx context.Context, recipient, message string) (dispatch.SendResult, error) {
	id := sandboxID(recipient, message)
	slog.Debug("sandbox send", "recipient", recipient, "external_id", id)
	return dispatch.SendResult{ExternalID: id, Status: "sent"}, nil
}

// Status reports every sandbox message as delivered.
func (s *Sandbox) Status(ctx context.Context, externalID string) (dispatch.StatusResult, error) {
	now := time.Now().UTC()
	return dispatch.StatusResult{Status: "delivered", DeliveredAt: &now}, nil
}

func sandboxID(recipient, message string) string {
	sum := sha256.Sum256([]byte(recipient + "\x00" + message))
	return "sandbox-" + hex.EncodeToString(sum[:8])
}
