package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nartey/smsflow/internal/domain"
)

// Service is the dispatch router and the producer-facing API of the
// pipeline. One instance is constructed at startup and shared by the HTTP
// layer and the periodic workers.
type Service struct {
	repo      Repository
	queues    QueueStore
	limiter   *RateLimiter
	retry     *RetryManager
	renderer  *Renderer
	sender    *Sender
	provider  Provider
	directory Directory

	unitCost  float64
	templates map[string]string
}

// NewService creates the dispatch service. templates maps template names to
// their bodies; unitCost is the per-segment price before volume discounts.
func NewService(
	repo Repository,
	queues QueueStore,
	limiter *RateLimiter,
	retry *RetryManager,
	renderer *Renderer,
	sender *Sender,
	provider Provider,
	directory Directory,
	unitCost float64,
	templates map[string]string,
) *Service {
	if templates == nil {
		templates = map[string]string{}
	}
	return &Service{
		repo:      repo,
		queues:    queues,
		limiter:   limiter,
		retry:     retry,
		renderer:  renderer,
		sender:    sender,
		provider:  provider,
		directory: directory,
		unitCost:  unitCost,
		templates: templates,
	}
}

// SendInput is one send request. Either Message or TemplateName must be set;
// a template is rendered with Variables before validation.
type SendInput struct {
	Destination  string
	Message      string
	TemplateName string
	Variables    map[string]string
	Priority     domain.Priority
	ScheduledAt  *time.Time
	EventID      string
}

// SendReceipt acknowledges an accepted send.
type SendReceipt struct {
	RecordID    string          `json:"record_id"`
	Status      domain.Status   `json:"status"`
	Priority    domain.Priority `json:"priority"`
	Cost        float64         `json:"cost"`
	Segments    int             `json:"segments"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}

// Send validates, prices and routes one message. Immediate-priority sends are
// delivered synchronously and their provider failure is returned alongside
// the persisted receipt; all other priorities return an accepted receipt once
// the record is queued.
func (s *Service) Send(ctx context.Context, in SendInput) (*SendReceipt, error) {
	body, err := s.resolveBody(in)
	if err != nil {
		return nil, err
	}

	destination, err := NormalizeDestination(in.Destination)
	if err != nil {
		return nil, err
	}

	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return nil, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", in.Priority)}
	}

	segments := Segments(body)
	cost := Cost(segments, s.unitCost, 1)

	// Quota is consumed before any side effect so a rejected send leaves
	// no record behind.
	if err := s.limiter.Check(ctx, priority); err != nil {
		return nil, err
	}

	now := time.Now()
	msg := &domain.Message{
		ID:           uuid.NewString(),
		Type:         "sms",
		CreatedAt:    now,
		Destination:  destination,
		Body:         body,
		TemplateName: in.TemplateName,
		Variables:    in.Variables,
		Priority:     priority,
		ScheduledAt:  in.ScheduledAt,
		EventID:      in.EventID,
		Status:       domain.StatusPending,
		Segments:     segments,
		Cost:         cost,
		MaxRetries:   s.retry.MaxRetries(),
	}

	if err := s.repo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	receipt := &SendReceipt{
		RecordID:    msg.ID,
		Priority:    priority,
		Cost:        cost,
		Segments:    segments,
		ScheduledAt: in.ScheduledAt,
	}

	switch {
	case in.ScheduledAt != nil && in.ScheduledAt.After(now):
		if err := s.transitionAndSave(ctx, msg, domain.StatusScheduled); err != nil {
			return nil, err
		}

	case priority == domain.PriorityImmediate:
		if err := s.transitionAndSave(ctx, msg, domain.StatusProcessing); err != nil {
			return nil, err
		}
		sendErr := s.sender.Deliver(ctx, msg)
		receipt.Status = msg.Status
		return receipt, sendErr

	default:
		if err := s.transitionAndSave(ctx, msg, domain.StatusQueued); err != nil {
			return nil, err
		}
		job := Job{
			RecordID:    msg.ID,
			Destination: msg.Destination,
			Message:     msg.Body,
			Priority:    priority,
			EnqueuedAt:  now,
		}
		if err := s.queues.PushJob(ctx, priority, job); err != nil {
			msg.FailureReason = "enqueue failed: " + err.Error()
			if terr := msg.TransitionTo(domain.StatusFailed); terr == nil {
				_ = s.repo.Update(ctx, msg)
			}
			return nil, fmt.Errorf("enqueue message %s: %w", msg.ID, err)
		}
		recordMessage(string(priority), "queued")
	}

	receipt.Status = msg.Status
	return receipt, nil
}

// ScheduleInput is a request for a future send.
type ScheduleInput struct {
	Destination  string
	Message      string
	TemplateName string
	Variables    map[string]string
	ScheduledAt  time.Time
	EventID      string
}

// Schedule accepts a message for future delivery. ScheduledAt must be in the
// future.
func (s *Service) Schedule(ctx context.Context, in ScheduleInput) (*SendReceipt, error) {
	if !in.ScheduledAt.After(time.Now()) {
		return nil, ErrScheduleInPast
	}
	at := in.ScheduledAt
	return s.Send(ctx, SendInput{
		Destination:  in.Destination,
		Message:      in.Message,
		TemplateName: in.TemplateName,
		Variables:    in.Variables,
		Priority:     domain.PriorityNormal,
		ScheduledAt:  &at,
		EventID:      in.EventID,
	})
}

// BulkInput is one bulk campaign request sharing a template across
// recipients.
type BulkInput struct {
	Recipients   []domain.CampaignRecipient
	Template     string
	TemplateName string
	CampaignID   string
	Metadata     map[string]string
}

// BulkReceipt acknowledges an accepted campaign with cost estimates.
type BulkReceipt struct {
	CampaignID        string  `json:"campaign_id"`
	TotalRecipients   int     `json:"total_recipients"`
	EstimatedSegments int     `json:"estimated_segments"`
	EstimatedCost     float64 `json:"estimated_cost"`
}

// SendBulk enqueues a single campaign job and returns an estimate
// immediately. Per-recipient records are created by the bulk processor, not
// here. Segment estimation uses the raw template; actual per-message cost is
// computed when each record is created.
func (s *Service) SendBulk(ctx context.Context, in BulkInput) (*BulkReceipt, error) {
	if len(in.Recipients) == 0 {
		return nil, &ValidationError{Field: "recipients", Reason: "must not be empty"}
	}

	template := in.Template
	if in.TemplateName != "" {
		named, ok := s.templates[in.TemplateName]
		if !ok {
			return nil, &ValidationError{Field: "template_name", Reason: fmt.Sprintf("unknown template %q", in.TemplateName)}
		}
		template = named
	}
	if err := ValidateBody(template); err != nil {
		return nil, err
	}

	if err := s.limiter.Check(ctx, domain.PriorityBulk); err != nil {
		return nil, err
	}

	campaignID := in.CampaignID
	if campaignID == "" {
		campaignID = uuid.NewString()
	}

	campaign := domain.Campaign{
		ID:         campaignID,
		Template:   template,
		Recipients: in.Recipients,
		Metadata:   in.Metadata,
		EnqueuedAt: time.Now(),
	}
	if err := s.queues.PushCampaign(ctx, campaign); err != nil {
		return nil, fmt.Errorf("enqueue campaign %s: %w", campaignID, err)
	}

	n := len(in.Recipients)
	segments := Segments(template)
	estimate := Cost(segments, s.unitCost, n) * float64(n)

	slog.Info("bulk campaign accepted",
		"campaign_id", campaignID,
		"recipients", n,
		"estimated_segments", segments,
	)

	return &BulkReceipt{
		CampaignID:        campaignID,
		TotalRecipients:   n,
		EstimatedSegments: segments,
		EstimatedCost:     estimate,
	}, nil
}

// DeliveryStatus polls the provider for a single message on demand,
// bypassing the periodic tracker, and persists the fresh status on the
// record when one exists.
func (s *Service) DeliveryStatus(ctx context.Context, externalID string) (*StatusResult, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, &ValidationError{Field: "external_id", Reason: "must not be empty"}
	}

	result, err := s.provider.Status(ctx, externalID)
	if err != nil {
		return nil, err
	}

	msg, repoErr := s.repo.GetByExternalID(ctx, externalID)
	switch {
	case errors.Is(repoErr, ErrMessageNotFound):
		// Status check for a message this instance never recorded.
	case repoErr != nil:
		slog.Error("lookup by external id failed", "external_id", externalID, "error", repoErr)
	default:
		s.applyStatus(ctx, msg, result)
	}

	return &result, nil
}

// Statistics returns per-day delivery tracking counters for the last days.
func (s *Service) Statistics(ctx context.Context, days int) ([]domain.DailyStats, error) {
	if days <= 0 {
		days = 7
	}
	if days > 30 {
		days = 30
	}
	return s.queues.Stats(ctx, days)
}

// Health reports queue depths, the pending record count and the provider
// mode.
type Health struct {
	QueueSizes     map[string]int64 `json:"queue_sizes"`
	CampaignQueue  int64            `json:"campaign_queue"`
	PendingRecords int64            `json:"pending_records"`
	ProviderMode   string           `json:"provider_mode"`
}

// HealthStatus collects the pipeline health snapshot.
func (s *Service) HealthStatus(ctx context.Context) (*Health, error) {
	sizes := make(map[string]int64, len(domain.Priorities))
	for _, p := range domain.Priorities {
		n, err := s.queues.QueueLen(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("queue length %s: %w", p, err)
		}
		sizes[string(p)] = n
		RecordQueueDepth(string(p), n)
	}

	campaigns, err := s.queues.CampaignQueueLen(ctx)
	if err != nil {
		return nil, fmt.Errorf("campaign queue length: %w", err)
	}

	pending, err := s.repo.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}

	return &Health{
		QueueSizes:     sizes,
		CampaignQueue:  campaigns,
		PendingRecords: pending,
		ProviderMode:   s.provider.Mode(),
	}, nil
}

// GetMessage returns one message record.
func (s *Service) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return s.repo.GetByID(ctx, id)
}

// ProviderMode reports which provider backend is wired in.
func (s *Service) ProviderMode() string {
	return s.provider.Mode()
}

// resolveBody produces the final message text for a send input.
func (s *Service) resolveBody(in SendInput) (string, error) {
	body := in.Message
	if in.TemplateName != "" {
		template, ok := s.templates[in.TemplateName]
		if !ok {
			return "", &ValidationError{Field: "template_name", Reason: fmt.Sprintf("unknown template %q", in.TemplateName)}
		}
		body = s.renderer.Render(template, in.Variables)
	} else if len(in.Variables) > 0 {
		body = s.renderer.Render(body, in.Variables)
	}

	if err := ValidateBody(body); err != nil {
		return "", err
	}
	return body, nil
}

// transitionAndSave applies one FSM transition and persists it.
func (s *Service) transitionAndSave(ctx context.Context, msg *domain.Message, next domain.Status) error {
	if err := msg.TransitionTo(next); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, msg); err != nil {
		return fmt.Errorf("persist %s status for %s: %w", next, msg.ID, err)
	}
	return nil
}

// mapProviderStatus folds a provider status string into the tracker's
// three-way result.
func mapProviderStatus(status string) string {
	switch strings.ToLower(status) {
	case "delivered", "delivrd":
		return "delivered"
	case "failed", "undelivered", "undeliverable", "rejected", "expired":
		return "failed"
	default:
		return "pending"
	}
}

// applyStatus folds a provider status result into the record and persists
// it. Errors are logged, not propagated: a stale record must not break a
// status check or a tracker batch.
func (s *Service) applyStatus(ctx context.Context, msg *domain.Message, result StatusResult) string {
	now := time.Now()
	mapped := mapProviderStatus(result.Status)
	msg.Delivery.AppendSnapshot(result.Status, now)

	switch mapped {
	case "delivered":
		if msg.Status != domain.StatusDelivered {
			if err := msg.TransitionTo(domain.StatusDelivered); err != nil {
				slog.Error("cannot mark delivered", "record_id", msg.ID, "error", err)
			} else {
				deliveredAt := now
				if result.DeliveredAt != nil {
					deliveredAt = *result.DeliveredAt
				}
				msg.DeliveredAt = &deliveredAt
			}
		}
	case "failed":
		if msg.Status != domain.StatusFailed {
			if err := msg.TransitionTo(domain.StatusFailed); err != nil {
				slog.Error("cannot mark delivery failed", "record_id", msg.ID, "error", err)
			} else if result.FailureReason != "" {
				msg.FailureReason = result.FailureReason
			}
		}
	}

	if err := s.repo.Update(ctx, msg); err != nil {
		slog.Error("failed to persist delivery status", "record_id", msg.ID, "error", err)
	}
	return mapped
}
