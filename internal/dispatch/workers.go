package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nartey/smsflow/internal/domain"
)

// WorkersConfig bounds each periodic worker run.
type WorkersConfig struct {
	DrainBatch     int           // jobs popped per queue-drain run
	SweepBatch     int           // due scheduled records per sweep
	CampaignBatch  int           // campaigns popped per bulk run
	TrackerBatch   int           // sent records checked per tracker run
	BulkSubBatch   int           // recipients sent concurrently per sub-batch
	BulkBatchPause time.Duration // pacing between sub-batches
	TrackAfter     time.Duration // skip sends fresher than this
	TrackWithin    time.Duration // skip sends staler than this
}

// DefaultWorkersConfig returns the default worker batch limits.
func DefaultWorkersConfig() WorkersConfig {
	return WorkersConfig{
		DrainBatch:     50,
		SweepBatch:     100,
		CampaignBatch:  5,
		TrackerBatch:   200,
		BulkSubBatch:   10,
		BulkBatchPause: 2 * time.Second,
		TrackAfter:     5 * time.Minute,
		TrackWithin:    24 * time.Hour,
	}
}

// Workers holds the periodic worker run functions. Re-entrancy guarding is
// owned by the scheduler supervisor; each function here assumes it is the
// only running instance of its kind.
type Workers struct {
	svc   *Service
	cfg   WorkersConfig
	pacer *rate.Limiter
}

// NewWorkers creates the periodic workers over the shared service.
func NewWorkers(svc *Service, cfg WorkersConfig) *Workers {
	if cfg.DrainBatch <= 0 {
		cfg = DefaultWorkersConfig()
	}
	// The limiter starts with a full bucket; spend it so the very first
	// inter-batch wait blocks for the configured pause too.
	pacer := rate.NewLimiter(rate.Every(cfg.BulkBatchPause), 1)
	pacer.Allow()
	return &Workers{
		svc:   svc,
		cfg:   cfg,
		pacer: pacer,
	}
}

// DrainQueues pops due retries and queued jobs, highest priority first, and
// sends each one. Failures are handed to the Retry Manager; successes and
// terminal failures leave the queue.
func (w *Workers) DrainQueues(ctx context.Context) error {
	now := time.Now()
	budget := w.cfg.DrainBatch

	retries, err := w.svc.queues.PopDueRetries(ctx, now, budget)
	if err != nil {
		return fmt.Errorf("pop due retries: %w", err)
	}
	for _, job := range retries {
		w.processJob(ctx, job)
	}
	budget -= len(retries)

	// Every priority class drains here, bulk included: single sends routed
	// at bulk priority land in the bulk queue, not in a campaign.
	for _, priority := range domain.Priorities {
		if budget <= 0 {
			break
		}
		jobs, err := w.svc.queues.PopJobs(ctx, priority, budget)
		if err != nil {
			slog.Error("pop jobs failed", "priority", priority, "error", err)
			continue
		}
		for _, job := range jobs {
			w.processJob(ctx, job)
		}
		budget -= len(jobs)
	}

	return nil
}

// processJob sends a single queued job. A malformed or stale job is dropped;
// a record-store failure skips the job so one bad record cannot halt the
// batch.
func (w *Workers) processJob(ctx context.Context, job Job) {
	if job.Expired(time.Now()) {
		slog.Warn("dropping expired queue entry", "record_id", job.RecordID, "enqueued_at", job.EnqueuedAt)
		RecordQueueDropped("expired")
		return
	}

	msg, err := w.svc.repo.GetByID(ctx, job.RecordID)
	if err != nil {
		slog.Error("queued record unavailable, dropping job", "record_id", job.RecordID, "error", err)
		RecordQueueDropped("record_missing")
		return
	}

	// Retried jobs come back in failed status; move them through the
	// retry path before claiming.
	if msg.Status == domain.StatusFailed {
		requeued, err := w.svc.repo.RequeueFailed(ctx, msg.ID)
		if err != nil {
			slog.Error("requeue failed record", "record_id", msg.ID, "error", err)
			return
		}
		if !requeued {
			return
		}
		msg.Status = domain.StatusQueued
	}

	claimed, err := w.svc.repo.Claim(ctx, msg.ID, domain.StatusQueued)
	if err != nil {
		slog.Error("claim record", "record_id", msg.ID, "error", err)
		return
	}
	if !claimed {
		slog.Debug("record already claimed", "record_id", msg.ID)
		return
	}
	msg.Status = domain.StatusProcessing
	msg.RetryCount = job.RetryCount

	if err := w.svc.sender.Deliver(ctx, msg); err != nil {
		w.handleSendFailure(ctx, msg, job, err)
	}
}

// handleSendFailure routes a failed send through the Retry Manager and keeps
// the record's retry bookkeeping in step with the queue.
func (w *Workers) handleSendFailure(ctx context.Context, msg *domain.Message, job Job, sendErr error) {
	if !isRetryable(sendErr) {
		slog.Warn("permanent send failure", "record_id", msg.ID, "error", sendErr)
		return
	}

	decision, err := w.svc.retry.ShouldRetry(ctx, job)
	if err != nil {
		slog.Error("retry scheduling failed", "record_id", msg.ID, "error", err)
		return
	}

	if !decision.Retry {
		msg.FailureReason = decision.Reason
		if err := w.svc.repo.Update(ctx, msg); err != nil {
			slog.Error("persist terminal failure", "record_id", msg.ID, "error", err)
		}
		recordMessage(string(msg.Priority), "exhausted")
		return
	}

	msg.RetryCount = decision.RetryCount
	msg.NextRetryAt = &decision.NextRetryAt
	if err := w.svc.repo.Update(ctx, msg); err != nil {
		slog.Error("persist retry state", "record_id", msg.ID, "error", err)
	}
}

// SweepScheduled finds due scheduled records, revalidates their business
// preconditions and sends them through the same path as immediate sends. Any
// failed check cancels the record without a provider call.
func (w *Workers) SweepScheduled(ctx context.Context) error {
	now := time.Now()
	due, err := w.svc.repo.DueScheduled(ctx, now, w.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("fetch due scheduled: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	slog.Debug("sweeping scheduled messages", "count", len(due))

	for _, msg := range due {
		if reason := w.revalidate(ctx, msg, now); reason != "" {
			w.cancel(ctx, msg, reason)
			continue
		}

		from := msg.Status
		if from == domain.StatusFailed {
			requeued, err := w.svc.repo.RequeueFailed(ctx, msg.ID)
			if err != nil || !requeued {
				continue
			}
			msg.Status = domain.StatusQueued
			from = domain.StatusQueued
		}

		claimed, err := w.svc.repo.Claim(ctx, msg.ID, from)
		if err != nil {
			slog.Error("claim scheduled record", "record_id", msg.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		msg.Status = domain.StatusProcessing

		if err := w.svc.sender.Deliver(ctx, msg); err != nil {
			// Scheduled sends are not re-queued; postponement lives on
			// the record and the sweeper picks it up once due again.
			decision := w.svc.retry.Decide(msg.RetryCount, time.Now())
			if decision.Retry {
				msg.RetryCount = decision.RetryCount
				msg.NextRetryAt = &decision.NextRetryAt
			} else {
				msg.FailureReason = decision.Reason
				msg.NextRetryAt = nil
			}
			if uerr := w.svc.repo.Update(ctx, msg); uerr != nil {
				slog.Error("persist scheduled retry state", "record_id", msg.ID, "error", uerr)
			}
		}
	}

	return nil
}

// revalidate re-checks the business preconditions of a due scheduled send.
// It returns a non-empty cancellation reason when any check fails.
func (w *Workers) revalidate(ctx context.Context, msg *domain.Message, now time.Time) string {
	if msg.EventID != "" {
		active, err := w.svc.directory.EventActive(ctx, msg.EventID)
		if err != nil {
			slog.Error("event lookup failed", "record_id", msg.ID, "event_id", msg.EventID, "error", err)
			return ""
		}
		if !active {
			return "linked event no longer exists or was cancelled"
		}
	}

	active, err := w.svc.directory.RecipientActive(ctx, msg.Destination)
	if err != nil {
		slog.Error("recipient lookup failed", "record_id", msg.ID, "error", err)
		return ""
	}
	if !active {
		return "recipient is no longer active"
	}

	duplicate, err := w.svc.repo.DuplicateSentSince(ctx, msg.Destination, msg.Body, now.Add(-24*time.Hour))
	if err != nil {
		slog.Error("duplicate check failed", "record_id", msg.ID, "error", err)
		return ""
	}
	if duplicate {
		return "identical message already sent to destination within 24h"
	}

	return ""
}

// cancel marks a record cancelled with a reason; no provider call is made.
func (w *Workers) cancel(ctx context.Context, msg *domain.Message, reason string) {
	if err := msg.TransitionTo(domain.StatusCancelled); err != nil {
		slog.Error("cannot cancel record", "record_id", msg.ID, "error", err)
		return
	}
	msg.FailureReason = reason
	if err := w.svc.repo.Update(ctx, msg); err != nil {
		slog.Error("persist cancellation", "record_id", msg.ID, "error", err)
		return
	}
	recordMessage(string(msg.Priority), "cancelled")
	slog.Info("scheduled message cancelled", "record_id", msg.ID, "reason", reason)
}

// ProcessCampaigns pops queued campaigns and fans each one out to its
// recipients in fixed-size sub-batches with pacing between batches. Failures
// are per recipient; one bad recipient never aborts a batch.
func (w *Workers) ProcessCampaigns(ctx context.Context) error {
	campaigns, err := w.svc.queues.PopCampaigns(ctx, w.cfg.CampaignBatch)
	if err != nil {
		return fmt.Errorf("pop campaigns: %w", err)
	}

	for _, campaign := range campaigns {
		w.processCampaign(ctx, campaign)
		campaignsProcessed.Inc()
	}
	return nil
}

func (w *Workers) processCampaign(ctx context.Context, campaign domain.Campaign) {
	total := len(campaign.Recipients)
	slog.Info("processing bulk campaign", "campaign_id", campaign.ID, "recipients", total)

	for start := 0; start < total; start += w.cfg.BulkSubBatch {
		if start > 0 {
			// Inter-batch pacing keeps within provider throughput.
			if err := w.pacer.Wait(ctx); err != nil {
				slog.Warn("campaign processing interrupted", "campaign_id", campaign.ID, "error", err)
				return
			}
		}

		end := start + w.cfg.BulkSubBatch
		if end > total {
			end = total
		}

		var wg sync.WaitGroup
		for _, recipient := range campaign.Recipients[start:end] {
			wg.Add(1)
			go func(rcpt domain.CampaignRecipient) {
				defer wg.Done()
				w.sendCampaignMessage(ctx, campaign, rcpt, total)
			}(recipient)
		}
		wg.Wait()
	}
}

// sendCampaignMessage creates the per-recipient record and sends it.
func (w *Workers) sendCampaignMessage(ctx context.Context, campaign domain.Campaign, rcpt domain.CampaignRecipient, totalRecipients int) {
	body := w.svc.renderer.Render(campaign.Template, rcpt.Variables)
	if err := ValidateBody(body); err != nil {
		slog.Warn("skipping campaign recipient", "campaign_id", campaign.ID, "error", err)
		recordMessage(string(domain.PriorityBulk), "invalid")
		return
	}

	destination, err := NormalizeDestination(rcpt.Destination)
	if err != nil {
		slog.Warn("skipping campaign recipient", "campaign_id", campaign.ID, "destination", rcpt.Destination, "error", err)
		recordMessage(string(domain.PriorityBulk), "invalid")
		return
	}

	now := time.Now()
	segments := Segments(body)
	msg := &domain.Message{
		ID:          uuid.NewString(),
		Type:        "sms",
		CreatedAt:   now,
		Destination: destination,
		Body:        body,
		Variables:   rcpt.Variables,
		Priority:    domain.PriorityBulk,
		CampaignID:  campaign.ID,
		Status:      domain.StatusPending,
		Segments:    segments,
		Cost:        Cost(segments, w.svc.unitCost, totalRecipients),
		MaxRetries:  w.svc.retry.MaxRetries(),
	}

	if err := w.svc.repo.Create(ctx, msg); err != nil {
		slog.Error("persist campaign message", "campaign_id", campaign.ID, "error", err)
		return
	}
	if err := msg.TransitionTo(domain.StatusProcessing); err != nil {
		slog.Error("claim campaign message", "record_id", msg.ID, "error", err)
		return
	}
	if err := w.svc.repo.Update(ctx, msg); err != nil {
		slog.Error("persist campaign claim", "record_id", msg.ID, "error", err)
		return
	}

	if err := w.svc.sender.Deliver(ctx, msg); err != nil {
		job := Job{
			RecordID:    msg.ID,
			Destination: msg.Destination,
			Message:     msg.Body,
			Priority:    domain.PriorityBulk,
			EnqueuedAt:  now,
		}
		w.handleSendFailure(ctx, msg, job, err)
	}
}

// TrackDeliveries polls the provider for recently sent, unconfirmed messages
// and folds the results into records and the daily statistics.
func (w *Workers) TrackDeliveries(ctx context.Context) error {
	now := time.Now()
	msgs, err := w.svc.repo.SentAwaitingConfirmation(ctx, now.Add(-w.cfg.TrackWithin), now.Add(-w.cfg.TrackAfter), w.cfg.TrackerBatch)
	if err != nil {
		return fmt.Errorf("fetch unconfirmed sends: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	slog.Debug("tracking deliveries", "count", len(msgs))
	day := now.UTC().Format("2006-01-02")

	for _, msg := range msgs {
		result, err := w.svc.provider.Status(ctx, msg.ExternalID)
		if err != nil {
			slog.Warn("status check failed", "record_id", msg.ID, "external_id", msg.ExternalID, "error", err)
			continue
		}

		mapped := w.svc.applyStatus(ctx, msg, result)
		recordDeliveryTracked(mapped)

		if err := w.svc.queues.IncrStat(ctx, day, "checked", 1); err != nil {
			slog.Error("increment stats", "error", err)
			continue
		}
		if err := w.svc.queues.IncrStat(ctx, day, mapped, 1); err != nil {
			slog.Error("increment stats", "error", err)
		}
	}

	return nil
}
