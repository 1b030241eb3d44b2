package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nartey/smsflow/internal/domain"
)

// JobTTL bounds how long a queued job descriptor stays claimable. Entries
// older than this are dropped at pop time.
const JobTTL = 24 * time.Hour

// Job is the ephemeral queue descriptor derived from a message record. It
// exists only inside a priority queue and is never persisted beyond the
// queue's own TTL.
type Job struct {
	RecordID    string          `json:"record_id"`
	Destination string          `json:"destination"`
	Message     string          `json:"message"`
	Priority    domain.Priority `json:"priority"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	RetryCount  int             `json:"retry_count"`
}

// Expired reports whether the job has outlived its queue TTL.
func (j Job) Expired(now time.Time) bool {
	return now.Sub(j.EnqueuedAt) > JobTTL
}

// EncodeJob serializes a job for the queue store.
func EncodeJob(j Job) ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob deserializes a queue entry. A failure here means the entry is
// malformed and must be dropped, not retried.
func DecodeJob(raw []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if j.RecordID == "" || !j.Priority.Valid() {
		return Job{}, fmt.Errorf("decode job: missing record id or priority")
	}
	return j, nil
}

// EncodeCampaign serializes a bulk campaign for the queue store.
func EncodeCampaign(c domain.Campaign) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCampaign deserializes a campaign queue entry.
func DecodeCampaign(raw []byte) (domain.Campaign, error) {
	var c domain.Campaign
	if err := json.Unmarshal(raw, &c); err != nil {
		return domain.Campaign{}, fmt.Errorf("decode campaign: %w", err)
	}
	if c.ID == "" || len(c.Recipients) == 0 {
		return domain.Campaign{}, fmt.Errorf("decode campaign: missing id or recipients")
	}
	return c, nil
}

// QueueStore is the shared cache/queue store: priority queue lists, the retry
// set, rate-limit counters and daily statistics. All operations are atomic
// single-key operations so no extra locking is needed across workers.
type QueueStore interface {
	// Priority queues
	PushJob(ctx context.Context, priority domain.Priority, job Job) error
	PopJobs(ctx context.Context, priority domain.Priority, max int) ([]Job, error)
	QueueLen(ctx context.Context, priority domain.Priority) (int64, error)

	// Bulk campaigns
	PushCampaign(ctx context.Context, campaign domain.Campaign) error
	PopCampaigns(ctx context.Context, max int) ([]domain.Campaign, error)
	CampaignQueueLen(ctx context.Context) (int64, error)

	// Retry set, scored by the moment the job becomes due again.
	PushRetry(ctx context.Context, job Job, dueAt time.Time) error
	PopDueRetries(ctx context.Context, now time.Time, max int) ([]Job, error)

	// Rate counters: atomic increment, TTL set on first write in a window.
	IncrCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Daily delivery statistics, retained thirty days.
	IncrStat(ctx context.Context, day, field string, delta int64) error
	Stats(ctx context.Context, days int) ([]domain.DailyStats, error)
}
