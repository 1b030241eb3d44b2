// Package redisq implements the dispatch queue store on Redis: priority
// queue lists, the retry set, rate counters and daily statistics.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nartey/smsflow/internal/dispatch"
	"github.com/nartey/smsflow/internal/domain"
)

const (
	queueKeyPrefix  = "queue:sms:"
	campaignsKey    = "queue:sms:campaigns"
	retryKey        = "queue:sms:retry"
	statsKeyPrefix  = "stats:delivery:"
	statsRetention  = 30 * 24 * time.Hour
	campaignMaxSize = 10000
)

// Store implements dispatch.QueueStore using Redis. All operations are
// single-key and atomic on the server, which is what lets multiple workers
// share the queues without extra locking.
type Store struct {
	client *redis.Client
}

// NewStore creates a Redis-backed queue store.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func queueKey(priority domain.Priority) string {
	return queueKeyPrefix + string(priority)
}

// PushJob appends a job to its priority queue.
func (s *Store) PushJob(ctx context.Context, priority domain.Priority, job dispatch.Job) error {
	raw, err := dispatch.EncodeJob(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.RecordID, err)
	}
	if err := s.client.LPush(ctx, queueKey(priority), raw).Err(); err != nil {
		return fmt.Errorf("push job %s: %w", job.RecordID, err)
	}
	// The queue itself expires with the job TTL so abandoned queues do not
	// accumulate; every push refreshes it.
	if err := s.client.Expire(ctx, queueKey(priority), dispatch.JobTTL).Err(); err != nil {
		return fmt.Errorf("expire queue %s: %w", priority, err)
	}
	return nil
}

// PopJobs pops up to max jobs in FIFO order. Malformed entries are dropped,
// not returned and not retried.
func (s *Store) PopJobs(ctx context.Context, priority domain.Priority, max int) ([]dispatch.Job, error) {
	jobs := make([]dispatch.Job, 0, max)
	for i := 0; i < max; i++ {
		raw, err := s.client.RPop(ctx, queueKey(priority)).Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return jobs, fmt.Errorf("pop job from %s: %w", priority, err)
		}

		job, err := dispatch.DecodeJob(raw)
		if err != nil {
			dispatch.RecordQueueDropped("malformed")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// QueueLen returns the number of jobs waiting in a priority queue.
func (s *Store) QueueLen(ctx context.Context, priority domain.Priority) (int64, error) {
	n, err := s.client.LLen(ctx, queueKey(priority)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length %s: %w", priority, err)
	}
	return n, nil
}

// PushCampaign appends a bulk campaign to the campaign queue.
func (s *Store) PushCampaign(ctx context.Context, campaign domain.Campaign) error {
	if len(campaign.Recipients) > campaignMaxSize {
		return fmt.Errorf("campaign %s exceeds %d recipients", campaign.ID, campaignMaxSize)
	}
	raw, err := dispatch.EncodeCampaign(campaign)
	if err != nil {
		return fmt.Errorf("encode campaign %s: %w", campaign.ID, err)
	}
	if err := s.client.LPush(ctx, campaignsKey, raw).Err(); err != nil {
		return fmt.Errorf("push campaign %s: %w", campaign.ID, err)
	}
	if err := s.client.Expire(ctx, campaignsKey, dispatch.JobTTL).Err(); err != nil {
		return fmt.Errorf("expire campaign queue: %w", err)
	}
	return nil
}

// PopCampaigns pops up to max campaigns in FIFO order.
func (s *Store) PopCampaigns(ctx context.Context, max int) ([]domain.Campaign, error) {
	campaigns := make([]domain.Campaign, 0, max)
	for i := 0; i < max; i++ {
		raw, err := s.client.RPop(ctx, campaignsKey).Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return campaigns, fmt.Errorf("pop campaign: %w", err)
		}

		campaign, err := dispatch.DecodeCampaign(raw)
		if err != nil {
			dispatch.RecordQueueDropped("malformed")
			continue
		}
		campaigns = append(campaigns, campaign)
	}
	return campaigns, nil
}

// CampaignQueueLen returns the number of campaigns waiting.
func (s *Store) CampaignQueueLen(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, campaignsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("campaign queue length: %w", err)
	}
	return n, nil
}

// PushRetry schedules a job in the retry set, scored by its due time.
func (s *Store) PushRetry(ctx context.Context, job dispatch.Job, dueAt time.Time) error {
	raw, err := dispatch.EncodeJob(job)
	if err != nil {
		return fmt.Errorf("encode retry %s: %w", job.RecordID, err)
	}
	if err := s.client.ZAdd(ctx, retryKey, redis.Z{Score: float64(dueAt.Unix()), Member: raw}).Err(); err != nil {
		return fmt.Errorf("schedule retry %s: %w", job.RecordID, err)
	}
	return nil
}

// PopDueRetries claims up to max jobs whose due time has passed. A member is
// owned by the caller only when its removal succeeds, so concurrent drains
// never hand out the same entry twice.
func (s *Store) PopDueRetries(ctx context.Context, now time.Time, max int) ([]dispatch.Job, error) {
	members, err := s.client.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range due retries: %w", err)
	}

	jobs := make([]dispatch.Job, 0, len(members))
	for _, member := range members {
		removed, err := s.client.ZRem(ctx, retryKey, member).Result()
		if err != nil {
			return jobs, fmt.Errorf("claim retry: %w", err)
		}
		if removed == 0 {
			continue
		}

		job, err := dispatch.DecodeJob([]byte(member))
		if err != nil {
			dispatch.RecordQueueDropped("malformed")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// IncrCounter atomically increments a rate counter, setting the window TTL
// on the first write so the counter self-expires.
func (s *Store) IncrCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return count, nil
}

// IncrStat increments one field of a day's delivery statistics.
func (s *Store) IncrStat(ctx context.Context, day, field string, delta int64) error {
	key := statsKeyPrefix + day
	if err := s.client.HIncrBy(ctx, key, field, delta).Err(); err != nil {
		return fmt.Errorf("increment stat %s.%s: %w", day, field, err)
	}
	if err := s.client.Expire(ctx, key, statsRetention).Err(); err != nil {
		return fmt.Errorf("expire stat %s: %w", day, err)
	}
	return nil
}

// Stats returns per-day statistics for the last days, most recent first.
// Days with no activity produce zeroed entries.
func (s *Store) Stats(ctx context.Context, days int) ([]domain.DailyStats, error) {
	out := make([]domain.DailyStats, 0, days)
	today := time.Now().UTC()

	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, -i).Format("2006-01-02")
		fields, err := s.client.HGetAll(ctx, statsKeyPrefix+day).Result()
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", day, err)
		}
		out = append(out, domain.DailyStats{
			Date:      day,
			Checked:   statField(fields, "checked"),
			Delivered: statField(fields, "delivered"),
			Failed:    statField(fields, "failed"),
			Pending:   statField(fields, "pending"),
		})
	}
	return out, nil
}

func statField(fields map[string]string, name string) int64 {
	n, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
