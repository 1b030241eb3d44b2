package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nartey/smsflow/internal/domain"
)

// fakeRepo is an in-memory Repository for unit tests.
type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*domain.Message

	createErr error
	updateErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: map[string]*domain.Message{}}
}

func (r *fakeRepo) Create(_ context.Context, msg *domain.Message) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *msg
	r.records[msg.ID] = &stored
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.records[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	out := *msg
	return &out, nil
}

func (r *fakeRepo) GetByExternalID(_ context.Context, externalID string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range r.records {
		if msg.ExternalID == externalID && externalID != "" {
			out := *msg
			return &out, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (r *fakeRepo) Update(_ context.Context, msg *domain.Message) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[msg.ID]; !ok {
		return ErrMessageNotFound
	}
	stored := *msg
	r.records[msg.ID] = &stored
	return nil
}

func (r *fakeRepo) Claim(_ context.Context, id string, from domain.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.records[id]
	if !ok || msg.Status != from {
		return false, nil
	}
	msg.Status = domain.StatusProcessing
	return true, nil
}

func (r *fakeRepo) RequeueFailed(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.records[id]
	if !ok || msg.Status != domain.StatusFailed {
		return false, nil
	}
	msg.Status = domain.StatusQueued
	msg.NextRetryAt = nil
	return true, nil
}

func (r *fakeRepo) DueScheduled(_ context.Context, now time.Time, limit int) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*domain.Message
	for _, msg := range r.records {
		if len(due) >= limit {
			break
		}
		scheduledDue := msg.Status == domain.StatusScheduled &&
			msg.ScheduledAt != nil && !msg.ScheduledAt.After(now)
		retryDue := msg.Status == domain.StatusFailed &&
			msg.ScheduledAt != nil && msg.SentAt == nil &&
			msg.NextRetryAt != nil && !msg.NextRetryAt.After(now) &&
			msg.RetryCount < msg.MaxRetries
		if scheduledDue || retryDue {
			out := *msg
			due = append(due, &out)
		}
	}
	return due, nil
}

func (r *fakeRepo) SentAwaitingConfirmation(_ context.Context, sentAfter, sentBefore time.Time, limit int) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Message
	for _, msg := range r.records {
		if len(out) >= limit {
			break
		}
		if msg.Status != domain.StatusSent || msg.ExternalID == "" || msg.SentAt == nil {
			continue
		}
		if msg.SentAt.After(sentAfter) && !msg.SentAt.After(sentBefore) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) DuplicateSentSince(_ context.Context, destination, body string, since time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range r.records {
		if msg.Destination != destination || msg.Body != body || msg.SentAt == nil {
			continue
		}
		if (msg.Status == domain.StatusSent || msg.Status == domain.StatusDelivered) && msg.SentAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) CountPending(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, msg := range r.records {
		switch msg.Status {
		case domain.StatusPending, domain.StatusQueued, domain.StatusScheduled, domain.StatusProcessing:
			n++
		}
	}
	return n, nil
}

// stored returns the live record for assertions.
func (r *fakeRepo) stored(id string) *domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id]
}

func (r *fakeRepo) all() []*domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Message, 0, len(r.records))
	for _, msg := range r.records {
		cp := *msg
		out = append(out, &cp)
	}
	return out
}

type retryEntry struct {
	job   Job
	dueAt time.Time
}

// fakeQueues is an in-memory QueueStore for unit tests.
type fakeQueues struct {
	mu        sync.Mutex
	queues    map[domain.Priority][]Job
	campaigns []domain.Campaign
	retries   []retryEntry
	counters  map[string]int64
	stats     map[string]map[string]int64

	pushErr error
}

func newFakeQueues() *fakeQueues {
	return &fakeQueues{
		queues:   map[domain.Priority][]Job{},
		counters: map[string]int64{},
		stats:    map[string]map[string]int64{},
	}
}

func (q *fakeQueues) PushJob(_ context.Context, priority domain.Priority, job Job) error {
	if q.pushErr != nil {
		return q.pushErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[priority] = append(q.queues[priority], job)
	return nil
}

func (q *fakeQueues) PopJobs(_ context.Context, priority domain.Priority, max int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.queues[priority]
	if len(jobs) > max {
		q.queues[priority] = jobs[max:]
		jobs = jobs[:max]
	} else {
		q.queues[priority] = nil
	}
	return jobs, nil
}

func (q *fakeQueues) QueueLen(_ context.Context, priority domain.Priority) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[priority])), nil
}

func (q *fakeQueues) PushCampaign(_ context.Context, campaign domain.Campaign) error {
	if q.pushErr != nil {
		return q.pushErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.campaigns = append(q.campaigns, campaign)
	return nil
}

func (q *fakeQueues) PopCampaigns(_ context.Context, max int) ([]domain.Campaign, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	campaigns := q.campaigns
	if len(campaigns) > max {
		q.campaigns = campaigns[max:]
		campaigns = campaigns[:max]
	} else {
		q.campaigns = nil
	}
	return campaigns, nil
}

func (q *fakeQueues) CampaignQueueLen(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.campaigns)), nil
}

func (q *fakeQueues) PushRetry(_ context.Context, job Job, dueAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries = append(q.retries, retryEntry{job: job, dueAt: dueAt})
	return nil
}

func (q *fakeQueues) PopDueRetries(_ context.Context, now time.Time, max int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []Job
	var rest []retryEntry
	for _, entry := range q.retries {
		if len(due) < max && !entry.dueAt.After(now) {
			due = append(due, entry.job)
		} else {
			rest = append(rest, entry)
		}
	}
	q.retries = rest
	return due, nil
}

func (q *fakeQueues) IncrCounter(_ context.Context, key string, _ time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.counters[key]++
	return q.counters[key], nil
}

func (q *fakeQueues) IncrStat(_ context.Context, day, field string, delta int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stats[day] == nil {
		q.stats[day] = map[string]int64{}
	}
	q.stats[day][field] += delta
	return nil
}

func (q *fakeQueues) Stats(_ context.Context, days int) ([]domain.DailyStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dates := make([]string, 0, len(q.stats))
	for day := range q.stats {
		dates = append(dates, day)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if len(dates) > days {
		dates = dates[:days]
	}
	out := make([]domain.DailyStats, 0, len(dates))
	for _, day := range dates {
		fields := q.stats[day]
		out = append(out, domain.DailyStats{
			Date:      day,
			Checked:   fields["checked"],
			Delivered: fields["delivered"],
			Failed:    fields["failed"],
			Pending:   fields["pending"],
		})
	}
	return out, nil
}

// fakeProvider scripts provider behavior per test.
type fakeProvider struct {
	mu          sync.Mutex
	sendCalls   []string // recipients in call order
	sendErr     error
	statusErr   error
	nextID      int
	statusFor   map[string]StatusResult
	lastStatus  string
	sendDelay   time.Duration // simulated provider latency
	inFlight    int
	maxInFlight int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{statusFor: map[string]StatusResult{}}
}

func (p *fakeProvider) Send(_ context.Context, recipient, _ string) (SendResult, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	delay := p.sendDelay
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight--
	p.sendCalls = append(p.sendCalls, recipient)
	if p.sendErr != nil {
		return SendResult{}, p.sendErr
	}
	p.nextID++
	return SendResult{ExternalID: "ext-" + recipient + "-" + string(rune('0'+p.nextID%10)), Status: "sent"}, nil
}

// maxConcurrent reports the peak number of overlapping Send calls.
func (p *fakeProvider) maxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

func (p *fakeProvider) Status(_ context.Context, externalID string) (StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastStatus = externalID
	if p.statusErr != nil {
		return StatusResult{}, p.statusErr
	}
	if result, ok := p.statusFor[externalID]; ok {
		return result, nil
	}
	return StatusResult{Status: "pending"}, nil
}

func (p *fakeProvider) Mode() string { return "fake" }

func (p *fakeProvider) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sendCalls))
	copy(out, p.sendCalls)
	return out
}

// fakeDirectory scripts entity lookups.
type fakeDirectory struct {
	inactiveEvents     map[string]bool
	inactiveRecipients map[string]bool
	lookupErr          error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		inactiveEvents:     map[string]bool{},
		inactiveRecipients: map[string]bool{},
	}
}

func (d *fakeDirectory) EventActive(_ context.Context, eventID string) (bool, error) {
	if d.lookupErr != nil {
		return false, d.lookupErr
	}
	return !d.inactiveEvents[eventID], nil
}

func (d *fakeDirectory) RecipientActive(_ context.Context, destination string) (bool, error) {
	if d.lookupErr != nil {
		return false, d.lookupErr
	}
	return !d.inactiveRecipients[destination], nil
}

var errBoom = errors.New("boom")

// newTestService wires a service over the fakes with fast defaults.
func newTestService(repo *fakeRepo, queues *fakeQueues, prov *fakeProvider, dir *fakeDirectory) *Service {
	limiter := NewRateLimiter(queues, DefaultRateCaps())
	retry := NewRetryManager(queues, 3, time.Minute)
	sender := NewSender(repo, prov)
	return NewService(repo, queues, limiter, retry, NewRenderer(), sender, prov, dir, 0.05, map[string]string{
		"welcome": "Hello {{name}}, welcome to {{service}}",
	})
}
