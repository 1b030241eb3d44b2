// Package domain contains core types shared across the dispatch pipeline.
package domain

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a message record.
type Status string

// Message lifecycle statuses.
const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// statusTransitions enumerates every legal status transition.
// failed -> queued is the retry path; everything else is monotonic.
var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusScheduled, StatusProcessing, StatusCancelled, StatusFailed},
	StatusQueued:     {StatusProcessing, StatusCancelled, StatusFailed},
	StatusScheduled:  {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusSent, StatusFailed},
	StatusSent:       {StatusDelivered, StatusFailed},
	StatusFailed:     {StatusQueued},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are expected. Failed is
// terminal only once the retry budget is exhausted, which the caller tracks.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Priority determines queue routing and rate-limit window.
type Priority string

// Priority classes, highest first.
const (
	PriorityImmediate Priority = "immediate"
	PriorityHigh      Priority = "high"
	PriorityNormal    Priority = "normal"
	PriorityLow       Priority = "low"
	PriorityBulk      Priority = "bulk"
)

// Priorities lists all priority classes in routing order.
var Priorities = []Priority{PriorityImmediate, PriorityHigh, PriorityNormal, PriorityLow, PriorityBulk}

// Valid reports whether p is a known priority class.
func (p Priority) Valid() bool {
	for _, known := range Priorities {
		if p == known {
			return true
		}
	}
	return false
}

// DeliverySnapshot is one provider status observation.
type DeliverySnapshot struct {
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
}

// maxDeliverySnapshots caps the rolling status history kept on a record.
const maxDeliverySnapshots = 5

// DeliveryMetadata is the provider-side delivery state of a sent message.
type DeliveryMetadata struct {
	ProviderStatus string             `json:"provider_status,omitempty"`
	History        []DeliverySnapshot `json:"history,omitempty"`
	LastCheckedAt  *time.Time         `json:"last_checked_at,omitempty"`
}

// AppendSnapshot records a provider status observation, keeping the last five.
func (m *DeliveryMetadata) AppendSnapshot(status string, at time.Time) {
	m.ProviderStatus = status
	m.LastCheckedAt = &at
	m.History = append(m.History, DeliverySnapshot{Status: status, CheckedAt: at})
	if len(m.History) > maxDeliverySnapshots {
		m.History = m.History[len(m.History)-maxDeliverySnapshots:]
	}
}

// DefaultMaxRetries is the retry budget for a failed send.
const DefaultMaxRetries = 3

// Message is the single source of truth for one logical send.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // always "sms" for this pipeline
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Content
	Destination  string            `json:"destination"`
	Body         string            `json:"body"`
	TemplateName string            `json:"template_name,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`

	// Routing
	Priority    Priority   `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CampaignID  string     `json:"campaign_id,omitempty"`
	EventID     string     `json:"event_id,omitempty"` // optional linked business entity, revalidated before scheduled sends

	// Lifecycle
	Status        Status `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`

	// Delivery
	ExternalID  string           `json:"external_id,omitempty"`
	SentAt      *time.Time       `json:"sent_at,omitempty"`
	DeliveredAt *time.Time       `json:"delivered_at,omitempty"`
	Delivery    DeliveryMetadata `json:"delivery"`

	// Cost accounting, computed once at creation.
	Segments int     `json:"segments"`
	Cost     float64 `json:"cost"`

	// Retry state
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// TransitionTo moves the message to next, rejecting transitions that are not
// in the table.
func (m *Message) TransitionTo(next Status) error {
	if !m.Status.CanTransition(next) {
		return fmt.Errorf("illegal status transition %s -> %s for message %s", m.Status, next, m.ID)
	}
	m.Status = next
	return nil
}

// RetryBudgetLeft reports whether the record may be retried again.
func (m *Message) RetryBudgetLeft() bool {
	max := m.MaxRetries
	if max <= 0 {
		max = DefaultMaxRetries
	}
	return m.RetryCount < max
}
