// Package postgres provides the PostgreSQL implementation of the dispatch
// record store and the business-entity directory.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nartey/smsflow/internal/dispatch"
	"github.com/nartey/smsflow/internal/domain"
)

const messageColumns = `
	id, type, created_at, updated_at, destination, body, template_name,
	variables, priority, scheduled_at, campaign_id, event_id, status,
	failure_reason, external_id, sent_at, delivered_at, delivery,
	segments, cost, retry_count, max_retries, next_retry_at`

// Repository implements dispatch.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new message record.
func (r *Repository) Create(ctx context.Context, msg *domain.Message) error {
	variables, err := json.Marshal(msg.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	delivery, err := json.Marshal(msg.Delivery)
	if err != nil {
		return fmt.Errorf("marshal delivery metadata: %w", err)
	}

	query := `
		INSERT INTO messages (
			id, type, destination, body, template_name, variables, priority,
			scheduled_at, campaign_id, event_id, status, segments, cost,
			retry_count, max_retries, delivery
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, '')::uuid, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		msg.ID,
		msg.Type,
		msg.Destination,
		msg.Body,
		msg.TemplateName,
		variables,
		msg.Priority,
		msg.ScheduledAt,
		msg.CampaignID,
		msg.EventID,
		msg.Status,
		msg.Segments,
		msg.Cost,
		msg.RetryCount,
		msg.MaxRetries,
		delivery,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// GetByID retrieves a message by its record id.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	query := `SELECT` + messageColumns + ` FROM messages WHERE id = $1`
	msg, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dispatch.ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// GetByExternalID retrieves a message by its provider id.
func (r *Repository) GetByExternalID(ctx context.Context, externalID string) (*domain.Message, error) {
	query := `SELECT` + messageColumns + ` FROM messages WHERE external_id = $1`
	msg, err := scanMessage(r.db.QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dispatch.ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message by external id: %w", err)
	}
	return msg, nil
}

// Update persists the mutable fields of a message.
func (r *Repository) Update(ctx context.Context, msg *domain.Message) error {
	delivery, err := json.Marshal(msg.Delivery)
	if err != nil {
		return fmt.Errorf("marshal delivery metadata: %w", err)
	}

	query := `
		UPDATE messages
		SET status = $2, failure_reason = $3, external_id = $4, sent_at = $5,
		    delivered_at = $6, delivery = $7, retry_count = $8,
		    next_retry_at = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = r.db.QueryRow(ctx, query,
		msg.ID,
		msg.Status,
		msg.FailureReason,
		msg.ExternalID,
		msg.SentAt,
		msg.DeliveredAt,
		delivery,
		msg.RetryCount,
		msg.NextRetryAt,
	).Scan(&msg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.ErrMessageNotFound
		}
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// Claim conditionally moves a record from the expected status to processing.
// The conditional update is the per-record lease that keeps two workers from
// double-sending the same record.
func (r *Repository) Claim(ctx context.Context, id string, from domain.Status) (bool, error) {
	query := `
		UPDATE messages
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	tag, err := r.db.Exec(ctx, query, id, from, domain.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("claim message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueFailed conditionally moves a failed record back to queued, the
// retry path of the status machine.
func (r *Repository) RequeueFailed(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE messages
		SET status = $2, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	tag, err := r.db.Exec(ctx, query, id, domain.StatusQueued, domain.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("requeue message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DueScheduled returns records ready for the sweeper: scheduled records
// whose time has come, plus never-sent failed records whose retry delay has
// elapsed with budget left.
func (r *Repository) DueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Message, error) {
	query := `
		SELECT` + messageColumns + `
		FROM messages
		WHERE (status = 'scheduled' AND scheduled_at <= $1)
		   OR (status = 'failed' AND scheduled_at IS NOT NULL AND sent_at IS NULL
		       AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		       AND retry_count < max_retries)
		ORDER BY scheduled_at
		LIMIT $2
	`
	return r.queryMessages(ctx, query, now, limit)
}

// SentAwaitingConfirmation returns sent records with an external id and no
// terminal delivery status inside the given sent-at window.
func (r *Repository) SentAwaitingConfirmation(ctx context.Context, sentAfter, sentBefore time.Time, limit int) ([]*domain.Message, error) {
	query := `
		SELECT` + messageColumns + `
		FROM messages
		WHERE status = 'sent'
		  AND external_id IS NOT NULL AND external_id <> ''
		  AND sent_at > $1 AND sent_at <= $2
		ORDER BY sent_at
		LIMIT $3
	`
	return r.queryMessages(ctx, query, sentAfter, sentBefore, limit)
}

// DuplicateSentSince reports whether an identical message was already sent
// to the destination after the given time.
func (r *Repository) DuplicateSentSince(ctx context.Context, destination, body string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE destination = $1 AND body = $2
			  AND status IN ('sent', 'delivered')
			  AND sent_at > $3
		)
	`
	var exists bool
	if err := r.db.QueryRow(ctx, query, destination, body, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	return exists, nil
}

// CountPending counts records that have not reached a settled state yet.
func (r *Repository) CountPending(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM messages WHERE status IN ('pending', 'queued', 'scheduled', 'processing')`
	var n int64
	if err := r.db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...any) ([]*domain.Message, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*domain.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		msg          domain.Message
		templateName *string
		variables    []byte
		campaignID   *string
		eventID      *string
		failure      *string
		externalID   *string
		delivery     []byte
	)

	err := row.Scan(
		&msg.ID,
		&msg.Type,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&msg.Destination,
		&msg.Body,
		&templateName,
		&variables,
		&msg.Priority,
		&msg.ScheduledAt,
		&campaignID,
		&eventID,
		&msg.Status,
		&failure,
		&externalID,
		&msg.SentAt,
		&msg.DeliveredAt,
		&delivery,
		&msg.Segments,
		&msg.Cost,
		&msg.RetryCount,
		&msg.MaxRetries,
		&msg.NextRetryAt,
	)
	if err != nil {
		return nil, err
	}

	if templateName != nil {
		msg.TemplateName = *templateName
	}
	if campaignID != nil {
		msg.CampaignID = *campaignID
	}
	if eventID != nil {
		msg.EventID = *eventID
	}
	if failure != nil {
		msg.FailureReason = *failure
	}
	if externalID != nil {
		msg.ExternalID = *externalID
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &msg.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	if len(delivery) > 0 {
		if err := json.Unmarshal(delivery, &msg.Delivery); err != nil {
			return nil, fmt.Errorf("unmarshal delivery metadata: %w", err)
		}
	}
	return &msg, nil
}

// Directory implements dispatch.Directory using PostgreSQL.
type Directory struct {
	db *pgxpool.Pool
}

// NewDirectory creates a new PostgreSQL directory.
func NewDirectory(db *pgxpool.Pool) *Directory {
	return &Directory{db: db}
}

// EventActive reports whether the event exists and is not cancelled.
func (d *Directory) EventActive(ctx context.Context, eventID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1 AND status <> 'cancelled')`
	var active bool
	if err := d.db.QueryRow(ctx, query, eventID).Scan(&active); err != nil {
		return false, fmt.Errorf("event lookup: %w", err)
	}
	return active, nil
}

// RecipientActive reports whether the destination belongs to an active
// recipient. Numbers not in the directory are treated as active; only an
// explicit deactivation blocks a send.
func (d *Directory) RecipientActive(ctx context.Context, destination string) (bool, error) {
	query := `SELECT COALESCE((SELECT is_active FROM recipients WHERE phone = $1), TRUE)`
	var active bool
	if err := d.db.QueryRow(ctx, query, destination).Scan(&active); err != nil {
		return false, fmt.Errorf("recipient lookup: %w", err)
	}
	return active, nil
}
