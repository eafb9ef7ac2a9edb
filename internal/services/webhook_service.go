package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rentfolio/backend/internal/models"
)

// WebhookService deduplicates inbound platform events and records their
// processing outcome. The (external id, name, occurred-at) triple is the
// natural key: a duplicate delivery lands on the existing row and is
// acknowledged without reprocessing.
type WebhookService struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewWebhookService(db *sql.DB, logger *zap.Logger) *WebhookService {
	return &WebhookService{db: db, logger: logger}
}

// RecordEvent inserts the event if unseen. The bool reports whether this
// delivery is the first one; false means duplicate, skip processing but still
// ACK the sender.
func (s *WebhookService) RecordEvent(ctx context.Context, externalID, name string, occurredAt time.Time, orgID string, payload json.RawMessage) (*models.WebhookEvent, bool, error) {
	now := time.Now().UTC()
	event := &models.WebhookEvent{
		ExternalID: externalID,
		Name:       name,
		OccurredAt: occurredAt,
		OrgID:      orgID,
		Payload:    payload,
		Status:     models.WebhookPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (external_id, name, occurred_at, org_id, payload, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (external_id, name, occurred_at) DO NOTHING
		RETURNING id`,
		externalID, name, occurredAt, orgID, payload, models.WebhookPending, now).
		Scan(&event.ID)
	if err == sql.ErrNoRows {
		// Natural-key hit: duplicate delivery.
		existing, lookupErr := s.getByKey(ctx, externalID, name, occurredAt)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		s.logger.Info("duplicate webhook delivery acknowledged",
			zap.String("external_id", externalID), zap.String("event", name))
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("record event: %w", err)
	}
	return event, true, nil
}

func (s *WebhookService) getByKey(ctx context.Context, externalID, name string, occurredAt time.Time) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, name, occurred_at, org_id, payload, status, error_message, retryable, created_at, updated_at
		FROM webhook_events
		WHERE external_id = $1 AND name = $2 AND occurred_at = $3`,
		externalID, name, occurredAt).
		Scan(&e.ID, &e.ExternalID, &e.Name, &e.OccurredAt, &e.OrgID, &e.Payload,
			&e.Status, &e.ErrorMessage, &e.Retryable, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkProcessed records a successful processing outcome.
func (s *WebhookService) MarkProcessed(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, models.WebhookProcessed, "", false)
}

// MarkError records a retryable processing failure with its message.
func (s *WebhookService) MarkError(ctx context.Context, id int64, message string) error {
	return s.setStatus(ctx, id, models.WebhookError, message, true)
}

// MarkTombstoned records that the referenced entity no longer exists locally.
// Terminal: logged and accepted, never retried.
func (s *WebhookService) MarkTombstoned(ctx context.Context, id int64, message string) error {
	s.logger.Info("webhook event tombstoned", zap.Int64("event_id", id), zap.String("reason", message))
	return s.setStatus(ctx, id, models.WebhookTombstoned, message, false)
}

// MarkIgnoredDisabled records an event received while the org's integration
// was administratively off. Stored for audit, never processed.
func (s *WebhookService) MarkIgnoredDisabled(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, models.WebhookIgnoredDisabled, "", false)
}

func (s *WebhookService) setStatus(ctx context.Context, id int64, status models.WebhookStatus, message string, retryable bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = $2, error_message = $3, retryable = $4, updated_at = $5
		WHERE id = $1`,
		id, status, message, retryable, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update event %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update event %d: no such event", id)
	}
	return nil
}

// IntegrationEnabled reports whether the org's platform integration is on.
// Events for disabled orgs are stored as IGNORED_DISABLED and never processed.
func (s *WebhookService) IntegrationEnabled(ctx context.Context, orgID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT integration_enabled FROM org_settings WHERE org_id = $1`, orgID).
		Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}
