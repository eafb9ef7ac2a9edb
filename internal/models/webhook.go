package models

import (
	"encoding/json"
	"time"
)

// WebhookStatus is the closed set of processing outcomes for an inbound event.
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "PENDING"
	WebhookProcessed WebhookStatus = "PROCESSED"
	// WebhookError is retryable unless Retryable is false on the row.
	WebhookError WebhookStatus = "ERROR"
	// WebhookTombstoned: the referenced entity no longer exists locally.
	// Terminal, never retried.
	WebhookTombstoned WebhookStatus = "TOMBSTONED"
	// WebhookIgnoredDisabled: received while the org's integration was
	// administratively off. Stored for audit, never processed.
	WebhookIgnoredDisabled WebhookStatus = "IGNORED_DISABLED"
)

// WebhookEvent is one inbound delivery from the external platform, keyed by
// (external id, name, occurred-at) so duplicate deliveries collapse onto a
// single row.
type WebhookEvent struct {
	ID           int64           `json:"id" db:"id"`
	ExternalID   string          `json:"external_id" db:"external_id"`
	Name         string          `json:"name" db:"name"`
	OccurredAt   time.Time       `json:"occurred_at" db:"occurred_at"`
	OrgID        string          `json:"org_id" db:"org_id"`
	Payload      json.RawMessage `json:"payload,omitempty" db:"payload"`
	Status       WebhookStatus   `json:"status" db:"status"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	Retryable    bool            `json:"retryable" db:"retryable"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}
