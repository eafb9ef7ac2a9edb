package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rentfolio/backend/internal/models"
	"github.com/rentfolio/backend/internal/platform"
	"github.com/rentfolio/backend/internal/services"
)

// webhookEnvelope is the platform's delivery wrapper.
type webhookEnvelope struct {
	EventID    string          `json:"event_id" validate:"required,max=64"`
	EventName  string          `json:"event_name" validate:"required,max=128"`
	OccurredAt time.Time       `json:"occurred_at" validate:"required"`
	OrgID      string          `json:"organization_id" validate:"required,max=64"`
	Data       json.RawMessage `json:"data"`
}

// WebhookHandler ingests platform events. Deliveries are at-least-once:
// duplicates are detected by natural key and ACKed without reprocessing, and
// every outcome is recorded on the event row.
type WebhookHandler struct {
	db        *sql.DB
	webhooks  *services.WebhookService
	register  *services.BankRegisterService
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewWebhookHandler(db *sql.DB, webhooks *services.WebhookService, register *services.BankRegisterService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		db:        db,
		webhooks:  webhooks,
		register:  register,
		validator: services.NewValidationHelper(),
		logger:    logger,
	}
}

// Receive handles POST /api/v1/webhooks/platform.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var envelope webhookEnvelope
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&envelope); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&envelope); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	event, first, err := h.webhooks.RecordEvent(ctx, envelope.EventID, envelope.EventName, envelope.OccurredAt, envelope.OrgID, envelope.Data)
	if err != nil {
		services.SendErrorResponse(w, "Failed to record event", http.StatusInternalServerError, nil)
		return
	}
	if !first {
		// Duplicate delivery: the stored outcome stands, tell the sender OK.
		json.NewEncoder(w).Encode(map[string]string{"status": "duplicate"})
		return
	}

	enabled, err := h.webhooks.IntegrationEnabled(ctx, envelope.OrgID)
	if err != nil {
		services.SendErrorResponse(w, "Failed to check integration", http.StatusInternalServerError, nil)
		return
	}
	if !enabled {
		if err := h.webhooks.MarkIgnoredDisabled(ctx, event.ID); err != nil {
			h.logger.Error("marking event ignored failed", zap.Int64("event", event.ID), zap.Error(err))
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ignored"})
		return
	}

	h.process(ctx, event, envelope)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (h *WebhookHandler) process(ctx context.Context, event *models.WebhookEvent, envelope webhookEnvelope) {
	var err error
	switch envelope.EventName {
	case "transaction.created", "transaction.updated":
		err = h.seedRegister(ctx, envelope)
	case "transaction.deleted":
		err = h.tombstoneIfUnknown(ctx, event, envelope)
		if err == nil {
			return // outcome already recorded
		}
	default:
		// Unknown event names are accepted and recorded; the platform adds
		// names faster than consumers do.
	}

	if err != nil {
		if markErr := h.webhooks.MarkError(ctx, event.ID, err.Error()); markErr != nil {
			h.logger.Error("marking event error failed", zap.Int64("event", event.ID), zap.Error(markErr))
		}
		h.logger.Error("webhook processing failed",
			zap.String("event", envelope.EventName), zap.String("external_id", envelope.EventID), zap.Error(err))
		return
	}
	if err := h.webhooks.MarkProcessed(ctx, event.ID); err != nil {
		h.logger.Error("marking event processed failed", zap.Int64("event", event.ID), zap.Error(err))
	}
}

// seedRegister creates uncleared bank-register rows for every bank-account
// line of a synced transaction, so the entry shows up in the register the
// moment the platform reports it.
func (h *WebhookHandler) seedRegister(ctx context.Context, envelope webhookEnvelope) error {
	txn, err := platform.ParseTransactionEvent(envelope.Data)
	if err != nil {
		return err
	}
	for _, line := range txn.Lines {
		if !line.Account.IsBankAccount {
			continue
		}
		entry := models.BankRegisterEntry{
			RegisterKey: models.RegisterKey{
				OrgID:         envelope.OrgID,
				AccountID:     line.Account.ID,
				TransactionID: txn.ExternalReference,
			},
			ExternalTransactionID: txn.ExternalReference,
			Status:                models.RegisterUncleared,
		}
		if err := h.register.Upsert(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// tombstoneIfUnknown records a deletion for an entity that no longer (or
// never) existed locally. Terminal, accepted, not retried.
func (h *WebhookHandler) tombstoneIfUnknown(ctx context.Context, event *models.WebhookEvent, envelope webhookEnvelope) error {
	var body struct {
		TransactionID string `json:"id"`
	}
	if err := json.Unmarshal(envelope.Data, &body); err != nil || body.TransactionID == "" {
		return h.webhooks.MarkTombstoned(ctx, event.ID, "deletion event without transaction id")
	}

	var exists bool
	err := h.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE external_reference = $1)`,
		body.TransactionID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return h.webhooks.MarkTombstoned(ctx, event.ID,
			"transaction "+strings.TrimSpace(body.TransactionID)+" not known locally")
	}
	// Known locally: history is append-only, a platform deletion is recorded
	// but no local rows are removed.
	return h.webhooks.MarkProcessed(ctx, event.ID)
}
