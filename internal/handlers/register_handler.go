package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rentfolio/backend/internal/middleware"
	"github.com/rentfolio/backend/internal/models"
	"github.com/rentfolio/backend/internal/services"
)

// RegisterHandler drives the bank register lifecycle and reversal actions.
type RegisterHandler struct {
	register  *services.BankRegisterService
	reversals *services.ReversalService
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewRegisterHandler(register *services.BankRegisterService, reversals *services.ReversalService, logger *zap.Logger) *RegisterHandler {
	return &RegisterHandler{
		register:  register,
		reversals: reversals,
		validator: services.NewValidationHelper(),
		logger:    logger,
	}
}

func (h *RegisterHandler) key(r *http.Request) models.RegisterKey {
	q := r.URL.Query()
	return models.RegisterKey{
		OrgID:         q.Get("org"),
		AccountID:     q.Get("account"),
		TransactionID: chi.URLParam(r, "txID"),
	}
}

// Get handles GET /api/v1/register/{txID}?org=&account=.
func (h *RegisterHandler) Get(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	entry, err := h.register.Get(r.Context(), h.key(r))
	if err != nil {
		services.SendErrorResponse(w, "Register entry not found", http.StatusNotFound, nil)
		return
	}
	json.NewEncoder(w).Encode(entry)
}

// Clear handles PUT /api/v1/register/{txID}/clear.
func (h *RegisterHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func() error {
		return h.register.MarkCleared(r.Context(), h.key(r), middleware.UserID(r))
	})
}

// Unclear handles PUT /api/v1/register/{txID}/unclear.
func (h *RegisterHandler) Unclear(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func() error {
		return h.register.Unclear(r.Context(), h.key(r))
	})
}

// Reconcile handles PUT /api/v1/register/{txID}/reconcile?session=.
func (h *RegisterHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func() error {
		return h.register.MarkReconciled(r.Context(), h.key(r), r.URL.Query().Get("session"), middleware.UserID(r))
	})
}

// Unreconcile handles PUT /api/v1/register/{txID}/unreconcile.
func (h *RegisterHandler) Unreconcile(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func() error {
		return h.register.Unreconcile(r.Context(), h.key(r))
	})
}

func (h *RegisterHandler) transition(w http.ResponseWriter, r *http.Request, fn func() error) {
	w.Header().Set("Content-Type", "application/json")
	if err := fn(); err != nil {
		status := http.StatusInternalServerError
		if services.IsClientError(err) {
			status = http.StatusConflict
		}
		services.SendErrorResponse(w, err.Error(), status, nil)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// List handles GET /api/v1/register?org=&account=&status=.
func (h *RegisterHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	q := r.URL.Query()

	status := models.RegisterStatus(q.Get("status"))
	switch status {
	case models.RegisterUncleared, models.RegisterCleared, models.RegisterReconciled:
	default:
		services.SendErrorResponse(w, "status must be UNCLEARED, CLEARED or RECONCILED", http.StatusBadRequest, nil)
		return
	}

	entries, err := h.register.ListByStatus(r.Context(), q.Get("org"), q.Get("account"), status)
	if err != nil {
		h.logger.Error("register list failed", zap.Error(err))
		services.SendErrorResponse(w, "Listing register entries failed", http.StatusInternalServerError, nil)
		return
	}
	if entries == nil {
		entries = []models.BankRegisterEntry{}
	}
	json.NewEncoder(w).Encode(entries)
}

type sessionRequest struct {
	OrgID       string `json:"org_id" validate:"required,max=64"`
	AccountID   string `json:"account_id" validate:"required,max=64"`
	StatementAt string `json:"statement_at" validate:"required"`
}

// OpenSession handles POST /api/v1/register/sessions.
func (h *RegisterHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req sessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	statementAt, err := time.Parse("2006-01-02", req.StatementAt)
	if err != nil {
		services.SendErrorResponse(w, "Invalid statement_at, want yyyy-mm-dd", http.StatusBadRequest, nil)
		return
	}

	session, err := h.register.OpenSession(r.Context(), req.OrgID, req.AccountID, statementAt)
	if err != nil {
		h.logger.Error("opening reconciliation session failed", zap.Error(err))
		services.SendErrorResponse(w, "Opening session failed", http.StatusInternalServerError, nil)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(session)
}

// FinishSession handles PUT /api/v1/register/sessions/{sessionID}/finish.
func (h *RegisterHandler) FinishSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func() error {
		return h.register.FinishSession(r.Context(), chi.URLParam(r, "sessionID"))
	})
}

type reversalRequest struct {
	OrgID        string `json:"org_id" validate:"required,max=64"`
	LeaseID      string `json:"lease_id,omitempty" validate:"max=64"`
	ReversalDate string `json:"reversal_date" validate:"required"`
	CreateNSFFee bool   `json:"create_nsf_fee"`
	FeeAmount    string `json:"fee_amount,omitempty"`
	FeeMemo      string `json:"fee_memo,omitempty" validate:"max=200"`
}

// Reverse handles POST /api/v1/payments/{txID}/reverse.
func (h *RegisterHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req reversalRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	reversalDate, err := time.Parse("2006-01-02", req.ReversalDate)
	if err != nil {
		services.SendErrorResponse(w, "Invalid reversal_date, want yyyy-mm-dd", http.StatusBadRequest, nil)
		return
	}

	opts := services.ReversalOptions{
		LeaseID:      req.LeaseID,
		CreateNSFFee: req.CreateNSFFee,
		FeeMemo:      req.FeeMemo,
	}
	if req.CreateNSFFee {
		fee, err := decimal.NewFromString(req.FeeAmount)
		if err != nil || !fee.IsPositive() {
			services.SendErrorResponse(w, "fee_amount must be a positive decimal", http.StatusBadRequest, nil)
			return
		}
		opts.FeeAmount = fee
	}

	result, err := h.reversals.Reverse(r.Context(), chi.URLParam(r, "txID"), req.OrgID, reversalDate, opts)
	if err != nil {
		status := http.StatusInternalServerError
		if services.IsClientError(err) {
			status = http.StatusUnprocessableEntity
		}
		h.logger.Error("payment reversal failed", zap.String("payment", chi.URLParam(r, "txID")), zap.Error(err))
		services.SendErrorResponse(w, err.Error(), status, nil)
		return
	}
	json.NewEncoder(w).Encode(result)
}
