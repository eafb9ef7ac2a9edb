package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rentfolio/backend/internal/services"
)

// BillingHandler exposes the recurring-bill generation run to the external
// scheduler. The run itself owns locking and idempotency; this is a trigger.
type BillingHandler struct {
	billing *services.BillingService
	logger  *zap.Logger
}

func NewBillingHandler(billing *services.BillingService, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{billing: billing, logger: logger}
}

// Run handles POST /api/v1/billing/run. An optional run_date query parameter
// (yyyy-mm-dd) backfills a specific day; the default is today.
func (h *BillingHandler) Run(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	runDate := time.Now().UTC()
	if raw := r.URL.Query().Get("run_date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			services.SendErrorResponse(w, "Invalid run_date, want yyyy-mm-dd", http.StatusBadRequest, nil)
			return
		}
		runDate = parsed
	}

	summary, err := h.billing.GenerateRecurringBills(r.Context(), runDate)
	if errors.Is(err, services.ErrRunLocked) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"status": "locked"})
		return
	}
	if err != nil {
		h.logger.Error("billing run failed", zap.Error(err))
		services.SendErrorResponse(w, "Billing run failed", http.StatusInternalServerError, nil)
		return
	}

	json.NewEncoder(w).Encode(summary)
}
