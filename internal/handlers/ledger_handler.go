package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rentfolio/backend/internal/models"
	"github.com/rentfolio/backend/internal/services"
)

// LedgerHandler serves the basis-aware general ledger report.
type LedgerHandler struct {
	ledger *services.LedgerService
	logger *zap.Logger
}

func NewLedgerHandler(ledger *services.LedgerService, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

// Report handles GET /api/v1/reports/ledger?org=&from=&to=&basis=.
func (h *LedgerHandler) Report(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	q := r.URL.Query()

	orgID := q.Get("org")
	if orgID == "" {
		services.SendErrorResponse(w, "org is required", http.StatusBadRequest, nil)
		return
	}
	from, err := time.Parse("2006-01-02", q.Get("from"))
	if err != nil {
		services.SendErrorResponse(w, "Invalid from date, want yyyy-mm-dd", http.StatusBadRequest, nil)
		return
	}
	to, err := time.Parse("2006-01-02", q.Get("to"))
	if err != nil {
		services.SendErrorResponse(w, "Invalid to date, want yyyy-mm-dd", http.StatusBadRequest, nil)
		return
	}

	basis := models.BasisAccrual
	switch q.Get("basis") {
	case "", "accrual":
	case "cash":
		basis = models.BasisCash
	default:
		services.SendErrorResponse(w, "basis must be cash or accrual", http.StatusBadRequest, nil)
		return
	}

	groups, err := h.ledger.Report(r.Context(), orgID, from, to, basis)
	if err != nil {
		h.logger.Error("ledger report failed", zap.String("org", orgID), zap.Error(err))
		services.SendErrorResponse(w, "Report failed", http.StatusInternalServerError, nil)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"basis":  basis,
		"from":   from.Format("2006-01-02"),
		"to":     to.Format("2006-01-02"),
		"groups": groups,
	})
}
