package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rentfolio/backend/internal/models"
)

// ReversalOptions controls how a payment is reversed.
type ReversalOptions struct {
	// LeaseID, when set, must match the payment's lease.
	LeaseID      string
	CreateNSFFee bool
	FeeAmount    decimal.Decimal
	FeeMemo      string
}

// ChargeReopening reports a charge restored to open by the reversal.
type ChargeReopening struct {
	ChargeID string          `json:"charge_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// ReversalResult is what Reverse hands back to the caller.
type ReversalResult struct {
	ReversalTransactionID string            `json:"reversal_transaction_id"`
	NSFChargeID           string            `json:"nsf_charge_id,omitempty"`
	UpdatedCharges        []ChargeReopening `json:"updated_charges"`
}

// ReversalService backs out a posted payment - a bounced check, a failed ACH -
// by posting a new compensating transaction. History is never edited: the
// reversal's lines are the exact negation of the payment's, dated the reversal
// date, and the original rows stay untouched.
type ReversalService struct {
	db      *sql.DB
	posting *PostingService
	notices *PaymentNoticeService
	// feeRole is the GL mapping role the NSF fee income posts to.
	feeRole        string
	receivableRole string
	logger         *zap.Logger
}

func NewReversalService(db *sql.DB, posting *PostingService, notices *PaymentNoticeService, feeRole, receivableRole string, logger *zap.Logger) *ReversalService {
	return &ReversalService{
		db:             db,
		posting:        posting,
		notices:        notices,
		feeRole:        feeRole,
		receivableRole: receivableRole,
		logger:         logger,
	}
}

// Reverse posts the compensating transaction for a payment and, when asked,
// a separate NSF fee charge. The reversal and the fee are each independently
// balanced: a fee failure leaves a valid, committed reversal behind and the
// error tells the caller the fee still needs posting. The reversal itself is
// idempotency-keyed on the payment id; when a retry hits that key the
// committed reversal is looked up and the call resumes with the reopen and
// fee steps, so a partial failure is recoverable by calling Reverse again.
func (s *ReversalService) Reverse(ctx context.Context, paymentID, orgID string, reversalDate time.Time, opts ReversalOptions) (*ReversalResult, error) {
	payment, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.OrgID != orgID {
		return nil, fmt.Errorf("%w: payment %s", ErrOrgMismatch, paymentID)
	}
	if opts.LeaseID != "" && payment.LeaseID != opts.LeaseID {
		return nil, fmt.Errorf("%w: payment %s", ErrLeaseMismatch, paymentID)
	}

	applications, err := s.loadApplications(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("loading applications: %w", err)
	}
	if len(applications) > 0 {
		applied := decimal.Zero
		for _, a := range applications {
			applied = applied.Add(a.Amount)
		}
		if !applied.Equal(payment.Total) {
			return nil, fmt.Errorf("%w: applied %s, total %s", ErrAllocationMismatch, applied, payment.Total)
		}
	}

	allocations := make([]models.Allocation, 0, len(payment.Lines))
	for _, line := range payment.Lines {
		account := line.Account
		allocations = append(allocations, models.Allocation{
			Account:    &account,
			Amount:     line.SignedAmount().Neg(),
			Memo:       line.Memo,
			PropertyID: line.PropertyID,
			UnitID:     line.UnitID,
		})
	}

	reversal, err := s.posting.PostTransaction(ctx, models.PostingRequest{
		Type:                  models.TransactionReversedPayment,
		Date:                  reversalDate,
		OrgID:                 orgID,
		LeaseID:               payment.LeaseID,
		Memo:                  fmt.Sprintf("Reversal of payment %s", paymentID),
		IdempotencyKey:        "reversal:" + paymentID,
		ReversedTransactionID: paymentID,
		Allocations:           allocations,
	})
	if errors.Is(err, ErrDuplicateKey) {
		// A prior attempt committed the reversal but may have died before the
		// reopen or the fee. Pick up the committed transaction and resume.
		existing, lookupErr := s.posting.FindByIdempotencyKey(ctx, orgID, "reversal:"+paymentID)
		if lookupErr != nil {
			return nil, fmt.Errorf("looking up reversal of %s: %w", paymentID, lookupErr)
		}
		if existing == nil {
			return nil, fmt.Errorf("posting reversal: %w", err)
		}
		s.logger.Info("resuming committed reversal",
			zap.String("payment_id", paymentID),
			zap.String("reversal_id", existing.ID))
		reversal = existing
	} else if err != nil {
		return nil, fmt.Errorf("posting reversal: %w", err)
	}

	result := &ReversalResult{
		ReversalTransactionID: reversal.ID,
		UpdatedCharges:        []ChargeReopening{},
	}

	reopened, err := s.reopenCharges(ctx, reversal.ID, applications)
	if err != nil {
		// Reversal is committed; the next Reverse call resumes here.
		return result, fmt.Errorf("reopening charges: %w", err)
	}
	result.UpdatedCharges = reopened

	if opts.CreateNSFFee {
		feeID, err := s.postNSFFee(ctx, payment, reversalDate, opts)
		if err != nil {
			return result, fmt.Errorf("posting nsf fee: %w", err)
		}
		result.NSFChargeID = feeID
		s.notices.EmitReturnNotice(payment, reversal.ID)
	}

	return result, nil
}

// loadPayment fetches the payment header and its lines.
func (s *ReversalService) loadPayment(ctx context.Context, paymentID string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, lease_id, type, date, memo, external_reference, total, created_at
		FROM transactions
		WHERE id = $1 AND type = $2`,
		paymentID, models.TransactionPayment).
		Scan(&t.ID, &t.OrgID, &t.LeaseID, &t.Type, &t.Date, &t.Memo, &t.ExternalReference, &t.Total, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, posting_date, amount, direction, memo, property_id, unit_id,
		       account_id, account_name, account_number, account_type, is_bank_account,
		       exclude_from_cash_balances, created_at
		FROM ledger_lines
		WHERE transaction_id = $1
		ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var l models.LedgerLine
		if err := rows.Scan(&l.ID, &l.OrgID, &l.PostingDate, &l.Amount, &l.Direction, &l.Memo,
			&l.PropertyID, &l.UnitID,
			&l.Account.ID, &l.Account.Name, &l.Account.Number, &l.Account.Type,
			&l.Account.IsBankAccount, &l.Account.ExcludeFromCashBalances, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Transaction = models.TransactionRef{ID: t.ID, Type: t.Type, Memo: t.Memo, ExternalReference: t.ExternalReference}
		t.Lines = append(t.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(t.Lines) == 0 {
		return nil, fmt.Errorf("%w: %s has no lines", ErrPaymentNotFound, paymentID)
	}
	return &t, nil
}

func (s *ReversalService) loadApplications(ctx context.Context, paymentID string) ([]models.PaymentApplication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_id, charge_id, amount FROM payment_applications WHERE payment_id = $1`,
		paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []models.PaymentApplication
	for rows.Next() {
		var a models.PaymentApplication
		if err := rows.Scan(&a.PaymentID, &a.ChargeID, &a.Amount); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// reopenCharges restores the open balance the payment had settled. One DB
// transaction: either every charge reopens or none do. Each application is
// claimed for the reversal id before its balance moves, so a resumed call
// never reopens the same charge twice.
func (s *ReversalService) reopenCharges(ctx context.Context, reversalID string, applications []models.PaymentApplication) ([]ChargeReopening, error) {
	if len(applications) == 0 {
		return []ChargeReopening{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	reopened := make([]ChargeReopening, 0, len(applications))
	for _, a := range applications {
		claim, err := tx.ExecContext(ctx,
			`UPDATE payment_applications SET reopened_by_transaction_id = $3
			 WHERE payment_id = $1 AND charge_id = $2 AND reopened_by_transaction_id = ''`,
			a.PaymentID, a.ChargeID, reversalID)
		if err != nil {
			return nil, err
		}
		if n, err := claim.RowsAffected(); err == nil && n == 0 {
			// Reopened by an earlier attempt; still part of this reversal.
			reopened = append(reopened, ChargeReopening{ChargeID: a.ChargeID, Amount: a.Amount})
			continue
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE transactions SET open_balance = open_balance + $2 WHERE id = $1`,
			a.ChargeID, a.Amount)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return nil, fmt.Errorf("charge %s not found", a.ChargeID)
		}
		reopened = append(reopened, ChargeReopening{ChargeID: a.ChargeID, Amount: a.Amount})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reopened, nil
}

func (s *ReversalService) postNSFFee(ctx context.Context, payment *models.Transaction, reversalDate time.Time, opts ReversalOptions) (string, error) {
	memo := opts.FeeMemo
	if memo == "" {
		memo = "NSF fee"
	}
	fee, err := s.posting.PostTransaction(ctx, models.PostingRequest{
		Type:           models.TransactionCharge,
		Date:           reversalDate,
		OrgID:          payment.OrgID,
		LeaseID:        payment.LeaseID,
		Memo:           memo,
		IdempotencyKey: "nsf-fee:" + payment.ID,
		Allocations: []models.Allocation{
			{AccountRole: s.receivableRole, Amount: opts.FeeAmount, Memo: memo},
			{AccountRole: s.feeRole, Amount: opts.FeeAmount.Neg(), Memo: memo},
		},
	})
	if errors.Is(err, ErrDuplicateKey) {
		// Fee already posted by an earlier attempt; look it up for the result.
		existing, lookupErr := s.posting.FindByIdempotencyKey(ctx, payment.OrgID, "nsf-fee:"+payment.ID)
		if lookupErr != nil || existing == nil {
			return "", err
		}
		return existing.ID, nil
	}
	if err != nil {
		return "", err
	}
	return fee.ID, nil
}
