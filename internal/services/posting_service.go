package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rentfolio/backend/internal/models"
)

// GLMappingResolver turns a logical account role (e.g. "rent-income",
// "ar-receivable", "nsf-fee-income") into the org's concrete GL account.
// The chart of accounts is externally supplied configuration.
type GLMappingResolver interface {
	Resolve(ctx context.Context, orgID, role string) (models.GLAccountRef, error)
}

// PostingService is the single choke point through which every feature writes
// a transaction. Whatever created it - recurring billing, a reversal, a manual
// journal entry - the header and its lines go in atomically and the signed
// line sum is zero, or nothing is written.
type PostingService struct {
	db       *sql.DB
	mappings GLMappingResolver
	logger   *zap.Logger
}

func NewPostingService(db *sql.DB, mappings GLMappingResolver, logger *zap.Logger) *PostingService {
	return &PostingService{db: db, mappings: mappings, logger: logger}
}

// PostTransaction validates and persists one balanced transaction.
// Validation lives here, not in callers: role resolution (ErrMappingNotFound),
// at least one non-zero allocation (ErrEmptyTransaction), zero signed sum
// (ErrUnbalanced), and per-line context agreement with the header
// (ErrContextMismatch).
func (s *PostingService) PostTransaction(ctx context.Context, req models.PostingRequest) (*models.Transaction, error) {
	lines, total, err := s.resolveLines(ctx, req)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	txnID := uuid.New().String()

	// Charges open at their full amount; everything else carries no
	// settlement balance.
	openBalance := decimal.Zero
	if req.Type == models.TransactionCharge || req.Type == models.TransactionBill {
		openBalance = total
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions
			(id, org_id, lease_id, type, date, memo, external_reference,
			 idempotency_key, total, open_balance, reversed_transaction_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,NULLIF($11,''),$12)`,
		txnID, req.OrgID, req.LeaseID, req.Type, req.Date, req.Memo, req.ExternalReference,
		req.IdempotencyKey, total, openBalance, req.ReversedTransactionID, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, req.IdempotencyKey)
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	for i := range lines {
		lines[i].ID = uuid.New().String()
		lines[i].Transaction.ID = txnID
		lines[i].CreatedAt = now
		l := lines[i]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_lines
				(id, org_id, transaction_id, posting_date, amount, direction, memo,
				 property_id, unit_id, account_id, account_name, account_number,
				 account_type, is_bank_account, exclude_from_cash_balances, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			l.ID, l.OrgID, txnID, l.PostingDate, l.Amount, l.Direction, l.Memo,
			l.PropertyID, l.UnitID, l.Account.ID, l.Account.Name, l.Account.Number,
			l.Account.Type, l.Account.IsBankAccount, l.Account.ExcludeFromCashBalances, now)
		if err != nil {
			return nil, fmt.Errorf("insert line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &models.Transaction{
		ID:                    txnID,
		OrgID:                 req.OrgID,
		LeaseID:               req.LeaseID,
		Type:                  req.Type,
		Date:                  req.Date,
		Memo:                  req.Memo,
		ExternalReference:     req.ExternalReference,
		IdempotencyKey:        req.IdempotencyKey,
		Total:                 total,
		OpenBalance:           openBalance,
		ReversedTransactionID: req.ReversedTransactionID,
		CreatedAt:             now,
		Lines:                 lines,
	}, nil
}

// resolveLines validates the request and turns allocations into ledger lines.
// Total is the sum of positive (debit) legs.
func (s *PostingService) resolveLines(ctx context.Context, req models.PostingRequest) ([]models.LedgerLine, decimal.Decimal, error) {
	if len(req.Allocations) == 0 {
		return nil, decimal.Zero, ErrEmptyTransaction
	}

	sum := decimal.Zero
	total := decimal.Zero
	nonZero := false
	lines := make([]models.LedgerLine, 0, len(req.Allocations))

	for _, a := range req.Allocations {
		if a.OrgID != "" && a.OrgID != req.OrgID {
			return nil, decimal.Zero, fmt.Errorf("%w: org %s vs %s", ErrContextMismatch, a.OrgID, req.OrgID)
		}
		if a.LeaseID != "" && a.LeaseID != req.LeaseID {
			return nil, decimal.Zero, fmt.Errorf("%w: lease %s vs %s", ErrContextMismatch, a.LeaseID, req.LeaseID)
		}

		account, err := s.allocationAccount(ctx, req.OrgID, a)
		if err != nil {
			return nil, decimal.Zero, err
		}

		if !a.Amount.IsZero() {
			nonZero = true
		}
		sum = sum.Add(a.Amount)
		if a.Amount.IsPositive() {
			total = total.Add(a.Amount)
		}

		direction := models.DirectionDebit
		magnitude := a.Amount
		if a.Amount.IsNegative() {
			direction = models.DirectionCredit
			magnitude = a.Amount.Neg()
		}

		lines = append(lines, models.LedgerLine{
			OrgID:       req.OrgID,
			PostingDate: req.Date,
			Amount:      magnitude,
			Direction:   direction,
			Memo:        a.Memo,
			PropertyID:  a.PropertyID,
			UnitID:      a.UnitID,
			Account:     account,
			Transaction: models.TransactionRef{
				Type:              req.Type,
				Memo:              req.Memo,
				ExternalReference: req.ExternalReference,
			},
		})
	}

	if !nonZero {
		return nil, decimal.Zero, ErrEmptyTransaction
	}
	if !sum.IsZero() {
		return nil, decimal.Zero, fmt.Errorf("%w: off by %s", ErrUnbalanced, sum)
	}
	return lines, total, nil
}

func (s *PostingService) allocationAccount(ctx context.Context, orgID string, a models.Allocation) (models.GLAccountRef, error) {
	if a.Account != nil {
		return *a.Account, nil
	}
	account, err := s.mappings.Resolve(ctx, orgID, a.AccountRole)
	if err != nil {
		return models.GLAccountRef{}, fmt.Errorf("%w: role %q for org %s", ErrMappingNotFound, a.AccountRole, orgID)
	}
	return account, nil
}

// FindByIdempotencyKey returns the transaction already posted under the key,
// or nil when the key is unused.
func (s *PostingService) FindByIdempotencyKey(ctx context.Context, orgID, key string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, lease_id, type, date, memo, total, open_balance, created_at
		FROM transactions
		WHERE org_id = $1 AND idempotency_key = $2`, orgID, key).
		Scan(&t.ID, &t.OrgID, &t.LeaseID, &t.Type, &t.Date, &t.Memo, &t.Total, &t.OpenBalance, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
