package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rentfolio/backend/internal/models"
)

// BankRegisterService tracks the clearing/reconciliation lifecycle of
// transactions that touch bank GL accounts. It is purely bank-side
// confirmation state - it never alters a ledger amount. Writes are keyed
// upserts on the (org, account, transaction) natural key, last writer wins on
// the whole row; rows are never deleted.
type BankRegisterService struct {
	db *sql.DB
}

func NewBankRegisterService(db *sql.DB) *BankRegisterService {
	return &BankRegisterService{db: db}
}

// Upsert creates or replaces the entry for its natural key.
func (s *BankRegisterService) Upsert(ctx context.Context, e models.BankRegisterEntry) error {
	if e.Status == "" {
		e.Status = models.RegisterUncleared
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bank_register
			(org_id, account_id, transaction_id, external_transaction_id, status,
			 session_id, cleared_at, cleared_by, reconciled_at, reconciled_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
		ON CONFLICT (org_id, account_id, transaction_id) DO UPDATE SET
			external_transaction_id = EXCLUDED.external_transaction_id,
			status = EXCLUDED.status,
			session_id = EXCLUDED.session_id,
			cleared_at = EXCLUDED.cleared_at,
			cleared_by = EXCLUDED.cleared_by,
			reconciled_at = EXCLUDED.reconciled_at,
			reconciled_by = EXCLUDED.reconciled_by,
			updated_at = EXCLUDED.updated_at`,
		e.OrgID, e.AccountID, e.TransactionID, e.ExternalTransactionID, e.Status,
		e.SessionID, e.ClearedAt, e.ClearedBy, e.ReconciledAt, e.ReconciledBy, now)
	if err != nil {
		return fmt.Errorf("upsert register entry: %w", err)
	}
	return nil
}

// Get loads the entry for a natural key.
func (s *BankRegisterService) Get(ctx context.Context, key models.RegisterKey) (*models.BankRegisterEntry, error) {
	var e models.BankRegisterEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT org_id, account_id, transaction_id, external_transaction_id, status,
		       session_id, cleared_at, cleared_by, reconciled_at, reconciled_by, created_at, updated_at
		FROM bank_register
		WHERE org_id = $1 AND account_id = $2 AND transaction_id = $3`,
		key.OrgID, key.AccountID, key.TransactionID).
		Scan(&e.OrgID, &e.AccountID, &e.TransactionID, &e.ExternalTransactionID, &e.Status,
			&e.SessionID, &e.ClearedAt, &e.ClearedBy, &e.ReconciledAt, &e.ReconciledBy,
			&e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("register entry %v: not found", key)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkCleared confirms the entry appeared on a bank statement. No session
// required. Valid from uncleared only; clearing a reconciled entry must go
// through Unreconcile first.
func (s *BankRegisterService) MarkCleared(ctx context.Context, key models.RegisterKey, actor string) error {
	e, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if e.Status == models.RegisterReconciled {
		return TransitionError(string(e.Status), string(models.RegisterCleared))
	}
	now := time.Now().UTC()
	e.Status = models.RegisterCleared
	e.ClearedAt = &now
	e.ClearedBy = actor
	return s.Upsert(ctx, *e)
}

// Unclear rolls a cleared entry back to uncleared.
func (s *BankRegisterService) Unclear(ctx context.Context, key models.RegisterKey) error {
	e, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if e.Status != models.RegisterCleared {
		return TransitionError(string(e.Status), string(models.RegisterUncleared))
	}
	e.Status = models.RegisterUncleared
	e.ClearedAt = nil
	e.ClearedBy = ""
	return s.Upsert(ctx, *e)
}

// MarkReconciled stamps the entry as reconciled under an open session for its
// account. An uncleared entry is auto-promoted: the reconciling actor is also
// recorded as the clearing actor in the same upsert. Explicit by contract, not
// a silent side effect.
func (s *BankRegisterService) MarkReconciled(ctx context.Context, key models.RegisterKey, sessionID, actor string) error {
	open, err := s.sessionOpen(ctx, sessionID, key)
	if err != nil {
		return err
	}
	if !open {
		return fmt.Errorf("%w: session %s", ErrSessionNotOpen, sessionID)
	}

	e, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if e.Status == models.RegisterUncleared {
		e.ClearedAt = &now
		e.ClearedBy = actor
	}
	e.Status = models.RegisterReconciled
	e.SessionID = sessionID
	e.ReconciledAt = &now
	e.ReconciledBy = actor
	return s.Upsert(ctx, *e)
}

// Unreconcile rolls back a finished statement reconciliation for this entry.
// The entry drops all the way to uncleared; the audit timestamps go with it.
func (s *BankRegisterService) Unreconcile(ctx context.Context, key models.RegisterKey) error {
	e, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if e.Status != models.RegisterReconciled {
		return TransitionError(string(e.Status), string(models.RegisterUncleared))
	}
	e.Status = models.RegisterUncleared
	e.SessionID = ""
	e.ClearedAt = nil
	e.ClearedBy = ""
	e.ReconciledAt = nil
	e.ReconciledBy = ""
	return s.Upsert(ctx, *e)
}

// ListByStatus returns the org's entries for one bank account and status.
func (s *BankRegisterService) ListByStatus(ctx context.Context, orgID, accountID string, status models.RegisterStatus) ([]models.BankRegisterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT org_id, account_id, transaction_id, external_transaction_id, status,
		       session_id, cleared_at, cleared_by, reconciled_at, reconciled_by, created_at, updated_at
		FROM bank_register
		WHERE org_id = $1 AND account_id = $2 AND status = $3
		ORDER BY created_at`,
		orgID, accountID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.BankRegisterEntry
	for rows.Next() {
		var e models.BankRegisterEntry
		if err := rows.Scan(&e.OrgID, &e.AccountID, &e.TransactionID, &e.ExternalTransactionID,
			&e.Status, &e.SessionID, &e.ClearedAt, &e.ClearedBy, &e.ReconciledAt, &e.ReconciledBy,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OpenSession starts a reconciliation pass for a bank account.
func (s *BankRegisterService) OpenSession(ctx context.Context, orgID, accountID string, statementAt time.Time) (*models.ReconciliationSession, error) {
	session := &models.ReconciliationSession{
		ID:          uuid.New().String(),
		OrgID:       orgID,
		AccountID:   accountID,
		StatementAt: statementAt,
		Open:        true,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_sessions (id, org_id, account_id, statement_at, open, created_at)
		VALUES ($1,$2,$3,$4,TRUE,$5)`,
		session.ID, orgID, accountID, statementAt, session.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return session, nil
}

// FinishSession closes the pass; entries reconciled under it stay reconciled.
func (s *BankRegisterService) FinishSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_sessions SET open = FALSE, finished_at = $2 WHERE id = $1 AND open`,
		sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: session %s", ErrSessionNotOpen, sessionID)
	}
	return nil
}

func (s *BankRegisterService) sessionOpen(ctx context.Context, sessionID string, key models.RegisterKey) (bool, error) {
	var open bool
	err := s.db.QueryRowContext(ctx, `
		SELECT open FROM reconciliation_sessions
		WHERE id = $1 AND org_id = $2 AND account_id = $3`,
		sessionID, key.OrgID, key.AccountID).Scan(&open)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return open, nil
}
