package models

import "time"

// RegisterStatus is the clearing/reconciliation lifecycle of one bank-account
// entry. uncleared -> cleared -> reconciled, with explicit unclear and
// unreconcile rollbacks.
type RegisterStatus string

const (
	RegisterUncleared  RegisterStatus = "UNCLEARED"
	RegisterCleared    RegisterStatus = "CLEARED"
	RegisterReconciled RegisterStatus = "RECONCILED"
)

// RegisterKey is the natural key of a bank register entry.
type RegisterKey struct {
	OrgID         string `json:"org_id" db:"org_id"`
	AccountID     string `json:"account_id" db:"account_id"`
	TransactionID string `json:"transaction_id" db:"transaction_id"`
}

// BankRegisterEntry tracks whether a transaction touching a bank GL account
// has been confirmed against a bank statement. Bank-side confirmation only:
// it never alters ledger amounts. Rows are created on first touch and never
// deleted (audit trail); all mutation goes through the state machine.
type BankRegisterEntry struct {
	RegisterKey
	ExternalTransactionID string         `json:"external_transaction_id,omitempty" db:"external_transaction_id"`
	Status                RegisterStatus `json:"status" db:"status"`
	SessionID             string         `json:"session_id,omitempty" db:"session_id"`
	ClearedAt             *time.Time     `json:"cleared_at,omitempty" db:"cleared_at"`
	ClearedBy             string         `json:"cleared_by,omitempty" db:"cleared_by"`
	ReconciledAt          *time.Time     `json:"reconciled_at,omitempty" db:"reconciled_at"`
	ReconciledBy          string         `json:"reconciled_by,omitempty" db:"reconciled_by"`
	CreatedAt             time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at" db:"updated_at"`
}

// ReconciliationSession is one open pass of matching a bank account against a
// statement. Entries can only become reconciled while their account's session
// is open.
type ReconciliationSession struct {
	ID          string     `json:"id" db:"id"`
	OrgID       string     `json:"org_id" db:"org_id"`
	AccountID   string     `json:"account_id" db:"account_id"`
	StatementAt time.Time  `json:"statement_at" db:"statement_at"`
	Open        bool       `json:"open" db:"open"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
