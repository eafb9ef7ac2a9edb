package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType classifies a general-ledger account.
type AccountType string

const (
	AccountAsset     AccountType = "ASSET"
	AccountLiability AccountType = "LIABILITY"
	AccountEquity    AccountType = "EQUITY"
	AccountIncome    AccountType = "INCOME"
	AccountExpense   AccountType = "EXPENSE"
)

// ReportRank returns the conventional statement ordering for the account type.
// Group ordering on ledger reports is a contract: downstream statement
// rendering depends on it being stable across runs.
func (t AccountType) ReportRank() int {
	switch t {
	case AccountAsset:
		return 0
	case AccountLiability:
		return 1
	case AccountEquity:
		return 2
	case AccountIncome:
		return 3
	case AccountExpense:
		return 4
	default:
		return 5
	}
}

// PostingDirection is the side of the ledger a line posts to.
type PostingDirection string

const (
	DirectionDebit  PostingDirection = "DEBIT"
	DirectionCredit PostingDirection = "CREDIT"
)

// GLAccountRef is the denormalized general-ledger account carried on every line.
type GLAccountRef struct {
	ID     string      `json:"id" db:"account_id"`
	Name   string      `json:"name" db:"account_name"`
	Number string      `json:"number" db:"account_number"`
	Type   AccountType `json:"type" db:"account_type"`
	// IsBankAccount marks accounts that appear in the bank register.
	IsBankAccount bool `json:"is_bank_account" db:"is_bank_account"`
	// ExcludeFromCashBalances keeps the account out of cash-balance totals
	// (e.g. security-deposit clearing accounts).
	ExcludeFromCashBalances bool `json:"exclude_from_cash_balances" db:"exclude_from_cash_balances"`
}

// TransactionRef is the denormalized parent-transaction metadata on a line.
type TransactionRef struct {
	ID                string          `json:"id" db:"transaction_id"`
	Type              TransactionType `json:"type" db:"transaction_type"`
	Memo              string          `json:"memo" db:"transaction_memo"`
	ExternalReference string          `json:"external_reference" db:"external_reference"`
	// AppliedChargeIDs lists the charge transactions a payment settled.
	// Empty for non-payment transactions. This is what pairs a Payment line
	// with its Charge for basis-aware reporting.
	AppliedChargeIDs []string `json:"applied_charge_ids,omitempty" db:"-"`
}

// LedgerLine is one posted debit or credit. Lines are append-only: corrections
// are new transactions, never edits.
type LedgerLine struct {
	ID          string           `json:"id" db:"id"`
	OrgID       string           `json:"org_id" db:"org_id"`
	PostingDate time.Time        `json:"posting_date" db:"posting_date"`
	Amount      decimal.Decimal  `json:"amount" db:"amount"` // unsigned magnitude
	Direction   PostingDirection `json:"direction" db:"direction"`
	Memo        string           `json:"memo,omitempty" db:"memo"`
	PropertyID  string           `json:"property_id,omitempty" db:"property_id"`
	UnitID      string           `json:"unit_id,omitempty" db:"unit_id"`
	Account     GLAccountRef     `json:"account"`
	Transaction TransactionRef   `json:"transaction"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"` // tie-breaker within a posting date
}

// SignedAmount returns the line amount with debits positive and credits
// negative. Summed over a transaction's lines it is always zero.
func (l LedgerLine) SignedAmount() decimal.Decimal {
	if l.Direction == DirectionCredit {
		return l.Amount.Neg()
	}
	return l.Amount
}

// AccountGroup is one GL account's slice of a ledger report: the balance
// carried in from before the window plus the filtered in-window activity.
// Built fresh on every query, never persisted.
type AccountGroup struct {
	Account GLAccountRef    `json:"account"`
	Prior   decimal.Decimal `json:"prior"`
	Net     decimal.Decimal `json:"net"`
	Lines   []LedgerLine    `json:"lines"`
}

// Basis selects the accounting convention for ledger reports.
type Basis string

const (
	BasisAccrual Basis = "accrual"
	BasisCash    Basis = "cash"
)
