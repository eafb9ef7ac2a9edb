package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType tags the business meaning of a transaction header.
type TransactionType string

const (
	TransactionCharge          TransactionType = "Charge"
	TransactionPayment         TransactionType = "Payment"
	TransactionBill            TransactionType = "Bill"
	TransactionCredit          TransactionType = "Credit"
	TransactionRefund          TransactionType = "Refund"
	TransactionDeposit         TransactionType = "Deposit"
	TransactionReversedPayment TransactionType = "ReversedPayment"
	TransactionGeneralJournal  TransactionType = "GeneralJournalEntry"
)

// Transaction is a posted header plus its balanced line set. Amounts and
// lines are immutable once written; only settlement metadata (OpenBalance,
// void markers) may change afterwards.
type Transaction struct {
	ID                string          `json:"id" db:"id"`
	OrgID             string          `json:"org_id" db:"org_id"`
	LeaseID           string          `json:"lease_id,omitempty" db:"lease_id"`
	Type              TransactionType `json:"type" db:"type"`
	Date              time.Time       `json:"date" db:"date"`
	Memo              string          `json:"memo,omitempty" db:"memo"`
	ExternalReference string          `json:"external_reference,omitempty" db:"external_reference"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Total             decimal.Decimal `json:"total" db:"total"`
	// OpenBalance is the unsettled remainder of a Charge. Settlement metadata,
	// not ledger history: reversing a payment restores it.
	OpenBalance decimal.Decimal `json:"open_balance" db:"open_balance"`
	// ReversedTransactionID back-references the payment a reversal compensates.
	ReversedTransactionID string       `json:"reversed_transaction_id,omitempty" db:"reversed_transaction_id"`
	CreatedAt             time.Time    `json:"created_at" db:"created_at"`
	Lines                 []LedgerLine `json:"lines,omitempty"`
}

// PaymentApplication records how much of a payment settled a given charge.
type PaymentApplication struct {
	PaymentID string          `json:"payment_id" db:"payment_id"`
	ChargeID  string          `json:"charge_id" db:"charge_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
}

// Allocation is one caller-supplied leg of a transaction to be posted.
// Exactly one of AccountRole or Account must be set: roles are resolved
// through the org's GL mapping, refs are used as-is.
type Allocation struct {
	AccountRole string          `json:"account_role,omitempty"`
	Account     *GLAccountRef   `json:"account,omitempty"`
	Amount      decimal.Decimal `json:"amount"` // signed: debit positive, credit negative
	Memo        string          `json:"memo,omitempty"`
	PropertyID  string          `json:"property_id,omitempty"`
	UnitID      string          `json:"unit_id,omitempty"`
	// OrgID/LeaseID, when set, must match the header. Present so callers that
	// fan lines out across contexts fail loudly instead of cross-posting.
	OrgID   string `json:"org_id,omitempty"`
	LeaseID string `json:"lease_id,omitempty"`
}

// PostingRequest is the input to the shared balanced-transaction write path.
type PostingRequest struct {
	Type                  TransactionType `json:"type"`
	Date                  time.Time       `json:"date"`
	OrgID                 string          `json:"org_id"`
	LeaseID               string          `json:"lease_id,omitempty"`
	Memo                  string          `json:"memo,omitempty"`
	ExternalReference     string          `json:"external_reference,omitempty"`
	IdempotencyKey        string          `json:"idempotency_key,omitempty"`
	ReversedTransactionID string          `json:"reversed_transaction_id,omitempty"`
	Allocations           []Allocation    `json:"allocations"`
}
