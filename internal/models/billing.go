package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingFrequency is how often a recurring rule bills.
type BillingFrequency string

const (
	FrequencyMonthly   BillingFrequency = "MONTHLY"
	FrequencyWeekly    BillingFrequency = "WEEKLY"
	FrequencyQuarterly BillingFrequency = "QUARTERLY"
	FrequencyAnnually  BillingFrequency = "ANNUALLY"
)

// BillingWindow is one inclusive period a recurring rule is due to bill.
// Computed, never stored.
type BillingWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RecurringRule is externally supplied configuration for one recurring
// billing line. Read-only input to the generator.
type RecurringRule struct {
	ID             string           `json:"id" db:"id"`
	OrgID          string           `json:"org_id" db:"org_id"`
	LeaseID        string           `json:"lease_id" db:"lease_id"`
	UnitID         string           `json:"unit_id,omitempty" db:"unit_id"`
	Frequency      BillingFrequency `json:"frequency" db:"frequency"`
	Amount         decimal.Decimal  `json:"amount" db:"amount"`
	IncomeRole     string           `json:"income_role" db:"income_role"`
	ReceivableRole string           `json:"receivable_role" db:"receivable_role"`
	Memo           string           `json:"memo,omitempty" db:"memo"`
	Active         bool             `json:"active" db:"active"`
	SyncExternal   bool             `json:"sync_external" db:"sync_external"`
	FirstBillDate  time.Time        `json:"first_bill_date" db:"first_bill_date"`
	LastBillDate   *time.Time       `json:"last_bill_date,omitempty" db:"last_bill_date"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// RunSummary is what one generation run reports back to the scheduler.
// A summary, not a per-row log.
type RunSummary struct {
	Generated  int      `json:"generated"`
	Skipped    int      `json:"skipped"`
	Duplicates int      `json:"duplicates"`
	Errors     int      `json:"errors"`
	OrgIDs     []string `json:"org_ids"`
}
