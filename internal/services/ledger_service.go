package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/rentfolio/backend/internal/models"
)

// GroupOptions controls basis-aware aggregation.
type GroupOptions struct {
	Basis models.Basis
}

// LedgerService aggregates posted lines into per-account report groups and
// loads the line windows the report runs over.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// BuildLedgerGroups groups raw lines into per-account balances: a prior-period
// carry-forward plus the basis-filtered in-period net. Pure function; malformed
// lines (missing account or transaction refs) are the caller's problem to
// exclude beforehand.
//
// The basis rule is the one place "what counts as income when" is decided.
// Accrual recognizes income at Charge time, so a Payment line to an income
// account is dropped when the charge it settled is present; if no sibling
// Charge exists the Payment line is retained so the amount is not silently
// lost. That fallback mirrors the books this report replaced; prepayments and
// deposits applied directly land there and are worth revisiting. Cash basis
// keeps Payment lines and drops income Charges that are either unpaid or
// already recognized by the income line of the payment that settled them.
func BuildLedgerGroups(prior, period []models.LedgerLine, opts GroupOptions) []models.AccountGroup {
	basis := opts.Basis
	if basis == "" {
		basis = models.BasisAccrual
	}

	// Pairing index across both windows: which transactions carry Charge
	// lines, which charges any payment has settled, and which of those
	// settlements posted their own income line.
	chargeTxns := make(map[string]bool)
	paidCharges := make(map[string]bool)
	paymentIncome := make(map[string]bool)
	for _, lines := range [][]models.LedgerLine{prior, period} {
		for _, l := range lines {
			if l.Transaction.Type == models.TransactionCharge {
				chargeTxns[l.Transaction.ID] = true
			}
			if l.Transaction.Type == models.TransactionPayment {
				for _, chargeID := range l.Transaction.AppliedChargeIDs {
					paidCharges[chargeID] = true
				}
				if l.Account.Type == models.AccountIncome {
					paymentIncome[l.Transaction.ID] = true
				}
			}
		}
	}
	// Charges whose settling payment credited income itself. On cash basis
	// that payment line is the recognition, so the charge line must not
	// double count.
	recognizedByPayment := make(map[string]bool)
	for _, lines := range [][]models.LedgerLine{prior, period} {
		for _, l := range lines {
			if l.Transaction.Type == models.TransactionPayment && paymentIncome[l.Transaction.ID] {
				for _, chargeID := range l.Transaction.AppliedChargeIDs {
					recognizedByPayment[chargeID] = true
				}
			}
		}
	}

	keep := func(l models.LedgerLine) bool {
		if l.Account.Type != models.AccountIncome {
			return true
		}
		switch basis {
		case models.BasisCash:
			// Only cash-affecting lines count: an income Charge is excluded
			// when nothing has paid it, or when the settling payment posted
			// the income line itself. A charge paid through receivables with
			// no payment income line stays, so the amount is not lost.
			if l.Transaction.Type == models.TransactionCharge {
				if !paidCharges[l.Transaction.ID] || recognizedByPayment[l.Transaction.ID] {
					return false
				}
			}
			return true
		default: // accrual
			if l.Transaction.Type != models.TransactionPayment {
				return true
			}
			for _, chargeID := range l.Transaction.AppliedChargeIDs {
				if chargeTxns[chargeID] {
					return false // income already recognized by the Charge
				}
			}
			return true // orphan payment: keep rather than lose the amount
		}
	}

	groups := make(map[string]*models.AccountGroup)
	group := func(acct models.GLAccountRef) *models.AccountGroup {
		g, ok := groups[acct.ID]
		if !ok {
			g = &models.AccountGroup{
				Account: acct,
				Prior:   decimal.Zero,
				Net:     decimal.Zero,
			}
			groups[acct.ID] = g
		}
		return g
	}

	for _, l := range prior {
		g := group(l.Account)
		g.Prior = g.Prior.Add(l.SignedAmount())
	}
	for _, l := range period {
		g := group(l.Account)
		if !keep(l) {
			continue
		}
		g.Net = g.Net.Add(l.SignedAmount())
		g.Lines = append(g.Lines, l)
	}

	out := make([]models.AccountGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Account.Type.ReportRank(), out[j].Account.Type.ReportRank()
		if ri != rj {
			return ri < rj
		}
		if out[i].Account.Name != out[j].Account.Name {
			return out[i].Account.Name < out[j].Account.Name
		}
		return out[i].Account.ID < out[j].Account.ID
	})
	return out
}

const lineColumns = `l.id, l.org_id, l.posting_date, l.amount, l.direction, l.memo,
	l.property_id, l.unit_id, l.created_at,
	l.account_id, l.account_name, l.account_number, l.account_type, l.is_bank_account, l.exclude_from_cash_balances,
	l.transaction_id, t.type, t.memo, t.external_reference`

func scanLine(rows *sql.Rows) (models.LedgerLine, error) {
	var l models.LedgerLine
	err := rows.Scan(
		&l.ID, &l.OrgID, &l.PostingDate, &l.Amount, &l.Direction, &l.Memo,
		&l.PropertyID, &l.UnitID, &l.CreatedAt,
		&l.Account.ID, &l.Account.Name, &l.Account.Number, &l.Account.Type,
		&l.Account.IsBankAccount, &l.Account.ExcludeFromCashBalances,
		&l.Transaction.ID, &l.Transaction.Type, &l.Transaction.Memo, &l.Transaction.ExternalReference,
	)
	return l, err
}

// linesBetween loads posted lines for the org in [from, to] ordered by posting
// date then creation time. A nil `to` means everything from `from` onwards;
// use linesBefore for the prior window.
func (s *LedgerService) linesBetween(ctx context.Context, orgID string, from, to time.Time) ([]models.LedgerLine, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM ledger_lines l
		JOIN transactions t ON t.id = l.transaction_id
		WHERE l.org_id = $1 AND l.posting_date >= $2 AND l.posting_date <= $3
		ORDER BY l.posting_date, l.created_at`, lineColumns)

	rows, err := s.db.QueryContext(ctx, query, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectLines(ctx, rows)
}

func (s *LedgerService) linesBefore(ctx context.Context, orgID string, before time.Time) ([]models.LedgerLine, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM ledger_lines l
		JOIN transactions t ON t.id = l.transaction_id
		WHERE l.org_id = $1 AND l.posting_date < $2
		ORDER BY l.posting_date, l.created_at`, lineColumns)

	rows, err := s.db.QueryContext(ctx, query, orgID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectLines(ctx, rows)
}

func (s *LedgerService) collectLines(ctx context.Context, rows *sql.Rows) ([]models.LedgerLine, error) {
	var lines []models.LedgerLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachApplications(ctx, lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// attachApplications fills AppliedChargeIDs for payment lines so the basis
// filter can pair payments with the charges they settled.
func (s *LedgerService) attachApplications(ctx context.Context, lines []models.LedgerLine) error {
	var paymentIDs []string
	seen := make(map[string]bool)
	for _, l := range lines {
		if l.Transaction.Type == models.TransactionPayment && !seen[l.Transaction.ID] {
			seen[l.Transaction.ID] = true
			paymentIDs = append(paymentIDs, l.Transaction.ID)
		}
	}
	if len(paymentIDs) == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_id, charge_id FROM payment_applications WHERE payment_id = ANY($1)`,
		pq.Array(paymentIDs))
	if err != nil {
		return err
	}
	defer rows.Close()

	applied := make(map[string][]string)
	for rows.Next() {
		var paymentID, chargeID string
		if err := rows.Scan(&paymentID, &chargeID); err != nil {
			return err
		}
		applied[paymentID] = append(applied[paymentID], chargeID)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range lines {
		if ids, ok := applied[lines[i].Transaction.ID]; ok {
			lines[i].Transaction.AppliedChargeIDs = ids
		}
	}
	return nil
}

// Report loads the prior and in-window lines for the org and aggregates them.
func (s *LedgerService) Report(ctx context.Context, orgID string, from, to time.Time, basis models.Basis) ([]models.AccountGroup, error) {
	prior, err := s.linesBefore(ctx, orgID, from)
	if err != nil {
		return nil, fmt.Errorf("loading prior lines: %w", err)
	}
	period, err := s.linesBetween(ctx, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading period lines: %w", err)
	}
	return BuildLedgerGroups(prior, period, GroupOptions{Basis: basis}), nil
}
