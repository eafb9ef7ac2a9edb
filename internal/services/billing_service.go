package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rentfolio/backend/internal/models"
)

// recurringRunLock serializes scheduled generation runs across overlapping
// cron triggers.
const recurringRunLock = "recurring-bill-run"

// PlatformSyncer mirrors a locally posted transaction to the external
// property-management platform for orgs whose books live there too.
type PlatformSyncer interface {
	CreateCharge(ctx context.Context, txn *models.Transaction) (externalID string, err error)
}

// BillingService generates recurring charges. It is safe to trigger daily:
// the window calendar gates frequencies to their boundary dates and every
// (rule, window) pair carries a deterministic idempotency key, so reruns and
// races produce skips, not duplicates.
type BillingService struct {
	db       *sql.DB
	posting  *PostingService
	locks    *LockService
	platform PlatformSyncer
	logger   *zap.Logger
}

func NewBillingService(db *sql.DB, posting *PostingService, locks *LockService, platform PlatformSyncer, logger *zap.Logger) *BillingService {
	return &BillingService{db: db, posting: posting, locks: locks, platform: platform, logger: logger}
}

// BillingKey is the deterministic idempotency key for one rule and window.
func BillingKey(ruleID string, w models.BillingWindow) string {
	return fmt.Sprintf("recurring:%s:%s:%s",
		ruleID, w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
}

// GenerateRecurringBills runs one generation pass for every active rule and
// returns a summary for the scheduler. A rule that fails is counted and
// logged; it never blocks billing for the rest of the portfolio. When another
// run holds the advisory lock the call returns ErrRunLocked immediately - the
// next scheduled invocation is the retry.
func (s *BillingService) GenerateRecurringBills(ctx context.Context, runDate time.Time) (models.RunSummary, error) {
	summary := models.RunSummary{OrgIDs: []string{}}

	ok, err := s.locks.Acquire(ctx, recurringRunLock)
	if err != nil {
		return summary, err
	}
	if !ok {
		s.logger.Info("recurring bill run skipped: lock held by another run")
		return summary, ErrRunLocked
	}
	defer s.locks.Release(ctx, recurringRunLock)

	rules, err := s.listActiveRules(ctx)
	if err != nil {
		return summary, fmt.Errorf("loading recurring rules: %w", err)
	}

	orgs := make(map[string]bool)
	for _, rule := range rules {
		s.generateForRule(ctx, rule, runDate, &summary, orgs)
	}

	for org := range orgs {
		summary.OrgIDs = append(summary.OrgIDs, org)
	}
	sort.Strings(summary.OrgIDs)

	s.logger.Info("recurring bill run complete",
		zap.Int("generated", summary.Generated),
		zap.Int("skipped", summary.Skipped),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("errors", summary.Errors))
	return summary, nil
}

func (s *BillingService) generateForRule(ctx context.Context, rule models.RecurringRule, runDate time.Time, summary *models.RunSummary, orgs map[string]bool) {
	for _, window := range GenerateBillingWindows(rule.Frequency, runDate) {
		if window.End.Before(rule.FirstBillDate) ||
			(rule.LastBillDate != nil && window.Start.After(*rule.LastBillDate)) {
			summary.Skipped++
			continue
		}

		key := BillingKey(rule.ID, window)
		existing, err := s.posting.FindByIdempotencyKey(ctx, rule.OrgID, key)
		if err != nil {
			summary.Errors++
			s.logger.Error("idempotency lookup failed", zap.String("rule", rule.ID), zap.Error(err))
			continue
		}
		if existing != nil {
			summary.Duplicates++
			continue
		}

		txn, err := s.posting.PostTransaction(ctx, models.PostingRequest{
			Type:           models.TransactionCharge,
			Date:           window.Start,
			OrgID:          rule.OrgID,
			LeaseID:        rule.LeaseID,
			Memo:           rule.Memo,
			IdempotencyKey: key,
			Allocations: []models.Allocation{
				{AccountRole: rule.ReceivableRole, Amount: rule.Amount, UnitID: rule.UnitID},
				{AccountRole: rule.IncomeRole, Amount: rule.Amount.Neg(), UnitID: rule.UnitID},
			},
		})
		if errors.Is(err, ErrDuplicateKey) {
			// Lost the race to a concurrent run; the other side posted it.
			summary.Duplicates++
			continue
		}
		if err != nil {
			summary.Errors++
			s.logger.Error("recurring charge failed",
				zap.String("rule", rule.ID),
				zap.String("window_start", window.Start.Format("2006-01-02")),
				zap.Error(err))
			continue
		}

		summary.Generated++
		orgs[rule.OrgID] = true

		if rule.SyncExternal && s.platform != nil {
			if _, err := s.platform.CreateCharge(ctx, txn); err != nil {
				summary.Errors++
				s.logger.Error("external mirror failed, charge posted locally",
					zap.String("rule", rule.ID), zap.String("transaction", txn.ID), zap.Error(err))
			}
		}
	}
}

func (s *BillingService) listActiveRules(ctx context.Context) ([]models.RecurringRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, lease_id, unit_id, frequency, amount, income_role, receivable_role,
		       memo, active, sync_external, first_bill_date, last_bill_date, created_at
		FROM recurring_rules
		WHERE active
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.RecurringRule
	for rows.Next() {
		var r models.RecurringRule
		if err := rows.Scan(&r.ID, &r.OrgID, &r.LeaseID, &r.UnitID, &r.Frequency, &r.Amount,
			&r.IncomeRole, &r.ReceivableRole, &r.Memo, &r.Active, &r.SyncExternal,
			&r.FirstBillDate, &r.LastBillDate, &r.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
