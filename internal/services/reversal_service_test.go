package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rentfolio/backend/internal/models"
)

var nsfFeeIncome = models.GLAccountRef{
	ID: "gl-nsf", Name: "NSF Fee Income", Number: "4900", Type: models.AccountIncome,
}

func reversalFixture(t *testing.T) (*ReversalService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	roles := staticResolver{
		"nsf-fee-income": nsfFeeIncome,
		"ar-receivable":  receivable,
	}
	posting := NewPostingService(db, roles, logger)
	notices := NewPaymentNoticeService(logger)
	return NewReversalService(db, posting, notices, "nsf-fee-income", "ar-receivable", logger), mock
}

var paymentHeaderColumns = []string{
	"id", "org_id", "lease_id", "type", "date", "memo", "external_reference", "total", "created_at",
}

var paymentLineColumns = []string{
	"id", "org_id", "posting_date", "amount", "direction", "memo", "property_id", "unit_id",
	"account_id", "account_name", "account_number", "account_type", "is_bank_account",
	"exclude_from_cash_balances", "created_at",
}

// expectLoadPayment queues the header, line, and application reads for a $100
// payment: Operating Bank debited, Rent Income credited, applied to chg-1.
func expectLoadPayment(mock sqlmock.Sqlmock, orgID string) {
	paid := date(2026, time.June, 3)
	mock.ExpectQuery("SELECT (.+) FROM transactions").
		WithArgs("pay-1", models.TransactionPayment).
		WillReturnRows(sqlmock.NewRows(paymentHeaderColumns).
			AddRow("pay-1", orgID, "lease-1", "Payment", paid, "June rent", "ext-44", "100", paid))

	mock.ExpectQuery("SELECT (.+) FROM ledger_lines").
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows(paymentLineColumns).
			AddRow("ll-1", orgID, paid, "100", "DEBIT", "", "", "",
				operatingBank.ID, operatingBank.Name, operatingBank.Number, operatingBank.Type, true, false, paid).
			AddRow("ll-2", orgID, paid, "100", "CREDIT", "", "", "",
				rentIncome.ID, rentIncome.Name, rentIncome.Number, rentIncome.Type, false, false, paid.Add(time.Second)))

	mock.ExpectQuery("SELECT (.+) FROM payment_applications").
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"payment_id", "charge_id", "amount"}).
			AddRow("pay-1", "chg-1", "100"))
}

func TestReverse_NegatesPaymentLines(t *testing.T) {
	svc, mock := reversalFixture(t)
	reversalDate := date(2026, time.June, 10)

	expectLoadPayment(mock, "org-1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs(sqlmock.AnyArg(), "org-1", "lease-1", models.TransactionReversedPayment,
			reversalDate, "Reversal of payment pay-1", "", "reversal:pay-1",
			decimal.NewFromInt(100), decimal.Zero, "pay-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// bank leg flips to a credit, income leg to a debit
	mock.ExpectExec("INSERT INTO ledger_lines").
		WithArgs(sqlmock.AnyArg(), "org-1", sqlmock.AnyArg(), reversalDate,
			decimal.NewFromInt(100), models.DirectionCredit, "", "", "",
			operatingBank.ID, operatingBank.Name, operatingBank.Number, operatingBank.Type,
			true, false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_lines").
		WithArgs(sqlmock.AnyArg(), "org-1", sqlmock.AnyArg(), reversalDate,
			decimal.NewFromInt(100), models.DirectionDebit, "", "", "",
			rentIncome.ID, rentIncome.Name, rentIncome.Number, rentIncome.Type,
			false, false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payment_applications SET reopened_by_transaction_id").
		WithArgs("pay-1", "chg-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE transactions SET open_balance").
		WithArgs("chg-1", decimal.NewFromInt(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.Reverse(context.Background(), "pay-1", "org-1", reversalDate, ReversalOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, result.ReversalTransactionID)
	assert.Empty(t, result.NSFChargeID)
	assert.Equal(t, []ChargeReopening{{ChargeID: "chg-1", Amount: decimal.NewFromInt(100)}}, result.UpdatedCharges)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReverse_WithNSFFee(t *testing.T) {
	svc, mock := reversalFixture(t)
	reversalDate := date(2026, time.June, 10)

	expectLoadPayment(mock, "org-1")

	// reversal transaction
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_lines").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_lines").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// charge reopening
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payment_applications SET reopened_by_transaction_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE transactions SET open_balance").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// fee charge, independently balanced, keyed on the payment
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs(sqlmock.AnyArg(), "org-1", "lease-1", models.TransactionCharge,
			reversalDate, "NSF fee", "", "nsf-fee:pay-1",
			decimal.NewFromInt(35), decimal.NewFromInt(35), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_lines").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_lines").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.Reverse(context.Background(), "pay-1", "org-1", reversalDate, ReversalOptions{
		CreateNSFFee: true,
		FeeAmount:    decimal.NewFromInt(35),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.ReversalTransactionID)
	assert.NotEmpty(t, result.NSFChargeID)
	assert.NotEqual(t, result.ReversalTransactionID, result.NSFChargeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReverse_FeeAlreadyPosted(t *testing.T) {
	svc, mock := reversalFixture(t)
	reversalDate := date(2026, time.June, 10)

	expectLoadPayment(mock, "org-1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_lines").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_lines").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payment_applications SET reopened_by_transaction_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE transactions SET open_balance").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// fee insert loses to an earlier attempt, lookup recovers the id
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_idempotency_key"})
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT (.+) FROM transactions").
		WithArgs("org-1", "nsf-fee:pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "lease_id", "type", "date", "memo", "total", "open_balance", "created_at"}).
			AddRow("fee-1", "org-1", "lease-1", "Charge", reversalDate, "NSF fee", "35", "35", time.Now()))

	result, err := svc.Reverse(context.Background(), "pay-1", "org-1", reversalDate, ReversalOptions{
		CreateNSFFee: true,
		FeeAmount:    decimal.NewFromInt(35),
	})
	require.NoError(t, err)
	assert.Equal(t, "fee-1", result.NSFChargeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReverse_Rejections(t *testing.T) {
	t.Run("payment not found", func(t *testing.T) {
		svc, mock := reversalFixture(t)
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("pay-9", models.TransactionPayment).
			WillReturnRows(sqlmock.NewRows(paymentHeaderColumns))

		_, err := svc.Reverse(context.Background(), "pay-9", "org-1", date(2026, time.June, 10), ReversalOptions{})
		assert.ErrorIs(t, err, ErrPaymentNotFound)
	})

	t.Run("org mismatch", func(t *testing.T) {
		svc, mock := reversalFixture(t)
		expectLoadPayment(mock, "org-2")

		_, err := svc.Reverse(context.Background(), "pay-1", "org-1", date(2026, time.June, 10), ReversalOptions{})
		assert.ErrorIs(t, err, ErrOrgMismatch)
	})

	t.Run("lease mismatch", func(t *testing.T) {
		svc, mock := reversalFixture(t)
		expectLoadPayment(mock, "org-1")

		_, err := svc.Reverse(context.Background(), "pay-1", "org-1", date(2026, time.June, 10),
			ReversalOptions{LeaseID: "lease-9"})
		assert.ErrorIs(t, err, ErrLeaseMismatch)
	})

	t.Run("applications disagree with total", func(t *testing.T) {
		svc, mock := reversalFixture(t)
		paid := date(2026, time.June, 3)
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("pay-1", models.TransactionPayment).
			WillReturnRows(sqlmock.NewRows(paymentHeaderColumns).
				AddRow("pay-1", "org-1", "lease-1", "Payment", paid, "", "", "100", paid))
		mock.ExpectQuery("SELECT (.+) FROM ledger_lines").
			WillReturnRows(sqlmock.NewRows(paymentLineColumns).
				AddRow("ll-1", "org-1", paid, "100", "DEBIT", "", "", "",
					operatingBank.ID, operatingBank.Name, operatingBank.Number, operatingBank.Type, true, false, paid).
				AddRow("ll-2", "org-1", paid, "100", "CREDIT", "", "", "",
					rentIncome.ID, rentIncome.Name, rentIncome.Number, rentIncome.Type, false, false, paid))
		mock.ExpectQuery("SELECT (.+) FROM payment_applications").
			WillReturnRows(sqlmock.NewRows([]string{"payment_id", "charge_id", "amount"}).
				AddRow("pay-1", "chg-1", "60"))

		_, err := svc.Reverse(context.Background(), "pay-1", "org-1", date(2026, time.June, 10), ReversalOptions{})
		assert.ErrorIs(t, err, ErrAllocationMismatch)
	})

	t.Run("duplicate key without a stored reversal", func(t *testing.T) {
		svc, mock := reversalFixture(t)
		expectLoadPayment(mock, "org-1")

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_idempotency_key"})
		mock.ExpectRollback()
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("org-1", "reversal:pay-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "lease_id", "type", "date", "memo", "total", "open_balance", "created_at"}))

		_, err := svc.Reverse(context.Background(), "pay-1", "org-1", date(2026, time.June, 10), ReversalOptions{})
		assert.ErrorIs(t, err, ErrDuplicateKey)
	})
}

// A fee that fails after the reversal commits must be recoverable: the next
// Reverse call picks up the stored reversal, leaves the already-reopened
// charges alone, and posts the fee.
func TestReverse_ResumesAfterFeeFailure(t *testing.T) {
	svc, mock := reversalFixture(t)
	reversalDate := date(2026, time.June, 10)
	opts := ReversalOptions{CreateNSFFee: true, FeeAmount: decimal.NewFromInt(35)}

	// First attempt: reversal and reopen commit, the fee insert dies.
	expectLoadPayment(mock, "org-1")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_lines").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_lines").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payment_applications SET reopened_by_transaction_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE transactions SET open_balance").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	result, err := svc.Reverse(context.Background(), "pay-1", "org-1", reversalDate, opts)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.NSFChargeID)

	// Second attempt: duplicate key resolves to the stored reversal, the
	// application is already claimed, only the fee still posts.
	expectLoadPayment(mock, "org-1")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_idempotency_key"})
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT (.+) FROM transactions").
		WithArgs("org-1", "reversal:pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "lease_id", "type", "date", "memo", "total", "open_balance", "created_at"}).
			AddRow("rev-1", "org-1", "lease-1", "ReversedPayment", reversalDate, "Reversal of payment pay-1", "100", "0", time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payment_applications SET reopened_by_transaction_id").
		WithArgs("pay-1", "chg-1", "rev-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_lines").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_lines").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err = svc.Reverse(context.Background(), "pay-1", "org-1", reversalDate, opts)
	require.NoError(t, err)
	assert.Equal(t, "rev-1", result.ReversalTransactionID)
	assert.NotEmpty(t, result.NSFChargeID)
	assert.Equal(t, []ChargeReopening{{ChargeID: "chg-1", Amount: decimal.NewFromInt(100)}}, result.UpdatedCharges)
	assert.NoError(t, mock.ExpectationsWereMet())
}
