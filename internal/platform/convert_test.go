package platform

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentfolio/backend/internal/models"
)

const paymentEventBody = `{
	"id": "ext-501",
	"transaction_type": "payment",
	"organization_id": "org-1",
	"lease_id": "lease-1",
	"date": "2026-06-03",
	"memo": "June rent",
	"total_amount": "1200.00",
	"journal_lines": [
		{
			"id": "l-1",
			"gl_account_id": "gl-bank",
			"gl_account_name": "Operating Bank",
			"gl_account_type": "ASSET",
			"is_bank_account": true,
			"amount": "1200.00"
		},
		{
			"id": "l-2",
			"gl_account_id": "gl-ar",
			"gl_account_name": "Accounts Receivable",
			"gl_account_type": "ASSET",
			"amount": "-1200.00",
			"posting_date": "2026-06-04"
		}
	]
}`

func TestParseTransactionEvent(t *testing.T) {
	txn, err := ParseTransactionEvent([]byte(paymentEventBody))
	require.NoError(t, err)

	assert.Equal(t, "ext-501", txn.ExternalReference)
	assert.Equal(t, models.TransactionPayment, txn.Type)
	assert.Equal(t, "org-1", txn.OrgID)
	assert.Equal(t, time.Date(2026, time.June, 3, 0, 0, 0, 0, time.UTC), txn.Date)
	assert.True(t, txn.Total.Equal(decimal.RequireFromString("1200.00")))
	require.Len(t, txn.Lines, 2)

	bank := txn.Lines[0]
	assert.Equal(t, models.DirectionDebit, bank.Direction)
	assert.True(t, bank.Amount.Equal(decimal.RequireFromString("1200.00")))
	assert.True(t, bank.Account.IsBankAccount)
	assert.Equal(t, txn.Date, bank.PostingDate, "lines without a posting date inherit the header date")

	ar := txn.Lines[1]
	assert.Equal(t, models.DirectionCredit, ar.Direction, "signed wire amounts split into direction and magnitude")
	assert.True(t, ar.Amount.Equal(decimal.RequireFromString("1200.00")))
	assert.Equal(t, time.Date(2026, time.June, 4, 0, 0, 0, 0, time.UTC), ar.PostingDate)

	for _, l := range txn.Lines {
		assert.Equal(t, "ext-501", l.Transaction.ID)
		assert.Equal(t, models.TransactionPayment, l.Transaction.Type)
	}
}

func TestConvertTransaction_Rejections(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		_, err := ConvertTransaction(transactionPayload{ID: "ext-1", Type: "invoice", Date: "2026-06-03", Amount: "10"})
		assert.ErrorContains(t, err, "unknown platform transaction type")
	})

	t.Run("bad date", func(t *testing.T) {
		_, err := ConvertTransaction(transactionPayload{ID: "ext-1", Type: "charge", Date: "06/03/2026", Amount: "10"})
		assert.ErrorContains(t, err, "bad date")
	})

	t.Run("bad amount", func(t *testing.T) {
		_, err := ConvertTransaction(transactionPayload{ID: "ext-1", Type: "charge", Date: "2026-06-03", Amount: "ten"})
		assert.ErrorContains(t, err, "bad amount")
	})

	t.Run("bad line amount", func(t *testing.T) {
		_, err := ConvertTransaction(transactionPayload{
			ID: "ext-1", Type: "charge", Date: "2026-06-03", Amount: "10",
			Lines: []linePayload{{ID: "l-1", AccountID: "gl-1", Amount: "??"}},
		})
		assert.ErrorContains(t, err, "bad amount")
	})

	t.Run("malformed body", func(t *testing.T) {
		_, err := ParseTransactionEvent([]byte(`{"id":`))
		assert.ErrorContains(t, err, "decoding transaction event")
	})
}
