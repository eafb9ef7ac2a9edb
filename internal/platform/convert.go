package platform

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rentfolio/backend/internal/models"
)

// transaction types as the platform spells them on the wire.
var transactionTypes = map[string]models.TransactionType{
	"charge":                models.TransactionCharge,
	"payment":               models.TransactionPayment,
	"bill":                  models.TransactionBill,
	"credit":                models.TransactionCredit,
	"refund":                models.TransactionRefund,
	"deposit":               models.TransactionDeposit,
	"reversed_payment":      models.TransactionReversedPayment,
	"general_journal_entry": models.TransactionGeneralJournal,
}

// ParseTransactionEvent decodes the transaction body of a webhook event and
// converts it to the internal model.
func ParseTransactionEvent(data []byte) (*models.Transaction, error) {
	var payload transactionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding transaction event: %w", err)
	}
	return ConvertTransaction(payload)
}

// ConvertTransaction maps a platform payload into the internal model. Unknown
// transaction types are an error, not a guess: the external shape must never
// leak past this function.
func ConvertTransaction(p transactionPayload) (*models.Transaction, error) {
	txnType, ok := transactionTypes[p.Type]
	if !ok {
		return nil, fmt.Errorf("unknown platform transaction type %q", p.Type)
	}

	date, err := time.Parse("2006-01-02", p.Date)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: bad date %q: %w", p.ID, p.Date, err)
	}
	total, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: bad amount %q: %w", p.ID, p.Amount, err)
	}

	txn := &models.Transaction{
		ExternalReference: p.ID,
		OrgID:             p.OrgID,
		LeaseID:           p.LeaseID,
		Type:              txnType,
		Date:              date,
		Memo:              p.Memo,
		Total:             total,
	}

	for _, lp := range p.Lines {
		line, err := convertLine(txn, lp)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", p.ID, err)
		}
		txn.Lines = append(txn.Lines, line)
	}
	return txn, nil
}

func convertLine(txn *models.Transaction, lp linePayload) (models.LedgerLine, error) {
	signed, err := decimal.NewFromString(lp.Amount)
	if err != nil {
		return models.LedgerLine{}, fmt.Errorf("line %s: bad amount %q: %w", lp.ID, lp.Amount, err)
	}

	postingDate := txn.Date
	if lp.PostingDate != "" {
		postingDate, err = time.Parse("2006-01-02", lp.PostingDate)
		if err != nil {
			return models.LedgerLine{}, fmt.Errorf("line %s: bad posting date %q: %w", lp.ID, lp.PostingDate, err)
		}
	}

	direction := models.DirectionDebit
	magnitude := signed
	if signed.IsNegative() {
		direction = models.DirectionCredit
		magnitude = signed.Neg()
	}

	return models.LedgerLine{
		OrgID:       txn.OrgID,
		PostingDate: postingDate,
		Amount:      magnitude,
		Direction:   direction,
		Memo:        lp.Memo,
		UnitID:      lp.UnitID,
		Account: models.GLAccountRef{
			ID:                      lp.AccountID,
			Name:                    lp.AccountName,
			Number:                  lp.AccountNumber,
			Type:                    models.AccountType(lp.AccountType),
			IsBankAccount:           lp.IsBank,
			ExcludeFromCashBalances: lp.ExcludeCash,
		},
		Transaction: models.TransactionRef{
			ID:                txn.ExternalReference,
			Type:              txn.Type,
			Memo:              txn.Memo,
			ExternalReference: txn.ExternalReference,
		},
	}, nil
}
