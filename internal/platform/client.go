// Package platform talks to the external property-management platform of
// record. Its JSON shapes stop at this boundary: payloads convert to and from
// the internal model here and nowhere else.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rentfolio/backend/internal/models"
)

// Client is the HTTP client for the platform API. The engine treats the
// platform as a trusted upstream and downstream sync target; it never
// reimplements its behavior.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// chargePayload is the platform's wire shape for a posted charge.
type chargePayload struct {
	ExternalID string            `json:"external_id,omitempty"`
	OrgID      string            `json:"organization_id"`
	LeaseID    string            `json:"lease_id,omitempty"`
	Date       string            `json:"date"`
	Memo       string            `json:"memo,omitempty"`
	Amount     string            `json:"amount"`
	Lines      []chargeLine      `json:"lines"`
	Meta       map[string]string `json:"meta,omitempty"`
}

type chargeLine struct {
	AccountID string `json:"gl_account_id"`
	Amount    string `json:"amount"` // signed, decimal string
	Memo      string `json:"memo,omitempty"`
	UnitID    string `json:"unit_id,omitempty"`
}

// CreateCharge mirrors a locally posted charge to the platform and returns
// the platform's id for it. The local idempotency key rides along so platform
// retries dedupe server-side too.
func (c *Client) CreateCharge(ctx context.Context, txn *models.Transaction) (string, error) {
	payload := chargePayload{
		OrgID:   txn.OrgID,
		LeaseID: txn.LeaseID,
		Date:    txn.Date.Format("2006-01-02"),
		Memo:    txn.Memo,
		Amount:  txn.Total.String(),
	}
	if txn.IdempotencyKey != "" {
		payload.Meta = map[string]string{"idempotency_key": txn.IdempotencyKey}
	}
	for _, l := range txn.Lines {
		payload.Lines = append(payload.Lines, chargeLine{
			AccountID: l.Account.ID,
			Amount:    l.SignedAmount().String(),
			Memo:      l.Memo,
			UnitID:    l.UnitID,
		})
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/v1/transactions", payload, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// transactionPayload is the platform's wire shape for a fetched transaction.
// The Type tag discriminates the union; ConvertTransaction maps it into the
// internal model immediately.
type transactionPayload struct {
	ID        string        `json:"id"`
	Type      string        `json:"transaction_type"`
	OrgID     string        `json:"organization_id"`
	LeaseID   string        `json:"lease_id"`
	Date      string        `json:"date"`
	Memo      string        `json:"memo"`
	Reference string        `json:"reference_number"`
	Amount    string        `json:"total_amount"`
	Lines     []linePayload `json:"journal_lines"`
}

type linePayload struct {
	ID            string `json:"id"`
	AccountID     string `json:"gl_account_id"`
	AccountName   string `json:"gl_account_name"`
	AccountNumber string `json:"gl_account_number"`
	AccountType   string `json:"gl_account_type"`
	IsBank        bool   `json:"is_bank_account"`
	ExcludeCash   bool   `json:"exclude_from_cash_balances"`
	Amount        string `json:"amount"` // signed
	Memo          string `json:"memo"`
	UnitID        string `json:"unit_id"`
	PostingDate   string `json:"posting_date"`
}

// GetTransaction fetches one platform transaction converted to the internal
// model.
func (c *Client) GetTransaction(ctx context.Context, externalID string) (*models.Transaction, error) {
	var payload transactionPayload
	if err := c.get(ctx, "/v1/transactions/"+externalID, &payload); err != nil {
		return nil, err
	}
	return ConvertTransaction(payload)
}

// Ping checks the platform is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/v1/health", &struct{}{})
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("platform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("platform %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
