package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	codeLoginRequired      = "ITEM_LOGIN_REQUIRED"
	codeMutationPagination = "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION"
)

type HTTPConfig struct {
	BaseURL   string
	ClientID  string
	Secret    string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	PageSize  int
}

// HTTPClient talks to a Plaid-compatible JSON API.
type HTTPClient struct {
	cfg     HTTPConfig
	http    *http.Client
	limiter *rate.Limiter
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	burst := max(cfg.RateBurst, 1)

	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type apiError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (c *HTTPClient) post(ctx context.Context, path string, body map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	body["client_id"] = c.cfg.ClientID
	body["secret"] = c.cfg.Secret

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("reading response: %v", err)}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return classify(resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}

	return nil
}

func classify(status int, raw []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(raw, &apiErr); err != nil {
		return &Error{StatusCode: status, Message: strings.TrimSpace(string(raw))}
	}

	switch apiErr.ErrorCode {
	case codeLoginRequired:
		return fmt.Errorf("%w: %s", ErrLoginRequired, apiErr.ErrorMessage)
	case codeMutationPagination:
		return fmt.Errorf("%w: %s", ErrMutationDuringPagination, apiErr.ErrorMessage)
	}

	return &Error{
		StatusCode: status,
		Type:       apiErr.ErrorType,
		Code:       apiErr.ErrorCode,
		Message:    apiErr.ErrorMessage,
	}
}

type accountJSON struct {
	AccountID    string `json:"account_id"`
	Name         string `json:"name"`
	OfficialName string `json:"official_name"`
	Mask         string `json:"mask"`
	Type         string `json:"type"`
	Subtype      string `json:"subtype"`
	Balances     struct {
		Current         *decimal.Decimal `json:"current"`
		Available       *decimal.Decimal `json:"available"`
		ISOCurrencyCode string           `json:"iso_currency_code"`
	} `json:"balances"`
}

func (c *HTTPClient) FetchAccounts(ctx context.Context, accessToken string) ([]Account, error) {
	var resp struct {
		Accounts []accountJSON `json:"accounts"`
	}

	if err := c.post(ctx, "/accounts/get", map[string]any{"access_token": accessToken}, &resp); err != nil {
		return nil, fmt.Errorf("fetching accounts: %w", err)
	}

	accounts := make([]Account, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		balance := a.Balances.Current
		if balance == nil {
			balance = a.Balances.Available
		}

		accounts = append(accounts, Account{
			AccountID:    a.AccountID,
			Name:         a.Name,
			OfficialName: a.OfficialName,
			Mask:         a.Mask,
			Type:         a.Type,
			Subtype:      a.Subtype,
			Balance:      balance,
			Currency:     a.Balances.ISOCurrencyCode,
		})
	}

	return accounts, nil
}

type categoryJSON struct {
	Primary string `json:"primary"`
}

type transactionJSON struct {
	TransactionID           string          `json:"transaction_id"`
	AccountID               string          `json:"account_id"`
	Amount                  decimal.Decimal `json:"amount"`
	ISOCurrencyCode         string          `json:"iso_currency_code"`
	UnofficialCurrencyCode  string          `json:"unofficial_currency_code"`
	Date                    string          `json:"date"`
	AuthorizedDate          string          `json:"authorized_date"`
	Name                    string          `json:"name"`
	MerchantName            string          `json:"merchant_name"`
	Category                []string        `json:"category"`
	PersonalFinanceCategory *categoryJSON   `json:"personal_finance_category"`
}

type removedJSON struct {
	TransactionID string `json:"transaction_id"`
	AccountID     string `json:"account_id"`
}

func parseTransaction(raw json.RawMessage) (Transaction, error) {
	var t transactionJSON
	if err := json.Unmarshal(raw, &t); err != nil {
		return Transaction{}, fmt.Errorf("decoding transaction: %w", err)
	}

	out := Transaction{
		TransactionID: t.TransactionID,
		AccountID:     t.AccountID,
		Amount:        t.Amount,
		Currency:      t.ISOCurrencyCode,
		Name:          t.Name,
		MerchantName:  t.MerchantName,
		Raw:           raw,
	}

	if out.Currency == "" {
		out.Currency = t.UnofficialCurrencyCode
	}

	date := t.Date
	if date == "" {
		date = t.AuthorizedDate
	}

	if d, err := time.Parse(time.DateOnly, date); err == nil {
		out.Date = d
	}

	switch {
	case t.PersonalFinanceCategory != nil && t.PersonalFinanceCategory.Primary != "":
		out.Category = strings.ReplaceAll(t.PersonalFinanceCategory.Primary, "_", " ")
	case len(t.Category) > 0:
		out.Category = t.Category[0]
	}

	return out, nil
}

func (c *HTTPClient) FetchTransactionsPage(ctx context.Context, accessToken string, cursor *string) (*TransactionsPage, error) {
	body := map[string]any{"access_token": accessToken}
	if cursor != nil && *cursor != "" {
		body["cursor"] = *cursor
	}

	if c.cfg.PageSize > 0 {
		body["count"] = c.cfg.PageSize
	}

	var resp struct {
		Added      []json.RawMessage `json:"added"`
		Modified   []json.RawMessage `json:"modified"`
		Removed    []removedJSON     `json:"removed"`
		NextCursor string            `json:"next_cursor"`
		HasMore    bool              `json:"has_more"`
	}

	if err := c.post(ctx, "/transactions/sync", body, &resp); err != nil {
		return nil, fmt.Errorf("fetching transactions page: %w", err)
	}

	page := &TransactionsPage{NextCursor: resp.NextCursor, HasMore: resp.HasMore}

	for _, raw := range resp.Added {
		t, err := parseTransaction(raw)
		if err != nil {
			return nil, err
		}

		page.Added = append(page.Added, t)
	}

	for _, raw := range resp.Modified {
		t, err := parseTransaction(raw)
		if err != nil {
			return nil, err
		}

		page.Modified = append(page.Modified, t)
	}

	for _, r := range resp.Removed {
		page.Removed = append(page.Removed, RemovedTransaction{TransactionID: r.TransactionID, AccountID: r.AccountID})
	}

	return page, nil
}

func (c *HTTPClient) RemoveItem(ctx context.Context, accessToken string) error {
	var resp struct {
		RequestID string `json:"request_id"`
	}

	if err := c.post(ctx, "/item/remove", map[string]any{"access_token": accessToken}, &resp); err != nil {
		return fmt.Errorf("removing item: %w", err)
	}

	return nil
}

func (c *HTTPClient) ExchangePublicToken(ctx context.Context, publicToken string) (*Exchange, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		ItemID      string `json:"item_id"`
	}

	if err := c.post(ctx, "/item/public_token/exchange", map[string]any{"public_token": publicToken}, &resp); err != nil {
		return nil, fmt.Errorf("exchanging public token: %w", err)
	}

	if resp.AccessToken == "" || resp.ItemID == "" {
		return nil, errors.New("exchanging public token: empty access token or item id")
	}

	return &Exchange{AccessToken: resp.AccessToken, ItemID: resp.ItemID}, nil
}

func (c *HTTPClient) FetchVerificationKey(ctx context.Context, keyID string) (*VerificationKey, error) {
	var resp struct {
		Key VerificationKey `json:"key"`
	}

	if err := c.post(ctx, "/webhook_verification_key/get", map[string]any{"key_id": keyID}, &resp); err != nil {
		return nil, fmt.Errorf("fetching verification key: %w", err)
	}

	return &resp.Key, nil
}
