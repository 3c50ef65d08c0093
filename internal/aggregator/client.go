package aggregator

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrLoginRequired means the upstream credential was invalidated and the
	// tenant has to re-link the item.
	ErrLoginRequired = errors.New("aggregator: item login required")

	// ErrMutationDuringPagination means the upstream ledger changed while a cursor
	// was being paged and the pass has to restart from its original cursor.
	ErrMutationDuringPagination = errors.New("aggregator: transactions mutated during pagination")
)

// Error is a failed upstream call that is neither a login nor a pagination race.
type Error struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("aggregator: status %d: %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("aggregator: %s/%s: %s", e.Type, e.Code, e.Message)
}

// Transient reports whether a later retry can reasonably succeed.
func (e *Error) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

//go:generate mockgen -source=client.go -destination=client_mock.go -package=aggregator
type Client interface {
	FetchAccounts(ctx context.Context, accessToken string) ([]Account, error)
	FetchTransactionsPage(ctx context.Context, accessToken string, cursor *string) (*TransactionsPage, error)
	RemoveItem(ctx context.Context, accessToken string) error
	ExchangePublicToken(ctx context.Context, publicToken string) (*Exchange, error)
	FetchVerificationKey(ctx context.Context, keyID string) (*VerificationKey, error)
}

// Account is an upstream account as reported by the accounts endpoint.
type Account struct {
	AccountID    string
	Name         string
	OfficialName string
	Mask         string
	Type         string
	Subtype      string
	Balance      *decimal.Decimal
	Currency     string
}

// DisplayName is the name used for matching against local accounts.
func (a Account) DisplayName() string {
	if a.OfficialName != "" {
		return a.OfficialName
	}

	return a.Name
}

// Transaction is an added or modified upstream transaction. Amount follows the
// upstream convention: money leaving the account is positive.
type Transaction struct {
	TransactionID string
	AccountID     string
	Amount        decimal.Decimal
	Currency      string
	Date          time.Time // zero when upstream sent no usable date
	Name          string
	MerchantName  string
	Category      string
	Raw           []byte
}

type RemovedTransaction struct {
	TransactionID string
	AccountID     string
}

type TransactionsPage struct {
	Added      []Transaction
	Modified   []Transaction
	Removed    []RemovedTransaction
	NextCursor string
	HasMore    bool
}

type Exchange struct {
	AccessToken string
	ItemID      string
}

// VerificationKey is the JWK the aggregator signs webhook verification tokens with.
type VerificationKey struct {
	Alg       string `json:"alg"`
	Crv       string `json:"crv"`
	Kid       string `json:"kid"`
	Kty       string `json:"kty"`
	Use       string `json:"use"`
	X         string `json:"x"`
	Y         string `json:"y"`
	CreatedAt int64  `json:"created_at"`
	ExpiredAt *int64 `json:"expired_at"`
}

// PublicKey decodes the P-256 coordinates of the key.
func (k *VerificationKey) PublicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key type %s/%s", k.Kty, k.Crv)
	}

	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decoding x coordinate: %w", err)
	}

	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decoding y coordinate: %w", err)
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}

	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("key point is not on curve")
	}

	return pub, nil
}
