package secret

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// PurposeAggregatorToken tags secrets holding an aggregator access token.
const PurposeAggregatorToken = "aggregator_access_token"

var ErrNotFound = errors.New("secret not found")

//go:generate mockgen -source=secret.go -destination=store_mock.go -package=secret
type Store interface {
	Get(ctx context.Context, ref string, tenantID uuid.UUID) (string, error)
	Put(ctx context.Context, value string, tenantID uuid.UUID, purpose string) (string, error)
	Delete(ctx context.Context, ref string, tenantID uuid.UUID) error
}

// NewRef returns a fresh opaque secret reference.
func NewRef() string {
	return "sec_" + uuid.NewString()
}
