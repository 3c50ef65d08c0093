package database_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/MrJamesThe3rd/finsync/internal/database"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "uq_webhook_events_dedupe_key"}

	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{name: "AnyConstraint", err: dup, want: true},
		{name: "NamedConstraint", err: dup, constraint: "uq_webhook_events_dedupe_key", want: true},
		{name: "OtherConstraint", err: dup, constraint: "uq_linked_items_active", want: false},
		{name: "Wrapped", err: fmt.Errorf("inserting event: %w", dup), want: true},
		{name: "OtherCode", err: &pgconn.PgError{Code: "23503"}, want: false},
		{name: "PlainError", err: errors.New("boom"), want: false},
		{name: "Nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, database.IsUniqueViolation(tt.err, tt.constraint))
		})
	}
}

func TestSchema_DeclaresNamedConstraints(t *testing.T) {
	for _, name := range []string{
		"uq_linked_items_active",
		"uq_item_account_links_upstream",
		"uq_item_account_links_item_account",
		"uq_webhook_events_dedupe_key",
		"uq_transactions_account_external",
	} {
		assert.Contains(t, database.Schema(), name)
	}

	assert.Contains(t, database.Schema(), "REFERENCES linked_items (id) ON DELETE CASCADE")
}
