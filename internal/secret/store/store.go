package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/MrJamesThe3rd/finsync/internal/secret"
)

// Sealer encrypts secret values with XChaCha20-Poly1305. The tenant and reference
// are bound as associated data, so a row copied to another tenant fails to open.
type Sealer struct {
	key []byte
}

// NewSealer parses a base64-encoded 32 byte key.
func NewSealer(encodedKey string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding secrets key: %w", err)
	}

	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secrets key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	return &Sealer{key: key}, nil
}

func additionalData(tenantID uuid.UUID, ref string) []byte {
	return []byte(tenantID.String() + "|" + ref)
}

// Seal returns nonce||ciphertext.
func (s *Sealer) Seal(plaintext string, tenantID uuid.UUID, ref string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, []byte(plaintext), additionalData(tenantID, ref)), nil
}

func (s *Sealer) Open(sealed []byte, tenantID uuid.UUID, ref string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return "", errors.New("sealed value too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData(tenantID, ref))
	if err != nil {
		return "", fmt.Errorf("opening sealed value: %w", err)
	}

	return string(plaintext), nil
}

type Store struct {
	db     *sql.DB
	sealer *Sealer
}

func New(db *sql.DB, sealer *Sealer) *Store {
	return &Store{db: db, sealer: sealer}
}

func (s *Store) Get(ctx context.Context, ref string, tenantID uuid.UUID) (string, error) {
	query := `SELECT sealed FROM secrets WHERE ref = $1 AND tenant_id = $2`

	var sealed []byte
	if err := s.db.QueryRowContext(ctx, query, ref, tenantID).Scan(&sealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", secret.ErrNotFound
		}

		return "", fmt.Errorf("getting secret: %w", err)
	}

	return s.sealer.Open(sealed, tenantID, ref)
}

func (s *Store) Put(ctx context.Context, value string, tenantID uuid.UUID, purpose string) (string, error) {
	ref := secret.NewRef()

	sealed, err := s.sealer.Seal(value, tenantID, ref)
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO secrets (ref, tenant_id, purpose, sealed, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`

	if _, err := s.db.ExecContext(ctx, query, ref, tenantID, purpose, sealed); err != nil {
		return "", fmt.Errorf("storing secret: %w", err)
	}

	return ref, nil
}

func (s *Store) Delete(ctx context.Context, ref string, tenantID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE ref = $1 AND tenant_id = $2`, ref, tenantID)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return secret.ErrNotFound
	}

	return nil
}
