package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/MrJamesThe3rd/finsync/internal/aggregator"
)

const (
	HeaderSignature    = "Plaid-Signature"
	HeaderVerification = "Plaid-Verification"
)

// KeyFetcher loads a verification key by id from the aggregator.
type KeyFetcher interface {
	FetchVerificationKey(ctx context.Context, keyID string) (*aggregator.VerificationKey, error)
}

// KeyCache keeps verification keys by key id for the life of the process.
// Concurrent misses for the same id share one fetch.
type KeyCache struct {
	fetcher KeyFetcher
	group   singleflight.Group

	mu   sync.RWMutex
	keys map[string]*aggregator.VerificationKey
}

func NewKeyCache(fetcher KeyFetcher) *KeyCache {
	return &KeyCache{
		fetcher: fetcher,
		keys:    make(map[string]*aggregator.VerificationKey),
	}
}

func (c *KeyCache) Get(ctx context.Context, keyID string) (*aggregator.VerificationKey, error) {
	c.mu.RLock()
	key, ok := c.keys[keyID]
	c.mu.RUnlock()

	if ok {
		return key, nil
	}

	v, err, _ := c.group.Do(keyID, func() (any, error) {
		key, err := c.fetcher.FetchVerificationKey(ctx, keyID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.keys[keyID] = key
		c.mu.Unlock()

		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching verification key %s: %w", keyID, err)
	}

	return v.(*aggregator.VerificationKey), nil
}

type VerifierConfig struct {
	HMACSecret string
	Tolerance  time.Duration
	// AllowUnsigned accepts deliveries without any signature header, unverified.
	AllowUnsigned bool
}

// Verifier authenticates webhook deliveries, by shared-secret HMAC when one is
// configured and by the aggregator's signed JWT otherwise.
type Verifier struct {
	cfg    VerifierConfig
	keys   *KeyCache
	logger *slog.Logger
	now    func() time.Time
}

func NewVerifier(cfg VerifierConfig, keys *KeyCache, logger *slog.Logger) *Verifier {
	return &Verifier{
		cfg:    cfg,
		keys:   keys,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the time source used for freshness checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify reports whether the delivery was authenticated. A false result with a
// nil error means verification was skipped.
func (v *Verifier) Verify(ctx context.Context, raw []byte, headers http.Header) (bool, error) {
	if v.cfg.HMACSecret != "" {
		if !verifyHMAC(raw, headers.Get(HeaderSignature), v.cfg.HMACSecret) {
			return false, fmt.Errorf("%w: hmac mismatch", ErrInvalidSignature)
		}

		return true, nil
	}

	token := strings.TrimSpace(headers.Get(HeaderVerification))
	if token == "" {
		if v.cfg.AllowUnsigned {
			v.logger.Warn("skipping webhook signature verification")
			return false, nil
		}

		return false, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, HeaderVerification)
	}

	if err := v.verifyJWT(ctx, raw, token); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return true, nil
}

func verifyHMAC(raw []byte, header, secret string) bool {
	provided := strings.TrimSpace(header)
	if provided == "" {
		return false
	}

	provided = strings.TrimSpace(strings.TrimPrefix(provided, "v1="))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(provided), []byte(expected))
}

type verificationClaims struct {
	RequestBodySHA256 string `json:"request_body_sha256"`
	jwt.RegisteredClaims
}

func (v *Verifier) verifyJWT(ctx context.Context, raw []byte, token string) error {
	var claims verificationClaims

	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing key id")
		}

		key, err := v.keys.Get(ctx, kid)
		if err != nil {
			return nil, err
		}

		if key.ExpiredAt != nil && *key.ExpiredAt <= v.now().Unix() {
			return nil, fmt.Errorf("key %s expired", kid)
		}

		return key.PublicKey()
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(v.cfg.Tolerance),
	)
	if err != nil {
		return fmt.Errorf("parsing verification token: %w", err)
	}

	if claims.IssuedAt == nil {
		return errors.New("token has no issued-at")
	}

	if age := v.now().Sub(claims.IssuedAt.Time); age > v.cfg.Tolerance || age < -v.cfg.Tolerance {
		return fmt.Errorf("token issued %s ago, outside tolerance", age.Round(time.Second))
	}

	sum := sha256.Sum256(raw)
	expected := hex.EncodeToString(sum[:])

	if subtle.ConstantTimeCompare([]byte(claims.RequestBodySHA256), []byte(expected)) != 1 {
		return errors.New("request body hash mismatch")
	}

	return nil
}
