// Package licensetest issues license tokens signed with a throwaway key so
// tests can exercise the verifier without the production signing key.
package licensetest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MacJediWizard/folio/internal/license"
)

// IssuedAt is the fixed issue time used by NewClaims.
var IssuedAt = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// Key returns a process-wide 2048-bit test signing key.
func Key(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, keyErr = rsa.GenerateKey(rand.Reader, license.MinKeyBits)
	})
	if keyErr != nil {
		t.Fatalf("generate test key: %v", keyErr)
	}
	return key
}

// Verifier returns a verifier for the test signing key.
func Verifier(t testing.TB) *license.Verifier {
	t.Helper()
	v, err := license.NewVerifier(&Key(t).PublicKey)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

// NewClaims returns perpetual claims for the tier with a fresh license id.
func NewClaims(tier license.Tier, maxActivations int) *license.Claims {
	return &license.Claims{
		LicenseID:      uuid.NewString(),
		Subject:        "buyer@example.com",
		Tier:           tier,
		MaxActivations: maxActivations,
		IssuedAt:       IssuedAt,
	}
}

// ExpiringAt sets the expiry on c and returns it.
func ExpiringAt(c *license.Claims, at time.Time) *license.Claims {
	exp := at.UTC().Truncate(time.Second)
	c.ExpiresAt = &exp
	return c
}

// Sign encodes and signs claims into a token.
func Sign(t testing.TB, c *license.Claims) string {
	t.Helper()
	payload, err := license.MarshalPayload(c)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return SignPayload(t, payload)
}

// SignPayload signs arbitrary payload bytes, for tests that need a validly
// signed but semantically broken token.
func SignPayload(t testing.TB, payload []byte) string {
	t.Helper()
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPSS(rand.Reader, Key(t), license.PSSOptions.Hash, digest[:], license.PSSOptions)
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	return license.EncodeToken(sig, payload)
}
