package license

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// TokenPrefix is the first segment of every Folio license token.
	TokenPrefix = "FOLIO1"
	// TokenVersion is the payload format version.
	TokenVersion = 1
	// MinKeyBits is the smallest RSA modulus accepted for token signatures.
	MinKeyBits = 2048

	tokenSeparator = "."
)

var segmentEncoding = base64.RawURLEncoding.Strict()

// PSSOptions are the signature parameters shared by issuers and verifiers.
var PSSOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// Verifier checks license tokens against a public key. It performs no I/O.
type Verifier struct {
	key *rsa.PublicKey
}

// NewVerifier creates a Verifier for the given public key.
func NewVerifier(key *rsa.PublicKey) (*Verifier, error) {
	if key == nil {
		return nil, fmt.Errorf("license public key is required")
	}
	if bits := key.N.BitLen(); bits < MinKeyBits {
		return nil, fmt.Errorf("license public key is %d bits, need at least %d", bits, MinKeyBits)
	}
	return &Verifier{key: key}, nil
}

// Verify decodes the token, checks its signature and structure, and only then
// checks expiry against now. Calling it twice with the same input yields the
// same claims.
func (v *Verifier) Verify(token string, now time.Time) (*Claims, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, TokenPrefix+tokenSeparator) {
		return nil, invalidToken("missing %s prefix", TokenPrefix)
	}

	parts := strings.Split(token, tokenSeparator)
	if len(parts) != 3 {
		return nil, invalidToken("expected 3 segments, got %d", len(parts))
	}

	sig, err := decodeSegment(parts[1])
	if err != nil {
		return nil, invalidToken("decode signature: %v", err)
	}
	payload, err := decodeSegment(parts[2])
	if err != nil {
		return nil, invalidToken("decode payload: %v", err)
	}

	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPSS(v.key, crypto.SHA256, digest[:], sig, PSSOptions); err != nil {
		return nil, invalidToken("signature verification failed")
	}

	var p tokenPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, invalidToken("parse payload: %v", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	claims := p.claims()
	if claims.IsExpired(now) {
		return nil, &ExpiredTokenError{ExpiredAt: *claims.ExpiresAt}
	}
	return claims, nil
}

func (p *tokenPayload) validate() error {
	if p.Version != TokenVersion {
		return invalidToken("unsupported token version %d", p.Version)
	}
	if _, err := uuid.Parse(p.LicenseID); err != nil {
		return invalidToken("license id: %v", err)
	}
	if !p.Tier.IsValid() {
		return invalidToken("unknown tier %q", p.Tier)
	}
	if p.MaxActivations < 1 {
		return invalidToken("max_activations must be at least 1")
	}
	return nil
}

// decodeSegment rejects anything outside the base64url alphabet. The standard
// decoder silently skips CR and LF, which would let a mutated token decode.
func decodeSegment(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty segment")
	}
	if strings.ContainsAny(s, "\r\n") {
		return nil, fmt.Errorf("illegal newline in segment")
	}
	return segmentEncoding.DecodeString(s)
}

// MarshalPayload renders claims as the JSON payload that gets signed.
func MarshalPayload(c *Claims) ([]byte, error) {
	return json.Marshal(payloadFromClaims(c))
}

// EncodeToken assembles a token from a signature and the signed payload.
func EncodeToken(sig, payload []byte) string {
	return strings.Join([]string{
		TokenPrefix,
		segmentEncoding.EncodeToString(sig),
		segmentEncoding.EncodeToString(payload),
	}, tokenSeparator)
}

// Fingerprint returns a short stable reference to a token for logs and
// status output without revealing the token itself.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return fmt.Sprintf("%x", sum[:6])
}
