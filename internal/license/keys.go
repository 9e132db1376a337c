package license

import (
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"fmt"
	"os"
)

// embeddedPublicKey verifies production tokens. Only the issuing service holds
// the private half.
//
//go:embed folio_public_key.pem
var embeddedPublicKey []byte

// ParsePublicKeyPEM parses a PKIX or PKCS#1 RSA public key in PEM form.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", key)
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
}

// DefaultVerifier returns a Verifier for the embedded production key.
func DefaultVerifier() (*Verifier, error) {
	key, err := ParsePublicKeyPEM(embeddedPublicKey)
	if err != nil {
		return nil, fmt.Errorf("embedded license key: %w", err)
	}
	return NewVerifier(key)
}

// LoadVerifier returns a Verifier for the key at path, or the embedded key
// when path is empty.
func LoadVerifier(path string) (*Verifier, error) {
	if path == "" {
		return DefaultVerifier()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read license public key: %w", err)
	}
	key, err := ParsePublicKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("license public key %s: %w", path, err)
	}
	return NewVerifier(key)
}
