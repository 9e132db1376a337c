package license

import (
	"time"
)

// Claims is the verified content of a license token.
type Claims struct {
	LicenseID      string     `json:"license_id"`
	Subject        string     `json:"subject"`
	Tier           Tier       `json:"tier"`
	MaxActivations int        `json:"max_activations"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Features       []Feature  `json:"features,omitempty"`
}

// tokenPayload is the JSON structure signed into a license token.
type tokenPayload struct {
	Version        int      `json:"v"`
	LicenseID      string   `json:"lid"`
	Subject        string   `json:"sub"`
	Tier           Tier     `json:"tier"`
	MaxActivations int      `json:"max_activations"`
	IssuedAt       int64    `json:"iat"`
	ExpiresAt      *int64   `json:"exp,omitempty"`
	Features       []string `json:"features,omitempty"`
}

// IsPerpetual reports whether the license never expires.
func (c *Claims) IsPerpetual() bool {
	return c.ExpiresAt == nil
}

// IsExpired reports whether the license expired before now.
func (c *Claims) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// EffectiveFeatures returns the features granted by the token, falling back to
// the tier defaults when the token does not list any.
func (c *Claims) EffectiveFeatures() []Feature {
	if len(c.Features) > 0 {
		out := make([]Feature, len(c.Features))
		copy(out, c.Features)
		return out
	}
	return TierFeatures(c.Tier)
}

// Allows reports whether the claims grant the feature.
func (c *Claims) Allows(feature Feature) bool {
	for _, f := range c.EffectiveFeatures() {
		if f == feature {
			return true
		}
	}
	return false
}

// SizeLimit returns the size ceiling for the licensed tier.
func (c *Claims) SizeLimit() int64 {
	return SizeLimit(c.Tier)
}

func (p *tokenPayload) claims() *Claims {
	c := &Claims{
		LicenseID:      p.LicenseID,
		Subject:        p.Subject,
		Tier:           p.Tier,
		MaxActivations: p.MaxActivations,
		IssuedAt:       time.Unix(p.IssuedAt, 0).UTC(),
	}
	if p.ExpiresAt != nil {
		exp := time.Unix(*p.ExpiresAt, 0).UTC()
		c.ExpiresAt = &exp
	}
	if len(p.Features) > 0 {
		c.Features = make([]Feature, len(p.Features))
		for i, f := range p.Features {
			c.Features[i] = Feature(f)
		}
	}
	return c
}

func payloadFromClaims(c *Claims) *tokenPayload {
	p := &tokenPayload{
		Version:        TokenVersion,
		LicenseID:      c.LicenseID,
		Subject:        c.Subject,
		Tier:           c.Tier,
		MaxActivations: c.MaxActivations,
		IssuedAt:       c.IssuedAt.Unix(),
	}
	if c.ExpiresAt != nil {
		exp := c.ExpiresAt.Unix()
		p.ExpiresAt = &exp
	}
	for _, f := range c.Features {
		p.Features = append(p.Features, string(f))
	}
	return p
}
