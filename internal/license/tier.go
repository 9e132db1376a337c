// Package license defines Folio's license tiers, the features and size
// ceilings each tier unlocks, signed license token verification, and the
// entitlement error taxonomy shared by every layer above it.
package license

// Tier represents the entitlement level of an install.
type Tier string

const (
	// TierTrial is the metered free tier used when no license is activated.
	TierTrial Tier = "trial"
	// TierBasic unlocks the everyday conversion types.
	TierBasic Tier = "basic"
	// TierPro adds OCR, batch and merge workflows.
	TierPro Tier = "pro"
	// TierEnterprise unlocks every feature with no size ceiling.
	TierEnterprise Tier = "enterprise"
)

// ValidTiers returns all valid tiers ordered from most to least restrictive.
func ValidTiers() []Tier {
	return []Tier{TierTrial, TierBasic, TierPro, TierEnterprise}
}

// IsValid checks if the tier is a recognized value.
func (t Tier) IsValid() bool {
	for _, valid := range ValidTiers() {
		if t == valid {
			return true
		}
	}
	return false
}

// IsPaid reports whether the tier comes from an activated license.
func (t Tier) IsPaid() bool {
	return t.IsValid() && t != TierTrial
}

// Rank orders tiers for comparison. Unknown tiers rank below trial.
func (t Tier) Rank() int {
	for i, valid := range ValidTiers() {
		if t == valid {
			return i
		}
	}
	return -1
}

// String implements fmt.Stringer.
func (t Tier) String() string {
	return string(t)
}
