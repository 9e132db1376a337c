package license

// Unlimited is a sentinel value indicating no size ceiling.
const Unlimited int64 = -1

const (
	mebibyte = 1024 * 1024
)

// tierSizeLimits maps each tier to the largest input file it may convert.
var tierSizeLimits = map[Tier]int64{
	TierTrial:      5 * mebibyte,
	TierBasic:      50 * mebibyte,
	TierPro:        500 * mebibyte,
	TierEnterprise: Unlimited,
}

// SizeLimit returns the input size ceiling in bytes for the tier.
// Returns the trial ceiling for unrecognized tiers.
func SizeLimit(tier Tier) int64 {
	limit, ok := tierSizeLimits[tier]
	if !ok {
		return tierSizeLimits[TierTrial]
	}
	return limit
}

// IsUnlimited returns true if the given limit value represents unlimited.
func IsUnlimited(limit int64) bool {
	return limit == Unlimited
}

// WithinLimit reports whether size fits under limit.
func WithinLimit(size, limit int64) bool {
	return IsUnlimited(limit) || size <= limit
}
