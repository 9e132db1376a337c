package license

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"invalid token", &InvalidTokenError{Reason: "bad"}, ErrInvalidToken},
		{"expired token", &ExpiredTokenError{ExpiredAt: time.Now()}, ErrExpiredToken},
		{"activation limit", &ActivationLimitError{MaxActivations: 1}, ErrActivationLimitExceeded},
		{"trial exhausted", &TrialExhaustedError{Limit: 10, Used: 10}, ErrTrialExhausted},
		{"feature not licensed", &FeatureNotLicensedError{Feature: FeatureOCR}, ErrFeatureNotLicensed},
		{"file too large", &FileTooLargeError{Size: 10, Limit: 5}, ErrFileTooLarge},
		{"recoverable", &RecoverableError{Cause: &InvalidTokenError{}}, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", tt.err)
			assert.True(t, errors.Is(wrapped, tt.sentinel))
		})
	}
}

func TestErrorMessagesExplainTheDenial(t *testing.T) {
	t.Run("feature names required tier", func(t *testing.T) {
		err := &FeatureNotLicensedError{Feature: FeatureOCR, Tier: TierBasic, RequiredTier: TierPro}
		assert.Contains(t, err.Error(), "pro tier")
		assert.Contains(t, err.Error(), "ocr")
	})

	t.Run("unknown feature", func(t *testing.T) {
		err := &FeatureNotLicensedError{Feature: "premiumFeature", Tier: TierTrial}
		assert.Contains(t, err.Error(), "not offered by any tier")
	})

	t.Run("trial states limit", func(t *testing.T) {
		err := &TrialExhaustedError{Limit: 10, Used: 10}
		assert.Contains(t, err.Error(), "all 10 free conversions used")
	})

	t.Run("size states both sizes", func(t *testing.T) {
		err := &FileTooLargeError{Path: "scan.pdf", Size: 6 * 1024 * 1024, Limit: 5 * 1024 * 1024, Tier: TierTrial}
		assert.Contains(t, err.Error(), "6.0 MiB")
		assert.Contains(t, err.Error(), "5.0 MiB")
		assert.Contains(t, err.Error(), "trial tier")
	})

	t.Run("expiry shows date", func(t *testing.T) {
		err := &ExpiredTokenError{ExpiredAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)}
		assert.Contains(t, err.Error(), "2026-03-04")
	})
}

func TestIsRecoverable(t *testing.T) {
	err := fmt.Errorf("resolve: %w", &RecoverableError{Cause: ErrPersistenceCorrupted, Action: "re-activate"})
	assert.True(t, IsRecoverable(err))
	assert.True(t, errors.Is(err, ErrPersistenceCorrupted))
	assert.Contains(t, err.Error(), "re-activate")
	assert.False(t, IsRecoverable(ErrPersistenceCorrupted))
}
