package license

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Sentinel errors for the entitlement taxonomy. Typed errors below unwrap to
// one of these so callers can classify with errors.Is.
var (
	ErrInvalidToken            = errors.New("invalid license token")
	ErrExpiredToken            = errors.New("license token expired")
	ErrActivationLimitExceeded = errors.New("activation limit exceeded")
	ErrMachineMismatch         = errors.New("activation bound to a different machine")
	ErrTrialExhausted          = errors.New("trial exhausted")
	ErrFeatureNotLicensed      = errors.New("feature not licensed")
	ErrFileTooLarge            = errors.New("file too large")
	ErrRemoteUnavailable       = errors.New("license server unavailable")
	ErrPersistenceCorrupted    = errors.New("license data corrupted")
	ErrRateLimited             = errors.New("too many activation attempts")
	ErrFileUnreadable          = errors.New("file unreadable")
)

// InvalidTokenError describes why a token was rejected.
type InvalidTokenError struct {
	Reason string
}

func (e *InvalidTokenError) Error() string {
	if e.Reason == "" {
		return ErrInvalidToken.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidToken, e.Reason)
}

func (e *InvalidTokenError) Unwrap() error { return ErrInvalidToken }

func invalidToken(format string, args ...any) error {
	return &InvalidTokenError{Reason: fmt.Sprintf(format, args...)}
}

// ExpiredTokenError carries the moment a token stopped being valid.
type ExpiredTokenError struct {
	ExpiredAt time.Time
}

func (e *ExpiredTokenError) Error() string {
	return fmt.Sprintf("%s on %s; renew the license to continue", ErrExpiredToken, e.ExpiredAt.UTC().Format("2006-01-02"))
}

func (e *ExpiredTokenError) Unwrap() error { return ErrExpiredToken }

// ActivationLimitError is returned when a license has no free activation slots.
type ActivationLimitError struct {
	MaxActivations int
	Reason         string
}

func (e *ActivationLimitError) Error() string {
	msg := fmt.Sprintf("%s: license allows %d machine(s)", ErrActivationLimitExceeded, e.MaxActivations)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg + "; deactivate another machine first"
}

func (e *ActivationLimitError) Unwrap() error { return ErrActivationLimitExceeded }

// TrialExhaustedError is returned once every free conversion has been used.
type TrialExhaustedError struct {
	Limit int
	Used  int
}

func (e *TrialExhaustedError) Error() string {
	return fmt.Sprintf("%s: all %d free conversions used, 0 remaining; activate a license to continue", ErrTrialExhausted, e.Limit)
}

func (e *TrialExhaustedError) Unwrap() error { return ErrTrialExhausted }

// FeatureNotLicensedError names the feature and the tier that would unlock it.
// RequiredTier is empty when no tier offers the feature.
type FeatureNotLicensedError struct {
	Feature      Feature
	Tier         Tier
	RequiredTier Tier
}

func (e *FeatureNotLicensedError) Error() string {
	if e.RequiredTier == "" {
		return fmt.Sprintf("%s: %q is not offered by any tier", ErrFeatureNotLicensed, e.Feature)
	}
	return fmt.Sprintf("%s: %q requires the %s tier (current tier: %s)", ErrFeatureNotLicensed, e.Feature, e.RequiredTier, e.Tier)
}

func (e *FeatureNotLicensedError) Unwrap() error { return ErrFeatureNotLicensed }

// FileTooLargeError states the file size and the ceiling it exceeded.
type FileTooLargeError struct {
	Path  string
	Size  int64
	Limit int64
	Tier  Tier
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("%s: %s is %s, the %s tier allows up to %s",
		ErrFileTooLarge, e.Path, humanize.IBytes(uint64(e.Size)), e.Tier, humanize.IBytes(uint64(e.Limit)))
}

func (e *FileTooLargeError) Unwrap() error { return ErrFileTooLarge }

// RecoverableError marks a degraded decision: the caller got a usable
// (restricted) answer, and Action tells the user how to restore access.
type RecoverableError struct {
	Cause  error
	Action string
}

func (e *RecoverableError) Error() string {
	if e.Action == "" {
		return e.Cause.Error()
	}
	return fmt.Sprintf("%s; %s", e.Cause, e.Action)
}

func (e *RecoverableError) Unwrap() error { return e.Cause }

// IsRecoverable reports whether err is, or wraps, a RecoverableError.
func IsRecoverable(err error) bool {
	var re *RecoverableError
	return errors.As(err, &re)
}
