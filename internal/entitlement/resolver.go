package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/MacJediWizard/folio/internal/license"
	"github.com/MacJediWizard/folio/internal/machineid"
	"github.com/MacJediWizard/folio/internal/metrics"
	"github.com/MacJediWizard/folio/internal/remote"
	"github.com/MacJediWizard/folio/internal/store"
	"github.com/MacJediWizard/folio/internal/trial"
)

const (
	// DefaultFreshnessWindow is how long a server confirmation keeps a
	// license in cached mode.
	DefaultFreshnessWindow = 24 * time.Hour
	// DefaultRemoteTimeout bounds each license server call.
	DefaultRemoteTimeout = 5 * time.Second
	// DefaultActivationAttempts is the activation attempts allowed per minute.
	DefaultActivationAttempts = 5
)

const reactivateAction = "activate a valid license to restore full access"

// Options configures a Resolver.
type Options struct {
	Verifier    *license.Verifier
	Machine     machineid.Provider
	Activations *store.ActivationStore
	Meter       *trial.Meter
	// Remote is optional; nil means no license server is configured.
	Remote remote.Client

	RemoteTimeout   time.Duration
	FreshnessWindow time.Duration
	// ActivationAttempts per minute before Activate returns ErrRateLimited.
	ActivationAttempts int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Resolver combines the activation record, the license server and the trial
// meter into one answer per call.
type Resolver struct {
	verifier    *license.Verifier
	machine     machineid.Provider
	activations *store.ActivationStore
	meter       *trial.Meter
	remote      remote.Client

	remoteTimeout time.Duration
	freshness     time.Duration

	limiter *rate.Limiter
	group   singleflight.Group
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Verifier == nil {
		return nil, errors.New("license verifier is required")
	}
	if opts.Machine == nil {
		return nil, errors.New("machine identity provider is required")
	}
	if opts.Activations == nil {
		return nil, errors.New("activation store is required")
	}
	if opts.Meter == nil {
		return nil, errors.New("trial meter is required")
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = DefaultRemoteTimeout
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = DefaultFreshnessWindow
	}
	if opts.ActivationAttempts <= 0 {
		opts.ActivationAttempts = DefaultActivationAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Resolver{
		verifier:      opts.Verifier,
		machine:       opts.Machine,
		activations:   opts.Activations,
		meter:         opts.Meter,
		remote:        opts.Remote,
		remoteTimeout: opts.RemoteTimeout,
		freshness:     opts.FreshnessWindow,
		limiter:       rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.ActivationAttempts)), opts.ActivationAttempts),
		logger:        opts.Logger.With().Str("component", "resolver").Logger(),
		metrics:       opts.Metrics,
		now:           opts.Now,
	}, nil
}

// RemoteConfigured reports whether a license server is configured.
func (r *Resolver) RemoteConfigured() bool {
	return r.remote != nil
}

// Resolve returns the current resolution. It always returns a usable
// resolution; a non-nil error is a *license.RecoverableError explaining why
// the answer was degraded to the trial.
func (r *Resolver) Resolve(ctx context.Context) (Resolution, error) {
	res, problem := r.resolve(ctx)
	d := DecisionFor(res)
	r.metrics.RecordDecision(string(d.Mode), string(d.Tier))
	return res, problem
}

// Decide is Resolve flattened into a Decision. A degraded decision carries
// the problem in its NeedsReactivation and Problem fields as well.
func (r *Resolver) Decide(ctx context.Context) (Decision, error) {
	res, problem := r.Resolve(ctx)
	return DecisionWith(res, problem), problem
}

func (r *Resolver) resolve(ctx context.Context) (Resolution, error) {
	rec, err := r.activations.Load()
	if err != nil {
		r.logger.Warn().Err(err).Msg("activation record unreadable, falling back to trial")
		return r.trial(ctx, degraded(err))
	}
	if rec == nil {
		return r.trial(ctx, nil)
	}

	now := r.now()
	claims, err := r.verifier.Verify(rec.Token, now)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("license_id", rec.LicenseID).
			Msg("stored license failed verification, falling back to trial")
		return r.trial(ctx, degraded(err))
	}

	if r.remote != nil {
		res, err := r.validateOnline(ctx, rec.Token)
		if err == nil {
			if online, handled, problem := r.applyStatus(ctx, rec, claims, res, now); handled {
				return online, problem
			}
		} else {
			r.logger.Debug().Err(err).Msg("license server unreachable, validating locally")
		}
	}

	if rec.VerifiedWithin(r.freshness, now) {
		return Cached{Claims: claims, VerifiedAt: *rec.LastVerifiedAt}, nil
	}
	return Offline{Claims: claims, LastVerifiedAt: rec.LastVerifiedAt}, nil
}

// applyStatus turns a server verdict into a resolution. handled is false for
// verdicts that must be treated as if the server were unreachable.
func (r *Resolver) applyStatus(ctx context.Context, rec *store.ActivationRecord, claims *license.Claims, res *remote.ValidateResult, now time.Time) (Resolution, bool, error) {
	log := r.logger.With().Str("license_id", rec.LicenseID).Str("status", string(res.Status)).Logger()

	switch res.Status {
	case remote.StatusValid:
		verifiedAt := now
		rec.LastVerifiedAt = &verifiedAt
		rec.CachedClaims = claims
		if res.Claims != nil && res.Claims.LicenseID == claims.LicenseID {
			rec.CachedClaims = res.Claims
		}
		if err := r.activations.Save(rec); err != nil {
			log.Warn().Err(err).Msg("failed to record license server confirmation")
		}
		return Online{Claims: claims, VerifiedAt: verifiedAt}, true, nil

	case remote.StatusRevoked:
		log.Warn().Msg("license revoked by server, removing activation")
		if err := r.activations.Delete(); err != nil {
			log.Error().Err(err).Msg("failed to remove revoked activation")
		}
		out, problem := r.trial(ctx, degraded(&license.InvalidTokenError{Reason: "license revoked"}))
		return out, true, problem

	case remote.StatusExpired:
		log.Warn().Msg("license expired according to server, falling back to trial")
		expiredAt := now
		if claims.ExpiresAt != nil {
			expiredAt = *claims.ExpiresAt
		}
		out, problem := r.trial(ctx, degraded(&license.ExpiredTokenError{ExpiredAt: expiredAt}))
		return out, true, problem

	case remote.StatusInvalid:
		log.Warn().Str("message", res.Message).Msg("license server does not recognize the license, falling back to trial")
		out, problem := r.trial(ctx, degraded(&license.InvalidTokenError{Reason: "not recognized by the license server"}))
		return out, true, problem

	default:
		log.Warn().Msg("unknown license server status, validating locally")
		return nil, false, nil
	}
}

// validateOnline asks the server about the token. Concurrent callers share
// one request; each caller still returns once its own context is done.
func (r *Resolver) validateOnline(ctx context.Context, token string) (*remote.ValidateResult, error) {
	ch := r.group.DoChan(license.Fingerprint(token), func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.remoteTimeout)
		defer cancel()
		return r.remote.Validate(callCtx, token, r.machine.ID())
	})

	timer := time.NewTimer(r.remoteTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*remote.ValidateResult), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", license.ErrRemoteUnavailable, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: validation timed out", license.ErrRemoteUnavailable)
	}
}

func (r *Resolver) trial(ctx context.Context, problem error) (Resolution, error) {
	snap, err := r.meter.State(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("trial state unreadable, trial treated as exhausted")
		if problem == nil {
			problem = &license.RecoverableError{
				Cause:  err,
				Action: "an administrative trial reset is required",
			}
		}
	}
	r.metrics.SetTrialUsed(snap.Used)
	return Trial{Snapshot: snap}, problem
}

func degraded(cause error) error {
	return &license.RecoverableError{Cause: cause, Action: reactivateAction}
}

// Activate verifies the token, claims an activation slot and binds the
// license to this machine. Activating the already active token again is a
// no-op and does not count against the attempt limit.
func (r *Resolver) Activate(ctx context.Context, token string) (*license.Claims, error) {
	token = strings.TrimSpace(token)
	now := r.now()

	existing, loadErr := r.activations.Load()
	if loadErr != nil {
		existing = nil
	}
	if existing != nil && existing.Token == token {
		claims, err := r.verifier.Verify(token, now)
		if err != nil {
			return nil, err
		}
		r.logger.Debug().Str("license_id", claims.LicenseID).Msg("license already active on this machine")
		return claims, nil
	}

	if !r.limiter.Allow() {
		return nil, fmt.Errorf("%w: try again in a minute", license.ErrRateLimited)
	}

	claims, err := r.verifier.Verify(token, now)
	if err != nil {
		return nil, err
	}

	log := r.logger.With().Str("license_id", claims.LicenseID).Str("tier", string(claims.Tier)).Logger()
	if loadErr != nil {
		log.Warn().Err(loadErr).Msg("replacing unreadable activation record")
	}

	rec := &store.ActivationRecord{
		LicenseID:    claims.LicenseID,
		Token:        token,
		ActivatedAt:  now,
		CachedClaims: claims,
	}

	if r.remote != nil {
		if err := r.register(ctx, claims, rec, now); err != nil {
			return nil, err
		}
	}

	if err := r.activations.Save(rec); err != nil {
		return nil, fmt.Errorf("%w: %v", license.ErrPersistenceCorrupted, err)
	}

	if existing != nil && existing.LicenseID != claims.LicenseID {
		r.release(ctx, existing.LicenseID)
	}

	log.Info().
		Str("subject", claims.Subject).
		Str("machine", machineid.Short(r.machine.ID())).
		Bool("perpetual", claims.IsPerpetual()).
		Msg("license activated")
	return claims, nil
}

// register claims a slot on the server. An unreachable server falls back to
// the token's own limit, which one machine always satisfies.
func (r *Resolver) register(ctx context.Context, claims *license.Claims, rec *store.ActivationRecord, now time.Time) error {
	callCtx, cancel := context.WithTimeout(ctx, r.remoteTimeout)
	defer cancel()

	res, err := r.remote.RegisterActivation(callCtx, claims.LicenseID, r.machine.ID())
	if err != nil {
		r.logger.Warn().
			Err(err).
			Int("max_activations", claims.MaxActivations).
			Msg("license server unavailable, activating against the token limit")
		return nil
	}
	if !res.OK {
		limit := res.MaxActivations
		if limit == 0 {
			limit = claims.MaxActivations
		}
		r.metrics.RecordDenial("activation_limit")
		return &license.ActivationLimitError{MaxActivations: limit, Reason: res.Reason}
	}

	verifiedAt := now
	rec.LastVerifiedAt = &verifiedAt
	return nil
}

// Deactivate removes the local activation and tries to free the server slot.
// Server failures never block the local removal.
func (r *Resolver) Deactivate(ctx context.Context) error {
	rec, loadErr := r.activations.Load()
	if loadErr != nil {
		r.logger.Warn().Err(loadErr).Msg("removing unreadable activation record")
	}

	if err := r.activations.Delete(); err != nil {
		return fmt.Errorf("%w: %v", license.ErrPersistenceCorrupted, err)
	}

	if rec == nil {
		r.logger.Info().Msg("no activation to remove")
		return nil
	}

	r.release(ctx, rec.LicenseID)
	r.logger.Info().Str("license_id", rec.LicenseID).Msg("license deactivated")
	return nil
}

func (r *Resolver) release(ctx context.Context, licenseID string) {
	if r.remote == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, r.remoteTimeout)
	defer cancel()

	if err := r.remote.ReleaseActivation(callCtx, licenseID, r.machine.ID()); err != nil {
		r.logger.Warn().Err(err).Str("license_id", licenseID).Msg("failed to release activation slot on license server")
	}
}

// ActivationRecord returns the stored activation for this machine, if any.
func (r *Resolver) ActivationRecord() (*store.ActivationRecord, error) {
	return r.activations.Load()
}
