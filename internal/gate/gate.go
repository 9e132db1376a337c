// Package gate is the entitlement API the rest of the application calls.
// Build one Gate at startup and pass it to whatever needs to check access.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/folio/internal/entitlement"
	"github.com/MacJediWizard/folio/internal/license"
	"github.com/MacJediWizard/folio/internal/machineid"
	"github.com/MacJediWizard/folio/internal/metrics"
	"github.com/MacJediWizard/folio/internal/remote"
	"github.com/MacJediWizard/folio/internal/store"
	"github.com/MacJediWizard/folio/internal/trial"
)

// Options configures a Gate.
type Options struct {
	DataDir  string
	Verifier *license.Verifier
	Machine  machineid.Provider
	// Remote and Reporter are optional.
	Remote   remote.Client
	Reporter *remote.UsageReporter

	TrialLimit      int
	RemoteTimeout   time.Duration
	FreshnessWindow time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Status is the caller-facing summary of the current entitlement.
type Status struct {
	Tier                 license.Tier      `json:"tier"`
	Mode                 entitlement.Mode  `json:"validation_mode"`
	Allowed              bool              `json:"allowed"`
	RemainingConversions *int              `json:"remaining_conversions,omitempty"`
	TrialLimit           int               `json:"trial_limit,omitempty"`
	SizeLimitBytes       int64             `json:"size_limit_bytes"`
	Features             []license.Feature `json:"features"`
	MachineID            string            `json:"machine_id"`
	LicenseID            string            `json:"license_id,omitempty"`
	Subject              string            `json:"subject,omitempty"`
	ExpiresAt            *time.Time        `json:"expires_at,omitempty"`
	LastVerifiedAt       *time.Time        `json:"last_verified_at,omitempty"`
	// ServerTier and ServerExpiresAt are the license server's view of the
	// license, set only when it no longer matches the token.
	ServerTier      license.Tier `json:"server_tier,omitempty"`
	ServerExpiresAt *time.Time   `json:"server_expires_at,omitempty"`
	// NeedsReactivation is set when the answer was degraded and the user
	// should activate again. Problem explains why.
	NeedsReactivation bool   `json:"needs_reactivation,omitempty"`
	Problem           string `json:"problem,omitempty"`
}

// Gate answers entitlement questions and records usage.
type Gate struct {
	resolver *entitlement.Resolver
	meter    *trial.Meter
	machine  machineid.Provider
	reporter *remote.UsageReporter
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New opens the local stores and builds the resolver.
func New(ctx context.Context, opts Options) (*Gate, error) {
	if opts.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("license verifier is required")
	}
	if opts.Machine == nil {
		opts.Machine = machineid.New(opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	meter := trial.New(ctx, trial.Options{
		DataDir: opts.DataDir,
		Machine: opts.Machine,
		Limit:   opts.TrialLimit,
		Logger:  opts.Logger,
		Now:     opts.Now,
	})

	resolver, err := entitlement.NewResolver(entitlement.Options{
		Verifier:        opts.Verifier,
		Machine:         opts.Machine,
		Activations:     store.NewActivationStore(opts.DataDir, opts.Machine, opts.Logger),
		Meter:           meter,
		Remote:          opts.Remote,
		RemoteTimeout:   opts.RemoteTimeout,
		FreshnessWindow: opts.FreshnessWindow,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
		Now:             opts.Now,
	})
	if err != nil {
		meter.Close()
		return nil, err
	}

	return &Gate{
		resolver: resolver,
		meter:    meter,
		machine:  opts.Machine,
		reporter: opts.Reporter,
		logger:   opts.Logger.With().Str("component", "gate").Logger(),
		metrics:  opts.Metrics,
		now:      opts.Now,
	}, nil
}

// Resolver returns the underlying resolver, for background revalidation.
func (g *Gate) Resolver() *entitlement.Resolver {
	return g.resolver
}

// Close releases the trial store.
func (g *Gate) Close() error {
	return g.meter.Close()
}

// Activate binds the license token to this machine and returns the new
// status.
func (g *Gate) Activate(ctx context.Context, token string) (Status, error) {
	if _, err := g.resolver.Activate(ctx, token); err != nil {
		return Status{}, err
	}
	return g.Status(ctx), nil
}

// Deactivate removes this machine's activation.
func (g *Gate) Deactivate(ctx context.Context) error {
	return g.resolver.Deactivate(ctx)
}

// Status reports the current entitlement. It never fails; problems are
// reported in the Status itself.
func (g *Gate) Status(ctx context.Context) Status {
	res, problem := g.resolver.Resolve(ctx)
	d := entitlement.DecisionWith(res, problem)

	st := Status{
		Tier:                 d.Tier,
		Mode:                 d.Mode,
		Allowed:              d.Allowed,
		RemainingConversions: d.RemainingConversions,
		SizeLimitBytes:       d.SizeLimitBytes,
		Features:             d.Features,
		MachineID:            machineid.Short(g.machine.ID()),
	}

	entitlement.Match(res,
		func(o entitlement.Online) struct{} {
			st.applyClaims(o.Claims)
			verified := o.VerifiedAt
			st.LastVerifiedAt = &verified
			return struct{}{}
		},
		func(o entitlement.Offline) struct{} {
			st.applyClaims(o.Claims)
			st.LastVerifiedAt = o.LastVerifiedAt
			return struct{}{}
		},
		func(c entitlement.Cached) struct{} {
			st.applyClaims(c.Claims)
			verified := c.VerifiedAt
			st.LastVerifiedAt = &verified
			return struct{}{}
		},
		func(t entitlement.Trial) struct{} {
			st.TrialLimit = t.Snapshot.Limit
			return struct{}{}
		},
	)

	if st.LicenseID != "" {
		g.applyServerClaims(&st)
	}

	st.NeedsReactivation = d.NeedsReactivation
	st.Problem = d.Problem
	return st
}

func (s *Status) applyClaims(c *license.Claims) {
	s.LicenseID = c.LicenseID
	s.Subject = c.Subject
	s.ExpiresAt = c.ExpiresAt
}

// applyServerClaims reports the claims the license server last returned when
// they differ from the token's. An upgrade or renewal shows up here until
// the user activates the reissued token.
func (g *Gate) applyServerClaims(st *Status) {
	rec, err := g.resolver.ActivationRecord()
	if err != nil || rec == nil || rec.CachedClaims == nil {
		return
	}
	server := rec.CachedClaims
	if server.LicenseID != st.LicenseID {
		return
	}
	if server.Tier != st.Tier {
		st.ServerTier = server.Tier
	}
	if !sameTime(server.ExpiresAt, st.ExpiresAt) {
		st.ServerExpiresAt = server.ExpiresAt
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// CheckAccess reports whether the feature may be used now. Denials are
// *license.FeatureNotLicensedError or *license.TrialExhaustedError; a trial
// store that cannot be read denies with ErrPersistenceCorrupted. An access
// granted on a degraded entitlement returns no error, but the decision has
// NeedsReactivation set.
func (g *Gate) CheckAccess(ctx context.Context, feature license.Feature) (entitlement.Decision, error) {
	res, problem := g.resolver.Resolve(ctx)
	d := entitlement.DecisionWith(res, problem)
	if problem != nil {
		g.logger.Warn().Err(problem).Msg("entitlement degraded")
	}

	if !d.Grants(feature) {
		g.metrics.RecordDenial("feature_not_licensed")
		return d, &license.FeatureNotLicensedError{
			Feature:      feature,
			Tier:         d.Tier,
			RequiredTier: license.RequiredTier(feature),
		}
	}

	if t, ok := res.(entitlement.Trial); ok && !d.Allowed {
		if t.Snapshot.Corrupted {
			g.metrics.RecordDenial("persistence_corrupted")
			if problem != nil {
				return d, problem
			}
			return d, &license.RecoverableError{
				Cause:  license.ErrPersistenceCorrupted,
				Action: "an administrative trial reset is required",
			}
		}
		g.metrics.RecordDenial("trial_exhausted")
		return d, &license.TrialExhaustedError{Limit: t.Snapshot.Limit, Used: t.Snapshot.Used}
	}

	return d, nil
}

// CheckSizeLimit fails with *license.FileTooLargeError when the file at path
// exceeds the current tier's ceiling.
func (g *Gate) CheckSizeLimit(ctx context.Context, path string) error {
	size, err := fileSize(path)
	if err != nil {
		return err
	}

	d, _ := g.resolver.Decide(ctx)
	if license.WithinLimit(size, d.SizeLimitBytes) {
		return nil
	}

	g.metrics.RecordDenial("file_too_large")
	return &license.FileTooLargeError{Path: path, Size: size, Limit: d.SizeLimitBytes, Tier: d.Tier}
}

// RecordUsage records one conversion. On the trial it consumes quota
// synchronously and may fail; on a paid tier it queues a usage report and
// never fails.
func (g *Gate) RecordUsage(ctx context.Context, feature license.Feature, path string, success bool) error {
	size, err := fileSize(path)
	if err != nil {
		g.logger.Debug().Err(err).Str("path", path).Msg("recording usage without file size")
		size = 0
	}

	res, _ := g.resolver.Resolve(ctx)
	claims := entitlement.ClaimsOf(res)
	if claims == nil {
		snap, err := g.meter.Record(ctx, feature, size, success)
		g.metrics.SetTrialUsed(snap.Used)
		if err != nil {
			g.recordDenial(err)
			return err
		}
		return nil
	}

	if g.reporter != nil {
		g.reporter.Report(remote.UsageEvent{
			LicenseID: claims.LicenseID,
			MachineID: g.machine.ID(),
			Feature:   feature,
			Bytes:     size,
			Success:   success,
			At:        g.now().UTC(),
		})
	}
	return nil
}

// ResetTrial is the administrative reset of the trial counters. The reason
// is required and logged.
func (g *Gate) ResetTrial(ctx context.Context, operator, reason string) (trial.Snapshot, error) {
	snap, err := g.meter.Reset(ctx, operator, reason)
	if err != nil {
		return snap, err
	}
	g.metrics.SetTrialUsed(snap.Used)
	g.logger.Warn().
		Str("operator", operator).
		Str("reason", reason).
		Int("limit", snap.Limit).
		Msg("trial reset by administrator")
	return snap, nil
}

// UsageLog returns the most recent trial usage entries.
func (g *Gate) UsageLog(ctx context.Context, limit int) ([]store.UsageEntry, error) {
	return g.meter.UsageLog(ctx, limit)
}

func (g *Gate) recordDenial(err error) {
	switch {
	case errors.Is(err, license.ErrTrialExhausted):
		g.metrics.RecordDenial("trial_exhausted")
	case errors.Is(err, license.ErrFeatureNotLicensed):
		g.metrics.RecordDenial("feature_not_licensed")
	case errors.Is(err, license.ErrPersistenceCorrupted):
		g.metrics.RecordDenial("persistence_corrupted")
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", license.ErrFileUnreadable, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", license.ErrFileUnreadable, path)
	}
	return info.Size(), nil
}
