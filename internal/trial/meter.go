// Package trial meters free-tier usage. The meter is ACTIVE while conversions
// remain and EXHAUSTED once they are used up; only Record moves it forward and
// only an administrative Reset moves it back.
package trial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/folio/internal/license"
	"github.com/MacJediWizard/folio/internal/machineid"
	"github.com/MacJediWizard/folio/internal/store"
)

// DefaultLimit is the number of free conversions on a fresh install.
const DefaultLimit = 10

// State is the meter state.
type State string

const (
	// StateActive means conversions remain.
	StateActive State = "active"
	// StateExhausted means no conversions remain or the store is unusable.
	StateExhausted State = "exhausted"
)

// Snapshot is a point-in-time view of the trial.
type Snapshot struct {
	InstallDate time.Time         `json:"install_date"`
	Used        int               `json:"used"`
	Limit       int               `json:"limit"`
	Remaining   int               `json:"remaining"`
	Allowed     []license.Feature `json:"allowed"`
	State       State             `json:"state"`
	// Corrupted is set when the trial store could not be read.
	Corrupted bool `json:"corrupted,omitempty"`
}

// Options configures a Meter.
type Options struct {
	DataDir string
	Machine machineid.Provider
	Limit   int
	// Allowed defaults to the trial tier features.
	Allowed []license.Feature
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Meter enforces the free-tier conversion limit.
type Meter struct {
	opts    Options
	allowed map[license.Feature]bool
	logger  zerolog.Logger

	mu      sync.Mutex
	store   *store.TrialStore
	openErr error
}

// New opens the trial store. New never fails: an unusable store leaves the
// meter EXHAUSTED and every call reports ErrPersistenceCorrupted until Reset.
func New(ctx context.Context, opts Options) *Meter {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if len(opts.Allowed) == 0 {
		opts.Allowed = license.TierFeatures(license.TierTrial)
	}

	m := &Meter{
		opts:    opts,
		allowed: make(map[license.Feature]bool, len(opts.Allowed)),
		logger:  opts.Logger.With().Str("component", "trial_meter").Logger(),
	}
	for _, f := range opts.Allowed {
		m.allowed[f] = true
	}

	m.store, m.openErr = store.OpenTrialStore(ctx, m.storeOptions())
	if m.openErr != nil {
		m.logger.Warn().Err(m.openErr).Msg("trial store unusable, trial treated as exhausted until reset")
	}
	return m
}

func (m *Meter) storeOptions() store.TrialOptions {
	return store.TrialOptions{
		DataDir:      m.opts.DataDir,
		Machine:      m.opts.Machine,
		DefaultLimit: m.opts.Limit,
		Logger:       m.opts.Logger,
		Now:          m.opts.Now,
	}
}

// SizeLimit returns the trial input size ceiling.
func (m *Meter) SizeLimit() int64 {
	return license.SizeLimit(license.TierTrial)
}

// Allowed reports whether the feature is part of the trial.
func (m *Meter) Allowed(feature license.Feature) bool {
	return m.allowed[feature]
}

// State returns a snapshot. An unusable store yields an EXHAUSTED snapshot
// together with an error wrapping ErrPersistenceCorrupted.
func (m *Meter) State(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	st, openErr := m.store, m.openErr
	m.mu.Unlock()

	if st == nil {
		return m.exhaustedSnapshot(), openErr
	}
	c, err := st.Counters(ctx)
	if err != nil {
		if errors.Is(err, license.ErrPersistenceCorrupted) {
			m.logger.Warn().Err(err).Msg("trial counters unreadable, treating trial as exhausted")
		}
		return m.exhaustedSnapshot(), err
	}
	return m.snapshot(c), nil
}

// CanUse reports whether the trial is ACTIVE and includes the feature.
// It never changes state.
func (m *Meter) CanUse(ctx context.Context, feature license.Feature) bool {
	return m.Check(ctx, feature) == nil
}

// Check explains why CanUse would return false.
func (m *Meter) Check(ctx context.Context, feature license.Feature) error {
	if !m.Allowed(feature) {
		return m.notLicensed(feature)
	}
	snap, err := m.State(ctx)
	if err != nil {
		return err
	}
	if snap.State == StateExhausted {
		return &license.TrialExhaustedError{Limit: snap.Limit, Used: snap.Used}
	}
	return nil
}

// Record logs a conversion. Successful conversions consume one unit of quota
// after checking that one remains; failed conversions are logged only.
func (m *Meter) Record(ctx context.Context, feature license.Feature, bytes int64, success bool) (Snapshot, error) {
	if !m.Allowed(feature) {
		return Snapshot{}, m.notLicensed(feature)
	}

	m.mu.Lock()
	st, openErr := m.store, m.openErr
	m.mu.Unlock()
	if st == nil {
		return m.exhaustedSnapshot(), openErr
	}

	c, err := st.Consume(ctx, store.UsageEntry{
		Feature: feature,
		Bytes:   bytes,
		Success: success,
		Counted: success,
	})
	if err != nil {
		var exhausted *license.TrialExhaustedError
		if errors.As(err, &exhausted) {
			return m.snapshot(c), err
		}
		return m.exhaustedSnapshot(), fmt.Errorf("record trial usage: %w", err)
	}

	snap := m.snapshot(c)
	m.logger.Debug().
		Str("feature", string(feature)).
		Bool("success", success).
		Int("remaining", snap.Remaining).
		Msg("trial usage recorded")
	if success && snap.State == StateExhausted {
		m.logger.Info().Int("limit", snap.Limit).Msg("trial exhausted")
	}
	return snap, nil
}

// Reset is the administrative way back to ACTIVE. It keeps the install date
// when the store is readable and recreates the store when it is not.
func (m *Meter) Reset(ctx context.Context, operator, reason string) (Snapshot, error) {
	if reason == "" {
		return Snapshot{}, fmt.Errorf("a reason is required to reset the trial")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		c, err := m.store.Reset(ctx, operator, reason)
		if err == nil {
			return m.snapshot(c), nil
		}
		if !errors.Is(err, license.ErrPersistenceCorrupted) {
			return Snapshot{}, err
		}
		m.logger.Warn().Err(err).Msg("trial store unreadable during reset, recreating")
		m.store.Close()
		m.store = nil
	}

	st, err := store.RecoverTrialStore(ctx, m.storeOptions())
	if err != nil {
		m.openErr = err
		return m.exhaustedSnapshot(), err
	}
	m.store, m.openErr = st, nil

	c, err := st.Reset(ctx, operator, reason)
	if err != nil {
		return Snapshot{}, err
	}
	return m.snapshot(c), nil
}

// UsageLog returns the most recent usage entries.
func (m *Meter) UsageLog(ctx context.Context, limit int) ([]store.UsageEntry, error) {
	m.mu.Lock()
	st, openErr := m.store, m.openErr
	m.mu.Unlock()
	if st == nil {
		return nil, openErr
	}
	return st.UsageLog(ctx, limit)
}

// Close releases the trial store.
func (m *Meter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	err := m.store.Close()
	m.store = nil
	m.openErr = fmt.Errorf("%w: trial meter closed", license.ErrPersistenceCorrupted)
	return err
}

func (m *Meter) notLicensed(feature license.Feature) error {
	return &license.FeatureNotLicensedError{
		Feature:      feature,
		Tier:         license.TierTrial,
		RequiredTier: license.RequiredTier(feature),
	}
}

func (m *Meter) snapshot(c store.Counters) Snapshot {
	snap := Snapshot{
		InstallDate: c.InstallDate,
		Used:        c.Used,
		Limit:       c.Limit,
		Remaining:   c.Remaining(),
		Allowed:     append([]license.Feature(nil), m.opts.Allowed...),
		State:       StateActive,
	}
	if snap.Remaining == 0 {
		snap.State = StateExhausted
	}
	return snap
}

func (m *Meter) exhaustedSnapshot() Snapshot {
	return Snapshot{
		Used:      m.opts.Limit,
		Limit:     m.opts.Limit,
		Remaining: 0,
		Allowed:   append([]license.Feature(nil), m.opts.Allowed...),
		State:     StateExhausted,
		Corrupted: true,
	}
}
