package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/folio/internal/license"
	"github.com/MacJediWizard/folio/internal/machineid"
)

func trialOpts(dir string) TrialOptions {
	return TrialOptions{
		DataDir:      dir,
		Machine:      machineid.Static("machine-a"),
		DefaultLimit: 3,
		Logger:       zerolog.Nop(),
	}
}

func openTrial(t *testing.T, opts TrialOptions) *TrialStore {
	t.Helper()
	s, err := OpenTrialStore(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func conversion(success bool) UsageEntry {
	return UsageEntry{Feature: license.FeaturePDFToDOCX, Bytes: 1024, Success: success, Counted: success}
}

func TestTrialStore_FreshInstall(t *testing.T) {
	s := openTrial(t, trialOpts(t.TempDir()))

	c, err := s.Counters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, c.Used)
	assert.Equal(t, 3, c.Limit)
	assert.Equal(t, 3, c.Remaining())
	assert.False(t, c.InstallDate.IsZero())
}

func TestTrialStore_ConsumeCheckBeforeIncrement(t *testing.T) {
	ctx := context.Background()
	s := openTrial(t, trialOpts(t.TempDir()))

	for i := 1; i <= 3; i++ {
		c, err := s.Consume(ctx, conversion(true))
		require.NoError(t, err)
		assert.Equal(t, i, c.Used)
		assert.Equal(t, 3-i, c.Remaining())
	}

	for i := 0; i < 3; i++ {
		c, err := s.Consume(ctx, conversion(true))
		var exhausted *license.TrialExhaustedError
		require.True(t, errors.As(err, &exhausted))
		assert.Equal(t, 3, exhausted.Limit)
		assert.Equal(t, 3, c.Used)
		assert.Equal(t, 0, c.Remaining())
	}

	c, err := s.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Used)

	entries, err := s.UsageLog(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "denied attempts are not logged")
}

func TestTrialStore_FailedConversionNotCounted(t *testing.T) {
	ctx := context.Background()
	s := openTrial(t, trialOpts(t.TempDir()))

	c, err := s.Consume(ctx, conversion(false))
	require.NoError(t, err)
	assert.Equal(t, 0, c.Used)

	entries, err := s.UsageLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Counted)
	assert.False(t, entries[0].Success)
	assert.Equal(t, KindConversion, entries[0].Kind)
	assert.Equal(t, license.FeaturePDFToDOCX, entries[0].Feature)
}

func TestTrialStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := OpenTrialStore(ctx, trialOpts(dir))
	require.NoError(t, err)
	before, err := first.Counters(ctx)
	require.NoError(t, err)
	_, err = first.Consume(ctx, conversion(true))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	opts := trialOpts(dir)
	opts.DefaultLimit = 50
	opts.Now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	second := openTrial(t, opts)

	c, err := second.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Used)
	assert.Equal(t, 3, c.Limit, "stored limit wins over a new default")
	assert.True(t, c.InstallDate.Equal(before.InstallDate), "install date is written once")
}

func TestTrialStore_TamperDetected(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTrial(t, trialOpts(dir))
	_, err := s.Consume(ctx, conversion(true))
	require.NoError(t, err)

	raw, err := sql.Open("sqlite", filepath.Join(dir, TrialFileName))
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE trial_counters SET used = 0`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = s.Counters(ctx)
	assert.ErrorIs(t, err, license.ErrPersistenceCorrupted)
	_, err = s.Consume(ctx, conversion(true))
	assert.ErrorIs(t, err, license.ErrPersistenceCorrupted)
}

func TestTrialStore_OtherMachineFailsIntegrity(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenTrialStore(ctx, trialOpts(dir))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	opts := trialOpts(dir)
	opts.Machine = machineid.Static("machine-b")
	moved := openTrial(t, opts)

	_, err = moved.Counters(ctx)
	assert.ErrorIs(t, err, license.ErrPersistenceCorrupted)
}

func TestTrialStore_UsageLogAppendOnly(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTrial(t, trialOpts(dir))
	_, err := s.Consume(ctx, conversion(true))
	require.NoError(t, err)

	raw, err := sql.Open("sqlite", filepath.Join(dir, TrialFileName))
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Exec(`DELETE FROM usage_log`)
	assert.Error(t, err)
	_, err = raw.Exec(`UPDATE usage_log SET counted = 0`)
	assert.Error(t, err)
}

func TestTrialStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := openTrial(t, trialOpts(t.TempDir()))
	before, err := s.Counters(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Consume(ctx, conversion(true))
		require.NoError(t, err)
	}

	c, err := s.Reset(ctx, "support@folio", "customer refund")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Used)
	assert.Equal(t, 3, c.Remaining())
	assert.True(t, c.InstallDate.Equal(before.InstallDate))

	entries, err := s.UsageLog(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindAdminReset, entries[0].Kind)
	assert.Equal(t, "support@folio", entries[0].Operator)
	assert.Equal(t, "customer refund", entries[0].Reason)
}

func TestTrialStore_ResetRepairsTamperedCounters(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTrial(t, trialOpts(dir))

	raw, err := sql.Open("sqlite", filepath.Join(dir, TrialFileName))
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE trial_counters SET mac = 'bogus'`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = s.Counters(ctx)
	require.ErrorIs(t, err, license.ErrPersistenceCorrupted)

	_, err = s.Reset(ctx, "cli", "repair")
	require.NoError(t, err)
	c, err := s.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Remaining())
}

func TestTrialStore_UnreadableFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, TrialFileName), garbage, 0600))

	_, err := OpenTrialStore(ctx, trialOpts(dir))
	require.ErrorIs(t, err, license.ErrPersistenceCorrupted)

	s, err := RecoverTrialStore(ctx, trialOpts(dir))
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Remaining())

	matches, err := filepath.Glob(filepath.Join(dir, TrialFileName+".corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestTrialStore_ConcurrentConsumeNeverOvershoots(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := trialOpts(dir)
	opts.DefaultLimit = 10

	a := openTrial(t, opts)
	b := openTrial(t, opts)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		exhausted int
	)
	for i := 0; i < 30; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		wg.Add(1)
		go func(s *TrialStore) {
			defer wg.Done()
			_, err := s.Consume(ctx, conversion(true))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, license.ErrTrialExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(s)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 20, exhausted)

	c, err := a.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, c.Used)
	assert.Equal(t, 0, c.Remaining())
}

func TestTrialStore_SchemaVersion(t *testing.T) {
	dir := t.TempDir()
	openTrial(t, trialOpts(dir))

	raw, err := sql.Open("sqlite", filepath.Join(dir, TrialFileName))
	require.NoError(t, err)
	defer raw.Close()

	var version int
	require.NoError(t, raw.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, SchemaVersion, version)
}
