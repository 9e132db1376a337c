package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/folio/internal/license"
	"github.com/MacJediWizard/folio/internal/machineid"
)

func newActivationStore(t *testing.T, dir string, machine string) *ActivationStore {
	t.Helper()
	return NewActivationStore(dir, machineid.Static(machine), zerolog.Nop())
}

func sampleRecord() *ActivationRecord {
	return &ActivationRecord{
		LicenseID:   "7d5f1d4e-7a53-4c1e-9f7b-3f0b7f6a1c11",
		Token:       "FOLIO1.sig.payload",
		ActivatedAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestActivationStore_LoadMissing(t *testing.T) {
	s := newActivationStore(t, t.TempDir(), "machine-a")

	rec, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestActivationStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	s := newActivationStore(t, dir, "machine-a")

	verified := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	rec := sampleRecord()
	rec.LastVerifiedAt = &verified
	rec.CachedClaims = &license.Claims{LicenseID: rec.LicenseID, Tier: license.TierPro, MaxActivations: 1}
	require.NoError(t, s.Save(rec))

	got, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ActivationVersion, got.Version)
	assert.Equal(t, "machine-a", got.MachineID)
	assert.Equal(t, rec.Token, got.Token)
	assert.True(t, got.ActivatedAt.Equal(rec.ActivatedAt))
	require.NotNil(t, got.LastVerifiedAt)
	assert.True(t, got.LastVerifiedAt.Equal(verified))
	assert.Equal(t, license.TierPro, got.CachedClaims.Tier)

	info, err := os.Stat(filepath.Join(dir, ActivationFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestActivationStore_OtherMachineIsAbsent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, newActivationStore(t, dir, "machine-a").Save(sampleRecord()))

	rec, err := newActivationStore(t, dir, "machine-b").Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestActivationStore_Corrupted(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "not json at all"},
		{"truncated", `{"version":1,"machine_id":"machine-a","tok`},
		{"future version", `{"version":9,"machine_id":"machine-a","token":"FOLIO1.a.b"}`},
		{"missing version", `{"machine_id":"machine-a","token":"FOLIO1.a.b"}`},
		{"missing token", `{"version":1,"machine_id":"machine-a"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, ActivationFileName), []byte(tt.content), 0600))

			rec, err := newActivationStore(t, dir, "machine-a").Load()
			assert.Nil(t, rec)
			assert.True(t, errors.Is(err, license.ErrPersistenceCorrupted), "got %v", err)
		})
	}
}

func TestActivationStore_Delete(t *testing.T) {
	dir := t.TempDir()
	s := newActivationStore(t, dir, "machine-a")
	require.NoError(t, s.Save(sampleRecord()))

	require.NoError(t, s.Delete())
	rec, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Deleting twice is fine.
	assert.NoError(t, s.Delete())
}

func TestActivationRecord_VerifiedWithin(t *testing.T) {
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	rec := sampleRecord()
	assert.False(t, rec.VerifiedWithin(24*time.Hour, now))

	recent := now.Add(-23 * time.Hour)
	rec.LastVerifiedAt = &recent
	assert.True(t, rec.VerifiedWithin(24*time.Hour, now))

	stale := now.Add(-25 * time.Hour)
	rec.LastVerifiedAt = &stale
	assert.False(t, rec.VerifiedWithin(24*time.Hour, now))

	future := now.Add(time.Hour)
	rec.LastVerifiedAt = &future
	assert.False(t, rec.VerifiedWithin(24*time.Hour, now))
}
