package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/folio/internal/license"
	"github.com/MacJediWizard/folio/internal/machineid"
)

const (
	// ActivationFileName is the activation record file in the data directory.
	ActivationFileName = "activation.json"
	// ActivationVersion is the current activation record format.
	ActivationVersion = 1
)

// ActivationRecord binds one license token to this machine.
type ActivationRecord struct {
	Version     int       `json:"version"`
	MachineID   string    `json:"machine_id"`
	LicenseID   string    `json:"license_id"`
	Token       string    `json:"token"`
	ActivatedAt time.Time `json:"activated_at"`
	// LastVerifiedAt is the last time the license server confirmed the
	// token. Nil when it never has.
	LastVerifiedAt *time.Time      `json:"last_verified_at,omitempty"`
	CachedClaims   *license.Claims `json:"cached_claims,omitempty"`
}

// VerifiedWithin reports whether the server confirmed the token within window.
func (r *ActivationRecord) VerifiedWithin(window time.Duration, now time.Time) bool {
	if r.LastVerifiedAt == nil {
		return false
	}
	age := now.Sub(*r.LastVerifiedAt)
	return age >= 0 && age <= window
}

// ActivationStore reads and writes activation.json.
type ActivationStore struct {
	path    string
	machine machineid.Provider
	logger  zerolog.Logger
}

// NewActivationStore creates a store for activation.json under dataDir.
func NewActivationStore(dataDir string, machine machineid.Provider, logger zerolog.Logger) *ActivationStore {
	return &ActivationStore{
		path:    filepath.Join(dataDir, ActivationFileName),
		machine: machine,
		logger:  logger.With().Str("component", "activation_store").Logger(),
	}
}

// Path returns the activation file path.
func (s *ActivationStore) Path() string {
	return s.path
}

// Load returns the activation record for this machine. It returns nil, nil
// when no record exists or when the record belongs to another machine, and
// ErrPersistenceCorrupted when the file cannot be read or parsed.
func (s *ActivationStore) Load() (*ActivationRecord, error) {
	unlock := lockPath(s.path)
	defer unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read activation: %v", license.ErrPersistenceCorrupted, err)
	}

	var rec ActivationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: parse activation: %v", license.ErrPersistenceCorrupted, err)
	}
	if rec.Version < 1 || rec.Version > ActivationVersion {
		return nil, fmt.Errorf("%w: unsupported activation version %d", license.ErrPersistenceCorrupted, rec.Version)
	}
	if rec.Token == "" || rec.MachineID == "" {
		return nil, fmt.Errorf("%w: activation record incomplete", license.ErrPersistenceCorrupted)
	}

	if rec.MachineID != s.machine.ID() {
		s.logger.Warn().
			Err(license.ErrMachineMismatch).
			Str("stored_machine", machineid.Short(rec.MachineID)).
			Str("current_machine", machineid.Short(s.machine.ID())).
			Msg("ignoring activation from another machine")
		return nil, nil
	}

	return &rec, nil
}

// Save atomically writes the record, binding it to this machine.
func (s *ActivationStore) Save(rec *ActivationRecord) error {
	if rec == nil {
		return fmt.Errorf("activation record is nil")
	}
	rec.Version = ActivationVersion
	rec.MachineID = s.machine.ID()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal activation: %w", err)
	}

	unlock := lockPath(s.path)
	defer unlock()

	if err := writeFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("save activation: %w", err)
	}

	s.logger.Debug().Str("license_id", rec.LicenseID).Msg("activation saved")
	return nil
}

// Delete removes the activation record. A missing file is not an error.
func (s *ActivationStore) Delete() error {
	unlock := lockPath(s.path)
	defer unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete activation: %w", err)
	}
	return nil
}
