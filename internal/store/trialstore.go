package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/MacJediWizard/folio/internal/license"
	"github.com/MacJediWizard/folio/internal/machineid"
)

// TrialFileName is the trial database file in the data directory.
const TrialFileName = "trial.db"

// Usage log entry kinds.
const (
	KindConversion = "conversion"
	KindAdminReset = "admin_reset"
)

const metaInstallDate = "install_date"

// migrations are additive only. Index i moves the schema to user_version i+1.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS trial_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trial_counters (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		used INTEGER NOT NULL,
		conversion_limit INTEGER NOT NULL,
		mac TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_log (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		feature TEXT NOT NULL DEFAULT '',
		bytes INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		counted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_log_created_at ON usage_log(created_at);

	CREATE TRIGGER IF NOT EXISTS usage_log_no_update BEFORE UPDATE ON usage_log
	BEGIN
		SELECT RAISE(ABORT, 'usage_log is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS usage_log_no_delete BEFORE DELETE ON usage_log
	BEGIN
		SELECT RAISE(ABORT, 'usage_log is append-only');
	END;
	`,
	`
	ALTER TABLE usage_log ADD COLUMN operator TEXT NOT NULL DEFAULT '';
	ALTER TABLE usage_log ADD COLUMN reason TEXT NOT NULL DEFAULT '';
	`,
}

// SchemaVersion is the trial database schema version this build writes.
var SchemaVersion = len(migrations)

// Counters is the aggregate trial state.
type Counters struct {
	InstallDate time.Time
	Used        int
	Limit       int
}

// Remaining returns the conversions left, never below zero.
func (c Counters) Remaining() int {
	if c.Used >= c.Limit {
		return 0
	}
	return c.Limit - c.Used
}

// UsageEntry is one row of the append-only usage log.
type UsageEntry struct {
	ID        string
	Kind      string
	Feature   license.Feature
	Bytes     int64
	Success   bool
	Counted   bool
	Operator  string
	Reason    string
	CreatedAt time.Time
}

// TrialOptions configures a TrialStore.
type TrialOptions struct {
	DataDir      string
	Machine      machineid.Provider
	DefaultLimit int
	Logger       zerolog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// TrialStore persists trial counters and the usage log in SQLite.
type TrialStore struct {
	db     *sql.DB
	path   string
	sealer *counterSealer
	limit  int
	now    func() time.Time
	logger zerolog.Logger
}

// OpenTrialStore opens or creates trial.db. An unreadable database or a
// failed migration is reported as ErrPersistenceCorrupted.
func OpenTrialStore(ctx context.Context, opts TrialOptions) (*TrialStore, error) {
	if opts.Machine == nil {
		return nil, fmt.Errorf("machine id provider is required")
	}
	if opts.DefaultLimit <= 0 {
		return nil, fmt.Errorf("trial limit must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := os.MkdirAll(opts.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	sealer, err := newCounterSealer(opts.Machine.ID())
	if err != nil {
		return nil, err
	}

	path := filepath.Join(opts.DataDir, TrialFileName)
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open trial database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &TrialStore{
		db:     db,
		path:   path,
		sealer: sealer,
		limit:  opts.DefaultLimit,
		now:    opts.Now,
		logger: opts.Logger.With().Str("component", "trial_store").Logger(),
	}

	unlock := lockPath(path)
	err = s.migrate(ctx)
	if err == nil {
		err = s.initialize(ctx)
	}
	unlock()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: trial store: %v", license.ErrPersistenceCorrupted, err)
	}

	s.logger.Debug().Str("path", path).Msg("trial database initialized")
	return s, nil
}

// RecoverTrialStore moves an unreadable trial.db aside and creates a fresh
// one. The broken file is kept for support.
func RecoverTrialStore(ctx context.Context, opts TrialOptions) (*TrialStore, error) {
	path := filepath.Join(opts.DataDir, TrialFileName)
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())

	unlock := lockPath(path)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Rename(path+suffix, aside+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			unlock()
			return nil, fmt.Errorf("move corrupt trial store aside: %w", err)
		}
	}
	unlock()

	opts.Logger.Warn().Str("path", path).Str("moved_to", aside).Msg("trial store was unreadable and has been recreated")
	return OpenTrialStore(ctx, opts)
}

// Path returns the database file path.
func (s *TrialStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *TrialStore) Close() error {
	return s.db.Close()
}

func (s *TrialStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		s.logger.Warn().Int("schema_version", version).Msg("trial database written by a newer version")
		return nil
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// initialize writes the install date exactly once and seeds the counters.
func (s *TrialStore) initialize(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO trial_meta (key, value) VALUES (?, ?)`,
		metaInstallDate, now.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("write install date: %w", err)
	}

	installDate, err := readInstallDate(ctx, tx)
	if err != nil {
		return err
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM trial_counters WHERE id = 1`).Scan(&exists); err != nil {
		return fmt.Errorf("read counters: %w", err)
	}
	if exists == 0 {
		if err := s.writeCounters(ctx, tx, Counters{InstallDate: installDate, Used: 0, Limit: s.limit}); err != nil {
			return err
		}
		s.logger.Info().Int("limit", s.limit).Time("install_date", installDate).Msg("trial started")
	}

	return tx.Commit()
}

// Counters returns the verified aggregate counters.
func (s *TrialStore) Counters(ctx context.Context) (Counters, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Counters{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	return s.readCounters(ctx, tx)
}

// Consume appends entry to the usage log. When entry.Counted is set it first
// checks that quota remains and then increments the counter, all inside one
// transaction under the store lock. At the limit it returns
// *license.TrialExhaustedError and writes nothing.
func (s *TrialStore) Consume(ctx context.Context, entry UsageEntry) (Counters, error) {
	unlock := lockPath(s.path)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Counters{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	c, err := s.readCounters(ctx, tx)
	if err != nil {
		return Counters{}, err
	}

	if entry.Counted {
		if c.Used >= c.Limit {
			return c, &license.TrialExhaustedError{Limit: c.Limit, Used: c.Used}
		}
		c.Used++
		if err := s.writeCounters(ctx, tx, c); err != nil {
			return Counters{}, err
		}
	}

	entry.Kind = KindConversion
	if err := s.appendLog(ctx, tx, &entry); err != nil {
		return Counters{}, err
	}

	if err := tx.Commit(); err != nil {
		return Counters{}, fmt.Errorf("commit usage: %w", err)
	}
	return c, nil
}

// Reset zeroes the used counter and logs who did it and why. The install
// date is kept. It also repairs counters whose seal no longer verifies.
func (s *TrialStore) Reset(ctx context.Context, operator, reason string) (Counters, error) {
	unlock := lockPath(s.path)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Counters{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	installDate, err := readInstallDate(ctx, tx)
	if err != nil {
		return Counters{}, err
	}

	limit := s.limit
	var stored int
	err = tx.QueryRowContext(ctx, `SELECT conversion_limit FROM trial_counters WHERE id = 1`).Scan(&stored)
	if err == nil && stored > 0 {
		limit = stored
	}

	c := Counters{InstallDate: installDate, Used: 0, Limit: limit}
	if err := s.writeCounters(ctx, tx, c); err != nil {
		return Counters{}, err
	}

	entry := UsageEntry{Kind: KindAdminReset, Operator: operator, Reason: reason}
	if err := s.appendLog(ctx, tx, &entry); err != nil {
		return Counters{}, err
	}

	if err := tx.Commit(); err != nil {
		return Counters{}, fmt.Errorf("commit reset: %w", err)
	}

	s.logger.Warn().Str("operator", operator).Str("reason", reason).Int("limit", limit).Msg("trial counters reset")
	return c, nil
}

// UsageLog returns the most recent entries, newest first.
func (s *TrialStore) UsageLog(ctx context.Context, limit int) ([]UsageEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, feature, bytes, success, counted, operator, reason, created_at
		FROM usage_log
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage log: %w", err)
	}
	defer rows.Close()

	var entries []UsageEntry
	for rows.Next() {
		var (
			e         UsageEntry
			feature   string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &feature, &e.Bytes, &e.Success, &e.Counted, &e.Operator, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan usage entry: %w", err)
		}
		e.Feature = license.Feature(feature)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *TrialStore) readCounters(ctx context.Context, tx *sql.Tx) (Counters, error) {
	installDate, err := readInstallDate(ctx, tx)
	if err != nil {
		return Counters{}, err
	}

	c := Counters{InstallDate: installDate}
	var mac string
	err = tx.QueryRowContext(ctx,
		`SELECT used, conversion_limit, mac FROM trial_counters WHERE id = 1`,
	).Scan(&c.Used, &c.Limit, &mac)
	if err != nil {
		return Counters{}, fmt.Errorf("%w: read trial counters: %v", license.ErrPersistenceCorrupted, err)
	}

	if c.Used < 0 || c.Limit <= 0 || !s.sealer.verify(c.Used, c.Limit, installDate, mac) {
		return Counters{}, fmt.Errorf("%w: trial counters failed integrity check", license.ErrPersistenceCorrupted)
	}
	return c, nil
}

func (s *TrialStore) writeCounters(ctx context.Context, tx *sql.Tx, c Counters) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trial_counters (id, used, conversion_limit, mac, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			used = excluded.used,
			conversion_limit = excluded.conversion_limit,
			mac = excluded.mac,
			updated_at = excluded.updated_at
	`, c.Used, c.Limit, s.sealer.seal(c.Used, c.Limit, c.InstallDate), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write trial counters: %w", err)
	}
	return nil
}

func (s *TrialStore) appendLog(ctx context.Context, tx *sql.Tx, e *UsageEntry) error {
	e.ID = uuid.NewString()
	e.CreatedAt = s.now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO usage_log (id, kind, feature, bytes, success, counted, operator, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Kind, string(e.Feature), e.Bytes, e.Success, e.Counted, e.Operator, e.Reason, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append usage log: %w", err)
	}
	return nil
}

func readInstallDate(ctx context.Context, tx *sql.Tx) (time.Time, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT value FROM trial_meta WHERE key = ?`, metaInstallDate).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: read install date: %v", license.ErrPersistenceCorrupted, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parse install date: %v", license.ErrPersistenceCorrupted, err)
	}
	return t, nil
}
