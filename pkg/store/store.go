// Package store persists pipeline state in SQLite: runs, the rendered
// configuration cache, per-device outcomes, validation results and the
// phase outcome ledger later runs check dependencies against.
//
// Everything except the run row itself is insert-only. Writing a key that
// already exists returns util.ErrAlreadyWritten and leaves the stored row
// untouched.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/newtron-network/newtphase/pkg/render"
	"github.com/newtron-network/newtphase/pkg/util"
	"github.com/newtron-network/newtphase/pkg/validate"
)

//go:embed schema.sql
var schemaFS embed.FS

// Run is one pipeline invocation.
type Run struct {
	ID         string
	User       string
	Mode       string
	Topology   string
	State      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// PhaseOutcome is the terminal state of one phase within a run.
type PhaseOutcome struct {
	RunID       string
	Phase       int
	State       string
	FailureKind string
	Diagnostic  string
	// Subset is set when the phase ran on only some of its devices.
	Subset     bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// DeviceOutcome records one device's render or apply step.
type DeviceOutcome struct {
	RunID    string
	Phase    int
	Device   string
	Step     string
	OK       bool
	Commands int
	Error    string
}

// Store is a SQLite-backed state database.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to state database: %w", err)
	}

	// One writer; SQLite serialises anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	_, err = s.db.Exec(string(schema))
	return err
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// insertOnce runs an INSERT ... ON CONFLICT DO NOTHING and maps a skipped
// row to ErrAlreadyWritten.
func insertOnce(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, what, query string, args ...any) error {
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("writing %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("writing %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, util.ErrAlreadyWritten)
	}
	return nil
}

// BeginRun records the start of a run.
func (s *Store) BeginRun(ctx context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.State == "" {
		r.State = "running"
	}
	return insertOnce(ctx, s.db, "run "+r.ID, `
		INSERT INTO runs (id, operator, mode, topology, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, r.ID, r.User, r.Mode, r.Topology, r.State, r.StartedAt)
}

// FinishRun sets the run's final state. A run can be finished once.
func (s *Store) FinishRun(ctx context.Context, id, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, finished_at = ? WHERE id = ? AND finished_at IS NULL`,
		state, time.Now(), id)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.getRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %s: %w", id, util.ErrAlreadyWritten)
	}
	return nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRun(ctx, id)
}

func (s *Store) getRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operator, mode, topology, state, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, util.ErrNotFound)
	}
	return r, err
}

// Runs lists runs, newest first. limit <= 0 means all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operator, mode, topology, state, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r        Run
		finished sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.User, &r.Mode, &r.Topology, &r.State, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return &r, nil
}

// PutRendered caches a rendered configuration under (device, phase,
// template version).
func (s *Store) PutRendered(ctx context.Context, rc *render.RenderedConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertOnce(ctx, s.db, fmt.Sprintf("rendered config %s phase %d", rc.Device, rc.Phase), `
		INSERT INTO rendered_configs (device, phase, version, text, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, rc.Device, rc.Phase, rc.Version, rc.Text(), time.Now())
}

// Rendered returns a cached configuration text.
func (s *Store) Rendered(ctx context.Context, device string, phase int, version string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT text FROM rendered_configs WHERE device = ? AND phase = ? AND version = ?`,
		device, phase, version).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("rendered config %s phase %d version %s: %w", device, phase, version, util.ErrNotFound)
	}
	return text, err
}

// PutDeviceOutcome records a device's render or apply step.
func (s *Store) PutDeviceOutcome(ctx context.Context, o DeviceOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertOnce(ctx, s.db, fmt.Sprintf("%s outcome %s phase %d", o.Step, o.Device, o.Phase), `
		INSERT INTO device_outcomes (run_id, phase, device, step, ok, commands, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, o.RunID, o.Phase, o.Device, o.Step, o.OK, o.Commands, o.Error)
}

// DeviceOutcomes returns the device steps recorded for a run's phase.
func (s *Store) DeviceOutcomes(ctx context.Context, runID string, phase int) ([]DeviceOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, phase, device, step, ok, commands, error
		FROM device_outcomes WHERE run_id = ? AND phase = ?
		ORDER BY device, step
	`, runID, phase)
	if err != nil {
		return nil, fmt.Errorf("querying device outcomes: %w", err)
	}
	defer rows.Close()

	var out []DeviceOutcome
	for rows.Next() {
		var o DeviceOutcome
		if err := rows.Scan(&o.RunID, &o.Phase, &o.Device, &o.Step, &o.OK, &o.Commands, &o.Error); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PutResults stores one device's validation results for a run. The batch is
// written atomically: a duplicate anywhere rejects all of it.
func (s *Store) PutResults(ctx context.Context, runID string, results []validate.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		err := insertOnce(ctx, tx, fmt.Sprintf("result %s/%s phase %d", r.Device, r.Assertion, r.Phase), `
			INSERT INTO validation_results
				(run_id, phase, device, assertion, kind, outcome, expected, observed, diagnostic)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, runID, r.Phase, r.Device, r.Assertion, r.Kind, string(r.Outcome), r.Expected, r.Observed, r.Diagnostic)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Results returns a run's validation results for phase, ordered by device
// and assertion. phase 0 means every phase.
func (s *Store) Results(ctx context.Context, runID string, phase int) ([]validate.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT phase, device, assertion, kind, outcome, expected, observed, diagnostic
		FROM validation_results
		WHERE run_id = ? AND (? = 0 OR phase = ?)
		ORDER BY phase, device, assertion
	`, runID, phase, phase)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	var out []validate.Result
	for rows.Next() {
		var (
			r       validate.Result
			outcome string
		)
		if err := rows.Scan(&r.Phase, &r.Device, &r.Assertion, &r.Kind, &outcome, &r.Expected, &r.Observed, &r.Diagnostic); err != nil {
			return nil, err
		}
		r.Outcome = validate.Outcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutPhaseOutcome records a phase's terminal state for a run.
func (s *Store) PutPhaseOutcome(ctx context.Context, o PhaseOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}
	if o.StartedAt.IsZero() {
		o.StartedAt = o.FinishedAt
	}
	return insertOnce(ctx, s.db, fmt.Sprintf("phase %d outcome for run %s", o.Phase, o.RunID), `
		INSERT INTO phase_outcomes (run_id, phase, state, failure_kind, diagnostic, subset, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, o.RunID, o.Phase, o.State, o.FailureKind, o.Diagnostic, o.Subset, o.StartedAt, o.FinishedAt)
}

// PhaseOutcomes returns the phase outcomes of a run in phase order.
func (s *Store) PhaseOutcomes(ctx context.Context, runID string) ([]PhaseOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, phase, state, failure_kind, diagnostic, subset, started_at, finished_at
		FROM phase_outcomes WHERE run_id = ? ORDER BY phase
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying phase outcomes: %w", err)
	}
	defer rows.Close()

	var out []PhaseOutcome
	for rows.Next() {
		var o PhaseOutcome
		if err := rows.Scan(&o.RunID, &o.Phase, &o.State, &o.FailureKind, &o.Diagnostic, &o.Subset, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LatestPhaseState returns the most recent recorded outcome of phase across
// all runs, or ErrNotFound when the phase never ran. Outcomes that leave the
// devices untouched ("planned", "skipped") are ignored, as are passes on a
// device subset: they say nothing about the devices left out. A subset
// failure still counts.
func (s *Store) LatestPhaseState(ctx context.Context, phase int) (*PhaseOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var o PhaseOutcome
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, phase, state, failure_kind, diagnostic, subset, started_at, finished_at
		FROM phase_outcomes
		WHERE phase = ? AND state NOT IN ('planned', 'skipped')
			AND NOT (state = 'passed' AND subset = 1)
		ORDER BY finished_at DESC, rowid DESC
		LIMIT 1
	`, phase).Scan(&o.RunID, &o.Phase, &o.State, &o.FailureKind, &o.Diagnostic, &o.Subset, &o.StartedAt, &o.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("phase %d: %w", phase, util.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying phase %d: %w", phase, err)
	}
	return &o, nil
}
