package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// DeployRun is one orchestrated deployment as recorded in the ledger.
type DeployRun struct {
	ID          string     `json:"id"`
	Bundle      string     `json:"bundle"`
	Version     string     `json:"version,omitempty"`
	State       string     `json:"state"`
	FailedPhase string     `json:"failed_phase,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// PhaseRecord is the outcome of one phase of a run.
type PhaseRecord struct {
	RunID      string    `json:"run_id"`
	Phase      string    `json:"phase"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// InstalledModel is a model tag the ledger knows was loaded, and by which run.
type InstalledModel struct {
	Name        string    `json:"name"`
	Manifest    string    `json:"manifest"`
	RunID       string    `json:"run_id"`
	InstalledAt time.Time `json:"installed_at"`
}

// Database is the deployment ledger. It outlives individual runs and holds the host-wide
// run lock.
type Database struct {
	db *sql.DB
}

// NewDatabase creates and initializes a new SQLite database
func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	database := &Database{db: db}
	if err := database.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return database, nil
}

func (d *Database) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		bundle TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		failed_phase TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS phases (
		run_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, phase)
	);

	CREATE TABLE IF NOT EXISTS models (
		name TEXT PRIMARY KEY,
		manifest TEXT NOT NULL,
		run_id TEXT NOT NULL,
		installed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS _busy (
		name TEXT PRIMARY KEY
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// TryLock attempts to acquire a named lock, returns true if successful
func (d *Database) TryLock(ctx context.Context, name string) (bool, error) {
	result, err := d.db.ExecContext(ctx,
		`INSERT INTO _busy(name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lock result: %w", err)
	}

	return rowsAffected > 0, nil
}

// ReleaseLock releases a named lock
func (d *Database) ReleaseLock(ctx context.Context, name string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM _busy WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// CreateRun records the start of a run under a fresh ULID.
func (d *Database) CreateRun(ctx context.Context, bundle string) (*DeployRun, error) {
	run := &DeployRun{
		ID:        ulid.Make().String(),
		Bundle:    bundle,
		State:     StateVerifying,
		StartedAt: time.Now().UTC(),
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO runs (id, bundle, state, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Bundle, run.State, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}
	return run, nil
}

// UpdateRunState moves a run to a new state
func (d *Database) UpdateRunState(ctx context.Context, id, state string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE runs SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return nil
}

// SetRunVersion stores the bundle version once it is known
func (d *Database) SetRunVersion(ctx context.Context, id, version string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE runs SET version = ? WHERE id = ?`, version, id)
	if err != nil {
		return fmt.Errorf("failed to update run version: %w", err)
	}
	return nil
}

// FinishRun closes a run with its final state and, on failure, the phase that failed.
func (d *Database) FinishRun(ctx context.Context, id, state, failedPhase, errText string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, failed_phase = ?, error = ?, finished_at = ? WHERE id = ?`,
		state, failedPhase, errText, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// RecordPhase stores the outcome of a phase, replacing an earlier record for the same run.
func (d *Database) RecordPhase(ctx context.Context, p PhaseRecord) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO phases (run_id, phase, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, phase) DO UPDATE SET
			status = excluded.status, error = excluded.error,
			started_at = excluded.started_at, finished_at = excluded.finished_at`,
		p.RunID, p.Phase, p.Status, p.Error, p.StartedAt, p.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record phase: %w", err)
	}
	return nil
}

// RecordModels upserts the loaded model tags.
func (d *Database) RecordModels(ctx context.Context, runID string, refs []ModelRef) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, ref := range refs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO models (name, manifest, run_id, installed_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				manifest = excluded.manifest, run_id = excluded.run_id, installed_at = excluded.installed_at`,
			ref.Name, ref.Manifest, runID, now)
		if err != nil {
			return fmt.Errorf("failed to record model %s: %w", ref.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id
func (d *Database) GetRun(ctx context.Context, id string) (*DeployRun, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, bundle, version, state, failed_phase, error, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// Runs returns the most recent runs first.
func (d *Database) Runs(ctx context.Context, limit int) ([]DeployRun, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, bundle, version, state, failed_phase, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []DeployRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Phases returns the phase records of a run in the order they started.
func (d *Database) Phases(ctx context.Context, runID string) ([]PhaseRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT run_id, phase, status, error, started_at, finished_at
		FROM phases WHERE run_id = ? ORDER BY started_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list phases: %w", err)
	}
	defer rows.Close()

	var phases []PhaseRecord
	for rows.Next() {
		var p PhaseRecord
		if err := rows.Scan(&p.RunID, &p.Phase, &p.Status, &p.Error, &p.StartedAt, &p.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan phase: %w", err)
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// Models lists every model the ledger has recorded, by name.
func (d *Database) Models(ctx context.Context) ([]InstalledModel, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT name, manifest, run_id, installed_at FROM models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var models []InstalledModel
	for rows.Next() {
		var m InstalledModel
		if err := rows.Scan(&m.Name, &m.Manifest, &m.RunID, &m.InstalledAt); err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*DeployRun, error) {
	var run DeployRun
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.Bundle, &run.Version, &run.State,
		&run.FailedPhase, &run.Error, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return &run, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

const dbContextKey contextKey = "database"

// WithDatabase adds database to context
func WithDatabase(ctx context.Context, db *Database) context.Context {
	return context.WithValue(ctx, dbContextKey, db)
}

// GetDatabase retrieves database from context
func GetDatabase(ctx context.Context) *Database {
	if db, ok := ctx.Value(dbContextKey).(*Database); ok {
		return db
	}
	return nil
}
