package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/engine"
	"github.com/openfroyo/fnrelease/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore records deploy history in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and applies per-connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordSummary stores a run and one result row per endpoint in a single
// transaction. Recording the same run twice fails.
func (s *SQLiteStore) RecordSummary(ctx context.Context, summary *engine.Summary, startedAt time.Time) error {
	if summary == nil || summary.RunID == "" {
		return fmt.Errorf("summary with a run id is required")
	}

	run := &Run{
		ID:        summary.RunID,
		Status:    string(summary.Status()),
		StartedAt: startedAt,
		TotalTime: summary.TotalTime,
		CreatedAt: time.Now(),
	}
	for _, r := range summary.Results {
		switch r.Status() {
		case engine.ResultSuccess:
			run.Successes++
		case engine.ResultError:
			run.Failures++
		case engine.ResultAborted:
			run.Aborts++
		case engine.ResultSkipped:
			run.Skipped++
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, status, started_at, total_ms, successes, failures, aborts, skipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Status,
		run.StartedAt,
		run.TotalTime.Milliseconds(),
		run.Successes,
		run.Failures,
		run.Aborts,
		run.Skipped,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO results (
			run_id, label, endpoint_id, region, codebase, platform, trigger_type, status, operation, duration_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare result insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range summary.Results {
		res := resultFrom(run.ID, r)
		_, err := stmt.ExecContext(ctx,
			res.RunID,
			res.Label,
			res.EndpointID,
			res.Region,
			res.Codebase,
			res.Platform,
			res.TriggerType,
			res.Status,
			res.Operation,
			res.Duration.Milliseconds(),
			res.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to insert result for %s: %w", res.Label, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

func resultFrom(runID string, r engine.DeployResult) *Result {
	e := r.Endpoint
	res := &Result{
		RunID:       runID,
		Label:       backend.Label(e),
		EndpointID:  e.ID,
		Region:      e.Region,
		Codebase:    e.CodebaseOrDefault(),
		Platform:    string(e.Platform),
		TriggerType: engine.TriggerType(e),
		Status:      string(r.Status()),
		Duration:    r.Duration,
	}
	if r.Err != nil {
		msg := r.Err.Error()
		res.Error = &msg
		if de, ok := engine.AsDeploymentError(r.Err); ok {
			op := de.Op
			res.Operation = &op
			if de.Err != nil {
				cause := de.Err.Error()
				res.Error = &cause
			}
		}
	}
	return res
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, started_at, total_ms, successes, failures, aborts, skipped, created_at
		FROM runs
		WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, started_at, total_ms, successes, failures, aborts, skipped, created_at
		FROM runs
		ORDER BY started_at DESC, created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var totalMS int64
	err := row.Scan(
		&run.ID,
		&run.Status,
		&run.StartedAt,
		&totalMS,
		&run.Successes,
		&run.Failures,
		&run.Aborts,
		&run.Skipped,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.TotalTime = time.Duration(totalMS) * time.Millisecond
	return run, nil
}

// ListResults returns the endpoint results of a run in the order they were
// recorded.
func (s *SQLiteStore) ListResults(ctx context.Context, runID string) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, label, endpoint_id, region, codebase, platform, trigger_type, status, operation, duration_ms, error
		FROM results
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	results := []*Result{}
	for rows.Next() {
		res := &Result{}
		var durationMS int64
		err := rows.Scan(
			&res.ID,
			&res.RunID,
			&res.Label,
			&res.EndpointID,
			&res.Region,
			&res.Codebase,
			&res.Platform,
			&res.TriggerType,
			&res.Status,
			&res.Operation,
			&durationMS,
			&res.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		res.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return results, nil
}

// AppendEvent stores a tracked telemetry event. Events with an ID that was
// already stored are ignored.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	var runID, data *string
	if event.RunID != "" {
		runID = &event.RunID
	}
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		blob := string(raw)
		data = &blob
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, type, source, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		event.ID,
		runID,
		event.Type,
		event.Source,
		event.Level,
		event.Message,
		data,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the events of a run, oldest first. An empty runID
// selects events that are not tied to a run.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit, offset int) ([]*Event, error) {
	var filter *string
	if runID != "" {
		filter = &runID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, source, level, message, data, timestamp
		FROM events
		WHERE (? IS NULL AND run_id IS NULL) OR run_id = ?
		ORDER BY timestamp, rowid
		LIMIT ? OFFSET ?
	`, filter, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Type,
			&event.Source,
			&event.Level,
			&event.Message,
			&event.Data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// PruneRuns keeps the newest keep runs and deletes the rest together with
// their results and events. It returns the number of runs deleted.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative, got %d", keep)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, created_at DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM events
		WHERE run_id IS NOT NULL AND run_id NOT IN (SELECT id FROM runs)
	`); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return deleted, nil
}

// Subscriber returns an event subscriber that appends every published event
// to the store. Failures are logged and otherwise dropped.
func (s *SQLiteStore) Subscriber(ctx context.Context, logger *telemetry.Logger) telemetry.EventSubscriber {
	if logger == nil {
		logger = telemetry.FromContext(ctx)
	}
	return func(event telemetry.Event) {
		if err := s.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
			logger.WithError(err).WithField("event_type", event.Type).Warn("failed to record event")
		}
	}
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
