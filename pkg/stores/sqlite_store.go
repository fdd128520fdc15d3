package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jiocloud/nodeconverge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
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

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a fresh database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database with WAL journaling and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if !isMemory(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)"
	}

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

// Migrate runs the embedded schema migrations.
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

// HealthCheck verifies the database connection is alive
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Recorder returns an engine.RunRecorder that tags every run with meta.
func (s *SQLiteStore) Recorder(meta RunMeta) engine.RunRecorder {
	return &metaRecorder{store: s, meta: meta}
}

type metaRecorder struct {
	store *SQLiteStore
	meta  RunMeta
}

func (r *metaRecorder) RecordRun(ctx context.Context, report *engine.Report) error {
	return r.store.RecordRunWithMeta(ctx, report, r.meta)
}

// RecordRun implements engine.RunRecorder.
func (s *SQLiteStore) RecordRun(ctx context.Context, report *engine.Report) error {
	return s.RecordRunWithMeta(ctx, report, RunMeta{})
}

// RecordRunWithMeta stores a run report, its entries and the latest state
// of every resource in one transaction.
func (s *SQLiteStore) RecordRunWithMeta(ctx context.Context, report *engine.Report, meta RunMeta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sum := report.Summary
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, manifest, target, platform, status, dry_run, started_at, completed_at, duration_ns,
			total, in_sync, changed, failed, upstream, skipped, pending_change, not_attempted, refreshed,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID, meta.Manifest, meta.Target, report.Platform.String(), string(report.Status), report.DryRun,
		report.StartedAt, report.CompletedAt, int64(report.Duration),
		sum.Total, sum.InSync, sum.Changed, sum.Failed, sum.Upstream, sum.Skipped, sum.PendingChange,
		sum.NotAttempted, sum.Refreshed,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", report.RunID, err)
	}

	now := time.Now()
	for i := range report.Entries {
		entry := &report.Entries[i]

		changes, err := json.Marshal(entry.Changes)
		if err != nil {
			return fmt.Errorf("failed to encode changes of %s: %w", entry.Reference, err)
		}
		var upstream, errMsg string
		if entry.Upstream != nil {
			upstream = entry.Upstream.String()
		}
		if entry.Error != nil {
			errMsg = entry.Error.Error()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO resource_results (
				run_id, position, resource, type, title, state, outcome, changed, refreshed,
				reason, upstream, error, message, changes, duration_ns
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.RunID, i, entry.Reference, entry.Resource.Type, entry.Resource.Title,
			string(entry.State), string(entry.Outcome), entry.Changed, entry.Refreshed,
			string(entry.Reason), upstream, errMsg, entry.Message, string(changes), int64(entry.Duration),
		)
		if err != nil {
			return fmt.Errorf("failed to insert result of %s: %w", entry.Reference, err)
		}

		// Dry runs describe the node without touching it.
		if report.DryRun {
			continue
		}
		var changedAt *time.Time
		if entry.Changed {
			changedAt = &report.CompletedAt
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO resource_state (resource, type, title, last_run_id, last_outcome, last_changed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(resource) DO UPDATE SET
				last_run_id = excluded.last_run_id,
				last_outcome = excluded.last_outcome,
				last_changed_at = COALESCE(excluded.last_changed_at, resource_state.last_changed_at),
				updated_at = excluded.updated_at
		`,
			entry.Reference, entry.Resource.Type, entry.Resource.Title, report.RunID,
			string(entry.Outcome), changedAt, now,
		)
		if err != nil {
			return fmt.Errorf("failed to update state of %s: %w", entry.Reference, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", report.RunID, err)
	}
	return nil
}

const runColumns = `
	id, manifest, target, platform, status, dry_run, started_at, completed_at, duration_ns,
	total, in_sync, changed, failed, upstream, skipped, pending_change, not_attempted, refreshed,
	created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var status string
	var duration int64
	err := row.Scan(
		&run.ID, &run.Manifest, &run.Target, &run.Platform, &status, &run.DryRun,
		&run.StartedAt, &run.CompletedAt, &duration,
		&run.Summary.Total, &run.Summary.InSync, &run.Summary.Changed, &run.Summary.Failed,
		&run.Summary.Upstream, &run.Summary.Skipped, &run.Summary.PendingChange,
		&run.Summary.NotAttempted, &run.Summary.Refreshed,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = engine.RunStatus(status)
	run.Duration = time.Duration(duration)
	return run, nil
}

// GetRun retrieves a run and its resource results.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	results, err := s.queryResults(ctx, `WHERE run_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, err
	}
	run.Results = results
	return run, nil
}

// LatestRun returns the most recent run with its results.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*Run, error) {
	runs, err := s.ListRuns(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return s.GetRun(ctx, runs[0].ID)
}

// ListRuns lists runs, newest first, without their results.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
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

// DeleteRun deletes a run and its results.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete events of run %s: %w", id, err)
	}
	return nil
}

// PruneRuns keeps the newest keep runs and deletes the rest with their
// events. It returns the number of deleted runs.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const stale = `SELECT id FROM runs ORDER BY started_at DESC, created_at DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return deleted, nil
}

// ResourceHistory returns the results of one resource, newest run first.
func (s *SQLiteStore) ResourceHistory(ctx context.Context, resource string, limit int) ([]ResourceResult, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryResults(ctx, `
		JOIN runs ON runs.id = resource_results.run_id
		WHERE resource_results.resource = ?
		ORDER BY runs.started_at DESC, runs.created_at DESC
		LIMIT ?`, resource, limit)
}

func (s *SQLiteStore) queryResults(ctx context.Context, clause string, args ...interface{}) ([]ResourceResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_results.run_id, position, resource, type, title, state, outcome,
			resource_results.changed, resource_results.refreshed, reason, resource_results.upstream,
			error, message, changes, resource_results.duration_ns
		FROM resource_results `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query resource results: %w", err)
	}
	defer rows.Close()

	results := []ResourceResult{}
	for rows.Next() {
		var (
			r                      ResourceResult
			state, outcome, reason string
			changes                string
			duration               int64
		)
		err := rows.Scan(
			&r.RunID, &r.Position, &r.Resource, &r.Type, &r.Title, &state, &outcome,
			&r.Changed, &r.Refreshed, &reason, &r.Upstream,
			&r.Error, &r.Message, &changes, &duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource result: %w", err)
		}
		r.State = engine.ResourceState(state)
		r.Outcome = engine.Outcome(outcome)
		r.Reason = engine.FailureReason(reason)
		r.Duration = time.Duration(duration)
		if err := json.Unmarshal([]byte(changes), &r.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode changes of %s: %w", r.Resource, err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource results: %w", err)
	}
	return results, nil
}

// GetResourceState returns the latest recorded outcome of a resource.
func (s *SQLiteStore) GetResourceState(ctx context.Context, resource string) (*ResourceState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT resource, type, title, last_run_id, last_outcome, last_changed_at, updated_at
		FROM resource_state WHERE resource = ?`, resource)
	state, err := scanResourceState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s: %w", resource, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}
	return state, nil
}

// ListResourceStates lists the latest outcome of every recorded resource.
func (s *SQLiteStore) ListResourceStates(ctx context.Context) ([]*ResourceState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, type, title, last_run_id, last_outcome, last_changed_at, updated_at
		FROM resource_state ORDER BY resource ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource states: %w", err)
	}
	defer rows.Close()

	states := []*ResourceState{}
	for rows.Next() {
		state, err := scanResourceState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource states: %w", err)
	}
	return states, nil
}

func scanResourceState(row rowScanner) (*ResourceState, error) {
	state := &ResourceState{}
	var outcome string
	var changedAt sql.NullTime
	err := row.Scan(&state.Resource, &state.Type, &state.Title, &state.LastRunID, &outcome, &changedAt, &state.UpdatedAt)
	if err != nil {
		return nil, err
	}
	state.LastOutcome = engine.Outcome(outcome)
	if changedAt.Valid {
		t := changedAt.Time
		state.LastChangedAt = &t
	}
	return state, nil
}

// Publish implements engine.EventPublisher by appending the event.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	var details *string
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		d := string(data)
		details = &d
	}

	level := event.Level
	if level == "" {
		level = event.Type.Severity()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, type, level, resource, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.RunID, string(event.Type), level, event.Resource, event.Message, details, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents returns events in insertion order.
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	query := `SELECT id, event_id, run_id, type, level, resource, message, details, timestamp FROM events WHERE 1=1`
	var args []interface{}

	if q.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, q.RunID)
	}
	if q.Resource != "" {
		query += ` AND resource = ?`
		args = append(args, q.Resource)
	}
	if q.Level != "" {
		query += ` AND level = ?`
		args = append(args, q.Level)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` ORDER BY id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var eventType string
		var details sql.NullString
		err := rows.Scan(&event.ID, &event.EventID, &event.RunID, &eventType, &event.Level,
			&event.Resource, &event.Message, &details, &event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
