package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

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

var _ Store = (*SQLiteStore)(nil)

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
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: opens its own empty database
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

// Init opens the database connection and sets the connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep +
		"_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
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

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, action, service_base_name, provider, status, started_at, completed_at, error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.Metadata == "" {
		run.Metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Action,
		run.ServiceBaseName,
		run.Provider,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
		run.Metadata,
		run.CreatedAt,
		run.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

const runColumns = `id, action, service_base_name, provider, status, started_at, completed_at, error, metadata, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Action,
		&run.ServiceBaseName,
		&run.Provider,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Metadata,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateRunStatus updates the status of a run
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	return expectOne(result, "run", id)
}

// ListRuns lists runs newest first, optionally for one deployment.
func (s *SQLiteStore) ListRuns(ctx context.Context, serviceBaseName *string, limit, offset int) ([]*Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE (? IS NULL OR service_base_name = ?)
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, serviceBaseName, serviceBaseName, limit, offset)
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

// DeleteRun deletes a run and, by cascade, its resources and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	return expectOne(result, "run", id)
}

// AddRunResource records a resource touched by a run.
func (s *SQLiteStore) AddRunResource(ctx context.Context, res *RunResource) error {
	query := `
		INSERT INTO run_resources (run_id, sequence, stage_name, kind, resource_id, owned, attributes, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if res.Attributes == "" {
		res.Attributes = "{}"
	}
	result, err := s.db.ExecContext(ctx, query,
		res.RunID,
		res.Sequence,
		res.StageName,
		res.Kind,
		res.ResourceID,
		res.Owned,
		res.Attributes,
		res.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add run resource: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get run resource ID: %w", err)
	}
	res.ID = id
	return nil
}

// ListRunResources lists the resources of a run in execution order.
func (s *SQLiteStore) ListRunResources(ctx context.Context, runID string) ([]*RunResource, error) {
	query := `
		SELECT id, run_id, sequence, stage_name, kind, resource_id, owned, attributes, recorded_at
		FROM run_resources
		WHERE run_id = ?
		ORDER BY sequence ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run resources: %w", err)
	}
	defer rows.Close()

	out := []*RunResource{}
	for rows.Next() {
		res := &RunResource{}
		err := rows.Scan(
			&res.ID,
			&res.RunID,
			&res.Sequence,
			&res.StageName,
			&res.Kind,
			&res.ResourceID,
			&res.Owned,
			&res.Attributes,
			&res.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run resource: %w", err)
		}
		out = append(out, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run resources: %w", err)
	}

	return out, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, stage, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Stage,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events in insertion order with optional filters.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, run_id, stage, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Stage,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
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

// TryAcquireLease claims the lease when it is free, expired or already held
// by the same owner. It reports false when another owner holds a live lease.
// The check and the claim are one statement, so two writers cannot both win.
func (s *SQLiteStore) TryAcquireLease(ctx context.Context, lease *Lease) (bool, error) {
	query := `
		INSERT INTO leases (name, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= excluded.acquired_at OR leases.owner = excluded.owner
	`

	result, err := s.db.ExecContext(ctx, query,
		lease.Name,
		lease.Owner,
		lease.AcquiredAt.UnixMilli(),
		lease.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// RenewLease extends a lease held by owner.
func (s *SQLiteStore) RenewLease(ctx context.Context, name, owner string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE name = ? AND owner = ?`,
		expiresAt.UnixMilli(), name, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return expectOne(result, "lease", name)
}

// ReleaseLease removes a lease held by owner.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, owner string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return expectOne(result, "lease", name)
}

// DeleteLease removes a lease regardless of its owner.
func (s *SQLiteStore) DeleteLease(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	return expectOne(result, "lease", name)
}

// GetLease retrieves a lease by name, expired or not.
func (s *SQLiteStore) GetLease(ctx context.Context, name string) (*Lease, error) {
	lease := &Lease{}
	var acquired, expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, owner, acquired_at, expires_at FROM leases WHERE name = ?`, name,
	).Scan(&lease.Name, &lease.Owner, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	lease.AcquiredAt = time.UnixMilli(acquired).UTC()
	lease.ExpiresAt = time.UnixMilli(expires).UTC()
	return lease, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func expectOne(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
