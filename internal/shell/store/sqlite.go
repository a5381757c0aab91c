package store

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
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/dockpilot/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Ledger using SQLite.
type SQLiteStore struct {
	db         *sqlx.DB
	maxEntries int
}

// NewSQLiteStore opens the ledger database, runs migrations and caps it at
// maxEntries attempts (DefaultMaxEntries when not positive).
func NewSQLiteStore(dsn string, maxEntries int) (*SQLiteStore, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "failed to open database", ErrConnectionFailed)
	}
	// One writer keeps :memory: databases on a single connection and serializes trims.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db, maxEntries: maxEntries}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(executor) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "failed to begin transaction", ErrTxFailed)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Attempt Operations
// =============================================================================

// attemptRow represents an attempt row in the database.
type attemptRow struct {
	Seq             int64   `db:"seq"`
	ReferenceID     string  `db:"reference_id"`
	ID              string  `db:"id"`
	Type            string  `db:"type"`
	ImageTag        string  `db:"image_tag"`
	ContainerName   string  `db:"container_name"`
	Outcome         string  `db:"outcome"`
	Success         bool    `db:"success"`
	FailedPhase     string  `db:"failed_phase"`
	ErrorMessage    string  `db:"error_message"`
	Notices         *string `db:"notices"`
	Spec            string  `db:"spec"`
	StartedAt       string  `db:"started_at"`
	FinishedAt      string  `db:"finished_at"`
	DurationSeconds float64 `db:"duration_seconds"`
}

// Record appends a sealed attempt and trims the ledger in the same transaction.
func (s *SQLiteStore) Record(ctx context.Context, attempt *domain.Attempt) error {
	if attempt == nil || !attempt.Sealed() {
		id := ""
		if attempt != nil {
			id = attempt.ID
		}
		return NewStoreError("Record", id, "attempt must be sealed before recording", ErrNotSealed)
	}

	row, err := attemptToRow(attempt)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(exec executor) error {
		if err := insertAttempt(ctx, exec, row); err != nil {
			return err
		}
		return trimAttempts(ctx, exec, s.maxEntries)
	})
}

// History returns up to limit attempts, most recent first. It never writes.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]domain.Attempt, error) {
	query := `SELECT * FROM attempts ORDER BY seq DESC LIMIT ?`
	return selectAttempts(ctx, s.db, "History", query, normalizeLimit(limit, s.maxEntries))
}

// HistoryForContainer returns the attempts for one container, most recent first.
func (s *SQLiteStore) HistoryForContainer(ctx context.Context, container string, limit int) ([]domain.Attempt, error) {
	query := `SELECT * FROM attempts WHERE container_name = ? ORDER BY seq DESC LIMIT ?`
	return selectAttempts(ctx, s.db, "HistoryForContainer", query, container, normalizeLimit(limit, s.maxEntries))
}

// Count returns the number of stored attempts.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM attempts`); err != nil {
		return 0, NewStoreError("Count", "", err.Error(), err)
	}
	return n, nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func insertAttempt(ctx context.Context, exec executor, row *attemptRow) error {
	query := `
		INSERT INTO attempts (
			reference_id, id, type, image_tag, container_name, outcome, success,
			failed_phase, error_message, notices, spec, started_at, finished_at,
			duration_seconds
		) VALUES (
			:reference_id, :id, :type, :image_tag, :container_name, :outcome, :success,
			:failed_phase, :error_message, :notices, :spec, :started_at, :finished_at,
			:duration_seconds
		)`

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("Record", row.ID, "attempt already recorded", ErrDuplicateID)
		}
		return NewStoreError("Record", row.ID, err.Error(), err)
	}
	return nil
}

func trimAttempts(ctx context.Context, exec executor, keep int) error {
	query := `
		DELETE FROM attempts
		WHERE seq NOT IN (SELECT seq FROM attempts ORDER BY seq DESC LIMIT ?)`

	if _, err := exec.ExecContext(ctx, query, keep); err != nil {
		return NewStoreError("Record", "", "failed to trim ledger: "+err.Error(), err)
	}
	return nil
}

func selectAttempts(ctx context.Context, exec executor, op, query string, args ...any) ([]domain.Attempt, error) {
	var rows []attemptRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError(op, "", err.Error(), err)
	}

	attempts := make([]domain.Attempt, 0, len(rows))
	for i := range rows {
		a, err := rowToAttempt(&rows[i])
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

func attemptToRow(a *domain.Attempt) (*attemptRow, error) {
	specJSON, err := json.Marshal(a.Spec)
	if err != nil {
		return nil, NewStoreError("Record", a.ID, "failed to serialize spec", ErrInvalidData)
	}

	var notices *string
	if len(a.Notices) > 0 {
		data, err := json.Marshal(a.Notices)
		if err != nil {
			return nil, NewStoreError("Record", a.ID, "failed to serialize notices", ErrInvalidData)
		}
		s := string(data)
		notices = &s
	}

	finished := a.StartedAt
	if a.FinishedAt != nil {
		finished = *a.FinishedAt
	}

	return &attemptRow{
		ReferenceID:     a.ReferenceID,
		ID:              a.ID,
		Type:            string(a.Strategy),
		ImageTag:        a.Spec.ImageTag,
		ContainerName:   a.Spec.ContainerName,
		Outcome:         string(a.Outcome),
		Success:         a.Succeeded(),
		FailedPhase:     string(a.FailedPhase),
		ErrorMessage:    a.ErrorMessage,
		Notices:         notices,
		Spec:            string(specJSON),
		StartedAt:       a.StartedAt.UTC().Format(time.RFC3339Nano),
		FinishedAt:      finished.UTC().Format(time.RFC3339Nano),
		DurationSeconds: a.Duration().Seconds(),
	}, nil
}

func rowToAttempt(row *attemptRow) (domain.Attempt, error) {
	var spec domain.DeploymentSpec
	if err := json.Unmarshal([]byte(row.Spec), &spec); err != nil {
		return domain.Attempt{}, NewStoreError("History", row.ID, "failed to parse spec", ErrInvalidData)
	}

	var notices []string
	if row.Notices != nil {
		if err := json.Unmarshal([]byte(*row.Notices), &notices); err != nil {
			return domain.Attempt{}, NewStoreError("History", row.ID, "failed to parse notices", ErrInvalidData)
		}
	}

	startedAt, err := time.Parse(time.RFC3339Nano, row.StartedAt)
	if err != nil {
		return domain.Attempt{}, NewStoreError("History", row.ID, "failed to parse started_at", ErrInvalidData)
	}
	finishedAt, err := time.Parse(time.RFC3339Nano, row.FinishedAt)
	if err != nil {
		return domain.Attempt{}, NewStoreError("History", row.ID, "failed to parse finished_at", ErrInvalidData)
	}

	outcome := domain.Outcome(row.Outcome)
	phase := domain.PhaseFailed
	switch outcome {
	case domain.OutcomeSucceeded:
		phase = domain.PhaseDone
	case domain.OutcomeRolledBack:
		phase = domain.PhaseRolledBack
	}

	return domain.RestoreAttempt(domain.Attempt{
		ReferenceID:  row.ReferenceID,
		ID:           row.ID,
		Strategy:     domain.Strategy(row.Type),
		Spec:         spec,
		Phase:        phase,
		StartedAt:    startedAt,
		FinishedAt:   &finishedAt,
		Outcome:      outcome,
		FailedPhase:  domain.Phase(row.FailedPhase),
		ErrorMessage: row.ErrorMessage,
		Notices:      notices,
	}), nil
}
