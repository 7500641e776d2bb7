package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"conductor/internal/domain"
	"conductor/internal/usecase/budget"
)

// ErrNotFound is returned when a batch id has no archived record.
var ErrNotFound = errors.New("archive: batch not found")

// Store persists batch summaries and final budget snapshots in SQLite so
// completed runs can be inspected after the process exits.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS batches (
			batch_id    TEXT PRIMARY KEY,
			total       INTEGER NOT NULL,
			succeeded   INTEGER NOT NULL,
			failed      INTEGER NOT NULL,
			skipped     INTEGER NOT NULL,
			total_cost  REAL NOT NULL,
			summary     TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS budgets (
			batch_id   TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			saved_at   TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBatch archives one completed run. The full summary is stored as JSON
// next to the queryable aggregate columns.
func (s *Store) SaveBatch(ctx context.Context, summary *domain.BatchSummary) error {
	blob, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal batch summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO batches
			(batch_id, total, succeeded, failed, skipped, total_cost, summary, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.BatchID, summary.Total, summary.Succeeded, summary.Failed, summary.Skipped,
		summary.TotalCost, string(blob),
		summary.StartedAt.UTC().Format(time.RFC3339Nano),
		summary.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// SaveBudget archives the final budget state of a run.
func (s *Store) SaveBudget(ctx context.Context, batchID string, state budget.State) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal budget state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO budgets (batch_id, state, saved_at) VALUES (?, ?, ?)",
		batchID, string(blob), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetBatch loads one archived summary by batch id.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*domain.BatchSummary, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT summary FROM batches WHERE batch_id = ?", batchID)
	var blob string
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var summary domain.BatchSummary
	if err := json.Unmarshal([]byte(blob), &summary); err != nil {
		return nil, fmt.Errorf("unmarshal batch summary: %w", err)
	}
	return &summary, nil
}

// GetBudget loads the archived budget state of a run.
func (s *Store) GetBudget(ctx context.Context, batchID string) (*budget.State, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT state FROM budgets WHERE batch_id = ?", batchID)
	var blob string
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var state budget.State
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("unmarshal budget state: %w", err)
	}
	return &state, nil
}

// ListBatches returns the most recent archived summaries, newest first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]*domain.BatchSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT summary FROM batches ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*domain.BatchSummary
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var summary domain.BatchSummary
		if err := json.Unmarshal([]byte(blob), &summary); err != nil {
			return nil, fmt.Errorf("unmarshal batch summary: %w", err)
		}
		summaries = append(summaries, &summary)
	}
	return summaries, rows.Err()
}
