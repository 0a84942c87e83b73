// Package history records each hook run in SQLite so `piohooks history` can
// show what the last builds did to the asset tree.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/yoradio/piohooks/internal/database"
)

// Kind names the hook that produced a run.
type Kind string

const (
	KindStage    Kind = "stage"
	KindRestore  Kind = "restore"
	KindPrebuild Kind = "prebuild"
	KindFont     Kind = "font"
)

// Summary is the encoded report stored with a run. It carries counts and
// failure messages only, so it can be decoded without the staging types.
type Summary struct {
	Compressed    int      `msgpack:"compressed,omitempty"`
	Skipped       int      `msgpack:"skipped,omitempty"`
	Relocated     int      `msgpack:"relocated,omitempty"`
	AlreadyStaged int      `msgpack:"already_staged,omitempty"`
	Excluded      int      `msgpack:"excluded,omitempty"`
	Restored      int      `msgpack:"restored,omitempty"`
	Purged        int      `msgpack:"purged,omitempty"`
	SavedBytes    int64    `msgpack:"saved_bytes,omitempty"`
	Cleanup       string   `msgpack:"cleanup,omitempty"`
	Font          string   `msgpack:"font,omitempty"`
	Note          string   `msgpack:"note,omitempty"`
	Failures      []string `msgpack:"failures,omitempty"`
}

// Run is a single recorded hook invocation.
type Run struct {
	ID        string
	Kind      Kind
	Env       string
	StartedAt time.Time
	Duration  time.Duration
	Summary   Summary
}

// Repository reads and writes hook_runs.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new history repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Open opens the history database at path and applies the schema.
func Open(path string) (*Repository, *database.DB, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return NewRepository(db.Conn()), db, nil
}

// Record stores run. An empty ID is filled with a new UUID, which is returned.
func (r *Repository) Record(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	blob, err := msgpack.Marshal(&run.Summary)
	if err != nil {
		return "", fmt.Errorf("failed to encode run summary: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO hook_runs (id, kind, env, started_at, duration_ms, report) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), run.Env, run.StartedAt.UnixMilli(), run.Duration.Milliseconds(), blob,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record %s run: %w", run.Kind, err)
	}

	return run.ID, nil
}

// Recent returns up to limit runs, newest first. A non-positive limit
// returns every run.
func (r *Repository) Recent(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, kind, env, started_at, duration_ms, report FROM hook_runs ORDER BY started_at DESC, rowid DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

// Last returns the newest run of kind, or nil if there is none.
func (r *Repository) Last(ctx context.Context, kind Kind) (*Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, kind, env, started_at, duration_ms, report FROM hook_runs WHERE kind = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		string(kind),
	)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Prune deletes all but the newest keep runs and returns the number deleted.
// A non-positive keep is a no-op.
func (r *Repository) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM hook_runs WHERE id NOT IN (SELECT id FROM hook_runs ORDER BY started_at DESC, rowid DESC LIMIT ?)`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run        Run
		kind       string
		startedAt  int64
		durationMs int64
		blob       []byte
	)
	if err := s.Scan(&run.ID, &kind, &run.Env, &startedAt, &durationMs, &blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Kind = Kind(kind)
	run.StartedAt = time.UnixMilli(startedAt)
	run.Duration = time.Duration(durationMs) * time.Millisecond

	if len(blob) > 0 {
		if err := msgpack.Unmarshal(blob, &run.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary for run %s: %w", run.ID, err)
		}
	}

	return &run, nil
}
