package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// runRow is a Run as stored in job_run_v1. Times are unix milliseconds.
type runRow struct {
	ID          string  `db:"id"`
	JobUID      string  `db:"job_uid"`
	JobName     string  `db:"job_name"`
	StartTime   int64   `db:"start_time"`
	EndTime     *int64  `db:"end_time"`
	NextRunTime *int64  `db:"next_run_time"`
	Duration    float64 `db:"duration"`
	Success     bool    `db:"success"`
	Error       string  `db:"error"`
}

type logRow struct {
	Timestamp int64  `db:"timestamp"`
	Text      string `db:"text"`
}

// Store keeps run history in sqlite.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create run history directory: %w", err)
	}
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open run history %s: %w", path, err)
	}
	// Runs finish concurrently; sqlite takes one writer at a time.
	db.SetMaxOpenConns(1)
	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an open database, creating the tables if needed.
func NewStore(db *sqlx.DB) (*Store, error) {
	if err := DBInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize run history: %w", err)
	}
	return &Store{db: db}, nil
}

// DBInit creates the run history tables.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS job_run_v1 (
		id TEXT PRIMARY KEY,
		job_uid TEXT NOT NULL,
		job_name TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		next_run_time INTEGER,
		duration REAL NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS job_run_log_v1 (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		text TEXT NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_run_v1_job_start ON job_run_v1(job_uid, start_time)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_run_log_v1_run_id ON job_run_log_v1(run_id)`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func millis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

// CreateRun implements Sink.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_run_v1 (id, job_uid, job_name, start_time)
		VALUES ($1, $2, $3, $4)`,
		run.ID, run.JobUID, run.JobName, run.Start.UnixMilli(),
	)
	return err
}

// AppendLog implements Sink.
func (s *Store) AppendLog(ctx context.Context, runID string, line LogLine) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_run_log_v1 (run_id, timestamp, text)
		VALUES ($1, $2, $3)`,
		runID, line.Time.UnixMilli(), line.Text,
	)
	return err
}

// FinishRun implements Sink.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE job_run_v1
		SET end_time = $1, next_run_time = $2, duration = $3, success = $4, error = $5
		WHERE id = $6`,
		millis(run.End), millis(run.NextRun), run.Duration, run.Success, run.Error, run.ID,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s was never created", run.ID)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first. An empty jobUID returns
// runs of every job.
func (s *Store) RecentRuns(ctx context.Context, jobUID string, limit int) ([]Run, error) {
	var rows []runRow
	var err error
	if jobUID == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM job_run_v1 ORDER BY start_time DESC, id LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM job_run_v1 WHERE job_uid = $1 ORDER BY start_time DESC, id LIMIT $2`, jobUID, limit)
	}
	if err != nil {
		return nil, err
	}

	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, Run{
			ID:       row.ID,
			JobUID:   row.JobUID,
			JobName:  row.JobName,
			Start:    time.UnixMilli(row.StartTime).UTC(),
			End:      fromMillis(row.EndTime),
			NextRun:  fromMillis(row.NextRunTime),
			Duration: row.Duration,
			Success:  row.Success,
			Error:    row.Error,
		})
	}
	return runs, nil
}

// ErrRunNotFound is returned by GetRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// GetRun returns a single run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM job_run_v1 WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &Run{
		ID:       row.ID,
		JobUID:   row.JobUID,
		JobName:  row.JobName,
		Start:    time.UnixMilli(row.StartTime).UTC(),
		End:      fromMillis(row.EndTime),
		NextRun:  fromMillis(row.NextRunTime),
		Duration: row.Duration,
		Success:  row.Success,
		Error:    row.Error,
	}, nil
}

// RunLogs returns the captured output of a run in order.
func (s *Store) RunLogs(ctx context.Context, runID string) ([]LogLine, error) {
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT timestamp, text FROM job_run_log_v1 WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	lines := make([]LogLine, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, LogLine{Time: time.UnixMilli(row.Timestamp).UTC(), Text: row.Text})
	}
	return lines, nil
}

// DeleteOldRuns removes runs that started before cutoff, with their logs. It
// returns the number of runs removed.
func (s *Store) DeleteOldRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM job_run_log_v1
		WHERE run_id IN (SELECT id FROM job_run_v1 WHERE start_time < $1)`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM job_run_v1 WHERE start_time < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
