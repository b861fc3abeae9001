// Package ledger keeps a local SQLite record of every submission so a sweep
// can be traced back to its commit, parameters and scheduler job ids.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

const (
	StatusSubmitted    = "SUBMITTED"
	StatusDryRun       = "DRY_RUN"
	StatusSubmitFailed = "SUBMIT_FAILED"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("submission not found")

// Entry is one sweep point handed to the scheduler.
type Entry struct {
	ID          int64
	SweepID     string
	SweepName   string
	Index       int
	Name        string
	Commit      string
	Branch      string
	Partition   string
	Walltime    string
	Runs        int
	Flags       string
	ParamsJSON  string
	ScriptPath  string
	JobID       string
	Status      string
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Store wraps the ledger database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the CLI never needs more.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func initSchema(db *sql.DB) error {
	const createSubmissions = `
CREATE TABLE IF NOT EXISTS submissions (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  sweep_id     TEXT NOT NULL,
  sweep_name   TEXT,
  point_index  INTEGER,
  name         TEXT,
  git_commit   TEXT,
  git_branch   TEXT,
  partition    TEXT,
  walltime     TEXT,
  runs         INTEGER,
  flags        TEXT,
  params       TEXT,
  script_path  TEXT,
  job_id       TEXT,
  status       TEXT,
  error        TEXT,
  created_at   TEXT,
  completed_at TEXT
);`
	if _, err := db.Exec(createSubmissions); err != nil {
		return err
	}
	// Columns added after the first release; older ledgers gain them here.
	migrations := []string{
		`ALTER TABLE submissions ADD COLUMN sweep_name TEXT`,
		`ALTER TABLE submissions ADD COLUMN completed_at TEXT`,
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
				continue
			}
			return err
		}
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS submissions_sweep ON submissions (sweep_id, point_index)`); err != nil {
		return err
	}
	return nil
}

// Record inserts e and returns its id. A zero CreatedAt is set to now.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (sweep_id, sweep_name, point_index, name, git_commit, git_branch, partition, walltime,
                                  runs, flags, params, script_path, job_id, status, error, created_at, completed_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SweepID, e.SweepName, e.Index, e.Name, e.Commit, e.Branch, e.Partition, e.Walltime,
		e.Runs, e.Flags, e.ParamsJSON, e.ScriptPath, e.JobID, e.Status, e.Error,
		formatTime(e.CreatedAt), formatTime(e.CompletedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert submission: %w", err)
	}
	return res.LastInsertId()
}

// UpdateStatus stores a new scheduler state; completedAt is set once the
// job is no longer active.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status string, completedAt *time.Time) error {
	if completedAt != nil {
		_, err := s.db.ExecContext(ctx, `UPDATE submissions SET status = ?, completed_at = ? WHERE id = ?`,
			status, formatTime(*completedAt), id)
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE submissions SET status = ? WHERE id = ?`, status, id)
	return err
}

const selectColumns = `SELECT id, sweep_id, sweep_name, point_index, name, git_commit, git_branch, partition, walltime,
       runs, flags, params, script_path, job_id, status, error, created_at, completed_at
  FROM submissions`

func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, err
}

// List returns all entries, newest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, selectColumns+` ORDER BY created_at DESC, id DESC`)
}

// Sweep returns the entries of one sweep in point order.
func (s *Store) Sweep(ctx context.Context, sweepID string) ([]Entry, error) {
	return s.query(ctx, selectColumns+` WHERE sweep_id = ? ORDER BY point_index, id`, sweepID)
}

// Pending returns submitted entries that have not completed yet.
func (s *Store) Pending(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, selectColumns+` WHERE job_id <> '' AND (completed_at IS NULL OR completed_at = '') ORDER BY id`)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var sweepName, name, commit, branch, partition, walltime, flags, params, script, jobID, status, errMsg sql.NullString
	var created, completed sql.NullString
	var index, runs sql.NullInt64
	if err := row.Scan(
		&e.ID,
		&e.SweepID,
		&sweepName,
		&index,
		&name,
		&commit,
		&branch,
		&partition,
		&walltime,
		&runs,
		&flags,
		&params,
		&script,
		&jobID,
		&status,
		&errMsg,
		&created,
		&completed,
	); err != nil {
		return nil, err
	}
	e.SweepName = sweepName.String
	e.Index = int(index.Int64)
	e.Name = name.String
	e.Commit = commit.String
	e.Branch = branch.String
	e.Partition = partition.String
	e.Walltime = walltime.String
	e.Runs = int(runs.Int64)
	e.Flags = flags.String
	e.ParamsJSON = params.String
	e.ScriptPath = script.String
	e.JobID = jobID.String
	e.Status = status.String
	e.Error = errMsg.String
	e.CreatedAt = parseTime(created)
	e.CompletedAt = parseTime(completed)
	return &e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
