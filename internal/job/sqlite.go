package job

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			input_ref        TEXT NOT NULL,
			output_ref       TEXT NOT NULL DEFAULT '',
			parameters       TEXT,
			status           TEXT NOT NULL DEFAULT 'queued',
			progress_percent INTEGER NOT NULL DEFAULT 0,
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			error_kind       TEXT NOT NULL DEFAULT '',
			error_message    TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL,
			started_at       DATETIME,
			finished_at      DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status      ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at  ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at);
	`)
	return err
}

const jobColumns = `id, input_ref, output_ref, parameters, status, progress_percent,
       attempt_count, error_kind, error_message, created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var parameters sql.NullString
	var errKind, errMsg string
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.InputRef, &j.OutputRef, &parameters, &j.Status, &j.Progress,
		&j.Attempts, &errKind, &errMsg, &j.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if parameters.Valid {
		j.Parameters = []byte(parameters.String)
	}
	if errKind != "" {
		j.Err = &Error{Kind: ErrorKind(errKind), Message: errMsg}
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return j, nil
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, input_ref, output_ref, parameters, status, progress_percent, attempt_count, created_at)
		VALUES
			(?, ?, '', ?, ?, 0, 0, ?)
	`,
		j.ID,
		j.InputRef,
		nullableJSON(j.Parameters),
		StatusQueued,
		j.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// Claim performs the queued -> processing transition. The conditional WHERE
// makes concurrent claims of the same job mutually exclusive: exactly one
// caller observes a row change.
func (s *SQLiteStore) Claim(ctx context.Context, id string) (*Job, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?, finished_at = NULL,
		    progress_percent = 0, attempt_count = attempt_count + 1,
		    error_kind = '', error_message = ''
		WHERE id = ? AND status = ?
	`, StatusProcessing, now, id, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) SetProgress(ctx context.Context, id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress_percent = ?
		WHERE id = ? AND status = ? AND progress_percent < ?
	`, pct, id, StatusProcessing, pct)
	if err != nil {
		return fmt.Errorf("set progress for job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id, outputRef string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, output_ref = ?, progress_percent = 100, finished_at = ?
		WHERE id = ? AND status = ?
	`, StatusCompleted, outputRef, now, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, kind ErrorKind, msg string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_kind = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`, StatusFailed, kind, msg, now, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CancelQueued(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`, StatusCancelled, now, id, StatusQueued)
	if err != nil {
		return false, fmt.Errorf("cancel queued job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel queued job %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) CancelProcessing(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`, StatusCancelled, now, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("cancel processing job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Requeue(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = NULL, progress_percent = 0
		WHERE id = ? AND status = ?
	`, StatusQueued, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE id = ? AND status != ?
	`, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ResetProcessing recovers jobs stuck in "processing" after a crash. Jobs
// that still have attempts left go back to "queued" and their IDs are
// returned so the caller can re-enqueue them; jobs already at the attempt
// limit are failed with retries_exhausted.
func (s *SQLiteStore) ResetProcessing(ctx context.Context, maxAttempts int) ([]string, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_kind = ?, error_message = ?, finished_at = ?
		WHERE status = ? AND attempt_count >= ?
	`, StatusFailed, KindRetriesExhausted,
		"interrupted while processing and attempt limit reached", now,
		StatusProcessing, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("fail exhausted processing jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status = ?`, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("query processing jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processing jobs: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = NULL, progress_percent = 0 WHERE status = ?
	`, StatusQueued, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("reset processing jobs: %w", err)
	}
	return ids, nil
}

// List returns jobs ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// ListQueuedIDs returns the IDs of all queued jobs, oldest first.
func (s *SQLiteStore) ListQueuedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC
	`, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued jobs: %w", err)
	}
	return ids, nil
}

// ListExpired returns terminal jobs whose finished_at is older than cutoff,
// oldest first. Jobs in processing are excluded by construction.
func (s *SQLiteStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status IN (?, ?, ?)
		AND finished_at IS NOT NULL
		AND finished_at < ?
		ORDER BY finished_at ASC
		LIMIT ?
	`, StatusCompleted, StatusFailed, StatusCancelled, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired jobs: %w", err)
	}
	return jobs, nil
}

// nullableJSON returns nil if b is empty, otherwise returns the raw bytes as a string.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
