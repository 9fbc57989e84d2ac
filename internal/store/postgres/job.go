package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"pubplane/internal/store"

	"github.com/google/uuid"
)

const jobColumns = `id, account_id, account_hint, payload_ref, priority, status,
	attempts, max_attempts, eligible_at, created_at, updated_at,
	last_error_kind, last_error_message`

// InsertJob persists a newly submitted job.
func (s *Store) InsertJob(ctx context.Context, tx store.DBTransaction, job *store.Job) error {
	query := `
		INSERT INTO jobs (id, account_id, account_hint, payload_ref, priority, status,
			attempts, max_attempts, eligible_at, created_at, updated_at,
			last_error_kind, last_error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	kind, msg := errorColumns(job.LastError)
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		job.ID,
		job.AccountID,
		job.AccountHint,
		job.PayloadRef,
		int(job.Priority),
		string(job.Status),
		job.Attempts,
		job.MaxAttempts,
		job.EligibleAt,
		job.CreatedAt,
		job.UpdatedAt,
		kind,
		msg,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob persists the current state of a job.
func (s *Store) UpdateJob(ctx context.Context, tx store.DBTransaction, job *store.Job) error {
	query := `
		UPDATE jobs
		SET account_id = $2, status = $3, attempts = $4, eligible_at = $5,
			updated_at = $6, last_error_kind = $7, last_error_message = $8
		WHERE id = $1
	`
	kind, msg := errorColumns(job.LastError)
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		job.ID,
		job.AccountID,
		string(job.Status),
		job.Attempts,
		job.EligibleAt,
		job.UpdatedAt,
		kind,
		msg,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns a job by its ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE id = $1"
	return scanJob(s.db.QueryRowContext(ctx, query, id))
}

// ListUnfinished returns all jobs in a non-terminal state, oldest first.
// The queue restores them at startup.
func (s *Store) ListUnfinished(ctx context.Context) ([]*store.Job, error) {
	query := "SELECT " + jobColumns + ` FROM jobs
		WHERE status IN ('pending', 'assigned', 'running', 'failed')
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// InsertAttempt records one failed attempt.
func (s *Store) InsertAttempt(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID, rec store.AttemptRecord) error {
	query := `
		INSERT INTO job_attempts (job_id, attempt, account_id, kind, message, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		jobID,
		rec.Attempt,
		rec.AccountID,
		string(rec.Kind),
		rec.Message,
		rec.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt %d for job %s: %w", rec.Attempt, jobID, err)
	}
	return nil
}

// ListAttempts returns the attempt history of a job, oldest first.
func (s *Store) ListAttempts(ctx context.Context, jobID uuid.UUID) ([]store.AttemptRecord, error) {
	query := `
		SELECT attempt, account_id, kind, message, failed_at
		FROM job_attempts
		WHERE job_id = $1
		ORDER BY attempt ASC
	`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var records []store.AttemptRecord
	for rows.Next() {
		var rec store.AttemptRecord
		var kind string
		if err := rows.Scan(&rec.Attempt, &rec.AccountID, &kind, &rec.Message, &rec.FailedAt); err != nil {
			return nil, err
		}
		rec.Kind = store.ErrorKind(kind)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InsertDeadLetter records a job's arrival in the dead-letter sink.
func (s *Store) InsertDeadLetter(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) error {
	query := `
		INSERT INTO dead_letters (job_id)
		VALUES ($1)
		ON CONFLICT (job_id) DO NOTHING
	`
	if _, err := s.getExecutor(tx).ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("insert dead letter %s: %w", jobID, err)
	}
	return nil
}

// ListDeadLetters returns dead-lettered jobs with their attempt history,
// newest first.
func (s *Store) ListDeadLetters(ctx context.Context) ([]store.DeadLetter, error) {
	query := `
		SELECT ` + jobColumns + `, d.dead_at, d.resubmitted
		FROM dead_letters d
		JOIN jobs ON jobs.id = d.job_id
		ORDER BY d.dead_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []store.DeadLetter
	for rows.Next() {
		var dl store.DeadLetter
		var prio int
		var status string
		var errKind, errMsg sql.NullString
		err := rows.Scan(
			&dl.Job.ID, &dl.Job.AccountID, &dl.Job.AccountHint, &dl.Job.PayloadRef,
			&prio, &status, &dl.Job.Attempts, &dl.Job.MaxAttempts,
			&dl.Job.EligibleAt, &dl.Job.CreatedAt, &dl.Job.UpdatedAt,
			&errKind, &errMsg,
			&dl.DeadAt, &dl.Resubmitted,
		)
		if err != nil {
			return nil, err
		}
		dl.Job.Priority = store.Priority(prio)
		dl.Job.Status = store.JobStatus(status)
		if errKind.Valid {
			dl.Job.LastError = &store.JobError{
				Kind:    store.ErrorKind(errKind.String),
				Message: errMsg.String,
			}
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range letters {
		history, err := s.ListAttempts(ctx, letters[i].Job.ID)
		if err != nil {
			return nil, err
		}
		letters[i].History = history
	}
	return letters, nil
}

// MarkDeadLetterResubmitted flags a dead letter as manually resubmitted.
func (s *Store) MarkDeadLetterResubmitted(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) error {
	query := "UPDATE dead_letters SET resubmitted = TRUE WHERE job_id = $1"
	if _, err := s.getExecutor(tx).ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("mark dead letter %s resubmitted: %w", jobID, err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*store.Job, error) {
	var job store.Job
	var prio int
	var status string
	var errKind, errMsg sql.NullString
	err := row.Scan(
		&job.ID, &job.AccountID, &job.AccountHint, &job.PayloadRef,
		&prio, &status, &job.Attempts, &job.MaxAttempts,
		&job.EligibleAt, &job.CreatedAt, &job.UpdatedAt,
		&errKind, &errMsg,
	)
	if err != nil {
		return nil, err
	}
	job.Priority = store.Priority(prio)
	job.Status = store.JobStatus(status)
	if errKind.Valid {
		job.LastError = &store.JobError{
			Kind:    store.ErrorKind(errKind.String),
			Message: errMsg.String,
		}
	}
	return &job, nil
}

// errorColumns flattens the optional last error into nullable columns.
func errorColumns(e *store.JobError) (interface{}, interface{}) {
	if e == nil {
		return nil, nil
	}
	return string(e.Kind), e.Message
}
