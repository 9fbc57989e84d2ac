package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// It allows passing either a connection pool or an active transaction
// to the store methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// JobStore is the durable journal behind the in-memory task queue. The queue
// writes through on every transition so that no job is lost across restarts.
type JobStore interface {
	// InsertJob persists a newly submitted job.
	InsertJob(ctx context.Context, tx DBTransaction, job *Job) error

	// UpdateJob persists the current state of a job.
	UpdateJob(ctx context.Context, tx DBTransaction, job *Job) error

	// GetJob returns a job by its ID.
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// ListUnfinished returns all jobs in a non-terminal state, for restore
	// at startup.
	ListUnfinished(ctx context.Context) ([]*Job, error)

	// InsertAttempt records one failed attempt for dead-letter diagnosis.
	InsertAttempt(ctx context.Context, tx DBTransaction, jobID uuid.UUID, rec AttemptRecord) error

	// ListAttempts returns the attempt history of a job, oldest first.
	ListAttempts(ctx context.Context, jobID uuid.UUID) ([]AttemptRecord, error)

	// InsertDeadLetter records a job's arrival in the dead-letter sink.
	InsertDeadLetter(ctx context.Context, tx DBTransaction, jobID uuid.UUID) error

	// ListDeadLetters returns dead-lettered jobs with their attempt history,
	// newest first.
	ListDeadLetters(ctx context.Context) ([]DeadLetter, error)

	// MarkDeadLetterResubmitted flags a dead letter as manually resubmitted.
	MarkDeadLetterResubmitted(ctx context.Context, tx DBTransaction, jobID uuid.UUID) error
}

// AccountStore persists account health and status between runs.
type AccountStore interface {
	// UpsertAccount inserts or updates an account record.
	UpsertAccount(ctx context.Context, tx DBTransaction, account *Account) error

	// GetAccount returns an account by its ID.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// ListAccounts returns all known accounts.
	ListAccounts(ctx context.Context) ([]*Account, error)
}
