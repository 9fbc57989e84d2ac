package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"pubplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

func TestInsertJob_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	job := &store.Job{
		ID:          uuid.New(),
		AccountHint: "studio-01",
		PayloadRef:  "post://draft/1",
		Priority:    store.PriorityHigh,
		Status:      store.JobStatusPending,
		MaxAttempts: 3,
		EligibleAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(job.ID, "", "studio-01", "post://draft/1", int(store.PriorityHigh),
			"pending", 0, 3, now, now, now, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.InsertJob(ctx, nil, job); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpdateJob_PersistsErrorColumns(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	job := &store.Job{
		ID:         uuid.New(),
		AccountID:  "studio-01",
		Status:     store.JobStatusPending,
		Attempts:   1,
		EligibleAt: now.Add(10 * time.Second),
		UpdatedAt:  now,
		LastError:  &store.JobError{Kind: store.ErrorKindTransient, Message: "network flake"},
	}

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(job.ID, "studio-01", "pending", 1, job.EligibleAt, now,
			"transient", "network flake").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdateJob(ctx, nil, job); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetJob_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ctx := context.Background()
	id := uuid.New()
	now := time.Now().Truncate(time.Second)

	cols := []string{"id", "account_id", "account_hint", "payload_ref", "priority", "status",
		"attempts", "max_attempts", "eligible_at", "created_at", "updated_at",
		"last_error_kind", "last_error_message"}
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(id, "studio-01", "", "post://draft/1", int(store.PriorityNormal), "running",
				1, 3, now, now, now, "transient", "network flake"))

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != store.JobStatusRunning {
		t.Errorf("got status %s, want running", job.Status)
	}
	if job.LastError == nil || job.LastError.Kind != store.ErrorKindTransient {
		t.Errorf("last error not decoded: %+v", job.LastError)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetJob(context.Background(), id); err != sql.ErrNoRows {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestListUnfinished_FiltersTerminalStates(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now().Truncate(time.Second)
	id := uuid.New()
	cols := []string{"id", "account_id", "account_hint", "payload_ref", "priority", "status",
		"attempts", "max_attempts", "eligible_at", "created_at", "updated_at",
		"last_error_kind", "last_error_message"}
	mock.ExpectQuery(`WHERE status IN \('pending', 'assigned', 'running', 'failed'\)`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(id, "", "", "post://draft/1", int(store.PriorityNormal), "running",
				0, 3, now, now, now, nil, nil))

	jobs, err := s.ListUnfinished(context.Background())
	if err != nil {
		t.Fatalf("ListUnfinished failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Errorf("got %d jobs, want the running one", len(jobs))
	}
	if jobs[0].LastError != nil {
		t.Error("null error columns decoded as non-nil error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInsertAttempt_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()
	now := time.Now().Truncate(time.Second)
	rec := store.AttemptRecord{
		Attempt:   2,
		AccountID: "studio-01",
		Kind:      store.ErrorKindTransient,
		Message:   "timeout",
		FailedAt:  now,
	}

	mock.ExpectExec(`INSERT INTO job_attempts`).
		WithArgs(jobID, 2, "studio-01", "transient", "timeout", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.InsertAttempt(context.Background(), nil, jobID, rec); err != nil {
		t.Fatalf("InsertAttempt failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMarkDeadLetterResubmitted_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()
	mock.ExpectExec(`UPDATE dead_letters SET resubmitted = TRUE`).
		WithArgs(jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkDeadLetterResubmitted(context.Background(), nil, jobID); err != nil {
		t.Fatalf("MarkDeadLetterResubmitted failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
