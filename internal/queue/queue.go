// Package queue implements the in-memory, priority-aware, retryable task
// queue with a dead-letter sink. Dispatch order and retry policy live here;
// the store.JobStore journal behind it only makes state durable.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pubplane/internal/store"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateJob is returned when enqueueing an ID that already exists
	// in a non-terminal state.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrInvalidTransition is returned when a state change is not allowed
	// from the job's current status.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrJobNotFound is returned when the job ID is unknown.
	ErrJobNotFound = errors.New("job not found")
)

// Config holds the retry policy of the queue.
type Config struct {
	MaxAttempts int           // per-job default when the job carries none
	BackoffBase time.Duration // retry delay is BackoffBase * 2^attempts
	BackoffCap  time.Duration // upper bound on the retry delay
}

// TaskQueue is an ordered, retryable queue of jobs. All methods are safe for
// concurrent use by the dispatcher workers and the submission surface.
type TaskQueue struct {
	mu      sync.Mutex
	cfg     Config
	jobs    map[uuid.UUID]*store.Job
	history map[uuid.UUID][]store.AttemptRecord
	dead    map[uuid.UUID]*store.DeadLetter
	ready   readyHeap // eligible now, ordered by priority then FIFO
	delayed delayHeap // waiting on EligibleAt, ordered by time
	seq     uint64

	wake    chan struct{}
	journal store.JobStore // may be nil (volatile mode, used by tests)
	log     *slog.Logger
	now     func() time.Time
}

// New creates a task queue. journal may be nil, in which case state is kept
// in memory only.
func New(cfg Config, journal store.JobStore, log *slog.Logger) *TaskQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 10 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &TaskQueue{
		cfg:     cfg,
		jobs:    make(map[uuid.UUID]*store.Job),
		history: make(map[uuid.UUID][]store.AttemptRecord),
		dead:    make(map[uuid.UUID]*store.DeadLetter),
		wake:    make(chan struct{}, 1),
		journal: journal,
		log:     log,
		now:     time.Now,
	}
}

// Wake returns a channel that receives a signal whenever a job may have
// become eligible. Dispatch loops select on it instead of busy-spinning.
func (q *TaskQueue) Wake() <-chan struct{} {
	return q.wake
}

func (q *TaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue inserts a new job in pending state. It fails with ErrDuplicateJob
// if the ID already exists and is not terminal.
func (q *TaskQueue) Enqueue(ctx context.Context, job *store.Job) error {
	if job.ID == uuid.Nil {
		return fmt.Errorf("enqueue: job has no ID")
	}

	q.mu.Lock()
	if existing, ok := q.jobs[job.ID]; ok && !existing.Status.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("enqueue %s: %w", job.ID, ErrDuplicateJob)
	}

	now := q.now()
	j := *job
	j.Status = store.JobStatusPending
	j.Attempts = 0
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = q.cfg.MaxAttempts
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.EligibleAt.IsZero() {
		j.EligibleAt = now
	}
	q.jobs[j.ID] = &j
	q.push(&j)
	snapshot := j
	q.mu.Unlock()

	q.signal()
	if q.journal != nil {
		if err := q.journal.InsertJob(ctx, nil, &snapshot); err != nil {
			q.log.Error("journal insert failed", "job_id", snapshot.ID, "err", err)
		}
	}
	return nil
}

// DequeueNext returns the highest-priority pending job whose eligible time
// has passed, marking it assigned. Ties break in creation order. The second
// return is false when nothing is eligible; callers wait on Wake or poll.
func (q *TaskQueue) DequeueNext(ctx context.Context) (store.Job, bool) {
	q.mu.Lock()
	now := q.now()
	q.promote(now)

	var job *store.Job
	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*entry)
		if e.removed || e.job.Status != store.JobStatusPending {
			continue
		}
		job = e.job
		break
	}
	if job == nil {
		q.mu.Unlock()
		return store.Job{}, false
	}

	job.Status = store.JobStatusAssigned
	job.UpdatedAt = now
	snapshot := *job
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	return snapshot, true
}

// NextEligibleAt returns the earliest eligible time among delayed jobs and
// whether any exist. Used by dispatch loops to bound their poll sleep.
func (q *TaskQueue) NextEligibleAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.delayed.Len() > 0 {
		e := q.delayed[0]
		if e.removed || e.job.Status != store.JobStatusPending {
			heap.Pop(&q.delayed)
			continue
		}
		return e.job.EligibleAt, true
	}
	return time.Time{}, false
}

// MarkRunning transitions an assigned job to running.
func (q *TaskQueue) MarkRunning(ctx context.Context, id uuid.UUID, accountID string) error {
	return q.transition(ctx, id, store.JobStatusRunning, func(j *store.Job) error {
		if j.Status != store.JobStatusAssigned {
			return fmt.Errorf("mark running %s from %s: %w", id, j.Status, ErrInvalidTransition)
		}
		j.AccountID = accountID
		return nil
	})
}

// MarkSucceeded transitions a running job to its terminal succeeded state.
func (q *TaskQueue) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	return q.transition(ctx, id, store.JobStatusSucceeded, func(j *store.Job) error {
		if j.Status != store.JobStatusRunning {
			return fmt.Errorf("mark succeeded %s from %s: %w", id, j.Status, ErrInvalidTransition)
		}
		return nil
	})
}

// MarkFailed records a failed attempt. Retryable kinds with attempts left
// schedule a retry with exponential backoff; everything else dead-letters
// the job. The attempt history is retained either way.
func (q *TaskQueue) MarkFailed(ctx context.Context, id uuid.UUID, kind store.ErrorKind, message string) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("mark failed %s: %w", id, ErrJobNotFound)
	}
	if j.Status != store.JobStatusRunning && j.Status != store.JobStatusAssigned {
		from := j.Status
		q.mu.Unlock()
		return fmt.Errorf("mark failed %s from %s: %w", id, from, ErrInvalidTransition)
	}

	now := q.now()
	j.Attempts++
	j.UpdatedAt = now
	j.LastError = &store.JobError{Kind: kind, Message: message}
	rec := store.AttemptRecord{
		Attempt:   j.Attempts,
		AccountID: j.AccountID,
		Kind:      kind,
		Message:   message,
		FailedAt:  now,
	}
	q.history[id] = append(q.history[id], rec)

	var dead *store.DeadLetter
	if kind.Retryable() && j.Attempts < j.MaxAttempts {
		j.Status = store.JobStatusPending
		j.EligibleAt = now.Add(q.backoff(j.Attempts))
		q.push(j)
	} else {
		j.Status = store.JobStatusDeadLettered
		dl := store.DeadLetter{
			Job:     *j,
			History: append([]store.AttemptRecord(nil), q.history[id]...),
			DeadAt:  now,
		}
		q.dead[id] = &dl
		dead = &dl
	}
	snapshot := *j
	q.mu.Unlock()

	q.signal()
	if q.journal != nil {
		if err := q.journal.InsertAttempt(ctx, nil, id, rec); err != nil {
			q.log.Error("journal attempt insert failed", "job_id", id, "err", err)
		}
		if dead != nil {
			if err := q.journal.InsertDeadLetter(ctx, nil, id); err != nil {
				q.log.Error("journal dead-letter insert failed", "job_id", id, "err", err)
			}
		}
	}
	q.persist(ctx, snapshot)
	return nil
}

// Requeue returns an assigned or running job to pending after the given
// delay without consuming an attempt. Used when no account or pool slot was
// available, and for in-flight jobs interrupted by shutdown.
func (q *TaskQueue) Requeue(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("requeue %s: %w", id, ErrJobNotFound)
	}
	if j.Status != store.JobStatusAssigned && j.Status != store.JobStatusRunning {
		from := j.Status
		q.mu.Unlock()
		return fmt.Errorf("requeue %s from %s: %w", id, from, ErrInvalidTransition)
	}
	now := q.now()
	j.Status = store.JobStatusPending
	j.AccountID = ""
	j.EligibleAt = now.Add(delay)
	j.UpdatedAt = now
	q.push(j)
	snapshot := *j
	q.mu.Unlock()

	q.signal()
	q.persist(ctx, snapshot)
	return nil
}

// Cancel marks a pending job canceled. Jobs in any other state cannot be
// canceled.
func (q *TaskQueue) Cancel(ctx context.Context, id uuid.UUID) error {
	return q.transition(ctx, id, store.JobStatusCanceled, func(j *store.Job) error {
		if j.Status != store.JobStatusPending {
			return fmt.Errorf("cancel %s from %s: %w", id, j.Status, ErrInvalidTransition)
		}
		return nil
	})
}

// Get returns a copy of the job with the given ID.
func (q *TaskQueue) Get(id uuid.UUID) (store.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return store.Job{}, fmt.Errorf("get %s: %w", id, ErrJobNotFound)
	}
	return *j, nil
}

// DeadLetters returns the dead-letter view for operator inspection,
// including full per-attempt error history.
func (q *TaskQueue) DeadLetters() []store.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]store.DeadLetter, 0, len(q.dead))
	for _, dl := range q.dead {
		out = append(out, *dl)
	}
	return out
}

// DeadLetter returns one dead-lettered job by ID.
func (q *TaskQueue) DeadLetter(id uuid.UUID) (store.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dl, ok := q.dead[id]
	if !ok {
		return store.DeadLetter{}, fmt.Errorf("dead letter %s: %w", id, ErrJobNotFound)
	}
	return *dl, nil
}

// MarkResubmitted flags a dead letter as manually resubmitted. The replay job
// carries a fresh ID; the flag only records the operator action.
func (q *TaskQueue) MarkResubmitted(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	dl, ok := q.dead[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("resubmit %s: %w", id, ErrJobNotFound)
	}
	dl.Resubmitted = true
	q.mu.Unlock()

	if q.journal != nil {
		if err := q.journal.MarkDeadLetterResubmitted(ctx, nil, id); err != nil {
			q.log.Error("journal resubmit flag failed", "job_id", id, "err", err)
		}
	}
	return nil
}

// History returns the attempt history of a job, oldest first.
func (q *TaskQueue) History(id uuid.UUID) []store.AttemptRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]store.AttemptRecord(nil), q.history[id]...)
}

// Depth returns the number of jobs waiting for dispatch.
func (q *TaskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == store.JobStatusPending {
			n++
		}
	}
	return n
}

// DeadLetterCount returns the number of dead-lettered jobs.
func (q *TaskQueue) DeadLetterCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead)
}

// Restore loads journaled jobs at startup. Jobs interrupted mid-flight
// (assigned or running at the previous shutdown) go back to pending without
// consuming an attempt.
func (q *TaskQueue) Restore(jobs []*store.Job) {
	q.mu.Lock()
	now := q.now()
	for _, job := range jobs {
		j := *job
		switch j.Status {
		case store.JobStatusPending:
		case store.JobStatusAssigned, store.JobStatusRunning, store.JobStatusFailed:
			j.Status = store.JobStatusPending
			j.AccountID = ""
			j.EligibleAt = now
		default:
			continue
		}
		q.jobs[j.ID] = &j
		q.push(&j)
	}
	q.mu.Unlock()
	q.signal()
}

// transition applies a guarded status change and persists the result.
func (q *TaskQueue) transition(ctx context.Context, id uuid.UUID, to store.JobStatus, guard func(*store.Job) error) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("transition %s: %w", id, ErrJobNotFound)
	}
	if err := guard(j); err != nil {
		q.mu.Unlock()
		return err
	}
	j.Status = to
	j.UpdatedAt = q.now()
	snapshot := *j
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	return nil
}

// backoff computes the retry delay after the given attempt count.
func (q *TaskQueue) backoff(attempts int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.BackoffCap {
			return q.cfg.BackoffCap
		}
	}
	return d
}

// persist writes a job snapshot to the journal, best effort.
func (q *TaskQueue) persist(ctx context.Context, j store.Job) {
	if q.journal == nil {
		return
	}
	if err := q.journal.UpdateJob(ctx, nil, &j); err != nil {
		q.log.Error("journal update failed", "job_id", j.ID, "status", string(j.Status), "err", err)
	}
}

// push re-indexes a pending job into the ready or delayed heap.
// Caller holds q.mu.
func (q *TaskQueue) push(j *store.Job) {
	q.seq++
	e := &entry{job: j, seq: q.seq}
	if j.EligibleAt.After(q.now()) {
		heap.Push(&q.delayed, e)
	} else {
		heap.Push(&q.ready, e)
	}
}

// promote moves delayed jobs whose eligible time has passed into the ready
// heap. Caller holds q.mu.
func (q *TaskQueue) promote(now time.Time) {
	for q.delayed.Len() > 0 {
		e := q.delayed[0]
		if e.removed || e.job.Status != store.JobStatusPending {
			heap.Pop(&q.delayed)
			continue
		}
		if e.job.EligibleAt.After(now) {
			return
		}
		heap.Pop(&q.delayed)
		heap.Push(&q.ready, e)
	}
}
