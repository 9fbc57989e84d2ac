// Package store contains the domain model and persistence interfaces for pubplane.
package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs across tiers. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a wire name back to a Priority.
// The empty string maps to normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// JobStatus represents the state of a job.
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusAssigned     JobStatus = "assigned"
	JobStatusRunning      JobStatus = "running"
	JobStatusSucceeded    JobStatus = "succeeded"
	JobStatusFailed       JobStatus = "failed"
	JobStatusDeadLettered JobStatus = "dead_lettered"
	JobStatusCanceled     JobStatus = "canceled"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusDeadLettered, JobStatusCanceled:
		return true
	}
	return false
}

// ErrorKind classifies a failed execution attempt. Classification happens at
// the dispatcher boundary; the queue and pool only ever see these kinds.
type ErrorKind string

const (
	// ErrorKindTransient covers network errors, timeouts and environment
	// loss. Retryable; decays account health lightly.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindPermanent covers invalid payloads and policy or auth
	// rejections. Dead-letters immediately; decays account health heavily.
	ErrorKindPermanent ErrorKind = "permanent"

	// ErrorKindExhaustion means no account or pool slot was available.
	// Not an attempt failure: the job is requeued without consuming an attempt.
	ErrorKindExhaustion ErrorKind = "resource_exhaustion"

	// ErrorKindInternal marks an invariant violation. Fatal to the job only,
	// never to the dispatcher process.
	ErrorKindInternal ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind should be retried.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient
}

// JobError is the classified last error of a job.
type JobError struct {
	Kind    ErrorKind
	Message string
}

// Job is one unit of dispatched work, tracked through queue and execution.
type Job struct {
	ID          uuid.UUID
	AccountID   string // empty until assigned
	AccountHint string // optional caller preference, fixed at submission
	PayloadRef  string // opaque, owned by the caller
	Priority    Priority
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	EligibleAt  time.Time // earliest dispatch time, moved by backoff
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   *JobError
}

// AttemptRecord is one failed attempt, kept for dead-letter diagnosis.
type AttemptRecord struct {
	Attempt   int
	AccountID string
	Kind      ErrorKind
	Message   string
	FailedAt  time.Time
}

// DeadLetter is a job that exhausted retries or hit a permanent error,
// together with its full error history. Never re-dispatched automatically;
// resubmission is an explicit operator action.
type DeadLetter struct {
	Job         Job
	History     []AttemptRecord
	DeadAt      time.Time
	Resubmitted bool
}

// AccountStatus represents the state of a managed account.
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusCooldown  AccountStatus = "cooldown"
	AccountStatusDisabled  AccountStatus = "disabled"
)

// Account is one managed publishing account. At most one running job may
// reference an account at any instant.
type Account struct {
	ID            string
	Status        AccountStatus
	Health        int // 0..100, decays on failure, recovers on success
	Busy          bool
	LastUsed      time.Time
	CooldownUntil time.Time
}
