// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the control listener.
package api

import "time"

// SubmitJobRequest is the request body for submitting a publish job.
type SubmitJobRequest struct {
	PayloadRef  string `json:"payload_ref"`
	AccountHint string `json:"account_hint,omitempty"`
	// Priority is one of low, normal, high, urgent. Empty means normal.
	Priority    string `json:"priority,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// SubmitJobResponse is the response body after submitting a job.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

// JobError is a classified attempt error in API responses.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AttemptRecord is one failed attempt in API responses.
type AttemptRecord struct {
	Attempt   int       `json:"attempt"`
	AccountID string    `json:"account_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	FailedAt  time.Time `json:"failed_at"`
}

// JobStatusResponse is the response body for job status queries.
type JobStatusResponse struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id,omitempty"`
	PayloadRef  string          `json:"payload_ref"`
	Priority    string          `json:"priority"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EligibleAt  time.Time       `json:"eligible_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	LastError   *JobError       `json:"last_error,omitempty"`
	History     []AttemptRecord `json:"history,omitempty"`
}

// DeadLetterResponse is one dead-lettered job with its error history.
type DeadLetterResponse struct {
	Job         JobStatusResponse `json:"job"`
	DeadAt      time.Time         `json:"dead_at"`
	Resubmitted bool              `json:"resubmitted"`
}

// ResubmitResponse carries the ID of the replayed job.
type ResubmitResponse struct {
	JobID string `json:"job_id"`
}

// AccountResponse is one managed account in API responses.
type AccountResponse struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Health        int        `json:"health"`
	Busy          bool       `json:"busy"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// HealthResponse is the response body for the healthz endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	QueueDepth  int    `json:"queue_depth"`
	DeadLetters int    `json:"dead_letters"`
	PoolSize    int    `json:"pool_size"`
	PoolIdle    int    `json:"pool_idle"`
	Cooldowns   int    `json:"cooldowns"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
