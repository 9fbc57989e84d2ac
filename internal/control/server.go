// Package control is the operator-facing HTTP listener: job submission,
// status, cancellation, dead-letter inspection, and resubmission. It is
// meant for the local host or a trusted network, not the open internet.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pubplane/internal/engine"
	"pubplane/internal/queue"
	"pubplane/internal/store"
	"pubplane/pkg/api"

	"github.com/google/uuid"
)

// Server is the control HTTP server.
type Server struct {
	httpServer *http.Server
	engine     *engine.Engine
	log        *slog.Logger
}

// New creates a control server around the engine.
func New(addr string, eng *engine.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{engine: eng, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.submitJob)
	mux.HandleFunc("GET /jobs/{id}", s.jobStatus)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.cancelJob)
	mux.HandleFunc("GET /accounts", s.listAccounts)
	mux.HandleFunc("GET /dlq", s.listDeadLetters)
	mux.HandleFunc("POST /dlq/{id}/resubmit", s.resubmitDeadLetter)
	mux.HandleFunc("GET /healthz", s.healthz)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.log.Info("control listener starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.httpError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PayloadRef == "" {
		s.httpError(w, "payload_ref is required", http.StatusBadRequest)
		return
	}
	prio, err := store.ParsePriority(req.Priority)
	if err != nil {
		s.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.engine.Submit(r.Context(), req.PayloadRef, req.AccountHint, prio, req.MaxAttempts)
	if err != nil {
		s.httpError(w, "failed to submit job", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusCreated, api.SubmitJobResponse{JobID: id.String()})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.httpError(w, "invalid job id", http.StatusBadRequest)
		return
	}

	job, history, err := s.engine.Status(id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.httpError(w, "job not found", http.StatusNotFound)
			return
		}
		s.httpError(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, jobToAPI(job, history))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.httpError(w, "invalid job id", http.StatusBadRequest)
		return
	}

	switch err := s.engine.Cancel(r.Context(), id); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrJobNotFound):
		s.httpError(w, "job not found", http.StatusNotFound)
	case errors.Is(err, queue.ErrInvalidTransition):
		s.httpError(w, "only pending jobs can be canceled", http.StatusConflict)
	default:
		s.httpError(w, "failed to cancel job", http.StatusInternalServerError)
	}
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.engine.Accounts()
	out := make([]api.AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountToAPI(a))
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters := s.engine.DeadLetters()
	out := make([]api.DeadLetterResponse, 0, len(letters))
	for _, dl := range letters {
		out = append(out, api.DeadLetterResponse{
			Job:         jobToAPI(dl.Job, dl.History),
			DeadAt:      dl.DeadAt,
			Resubmitted: dl.Resubmitted,
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) resubmitDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.httpError(w, "invalid job id", http.StatusBadRequest)
		return
	}

	newID, err := s.engine.ResubmitDeadLetter(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.httpError(w, "dead letter not found", http.StatusNotFound)
			return
		}
		s.httpError(w, "failed to resubmit", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusCreated, api.ResubmitResponse{JobID: newID.String()})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	s.respondJSON(w, http.StatusOK, api.HealthResponse{
		Status:      "ok",
		QueueDepth:  stats.QueueDepth,
		DeadLetters: stats.DeadLetters,
		PoolSize:    stats.Pool.Size,
		PoolIdle:    stats.Pool.Idle,
		Cooldowns:   stats.CooldownCount,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (s *Server) httpError(w http.ResponseWriter, message string, code int) {
	s.respondJSON(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

func jobToAPI(job store.Job, history []store.AttemptRecord) api.JobStatusResponse {
	resp := api.JobStatusResponse{
		ID:          job.ID.String(),
		AccountID:   job.AccountID,
		PayloadRef:  job.PayloadRef,
		Priority:    job.Priority.String(),
		Status:      string(job.Status),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		EligibleAt:  job.EligibleAt,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	if job.LastError != nil {
		resp.LastError = &api.JobError{
			Kind:    string(job.LastError.Kind),
			Message: job.LastError.Message,
		}
	}
	for _, rec := range history {
		resp.History = append(resp.History, api.AttemptRecord{
			Attempt:   rec.Attempt,
			AccountID: rec.AccountID,
			Kind:      string(rec.Kind),
			Message:   rec.Message,
			FailedAt:  rec.FailedAt,
		})
	}
	return resp
}

func accountToAPI(a store.Account) api.AccountResponse {
	resp := api.AccountResponse{
		ID:     a.ID,
		Status: string(a.Status),
		Health: a.Health,
		Busy:   a.Busy,
	}
	if !a.LastUsed.IsZero() {
		t := a.LastUsed
		resp.LastUsed = &t
	}
	if !a.CooldownUntil.IsZero() {
		t := a.CooldownUntil
		resp.CooldownUntil = &t
	}
	return resp
}
