// Package engine assembles the queue, registry, pool, and dispatcher into
// one runnable unit and exposes the submission and inspection surface the
// control listener and CLI talk to.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pubplane/internal/dispatcher"
	"pubplane/internal/events"
	"pubplane/internal/pool"
	"pubplane/internal/queue"
	"pubplane/internal/registry"
	"pubplane/internal/selector"
	"pubplane/internal/store"

	"github.com/google/uuid"
)

// Discoverer enumerates the account environments available at startup.
// The window-manager provider implements it by listing managed windows.
type Discoverer interface {
	Refresh(ctx context.Context) ([]string, error)
}

// Config aggregates the tuning of every component the engine owns.
type Config struct {
	Queue      queue.Config
	Registry   registry.Config
	Pool       pool.Config
	Dispatcher dispatcher.Config

	// Prewarm opens environments for eligible accounts up to the pool's
	// MinIdle before dispatch starts.
	Prewarm bool
}

// Deps are the engine's pluggable collaborators. JobStore, AccountStore,
// Discoverer, and Bus may each be nil.
type Deps struct {
	JobStore     store.JobStore
	AccountStore store.AccountStore
	Provider     pool.Provider
	Executor     dispatcher.Executor
	Discoverer   Discoverer
	Bus          *events.Bus
	Log          *slog.Logger
}

// Engine owns the component lifecycle. Create with New, start with Run.
type Engine struct {
	cfg        Config
	queue      *queue.TaskQueue
	registry   *registry.Registry
	pool       *pool.Pool
	dispatcher *dispatcher.Dispatcher
	jobs       store.JobStore
	accounts   store.AccountStore
	discoverer Discoverer
	bus        *events.Bus
	log        *slog.Logger
}

// New wires the components together. Health and pool changes are forwarded
// to the event bus.
func New(cfg Config, deps Deps) *Engine {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	q := queue.New(cfg.Queue, deps.JobStore, log)
	reg := registry.New(cfg.Registry, deps.AccountStore, log)
	p := pool.New(cfg.Pool, deps.Provider, log)
	d := dispatcher.New(cfg.Dispatcher, q, selector.New(reg), reg, p, deps.Executor, deps.Bus, log)

	if deps.Bus != nil {
		bus := deps.Bus
		reg.OnChange(func(c registry.HealthChange) {
			bus.Publish(events.Event{
				Type:          events.TypeAccountHealth,
				AccountID:     c.AccountID,
				Health:        c.Health,
				AccountStatus: string(c.Status),
			})
		})
		p.OnChange(func(s pool.Stats) {
			bus.Publish(events.Event{
				Type:     events.TypePoolChange,
				PoolSize: s.Size,
				PoolIdle: s.Idle,
			})
		})
	}

	return &Engine{
		cfg:        cfg,
		queue:      q,
		registry:   reg,
		pool:       p,
		dispatcher: d,
		jobs:       deps.JobStore,
		accounts:   deps.AccountStore,
		discoverer: deps.Discoverer,
		bus:        deps.Bus,
		log:        log,
	}
}

// Run restores journaled state, discovers accounts, optionally prewarms the
// pool, then drives dispatch until ctx is cancelled. It returns after the
// dispatcher has drained and every pooled environment is closed.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := e.DiscoverAccounts(ctx); err != nil {
		// Discovery failure is not fatal: journaled accounts still dispatch.
		e.log.Warn("account discovery failed", "err", err)
	}
	if e.cfg.Prewarm {
		e.prewarm(ctx)
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go e.pool.Run(janitorCtx)

	err := e.dispatcher.Run(ctx)
	<-e.dispatcher.Done()
	stopJanitor()

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	e.pool.Shutdown(shutCtx)
	cancel()

	e.log.Info("engine stopped")
	if err == context.Canceled {
		return nil
	}
	return err
}

// Restore loads unfinished jobs and account records from the journal.
func (e *Engine) Restore(ctx context.Context) error {
	if e.accounts != nil {
		records, err := e.accounts.ListAccounts(ctx)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		for _, rec := range records {
			e.registry.Add(ctx, *rec)
		}
		if len(records) > 0 {
			e.log.Info("accounts restored", "count", len(records))
		}
	}
	if e.jobs != nil {
		unfinished, err := e.jobs.ListUnfinished(ctx)
		if err != nil {
			return fmt.Errorf("list unfinished jobs: %w", err)
		}
		e.queue.Restore(unfinished)
		if len(unfinished) > 0 {
			e.log.Info("jobs restored", "count", len(unfinished))
		}
	}
	return nil
}

// DiscoverAccounts registers every account environment the discoverer
// reports. Already-known accounts keep their health and status.
func (e *Engine) DiscoverAccounts(ctx context.Context) error {
	if e.discoverer == nil {
		return nil
	}
	names, err := e.discoverer.Refresh(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		e.registry.Add(ctx, store.Account{ID: name})
	}
	e.log.Info("accounts discovered", "count", len(names))
	return nil
}

// prewarm opens environments for the healthiest eligible accounts up to the
// pool's idle floor.
func (e *Engine) prewarm(ctx context.Context) {
	eligible := e.registry.ListEligible()
	n := e.cfg.Pool.MinIdle
	if n <= 0 || n > len(eligible) {
		n = len(eligible)
	}
	ids := make([]string, 0, n)
	for _, acct := range eligible[:n] {
		ids = append(ids, acct.ID)
	}
	e.pool.Prewarm(ctx, ids)
}

// Submit enqueues a publish job and returns its ID. accountHint may be empty;
// maxAttempts zero means the queue default.
func (e *Engine) Submit(ctx context.Context, payloadRef, accountHint string, prio store.Priority, maxAttempts int) (uuid.UUID, error) {
	if payloadRef == "" {
		return uuid.Nil, fmt.Errorf("submit: empty payload reference")
	}
	job := &store.Job{
		ID:          uuid.New(),
		PayloadRef:  payloadRef,
		AccountHint: accountHint,
		Priority:    prio,
		MaxAttempts: maxAttempts,
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return uuid.Nil, err
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.TypeJobTransition,
			JobID:     job.ID.String(),
			JobStatus: string(store.JobStatusPending),
			Priority:  prio.String(),
		})
	}
	e.log.Info("job submitted", "job_id", job.ID, "priority", prio.String())
	return job.ID, nil
}

// Status returns a job and its attempt history.
func (e *Engine) Status(id uuid.UUID) (store.Job, []store.AttemptRecord, error) {
	job, err := e.queue.Get(id)
	if err != nil {
		return store.Job{}, nil, err
	}
	return job, e.queue.History(id), nil
}

// Cancel withdraws a pending job.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := e.queue.Cancel(ctx, id); err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.TypeJobTransition,
			JobID:     id.String(),
			JobStatus: string(store.JobStatusCanceled),
		})
	}
	return nil
}

// DeadLetters returns the dead-letter view for operator inspection.
func (e *Engine) DeadLetters() []store.DeadLetter {
	return e.queue.DeadLetters()
}

// ResubmitDeadLetter replays a dead-lettered job as a fresh submission with
// a reset attempt budget. The original dead letter stays for audit, flagged
// as resubmitted.
func (e *Engine) ResubmitDeadLetter(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	dl, err := e.queue.DeadLetter(id)
	if err != nil {
		return uuid.Nil, err
	}
	newID, err := e.Submit(ctx, dl.Job.PayloadRef, dl.Job.AccountHint, dl.Job.Priority, dl.Job.MaxAttempts)
	if err != nil {
		return uuid.Nil, err
	}
	if err := e.queue.MarkResubmitted(ctx, id); err != nil {
		e.log.Warn("resubmit flag failed", "job_id", id, "err", err)
	}
	e.log.Info("dead letter resubmitted", "job_id", id, "new_job_id", newID)
	return newID, nil
}

// Accounts returns the current account records.
func (e *Engine) Accounts() []store.Account {
	return e.registry.List()
}

// Stats is a point-in-time snapshot for the metrics gauges and healthz.
type Stats struct {
	QueueDepth    int
	DeadLetters   int
	Pool          pool.Stats
	Accounts      int
	CooldownCount int
}

// Stats snapshots the engine's state.
func (e *Engine) Stats() Stats {
	return Stats{
		QueueDepth:    e.queue.Depth(),
		DeadLetters:   e.queue.DeadLetterCount(),
		Pool:          e.pool.Stats(),
		Accounts:      len(e.registry.List()),
		CooldownCount: e.registry.CooldownCount(),
	}
}
