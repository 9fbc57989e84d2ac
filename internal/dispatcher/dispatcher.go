// Package dispatcher runs the dispatch loops: it pulls jobs from the queue,
// binds them to an account and a pooled browser environment, supervises
// execution, and feeds outcomes back into the queue and the registry.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pubplane/internal/events"
	"pubplane/internal/pool"
	"pubplane/internal/queue"
	"pubplane/internal/registry"
	"pubplane/internal/selector"
	"pubplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Executor is the opaque publish capability. The browser automation behind
// it is out of scope here; the dispatcher only interprets the returned error.
type Executor interface {
	// Execute performs the publish action in the given environment. It must
	// honor ctx cancellation: the dispatcher enforces the attempt timeout
	// through it.
	Execute(ctx context.Context, handle pool.Handle, payloadRef string) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, handle pool.Handle, payloadRef string) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, handle pool.Handle, payloadRef string) error {
	return f(ctx, handle, payloadRef)
}

var (
	// ErrPermanent marks executor failures that must not be retried:
	// invalid payload, policy rejection, authentication rejection.
	// Executors wrap with %w; everything else is treated as transient.
	ErrPermanent = errors.New("permanent failure")

	// ErrEnvCorrupted marks failures after which the environment's state is
	// untrusted. The resource is discarded instead of kept warm.
	ErrEnvCorrupted = errors.New("environment corrupted")
)

// Config holds dispatcher tuning.
type Config struct {
	Workers        int           // concurrent dispatch loops
	PollInterval   time.Duration // minimum queue poll period (default 1s)
	MaxBackoff     time.Duration // poll backoff cap when the queue is empty (default 30s)
	AttemptTimeout time.Duration // wall-clock budget per execution attempt (default 30m)
	RequeueDelay   time.Duration // delay before retrying a congested job (default 2s)
	DrainGrace     time.Duration // how long shutdown waits for in-flight jobs (default 1m)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Minute
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 2 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = time.Minute
	}
	return c
}

// Dispatcher owns the worker loops. Create with New, run with Run.
type Dispatcher struct {
	cfg      Config
	queue    *queue.TaskQueue
	selector *selector.Selector
	registry *registry.Registry
	pool     *pool.Pool
	executor Executor
	bus      *events.Bus
	log      *slog.Logger

	execCtx    context.Context // independent of Run's ctx so drain can finish
	execCancel context.CancelFunc
	done       chan struct{}
}

// New creates a dispatcher. bus may be nil.
func New(cfg Config, q *queue.TaskQueue, sel *selector.Selector, reg *registry.Registry, p *pool.Pool, exec Executor, bus *events.Bus, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	execCtx, execCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg.withDefaults(),
		queue:      q,
		selector:   sel,
		registry:   reg,
		pool:       p,
		executor:   exec,
		bus:        bus,
		log:        log,
		execCtx:    execCtx,
		execCancel: execCancel,
		done:       make(chan struct{}),
	}
}

// Run drives the dispatch loops until ctx is cancelled, then drains: no new
// dequeues, in-flight executions get the configured grace, stragglers are
// force-cancelled and their jobs requeued as retryable.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher starting", "workers", d.cfg.Workers)

	sem := make(chan struct{}, d.cfg.Workers)
	var inflight sync.WaitGroup

	pollNow := make(chan struct{}, 1)
	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}
	triggerPoll()

	backoff := d.cfg.PollInterval

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher draining", "grace", d.cfg.DrainGrace)
			d.drain(&inflight)
			close(d.done)
			return ctx.Err()

		case <-time.After(backoff):
			triggerPoll()

		case <-d.queue.Wake():
			triggerPoll()

		case <-pollNow:
			if len(sem) >= d.cfg.Workers {
				continue
			}
			job, ok := d.queue.DequeueNext(ctx)
			if !ok {
				backoff *= 2
				if backoff > d.cfg.MaxBackoff {
					backoff = d.cfg.MaxBackoff
				}
				continue
			}
			backoff = d.cfg.PollInterval

			sem <- struct{}{}
			inflight.Add(1)
			go func(job store.Job) {
				defer inflight.Done()
				defer func() {
					<-sem
					triggerPoll()
				}()
				d.dispatch(job)
			}(job)

			// More slots may be free; poll again right away.
			triggerPoll()
		}
	}
}

// Done returns a channel closed once the dispatcher has fully drained.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// drain waits for in-flight executions up to the grace period, then cancels
// the shared execution context and waits for the remainder to unwind.
func (d *Dispatcher) drain(inflight *sync.WaitGroup) {
	finished := make(chan struct{})
	go func() {
		inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(d.cfg.DrainGrace):
		d.log.Warn("drain grace exceeded, aborting in-flight executions")
		d.execCancel()
		<-finished
	}
}

// dispatch runs the state machine for one assigned job to completion.
func (d *Dispatcher) dispatch(job store.Job) {
	ctx := d.execCtx
	log := d.log.With("job_id", job.ID, "priority", job.Priority.String())

	tracer := otel.Tracer("pubplane-dispatcher")
	ctx, span := tracer.Start(ctx, "dispatch_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.priority", job.Priority.String()),
			attribute.Int("job.attempts", job.Attempts),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	// picked -> account-selected
	account, err := d.selector.Pick(ctx, &job)
	if err != nil {
		if errors.Is(err, selector.ErrNoEligibleAccount) {
			d.requeue(job, "no eligible account")
			return
		}
		d.failInternal(job, fmt.Sprintf("account selection: %v", err))
		return
	}
	span.SetAttributes(attribute.String("account.id", account.ID))
	log = log.With("account_id", account.ID)

	// account-selected -> resource-acquired
	res, err := d.pool.Acquire(ctx, account.ID)
	if err != nil {
		d.registry.Release(account.ID)
		switch {
		case errors.Is(err, pool.ErrPoolExhausted), errors.Is(err, pool.ErrPoolClosed):
			d.requeue(job, "pool exhausted")
		case errors.Is(err, pool.ErrDoubleAcquire):
			d.failInternal(job, err.Error())
		default:
			// Provisioning failed: a remote, fallible call. Retryable.
			log.Warn("provisioning failed", "err", err)
			d.fail(job, account.ID, store.ErrorKindTransient, registry.SeverityMinor,
				fmt.Sprintf("provisioning: %v", err))
		}
		return
	}

	// resource-acquired -> executing
	if err := d.queue.MarkRunning(ctx, job.ID, account.ID); err != nil {
		// Canceled or otherwise gone between dequeue and here.
		log.Warn("job not runnable", "err", err)
		d.releaseAll(account.ID, res.ID, true)
		return
	}
	d.emitJob(job.ID.String(), store.JobStatusRunning, account.ID, "", "")
	log.Info("executing", "resource_id", res.ID, "attempt", job.Attempts+1)

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	execErr := d.executor.Execute(attemptCtx, res.Handle, job.PayloadRef)
	cancel()

	switch {
	case execErr == nil:
		// executing -> succeeded
		d.queue.MarkSucceeded(context.Background(), job.ID)
		d.registry.RecordSuccess(context.Background(), account.ID)
		d.releaseAll(account.ID, res.ID, true)
		d.emitJob(job.ID.String(), store.JobStatusSucceeded, account.ID, "", "")
		log.Info("job succeeded")

	case d.execCtx.Err() != nil:
		// Forced shutdown: retryable, no attempt consumed, environment not
		// trusted mid-publish.
		d.queue.Requeue(context.Background(), job.ID, 0)
		d.releaseAll(account.ID, res.ID, false)
		d.emitJob(job.ID.String(), store.JobStatusPending, account.ID, "", "interrupted by shutdown")
		log.Warn("job interrupted by shutdown, requeued")

	case attemptCtx.Err() == context.DeadlineExceeded:
		// executing -> retryable-failure. The environment's state after a
		// timeout is untrusted.
		span.RecordError(execErr)
		msg := fmt.Sprintf("attempt timed out after %v", d.cfg.AttemptTimeout)
		d.queue.MarkFailed(context.Background(), job.ID, store.ErrorKindTransient, msg)
		d.registry.RecordFailure(context.Background(), account.ID, registry.SeverityMinor)
		d.releaseAll(account.ID, res.ID, false)
		d.emitFailure(job.ID, account.ID, store.ErrorKindTransient, msg)
		log.Warn("attempt timed out")

	case errors.Is(execErr, ErrPermanent):
		// executing -> permanent-failure: immediate dead-letter, heavy
		// health decay (the original drops banned windows from rotation).
		span.RecordError(execErr)
		d.queue.MarkFailed(context.Background(), job.ID, store.ErrorKindPermanent, execErr.Error())
		d.registry.RecordFailure(context.Background(), account.ID, registry.SeverityMajor)
		d.releaseAll(account.ID, res.ID, true)
		d.emitFailure(job.ID, account.ID, store.ErrorKindPermanent, execErr.Error())
		log.Error("permanent failure", "err", execErr)

	default:
		// executing -> retryable-failure or resource-lost.
		span.RecordError(execErr)
		d.queue.MarkFailed(context.Background(), job.ID, store.ErrorKindTransient, execErr.Error())
		d.registry.RecordFailure(context.Background(), account.ID, registry.SeverityMinor)

		keepWarm := !errors.Is(execErr, ErrEnvCorrupted)
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 15*time.Second)
		if herr := d.pool.HealthCheck(probeCtx, res.ID); herr != nil {
			// Resource already evicted: resource-lost, no release call.
			log.Warn("resource lost during attempt", "err", herr)
			d.registry.Release(account.ID)
		} else {
			d.releaseAll(account.ID, res.ID, keepWarm)
		}
		probeCancel()
		d.emitFailure(job.ID, account.ID, store.ErrorKindTransient, execErr.Error())
		log.Warn("attempt failed", "err", execErr)
	}
}

// requeue puts a congested job back without consuming an attempt.
func (d *Dispatcher) requeue(job store.Job, reason string) {
	if err := d.queue.Requeue(context.Background(), job.ID, d.cfg.RequeueDelay); err != nil {
		d.log.Error("requeue failed", "job_id", job.ID, "err", err)
	}
	d.emitJob(job.ID.String(), store.JobStatusPending, "", store.ErrorKindExhaustion, reason)
}

// fail records a classified attempt failure and releases the account.
func (d *Dispatcher) fail(job store.Job, accountID string, kind store.ErrorKind, sev registry.FailureSeverity, msg string) {
	d.queue.MarkFailed(context.Background(), job.ID, kind, msg)
	d.registry.RecordFailure(context.Background(), accountID, sev)
	d.registry.Release(accountID)
	d.emitFailure(job.ID, accountID, kind, msg)
}

// failInternal handles invariant violations: fatal to this job only.
func (d *Dispatcher) failInternal(job store.Job, msg string) {
	d.log.Error("internal invariant violation", "job_id", job.ID, "msg", msg)
	if err := d.queue.MarkFailed(context.Background(), job.ID, store.ErrorKindInternal, msg); err != nil {
		d.log.Error("mark failed errored", "job_id", job.ID, "err", err)
	}
	d.emitFailure(job.ID, "", store.ErrorKindInternal, msg)
}

// releaseAll returns the pooled resource and the account claim.
func (d *Dispatcher) releaseAll(accountID, resourceID string, keepWarm bool) {
	if err := d.pool.Release(resourceID, keepWarm); err != nil && !errors.Is(err, pool.ErrResourceNotFound) {
		d.log.Warn("resource release failed", "resource_id", resourceID, "err", err)
	}
	d.registry.Release(accountID)
}

func (d *Dispatcher) emitJob(jobID string, status store.JobStatus, accountID string, kind store.ErrorKind, msg string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Type:      events.TypeJobTransition,
		JobID:     jobID,
		JobStatus: string(status),
		AccountID: accountID,
		ErrorKind: string(kind),
		Message:   msg,
	})
}

// emitFailure publishes the job's post-failure status (pending on retry,
// dead_lettered when exhausted).
func (d *Dispatcher) emitFailure(jobID uuid.UUID, accountID string, kind store.ErrorKind, msg string) {
	status := store.JobStatusFailed
	if job, err := d.queue.Get(jobID); err == nil {
		status = job.Status
	}
	d.emitJob(jobID.String(), status, accountID, kind, msg)
}
