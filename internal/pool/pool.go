package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPoolExhausted is returned by Acquire when the pool is at its cap
	// and no idle resource exists for the account. Callers requeue instead
	// of blocking: provisioning is a remote, possibly slow call.
	ErrPoolExhausted = errors.New("resource pool exhausted")

	// ErrResourceNotFound is returned when the resource ID is unknown,
	// typically because a health check already evicted it.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrNotAcquired is returned by Release for a resource that is not
	// acquired. Releasing an idle resource is a no-op error, not a crash.
	ErrNotAcquired = errors.New("resource not acquired")

	// ErrDoubleAcquire means a second acquire hit an account whose resource
	// is already acquired. Account selection serializes per account, so this
	// is an invariant violation, fatal to the job only.
	ErrDoubleAcquire = errors.New("resource already acquired")

	// ErrResourceLost is returned when a health probe failed and the
	// resource was evicted. Retryable from the job's point of view.
	ErrResourceLost = errors.New("resource lost")

	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("pool closed")
)

// State is the lifecycle state of a pooled resource.
type State string

const (
	StateIdle         State = "idle"
	StateAcquired     State = "acquired"
	StateProvisioning State = "provisioning"
	StateUnavailable  State = "unavailable"
)

// Resource is one execution environment bound 1:1 to an account.
type Resource struct {
	ID          string
	AccountID   string
	Handle      Handle
	State       State
	LastChecked time.Time
}

// Stats is a snapshot of the pool partition, for gauges and events.
type Stats struct {
	Size         int // idle + acquired + provisioning
	Idle         int
	Acquired     int
	Provisioning int
}

// Config bounds the pool.
type Config struct {
	Max           int           // hard ceiling on pool size
	MinIdle       int           // warm cache target kept across releases
	ProbeInterval time.Duration // janitor probe period for idle resources
}

// Pool is the bounded resource pool. Size accounting is pool-wide; the slow
// provider calls happen outside the lock against a reserved slot.
type Pool struct {
	mu        sync.Mutex
	cfg       Config
	provider  Provider
	byAccount map[string]*Resource
	byID      map[string]*Resource
	closed    bool

	log      *slog.Logger
	now      func() time.Time
	onChange func(Stats) // optional, set before use
}

// New creates a pool over the given provider.
func New(cfg Config, provider Provider, log *slog.Logger) *Pool {
	if cfg.Max <= 0 {
		cfg.Max = 4
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:       cfg,
		provider:  provider,
		byAccount: make(map[string]*Resource),
		byID:      make(map[string]*Resource),
		log:       log,
		now:       time.Now,
	}
}

// OnChange registers a callback invoked after every partition change.
// Must be set before the pool is shared between goroutines.
func (p *Pool) OnChange(fn func(Stats)) {
	p.onChange = fn
}

// Acquire returns an environment bound to the account, reusing an idle one
// or provisioning lazily while the pool is under its cap.
func (p *Pool) Acquire(ctx context.Context, accountID string) (Resource, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Resource{}, ErrPoolClosed
	}

	if res, ok := p.byAccount[accountID]; ok {
		switch res.State {
		case StateIdle:
			res.State = StateAcquired
			out := *res
			p.mu.Unlock()
			p.notify()
			return out, nil
		case StateAcquired, StateProvisioning:
			p.mu.Unlock()
			return Resource{}, fmt.Errorf("acquire for %s: %w", accountID, ErrDoubleAcquire)
		case StateUnavailable:
			// Fall through and re-provision into the same slot.
			delete(p.byID, res.ID)
			delete(p.byAccount, accountID)
		}
	}

	if len(p.byAccount) >= p.cfg.Max {
		p.mu.Unlock()
		return Resource{}, fmt.Errorf("acquire for %s: %w", accountID, ErrPoolExhausted)
	}

	// Reserve the slot before the slow open so the cap holds while we wait.
	res := &Resource{
		ID:        uuid.NewString(),
		AccountID: accountID,
		State:     StateProvisioning,
	}
	p.byAccount[accountID] = res
	p.byID[res.ID] = res
	p.mu.Unlock()
	p.notify()

	handle, err := p.provider.Open(ctx, accountID)

	p.mu.Lock()
	if err != nil || p.closed {
		delete(p.byID, res.ID)
		delete(p.byAccount, accountID)
		p.mu.Unlock()
		p.notify()
		if err == nil {
			// Pool shut down while we were provisioning.
			p.closeHandle(handle)
			return Resource{}, ErrPoolClosed
		}
		return Resource{}, fmt.Errorf("provision for %s: %w", accountID, err)
	}
	res.Handle = handle
	res.State = StateAcquired
	res.LastChecked = p.now()
	out := *res
	p.mu.Unlock()
	p.notify()

	p.log.Info("resource provisioned", "account_id", accountID, "resource_id", out.ID)
	return out, nil
}

// Release returns an acquired resource. With keepWarm it stays idle while
// the idle count is within the warm-cache target; otherwise (or when the
// environment is untrusted) it is torn down.
func (p *Pool) Release(resourceID string, keepWarm bool) error {
	p.mu.Lock()
	res, ok := p.byID[resourceID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("release %s: %w", resourceID, ErrResourceNotFound)
	}
	if res.State != StateAcquired {
		state := res.State
		p.mu.Unlock()
		return fmt.Errorf("release %s (%s): %w", resourceID, state, ErrNotAcquired)
	}

	if keepWarm && !p.closed && p.idleLocked()+1 <= p.cfg.MinIdle {
		res.State = StateIdle
		p.mu.Unlock()
		p.notify()
		return nil
	}

	delete(p.byID, res.ID)
	delete(p.byAccount, res.AccountID)
	handle := res.Handle
	p.mu.Unlock()
	p.notify()

	p.closeHandle(handle)
	return nil
}

// HealthCheck probes a resource. On probe failure the resource is evicted
// irrespective of its state and ErrResourceLost is returned; a job holding
// it treats that as a retryable resource-loss failure.
func (p *Pool) HealthCheck(ctx context.Context, resourceID string) error {
	p.mu.Lock()
	res, ok := p.byID[resourceID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("health check %s: %w", resourceID, ErrResourceNotFound)
	}
	handle := res.Handle
	p.mu.Unlock()

	if err := p.provider.Probe(ctx, handle); err != nil {
		p.evict(resourceID)
		p.log.Warn("resource failed probe, evicted", "resource_id", resourceID, "err", err)
		return fmt.Errorf("health check %s: %v: %w", resourceID, err, ErrResourceLost)
	}

	p.mu.Lock()
	if res, ok := p.byID[resourceID]; ok {
		res.LastChecked = p.now()
	}
	p.mu.Unlock()
	return nil
}

// Prewarm provisions idle resources for the given accounts until the warm
// cache target is met, the cap is hit, or the list runs out.
func (p *Pool) Prewarm(ctx context.Context, accountIDs []string) {
	for _, accountID := range accountIDs {
		p.mu.Lock()
		_, exists := p.byAccount[accountID]
		full := p.idleLocked() >= p.cfg.MinIdle || len(p.byAccount) >= p.cfg.Max || p.closed
		p.mu.Unlock()
		if full {
			return
		}
		if exists {
			continue
		}

		res, err := p.Acquire(ctx, accountID)
		if err != nil {
			p.log.Warn("prewarm failed", "account_id", accountID, "err", err)
			continue
		}
		if err := p.Release(res.ID, true); err != nil {
			p.log.Warn("prewarm release failed", "resource_id", res.ID, "err", err)
		}
	}
}

// Run drives the janitor loop probing idle resources until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeIdle(ctx)
		}
	}
}

// probeIdle health-checks every idle resource once.
func (p *Pool) probeIdle(ctx context.Context) {
	p.mu.Lock()
	var ids []string
	for id, res := range p.byID {
		if res.State == StateIdle {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.HealthCheck(ctx, id); err != nil && !errors.Is(err, ErrResourceNotFound) {
			p.log.Info("idle resource evicted by janitor", "resource_id", id)
		}
	}
}

// Stats returns a snapshot of the pool partition.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Shutdown closes every resource and rejects further acquires.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	var handles []Handle
	for id, res := range p.byID {
		if res.Handle != nil {
			handles = append(handles, res.Handle)
		}
		delete(p.byID, id)
		delete(p.byAccount, res.AccountID)
	}
	p.mu.Unlock()
	p.notify()

	for _, h := range handles {
		if err := p.provider.Close(ctx, h); err != nil {
			p.log.Warn("close on shutdown failed", "handle_id", h.ID(), "err", err)
		}
	}
}

// evict removes a resource and closes its handle best effort.
func (p *Pool) evict(resourceID string) {
	p.mu.Lock()
	res, ok := p.byID[resourceID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.byID, res.ID)
	delete(p.byAccount, res.AccountID)
	handle := res.Handle
	p.mu.Unlock()
	p.notify()

	p.closeHandle(handle)
}

func (p *Pool) closeHandle(h Handle) {
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.provider.Close(ctx, h); err != nil {
		p.log.Warn("resource close failed", "handle_id", h.ID(), "err", err)
	}
}

// idleLocked counts idle resources. Caller holds p.mu.
func (p *Pool) idleLocked() int {
	n := 0
	for _, res := range p.byID {
		if res.State == StateIdle {
			n++
		}
	}
	return n
}

func (p *Pool) statsLocked() Stats {
	s := Stats{Size: len(p.byID)}
	for _, res := range p.byID {
		switch res.State {
		case StateIdle:
			s.Idle++
		case StateAcquired:
			s.Acquired++
		case StateProvisioning:
			s.Provisioning++
		}
	}
	return s
}

func (p *Pool) notify() {
	if p.onChange != nil {
		p.onChange(p.Stats())
	}
}
