// Package registry holds the account records and protects accounts from
// overload: health scoring, cooldown, and the one-running-job-per-account
// invariant live here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pubplane/internal/store"

	"golang.org/x/time/rate"
)

var (
	// ErrAccountNotFound is returned when the account ID is unknown.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountBusy is returned by Acquire when the account already has a
	// running job.
	ErrAccountBusy = errors.New("account busy")

	// ErrAccountNotEligible is returned by Acquire when the account is
	// suspended, disabled, or cooling down.
	ErrAccountNotEligible = errors.New("account not eligible")
)

// FailureSeverity scales how much a failure decays an account's health.
type FailureSeverity int

const (
	SeverityMinor FailureSeverity = iota
	SeverityMajor
)

// Config holds the health scoring constants. The defaults follow the
// documented examples but every value is operator-tunable.
type Config struct {
	SuccessRecovery  int           // health gained per success (default 10)
	MinorDecay       int           // health lost per minor failure (default 10)
	MajorDecay       int           // health lost per major failure (default 25)
	CooldownFloor    int           // below this score the account cools down (default 40)
	CooldownDuration time.Duration // how long a cooldown lasts (default 10m)
	RatePerMinute    int           // dispatches allowed per account per minute, 0 disables
}

func (c Config) withDefaults() Config {
	if c.SuccessRecovery <= 0 {
		c.SuccessRecovery = 10
	}
	if c.MinorDecay <= 0 {
		c.MinorDecay = 10
	}
	if c.MajorDecay <= 0 {
		c.MajorDecay = 25
	}
	if c.CooldownFloor <= 0 {
		c.CooldownFloor = 40
	}
	if c.CooldownDuration <= 0 {
		c.CooldownDuration = 10 * time.Minute
	}
	return c
}

// HealthChange describes one account health update, for the event stream.
type HealthChange struct {
	AccountID string
	Health    int
	Status    store.AccountStatus
}

// Registry is the in-memory account registry. All methods are safe for
// concurrent use; mutation is per-account, unrelated accounts never contend
// beyond the map lookup.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	accounts map[string]*account
	journal  store.AccountStore // may be nil
	log      *slog.Logger
	now      func() time.Time

	onChange func(HealthChange) // optional, set before use
}

// account pairs the record with its own lock and limiter so that health
// updates and the busy CAS serialize per account, not globally.
type account struct {
	mu      sync.Mutex
	rec     store.Account
	limiter *rate.Limiter
}

// New creates a registry. journal may be nil.
func New(cfg Config, journal store.AccountStore, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		accounts: make(map[string]*account),
		journal:  journal,
		log:      log,
		now:      time.Now,
	}
}

// OnChange registers a callback invoked after every health/status change.
// Must be set before the registry is shared between goroutines.
func (r *Registry) OnChange(fn func(HealthChange)) {
	r.onChange = fn
}

// Add registers an account. Existing records (e.g. restored from the
// journal) keep their health and status; new accounts start active at 100.
func (r *Registry) Add(ctx context.Context, rec store.Account) {
	r.mu.Lock()
	if _, ok := r.accounts[rec.ID]; ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if rec.Status == "" {
		rec.Status = store.AccountStatusActive
	}
	if rec.Health == 0 && rec.Status == store.AccountStatusActive {
		rec.Health = 100
	}
	rec.Busy = false

	var limiter *rate.Limiter
	if r.cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(r.cfg.RatePerMinute)/60.0), r.cfg.RatePerMinute)
	}

	r.mu.Lock()
	r.accounts[rec.ID] = &account{rec: rec, limiter: limiter}
	r.mu.Unlock()

	r.persist(ctx, rec)
}

// Get returns a copy of the account record.
func (r *Registry) Get(id string) (store.Account, error) {
	a, err := r.lookup(id)
	if err != nil {
		return store.Account{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r.expireCooldown(a)
	return a.rec, nil
}

// List returns copies of all account records.
func (r *Registry) List() []store.Account {
	r.mu.RLock()
	all := make([]*account, 0, len(r.accounts))
	for _, a := range r.accounts {
		all = append(all, a)
	}
	r.mu.RUnlock()

	out := make([]store.Account, 0, len(all))
	for _, a := range all {
		a.mu.Lock()
		r.expireCooldown(a)
		out = append(out, a.rec)
		a.mu.Unlock()
	}
	return out
}

// ListEligible returns accounts that may take a job right now: active, not
// busy, not cooling down, and with a rate token available. The token is not
// consumed here; Acquire takes it.
func (r *Registry) ListEligible() []store.Account {
	var out []store.Account
	for _, rec := range r.List() {
		if rec.Status != store.AccountStatusActive || rec.Busy {
			continue
		}
		if a, err := r.lookup(rec.ID); err == nil && a.limiter != nil && a.limiter.Tokens() < 1 {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Acquire atomically claims an account for one job. It fails if the account
// is busy or no longer eligible, so two concurrent dispatches can never
// commit the same account.
func (r *Registry) Acquire(ctx context.Context, id string) error {
	a, err := r.lookup(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	r.expireCooldown(a)
	if a.rec.Status != store.AccountStatusActive {
		return fmt.Errorf("acquire %s (%s): %w", id, a.rec.Status, ErrAccountNotEligible)
	}
	if a.rec.Busy {
		return fmt.Errorf("acquire %s: %w", id, ErrAccountBusy)
	}
	if a.limiter != nil && !a.limiter.Allow() {
		return fmt.Errorf("acquire %s: rate limited: %w", id, ErrAccountNotEligible)
	}
	a.rec.Busy = true
	a.rec.LastUsed = r.now()
	return nil
}

// Release returns an account claimed by Acquire. Releasing a non-busy
// account is a no-op.
func (r *Registry) Release(id string) {
	a, err := r.lookup(id)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.rec.Busy = false
	a.mu.Unlock()
}

// RecordSuccess raises the account's health, bounded at 100.
func (r *Registry) RecordSuccess(ctx context.Context, id string) error {
	a, err := r.lookup(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.rec.Health += r.cfg.SuccessRecovery
	if a.rec.Health > 100 {
		a.rec.Health = 100
	}
	rec := a.rec
	a.mu.Unlock()

	r.notify(rec)
	r.persist(ctx, rec)
	return nil
}

// RecordFailure lowers the account's health proportional to severity. When
// the score falls below the configured floor the account enters cooldown and
// becomes ineligible until the cooldown expires.
func (r *Registry) RecordFailure(ctx context.Context, id string, severity FailureSeverity) error {
	a, err := r.lookup(id)
	if err != nil {
		return err
	}
	decay := r.cfg.MinorDecay
	if severity == SeverityMajor {
		decay = r.cfg.MajorDecay
	}

	a.mu.Lock()
	a.rec.Health -= decay
	if a.rec.Health < 0 {
		a.rec.Health = 0
	}
	if a.rec.Health < r.cfg.CooldownFloor && a.rec.Status == store.AccountStatusActive {
		a.rec.Status = store.AccountStatusCooldown
		a.rec.CooldownUntil = r.now().Add(r.cfg.CooldownDuration)
		r.log.Warn("account entering cooldown",
			"account_id", id, "health", a.rec.Health, "until", a.rec.CooldownUntil)
	}
	rec := a.rec
	a.mu.Unlock()

	r.notify(rec)
	r.persist(ctx, rec)
	return nil
}

// expireCooldown moves an account whose cooldown has elapsed back to active.
// Caller holds a.mu.
func (r *Registry) expireCooldown(a *account) {
	if a.rec.Status == store.AccountStatusCooldown && !a.rec.CooldownUntil.After(r.now()) {
		a.rec.Status = store.AccountStatusActive
		a.rec.CooldownUntil = time.Time{}
		// Re-enter rotation just above the floor so one more failure sends
		// the account straight back to cooldown.
		if a.rec.Health < r.cfg.CooldownFloor {
			a.rec.Health = r.cfg.CooldownFloor
		}
	}
}

func (r *Registry) lookup(id string) (*account, error) {
	r.mu.RLock()
	a, ok := r.accounts[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
	}
	return a, nil
}

func (r *Registry) notify(rec store.Account) {
	if r.onChange != nil {
		r.onChange(HealthChange{AccountID: rec.ID, Health: rec.Health, Status: rec.Status})
	}
}

func (r *Registry) persist(ctx context.Context, rec store.Account) {
	if r.journal == nil {
		return
	}
	if err := r.journal.UpsertAccount(ctx, nil, &rec); err != nil {
		r.log.Error("account journal write failed", "account_id", rec.ID, "err", err)
	}
}

// CooldownCount returns the number of accounts currently cooling down.
func (r *Registry) CooldownCount() int {
	n := 0
	for _, rec := range r.List() {
		if rec.Status == store.AccountStatusCooldown {
			n++
		}
	}
	return n
}
