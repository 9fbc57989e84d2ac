package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeHandle implements Handle for tests.
type fakeHandle struct {
	id  string
	url string
}

func (h *fakeHandle) ID() string       { return h.id }
func (h *fakeHandle) DebugURL() string { return h.url }

// fakeProvider implements Provider with controllable behavior.
type fakeProvider struct {
	mu sync.Mutex

	OpenErr  error
	ProbeErr error

	opened int32
	closed []string
}

func (f *fakeProvider) Open(ctx context.Context, accountID string) (Handle, error) {
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	n := atomic.AddInt32(&f.opened, 1)
	return &fakeHandle{id: fmt.Sprintf("win-%s-%d", accountID, n), url: "http://127.0.0.1:9221"}, nil
}

func (f *fakeProvider) Close(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, h.ID())
	return nil
}

func (f *fakeProvider) Probe(ctx context.Context, h Handle) error {
	return f.ProbeErr
}

func (f *fakeProvider) closedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeProvider) {
	t.Helper()
	provider := &fakeProvider{}
	return New(cfg, provider, nil), provider
}

func TestAcquire_ProvisionsLazily(t *testing.T) {
	p, provider := newTestPool(t, Config{Max: 2, MinIdle: 1})
	ctx := context.Background()

	res, err := p.Acquire(ctx, "acct-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if res.State != StateAcquired {
		t.Errorf("got state %s, want acquired", res.State)
	}
	if res.Handle == nil || res.Handle.DebugURL() == "" {
		t.Error("resource has no connection handle")
	}
	if got := atomic.LoadInt32(&provider.opened); got != 1 {
		t.Errorf("provider opened %d times, want 1", got)
	}
}

func TestAcquire_ReusesIdleResource(t *testing.T) {
	p, provider := newTestPool(t, Config{Max: 2, MinIdle: 2})
	ctx := context.Background()

	first, err := p.Acquire(ctx, "acct-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := p.Release(first.ID, true); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	second, err := p.Acquire(ctx, "acct-1")
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("got new resource %s, want reuse of %s", second.ID, first.ID)
	}
	if got := atomic.LoadInt32(&provider.opened); got != 1 {
		t.Errorf("provider opened %d times, want 1 (warm reuse)", got)
	}
}

func TestAcquire_PoolExhausted(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 2, MinIdle: 2})
	ctx := context.Background()

	if _, err := p.Acquire(ctx, "acct-1"); err != nil {
		t.Fatalf("acquire 1 failed: %v", err)
	}
	if _, err := p.Acquire(ctx, "acct-2"); err != nil {
		t.Fatalf("acquire 2 failed: %v", err)
	}

	_, err := p.Acquire(ctx, "acct-3")
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}

	if got := p.Stats(); got.Size != 2 {
		t.Errorf("got size %d, want 2 (cap held)", got.Size)
	}
}

func TestAcquire_DoubleAcquireDetected(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 2})
	ctx := context.Background()

	if _, err := p.Acquire(ctx, "acct-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	_, err := p.Acquire(ctx, "acct-1")
	if !errors.Is(err, ErrDoubleAcquire) {
		t.Errorf("expected ErrDoubleAcquire, got %v", err)
	}
}

func TestAcquire_ProvisionFailureFreesSlot(t *testing.T) {
	p, provider := newTestPool(t, Config{Max: 1})
	ctx := context.Background()

	provider.OpenErr = errors.New("window manager unreachable")
	if _, err := p.Acquire(ctx, "acct-1"); err == nil {
		t.Fatal("expected provisioning error")
	}
	if got := p.Stats(); got.Size != 0 {
		t.Fatalf("failed provisioning left size %d, want 0", got.Size)
	}

	// The reserved slot must be reusable afterwards.
	provider.OpenErr = nil
	if _, err := p.Acquire(ctx, "acct-1"); err != nil {
		t.Errorf("acquire after failed provisioning: %v", err)
	}
}

func TestRelease_KeepWarmBoundedByMinIdle(t *testing.T) {
	p, provider := newTestPool(t, Config{Max: 4, MinIdle: 1})
	ctx := context.Background()

	a, _ := p.Acquire(ctx, "acct-1")
	b, _ := p.Acquire(ctx, "acct-2")

	// First keep-warm release fits the warm target; the second exceeds it
	// and tears the environment down.
	if err := p.Release(a.ID, true); err != nil {
		t.Fatalf("release a failed: %v", err)
	}
	if err := p.Release(b.ID, true); err != nil {
		t.Fatalf("release b failed: %v", err)
	}

	stats := p.Stats()
	if stats.Idle != 1 || stats.Size != 1 {
		t.Errorf("got idle=%d size=%d, want 1/1", stats.Idle, stats.Size)
	}
	if closed := provider.closedIDs(); len(closed) != 1 {
		t.Errorf("got %d closed handles, want 1", len(closed))
	}
}

func TestRelease_ColdDiscardsResource(t *testing.T) {
	p, provider := newTestPool(t, Config{Max: 2, MinIdle: 2})
	ctx := context.Background()

	res, _ := p.Acquire(ctx, "acct-1")
	if err := p.Release(res.ID, false); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if got := p.Stats(); got.Size != 0 {
		t.Errorf("got size %d, want 0 after cold release", got.Size)
	}
	if closed := provider.closedIDs(); len(closed) != 1 {
		t.Errorf("environment not closed on cold release")
	}
}

func TestRelease_IdleIsNoOpError(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 2, MinIdle: 2})
	ctx := context.Background()

	res, _ := p.Acquire(ctx, "acct-1")
	if err := p.Release(res.ID, true); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := p.Release(res.ID, true); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("double release: expected ErrNotAcquired, got %v", err)
	}
	if got := p.Stats(); got.Idle != 1 {
		t.Errorf("double release changed the pool: %+v", got)
	}
}

func TestHealthCheck_EvictsOnProbeFailure(t *testing.T) {
	p, provider := newTestPool(t, Config{Max: 2, MinIdle: 2})
	ctx := context.Background()

	res, _ := p.Acquire(ctx, "acct-1")
	provider.ProbeErr = errors.New("connection refused")

	err := p.HealthCheck(ctx, res.ID)
	if !errors.Is(err, ErrResourceLost) {
		t.Fatalf("expected ErrResourceLost, got %v", err)
	}
	if got := p.Stats(); got.Size != 0 {
		t.Errorf("got size %d, want 0 after eviction", got.Size)
	}

	// A release by the job that held it finds nothing: resource-lost path.
	if err := p.Release(res.ID, true); !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("expected ErrResourceNotFound after eviction, got %v", err)
	}
}

func TestShutdown_ClosesEverything(t *testing.T) {
	p, provider := newTestPool(t, Config{Max: 4, MinIdle: 4})
	ctx := context.Background()

	a, _ := p.Acquire(ctx, "acct-1")
	b, _ := p.Acquire(ctx, "acct-2")
	p.Release(a.ID, true)
	_ = b

	p.Shutdown(ctx)

	if closed := provider.closedIDs(); len(closed) != 2 {
		t.Errorf("got %d closed handles, want 2", len(closed))
	}
	if _, err := p.Acquire(ctx, "acct-3"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestStats_SizeNeverExceedsMax(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 3, MinIdle: 1})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := p.Acquire(ctx, fmt.Sprintf("acct-%d", n))
			if err != nil {
				return
			}
			if got := p.Stats(); got.Size > 3 {
				t.Errorf("pool size %d exceeded max 3", got.Size)
			}
			p.Release(res.ID, n%2 == 0)
		}(i)
	}
	wg.Wait()

	if got := p.Stats(); got.Size > 3 {
		t.Errorf("final pool size %d exceeds max", got.Size)
	}
}
