// Package selector picks the best eligible account for a pending job.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pubplane/internal/registry"
	"pubplane/internal/store"
)

// ErrNoEligibleAccount is returned when no account can take a job right now.
// This is congestion, not failure: the caller requeues without consuming an
// attempt.
var ErrNoEligibleAccount = errors.New("no eligible account")

// Selector ranks eligible accounts and commits the pick through the
// registry's per-account claim, so two concurrent dispatches never settle on
// the same account.
type Selector struct {
	registry *registry.Registry
}

// New creates a selector over the given registry.
func New(r *registry.Registry) *Selector {
	return &Selector{registry: r}
}

// Pick selects and atomically claims an account for the job. When the job
// carries an account hint, the hinted account is tried first; if it cannot
// take the job the selector falls back to normal ranking.
//
// Ranking: health score descending, then least-recently-used ascending, so
// load spreads evenly across equally healthy accounts. The returned account
// must be released via registry.Release when the job finishes.
func (s *Selector) Pick(ctx context.Context, job *store.Job) (store.Account, error) {
	if job.AccountHint != "" {
		if err := s.registry.Acquire(ctx, job.AccountHint); err == nil {
			acct, gerr := s.registry.Get(job.AccountHint)
			if gerr != nil {
				// Claimed but gone from the registry: release and fall through.
				s.registry.Release(job.AccountHint)
			} else {
				return acct, nil
			}
		}
	}

	candidates := s.registry.ListEligible()
	if len(candidates) == 0 {
		return store.Account{}, fmt.Errorf("pick for %s: %w", job.ID, ErrNoEligibleAccount)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Health != candidates[j].Health {
			return candidates[i].Health > candidates[j].Health
		}
		return candidates[i].LastUsed.Before(candidates[j].LastUsed)
	})

	// The ranked list is a snapshot; another worker may claim our candidate
	// between listing and acquiring. Walk down until a claim sticks.
	for _, c := range candidates {
		if err := s.registry.Acquire(ctx, c.ID); err != nil {
			continue
		}
		acct, err := s.registry.Get(c.ID)
		if err != nil {
			s.registry.Release(c.ID)
			continue
		}
		return acct, nil
	}
	return store.Account{}, fmt.Errorf("pick for %s: %w", job.ID, ErrNoEligibleAccount)
}
