// Package pool manages the bounded set of remote browser environments, one
// per account. The pool is the sole owner of resource lifecycle; nothing
// else opens or closes environments.
package pool

import "context"

// Handle is an open execution environment as seen by the provider. The
// connection details are opaque to the pool; the executor consumes them.
type Handle interface {
	// ID is the provider-side identifier (window ID, container ID).
	ID() string

	// DebugURL is the remote-debugging endpoint of the environment.
	DebugURL() string
}

// Provider opens, closes and probes execution environments. Implementations
// live in internal/browser.
type Provider interface {
	// Open provisions an environment bound to the account. Slow remote call.
	Open(ctx context.Context, accountID string) (Handle, error)

	// Close tears the environment down.
	Close(ctx context.Context, h Handle) error

	// Probe checks the environment's connection. A non-nil error means the
	// environment is unhealthy and must be evicted.
	Probe(ctx context.Context, h Handle) error
}
