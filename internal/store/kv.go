// Package store implements the gateway's stateful policies — nonce replay
// protection, payment-identifier idempotency, and credit counters — over a
// narrow key-value contract. The production adapter is redis; an in-memory
// adapter with the same semantics backs the test suites.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent.
var ErrNotFound = errors.New("store: key not found")

// KV is the contract over the remote key-value service. Implementations must
// provide server-side atomicity for the two counter operations.
type KV interface {
	// SetIfAbsent writes the value only when the key does not exist.
	// Returns true iff the caller acquired the key.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Set writes unconditionally with a TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Del removes the key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// DecrementIfPositive atomically decrements the integer at key when its
	// current value is positive. Returns true iff a unit was consumed.
	DecrementIfPositive(ctx context.Context, key string) (bool, error)

	// IncrementCapped atomically increments the integer at key unless it has
	// reached cap, and unconditionally refreshes the TTL. Returns the counter
	// value after the operation.
	IncrementCapped(ctx context.Context, key string, cap int64, ttl time.Duration) (int64, error)
}
