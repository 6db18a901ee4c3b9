// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/artpar/tollgate/domain/payment"
	"github.com/artpar/tollgate/domain/proxy"
	"github.com/artpar/tollgate/domain/session"
	"github.com/artpar/tollgate/domain/token"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Session Store Port
// -----------------------------------------------------------------------------

// SessionStore persists per-token usage sessions in a shared store.
// All operations are keyed by the token's jti claim. The store is the only
// shared mutable resource between the request path and the reconciler;
// atomicity guarantees are those of the store's own operations.
type SessionStore interface {
	// Exists reports whether a live (non-expired) session exists.
	Exists(ctx context.Context, jti string) (bool, error)

	// Create initializes a session with zeroed counters, sets its TTL, and
	// registers an expiry-tracking entry at now+ttl. A live session is left
	// untouched; an expired one is reinitialized.
	Create(ctx context.Context, jti, tok string, ttl time.Duration) error

	// RecordRequest atomically increments the request count and, unless
	// skipAccumulation is set, the accumulated amount. It refreshes the
	// session TTL and the expiry-tracking entry, and returns the updated
	// counters.
	RecordRequest(ctx context.Context, jti string, chargePerRequest float64, skipAccumulation bool, ttl time.Duration) (session.Counters, error)

	// ResetAccumulated zeroes the accumulated amount after a settlement.
	ResetAccumulated(ctx context.Context, jti string) error

	// SetRemainingBalance records the balance last reported by the payment API.
	SetRemainingBalance(ctx context.Context, jti string, balance float64) error

	// Get returns the full session state.
	Get(ctx context.Context, jti string) (session.Session, error)

	// Snapshot writes a durable copy of the session that outlives its TTL
	// by the given retention window.
	Snapshot(ctx context.Context, jti string, retention time.Duration) error

	// DueExpiries returns expiry-tracking entries whose deadline has passed.
	DueExpiries(ctx context.Context, now time.Time) ([]session.ExpiryEntry, error)

	// GetSnapshot loads a session snapshot; ok is false when none remains.
	GetSnapshot(ctx context.Context, jti string) (snap session.Snapshot, ok bool, err error)

	// DeleteSnapshot removes a consumed snapshot.
	DeleteSnapshot(ctx context.Context, jti string) error

	// RemoveExpiry removes an entry from the expiry-tracking index.
	RemoveExpiry(ctx context.Context, jti string) error

	// Close releases store resources.
	Close() error
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// ChargeProvider charges a usage token via the remote payment API.
// A payment-specific rejection is returned as *payment.Error; transport and
// infrastructure failures are plain errors.
type ChargeProvider interface {
	Charge(ctx context.Context, tok string, amount float64) (payment.ChargeResult, error)
}

// TokenVerifier validates a presented usage token and extracts its claims.
// Rejections are returned as *token.VerifyError.
type TokenVerifier interface {
	Verify(ctx context.Context, tok string) (token.Claims, error)
}

// Upstream represents the protected origin being proxied.
type Upstream interface {
	// Forward sends a request to the upstream and returns the response.
	Forward(ctx context.Context, req proxy.Request) (proxy.Response, error)

	// HealthCheck verifies upstream is reachable.
	HealthCheck(ctx context.Context) error
}
