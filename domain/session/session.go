// Package session provides value types for per-token usage sessions.
package session

import "time"

// Session represents the accounting state for one active usage token,
// keyed by the token's jti claim.
type Session struct {
	JTI              string
	Token            string // verified token material, retained for late charges
	Count            int64
	Accumulated      float64
	RemainingBalance float64
	LastActivityAt   time.Time
	ExpiresAt        time.Time
}

// Counters is the result of recording a request against a session.
type Counters struct {
	Count       int64
	Accumulated float64
}

// Snapshot is a durable copy of a session's fields that outlives the
// session's own TTL. It is consumed exactly once by the expiry reconciler.
type Snapshot struct {
	JTI              string
	Token            string
	Count            int64
	Accumulated      float64
	RemainingBalance float64
	UpdatedAt        time.Time
}

// ExpiryEntry is a (session key, absolute expiry time) record in the
// auxiliary expiry index. It exists because TTL-expiry notifications from
// the store are not guaranteed to be observed.
type ExpiryEntry struct {
	JTI       string
	ExpiresAt time.Time
}

// Expired reports whether the session's TTL has elapsed at the given time.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
