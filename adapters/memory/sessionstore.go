package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artpar/tollgate/adapters/clock"
	"github.com/artpar/tollgate/domain/meter"
	"github.com/artpar/tollgate/domain/session"
	"github.com/artpar/tollgate/ports"
)

// SessionStore is an in-memory implementation of ports.SessionStore.
// Suitable for single-instance deployments and tests. TTLs are enforced
// lazily on read against the injected clock.
type SessionStore struct {
	mu        sync.Mutex
	sessions  map[string]session.Session
	snapshots map[string]snapshotEntry
	expiries  map[string]time.Time
	clock     ports.Clock
}

type snapshotEntry struct {
	snap      session.Snapshot
	cleanupAt time.Time
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore(clk ports.Clock) *SessionStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &SessionStore{
		sessions:  make(map[string]session.Session),
		snapshots: make(map[string]snapshotEntry),
		expiries:  make(map[string]time.Time),
		clock:     clk,
	}
}

// Exists reports whether a live session exists for the key.
func (s *SessionStore) Exists(ctx context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[jti]
	if !ok {
		return false, nil
	}
	if sess.Expired(s.clock.Now()) {
		delete(s.sessions, jti)
		return false, nil
	}
	return true, nil
}

// Create initializes a session with zeroed counters and registers its
// expiry-tracking entry. A live session is left untouched.
func (s *SessionStore) Create(ctx context.Context, jti, tok string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if sess, ok := s.sessions[jti]; ok && !sess.Expired(now) {
		return nil
	}

	expires := now.Add(ttl)
	s.sessions[jti] = session.Session{
		JTI:            jti,
		Token:          tok,
		LastActivityAt: now,
		ExpiresAt:      expires,
	}
	s.expiries[jti] = expires
	return nil
}

// RecordRequest increments the counters under the store lock and refreshes
// the TTL and expiry-tracking entry.
func (s *SessionStore) RecordRequest(ctx context.Context, jti string, chargePerRequest float64, skipAccumulation bool, ttl time.Duration) (session.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	sess, ok := s.sessions[jti]
	if !ok || sess.Expired(now) {
		return session.Counters{}, fmt.Errorf("session %s not found", jti)
	}

	sess.Count++
	if !skipAccumulation {
		sess.Accumulated = meter.Round(sess.Accumulated + chargePerRequest)
	}
	sess.LastActivityAt = now
	sess.ExpiresAt = now.Add(ttl)
	s.sessions[jti] = sess
	s.expiries[jti] = sess.ExpiresAt

	return session.Counters{Count: sess.Count, Accumulated: sess.Accumulated}, nil
}

// ResetAccumulated zeroes the accumulated amount after a settlement.
func (s *SessionStore) ResetAccumulated(ctx context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[jti]
	if !ok {
		return fmt.Errorf("session %s not found", jti)
	}
	sess.Accumulated = 0
	s.sessions[jti] = sess
	return nil
}

// SetRemainingBalance records the balance last reported by the payment API.
func (s *SessionStore) SetRemainingBalance(ctx context.Context, jti string, balance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[jti]
	if !ok {
		return fmt.Errorf("session %s not found", jti)
	}
	sess.RemainingBalance = balance
	s.sessions[jti] = sess
	return nil
}

// Get returns the full session state.
func (s *SessionStore) Get(ctx context.Context, jti string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[jti]
	if !ok || sess.Expired(s.clock.Now()) {
		return session.Session{}, fmt.Errorf("session %s not found", jti)
	}
	return sess, nil
}

// Snapshot writes a durable copy of the session with the given retention.
func (s *SessionStore) Snapshot(ctx context.Context, jti string, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[jti]
	if !ok {
		return fmt.Errorf("session %s not found", jti)
	}
	now := s.clock.Now()
	s.snapshots[jti] = snapshotEntry{
		snap: session.Snapshot{
			JTI:              sess.JTI,
			Token:            sess.Token,
			Count:            sess.Count,
			Accumulated:      sess.Accumulated,
			RemainingBalance: sess.RemainingBalance,
			UpdatedAt:        now,
		},
		cleanupAt: now.Add(retention),
	}
	return nil
}

// DueExpiries returns expiry-tracking entries whose deadline has passed,
// oldest first.
func (s *SessionStore) DueExpiries(ctx context.Context, now time.Time) ([]session.ExpiryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []session.ExpiryEntry
	for jti, at := range s.expiries {
		if !at.After(now) {
			due = append(due, session.ExpiryEntry{JTI: jti, ExpiresAt: at})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	return due, nil
}

// GetSnapshot loads a session snapshot if one is still retained.
func (s *SessionStore) GetSnapshot(ctx context.Context, jti string) (session.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.snapshots[jti]
	if !ok {
		return session.Snapshot{}, false, nil
	}
	if !entry.cleanupAt.After(s.clock.Now()) {
		delete(s.snapshots, jti)
		return session.Snapshot{}, false, nil
	}
	return entry.snap, true, nil
}

// DeleteSnapshot removes a consumed snapshot.
func (s *SessionStore) DeleteSnapshot(ctx context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, jti)
	return nil
}

// RemoveExpiry removes an entry from the expiry-tracking index and drops
// the expired session body with it.
func (s *SessionStore) RemoveExpiry(ctx context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.expiries, jti)
	if sess, ok := s.sessions[jti]; ok && sess.Expired(s.clock.Now()) {
		delete(s.sessions, jti)
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *SessionStore) Close() error {
	return nil
}

// Ensure interface compliance.
var _ ports.SessionStore = (*SessionStore)(nil)
