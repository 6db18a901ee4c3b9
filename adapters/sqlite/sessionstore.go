package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tollgate/adapters/clock"
	"github.com/artpar/tollgate/domain/meter"
	"github.com/artpar/tollgate/domain/session"
	"github.com/artpar/tollgate/ports"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SessionStore implements ports.SessionStore using SQLite.
// Timestamps are stored as unix milliseconds. Expired rows are excluded by
// predicate on read and purged when their expiry entries are removed.
type SessionStore struct {
	db    *DB
	clock ports.Clock
}

// NewSessionStore creates a new SQLite session store.
func NewSessionStore(db *DB, clk ports.Clock) *SessionStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &SessionStore{db: db, clock: clk}
}

// Exists reports whether a live session exists for the key.
func (s *SessionStore) Exists(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM usage_sessions WHERE jti = ? AND expires_at > ?
	`, jti, millis(s.clock.Now())).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query session: %w", err)
	}
	return true, nil
}

// Create initializes a session with zeroed counters and registers its
// expiry-tracking entry. A live session is left untouched; an expired row
// under the same key is reinitialized.
func (s *SessionStore) Create(ctx context.Context, jti, tok string, ttl time.Duration) error {
	now := s.clock.Now()
	expires := millis(now.Add(ttl))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO usage_sessions (jti, token, count, accumulated, remaining_balance, last_activity_at, expires_at)
		VALUES (?, ?, 0, 0, 0, ?, ?)
		ON CONFLICT(jti) DO UPDATE SET
			token = excluded.token,
			count = 0,
			accumulated = 0,
			remaining_balance = 0,
			last_activity_at = excluded.last_activity_at,
			expires_at = excluded.expires_at
		WHERE usage_sessions.expires_at <= ?
	`, jti, tok, millis(now), expires, millis(now))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	// Conflict on a live row affects nothing; leave its expiry entry alone.
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_expiries (jti, expires_at) VALUES (?, ?)
			ON CONFLICT(jti) DO UPDATE SET expires_at = excluded.expires_at
		`, jti, expires)
		if err != nil {
			return fmt.Errorf("register expiry: %w", err)
		}
	}

	return tx.Commit()
}

// RecordRequest increments the counters in a transaction and refreshes the
// TTL and expiry-tracking entry.
func (s *SessionStore) RecordRequest(ctx context.Context, jti string, chargePerRequest float64, skipAccumulation bool, ttl time.Duration) (session.Counters, error) {
	now := s.clock.Now()
	expires := millis(now.Add(ttl))
	delta := chargePerRequest
	if skipAccumulation {
		delta = 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Counters{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE usage_sessions SET
			count = count + 1,
			accumulated = accumulated + ?,
			last_activity_at = ?,
			expires_at = ?
		WHERE jti = ? AND expires_at > ?
	`, delta, millis(now), expires, jti, millis(now))
	if err != nil {
		return session.Counters{}, fmt.Errorf("record request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return session.Counters{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return session.Counters{}, ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE session_expiries SET expires_at = ? WHERE jti = ?
	`, expires, jti)
	if err != nil {
		return session.Counters{}, fmt.Errorf("refresh expiry: %w", err)
	}

	var counters session.Counters
	err = tx.QueryRowContext(ctx, `
		SELECT count, accumulated FROM usage_sessions WHERE jti = ?
	`, jti).Scan(&counters.Count, &counters.Accumulated)
	if err != nil {
		return session.Counters{}, fmt.Errorf("read counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return session.Counters{}, fmt.Errorf("commit: %w", err)
	}
	counters.Accumulated = meter.Round(counters.Accumulated)
	return counters, nil
}

// ResetAccumulated zeroes the accumulated amount after a settlement.
func (s *SessionStore) ResetAccumulated(ctx context.Context, jti string) error {
	return s.updateSession(ctx, jti, `UPDATE usage_sessions SET accumulated = 0 WHERE jti = ?`)
}

// SetRemainingBalance records the balance last reported by the payment API.
func (s *SessionStore) SetRemainingBalance(ctx context.Context, jti string, balance float64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE usage_sessions SET remaining_balance = ? WHERE jti = ?
	`, balance, jti)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return requireAffected(result)
}

// Get returns the full session state.
func (s *SessionStore) Get(ctx context.Context, jti string) (session.Session, error) {
	var (
		sess              session.Session
		lastActivity, exp int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT jti, token, count, accumulated, remaining_balance, last_activity_at, expires_at
		FROM usage_sessions
		WHERE jti = ? AND expires_at > ?
	`, jti, millis(s.clock.Now())).Scan(
		&sess.JTI, &sess.Token, &sess.Count, &sess.Accumulated,
		&sess.RemainingBalance, &lastActivity, &exp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.Accumulated = meter.Round(sess.Accumulated)
	sess.LastActivityAt = fromMillis(lastActivity)
	sess.ExpiresAt = fromMillis(exp)
	return sess, nil
}

// Snapshot writes a durable copy of the session with the given retention.
func (s *SessionStore) Snapshot(ctx context.Context, jti string, retention time.Duration) error {
	now := s.clock.Now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (jti, token, count, accumulated, remaining_balance, updated_at, cleanup_at)
		SELECT jti, token, count, accumulated, remaining_balance, ?, ?
		FROM usage_sessions WHERE jti = ?
		ON CONFLICT(jti) DO UPDATE SET
			token = excluded.token,
			count = excluded.count,
			accumulated = excluded.accumulated,
			remaining_balance = excluded.remaining_balance,
			updated_at = excluded.updated_at,
			cleanup_at = excluded.cleanup_at
	`, millis(now), millis(now.Add(retention)), jti)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return requireAffected(result)
}

// DueExpiries returns expiry-tracking entries whose deadline has passed,
// oldest first.
func (s *SessionStore) DueExpiries(ctx context.Context, now time.Time) ([]session.ExpiryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jti, expires_at FROM session_expiries
		WHERE expires_at <= ?
		ORDER BY expires_at ASC
	`, millis(now))
	if err != nil {
		return nil, fmt.Errorf("query expiries: %w", err)
	}
	defer rows.Close()

	var due []session.ExpiryEntry
	for rows.Next() {
		var (
			entry session.ExpiryEntry
			at    int64
		)
		if err := rows.Scan(&entry.JTI, &at); err != nil {
			return nil, fmt.Errorf("scan expiry: %w", err)
		}
		entry.ExpiresAt = fromMillis(at)
		due = append(due, entry)
	}
	return due, rows.Err()
}

// GetSnapshot loads a session snapshot if one is still retained.
func (s *SessionStore) GetSnapshot(ctx context.Context, jti string) (session.Snapshot, bool, error) {
	var (
		snap      session.Snapshot
		updatedAt int64
		cleanupAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT jti, token, count, accumulated, remaining_balance, updated_at, cleanup_at
		FROM session_snapshots WHERE jti = ?
	`, jti).Scan(
		&snap.JTI, &snap.Token, &snap.Count, &snap.Accumulated,
		&snap.RemainingBalance, &updatedAt, &cleanupAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, false, nil
	}
	if err != nil {
		return session.Snapshot{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	if cleanupAt <= millis(s.clock.Now()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE jti = ?`, jti)
		return session.Snapshot{}, false, nil
	}
	snap.Accumulated = meter.Round(snap.Accumulated)
	snap.UpdatedAt = fromMillis(updatedAt)
	return snap, true, nil
}

// DeleteSnapshot removes a consumed snapshot.
func (s *SessionStore) DeleteSnapshot(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE jti = ?`, jti)
	return err
}

// RemoveExpiry removes an entry from the expiry-tracking index and purges
// the expired session row with it.
func (s *SessionStore) RemoveExpiry(ctx context.Context, jti string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_expiries WHERE jti = ?`, jti); err != nil {
		return fmt.Errorf("remove expiry: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM usage_sessions WHERE jti = ? AND expires_at <= ?
	`, jti, millis(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("purge session: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

func (s *SessionStore) updateSession(ctx context.Context, jti, query string) error {
	result, err := s.db.ExecContext(ctx, query, jti)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Ensure interface compliance.
var _ ports.SessionStore = (*SessionStore)(nil)
