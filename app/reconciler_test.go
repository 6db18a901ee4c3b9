package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/tollgate/adapters/clock"
	"github.com/artpar/tollgate/adapters/memory"
	"github.com/artpar/tollgate/app"
)

func newTestReconciler(clk *clock.Fake, charger *fakeCharger) (*app.Reconciler, *memory.SessionStore) {
	store := memory.NewSessionStore(clk)
	r := app.NewReconciler(app.ReconcilerDeps{
		Store:   store,
		Charger: charger,
		Clock:   clk,
		Log:     zerolog.Nop(),
	}, 30*time.Second)
	return r, store
}

func seedExpiredSession(t *testing.T, store *memory.SessionStore, clk *clock.Fake, jti string, requests int) {
	t.Helper()
	ctx := context.Background()

	if err := store.Create(ctx, jti, "tok-"+jti, time.Minute); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// First request settles itself; the rest accumulate.
	if _, err := store.RecordRequest(ctx, jti, 0.001, true, time.Minute); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}
	for i := 1; i < requests; i++ {
		if _, err := store.RecordRequest(ctx, jti, 0.001, false, time.Minute); err != nil {
			t.Fatalf("RecordRequest: %v", err)
		}
	}
	if err := store.Snapshot(ctx, jti, 2*time.Hour); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	clk.Advance(2 * time.Minute)
}

func TestReconcilerSettlesExpiredSession(t *testing.T) {
	clk := clock.NewFake(baseTime)
	charger := &fakeCharger{remaining: 1}
	r, store := newTestReconciler(clk, charger)
	ctx := context.Background()

	seedExpiredSession(t, store, clk, "jti-1", 4)

	r.RunCycle(ctx)

	calls := charger.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one settlement charge, got %v", calls)
	}
	if calls[0].Amount != 0.003 {
		t.Errorf("expected settlement of 0.003, got %f", calls[0].Amount)
	}
	if calls[0].Token != "tok-jti-1" {
		t.Errorf("expected snapshot token used for charge, got %q", calls[0].Token)
	}

	// Entry and snapshot are consumed.
	due, err := store.DueExpiries(ctx, clk.Now())
	if err != nil {
		t.Fatalf("DueExpiries: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected no due entries after settlement, got %d", len(due))
	}
	if _, ok, _ := store.GetSnapshot(ctx, "jti-1"); ok {
		t.Error("expected snapshot consumed")
	}
}

func TestReconcilerIsIdempotent(t *testing.T) {
	clk := clock.NewFake(baseTime)
	charger := &fakeCharger{remaining: 1}
	r, store := newTestReconciler(clk, charger)
	ctx := context.Background()

	seedExpiredSession(t, store, clk, "jti-1", 3)

	r.RunCycle(ctx)
	r.RunCycle(ctx)
	r.RunCycle(ctx)

	if calls := charger.Calls(); len(calls) != 1 {
		t.Errorf("expected exactly one settlement across cycles, got %v", calls)
	}
}

func TestReconcilerSkipsLiveSession(t *testing.T) {
	clk := clock.NewFake(baseTime)
	charger := &fakeCharger{remaining: 1}
	r, store := newTestReconciler(clk, charger)
	ctx := context.Background()

	seedExpiredSession(t, store, clk, "jti-1", 3)

	// The token came back: a fresh session under the same key.
	if err := store.Create(ctx, "jti-1", "tok-jti-1", time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r.RunCycle(ctx)

	if calls := charger.Calls(); len(calls) != 0 {
		t.Errorf("live session must not be settled, got %v", calls)
	}
}

func TestReconcilerSkipsZeroAccumulated(t *testing.T) {
	clk := clock.NewFake(baseTime)
	charger := &fakeCharger{remaining: 1}
	r, store := newTestReconciler(clk, charger)
	ctx := context.Background()

	// Only the self-settled bootstrap request; nothing outstanding.
	seedExpiredSession(t, store, clk, "jti-1", 1)

	r.RunCycle(ctx)

	if calls := charger.Calls(); len(calls) != 0 {
		t.Errorf("expected no charge for zero accumulated, got %v", calls)
	}
	due, _ := store.DueExpiries(ctx, clk.Now())
	if len(due) != 0 {
		t.Errorf("expected entry cleared, got %d", len(due))
	}
}

func TestReconcilerWritesOffFailedSettlement(t *testing.T) {
	clk := clock.NewFake(baseTime)
	charger := &fakeCharger{remaining: 1, err: errors.New("payment api down")}
	r, store := newTestReconciler(clk, charger)
	ctx := context.Background()

	seedExpiredSession(t, store, clk, "jti-1", 3)

	r.RunCycle(ctx)

	if calls := charger.Calls(); len(calls) != 1 {
		t.Fatalf("expected one attempted charge, got %v", calls)
	}

	// The failure is not retried: entry and snapshot are still cleared.
	due, _ := store.DueExpiries(ctx, clk.Now())
	if len(due) != 0 {
		t.Errorf("expected entry cleared after write-off, got %d", len(due))
	}
	r.RunCycle(ctx)
	if calls := charger.Calls(); len(calls) != 1 {
		t.Errorf("expected no retry, got %v", calls)
	}
}

func TestReconcilerHandlesMissingSnapshot(t *testing.T) {
	clk := clock.NewFake(baseTime)
	charger := &fakeCharger{remaining: 1}
	r, store := newTestReconciler(clk, charger)
	ctx := context.Background()

	if err := store.Create(ctx, "jti-1", "tok-1", time.Minute); err != nil {
		t.Fatalf("Create: %v", err)
	}
	clk.Advance(2 * time.Minute)

	r.RunCycle(ctx)

	if calls := charger.Calls(); len(calls) != 0 {
		t.Errorf("expected no charge without snapshot, got %v", calls)
	}
	due, _ := store.DueExpiries(ctx, clk.Now())
	if len(due) != 0 {
		t.Errorf("expected stale entry cleared, got %d", len(due))
	}
}

func TestReconcilerStartStop(t *testing.T) {
	clk := clock.NewFake(baseTime)
	charger := &fakeCharger{remaining: 1}
	r, store := newTestReconciler(clk, charger)
	ctx := context.Background()

	seedExpiredSession(t, store, clk, "jti-1", 3)

	// Start runs one cycle immediately.
	r.Start(ctx)
	r.Stop()

	if calls := charger.Calls(); len(calls) != 1 {
		t.Errorf("expected startup cycle to settle, got %v", calls)
	}

	// Stop again is a no-op.
	r.Stop()
}
