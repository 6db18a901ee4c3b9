package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/tollgate/adapters/clock"
	"github.com/artpar/tollgate/adapters/memory"
	"github.com/artpar/tollgate/app"
	"github.com/artpar/tollgate/domain/meter"
	"github.com/artpar/tollgate/domain/payment"
	"github.com/artpar/tollgate/domain/session"
	"github.com/artpar/tollgate/domain/token"
	"github.com/artpar/tollgate/ports"
)

var baseTime = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

type chargeCall struct {
	Token  string
	Amount float64
}

// fakeCharger records charge calls and tracks a declining balance.
type fakeCharger struct {
	mu        sync.Mutex
	calls     []chargeCall
	remaining float64
	err       error
}

func (c *fakeCharger) Charge(ctx context.Context, tok string, amount float64) (payment.ChargeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, chargeCall{Token: tok, Amount: amount})
	if c.err != nil {
		return payment.ChargeResult{}, c.err
	}
	c.remaining = meter.Round(c.remaining - amount)
	return payment.ChargeResult{AmountCharged: amount, RemainingBalance: c.remaining}, nil
}

func (c *fakeCharger) Calls() []chargeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chargeCall{}, c.calls...)
}

func newTestMeterService(cfg app.MeterConfig, balance float64) (*app.MeterService, *memory.SessionStore, *fakeCharger) {
	clk := clock.NewFake(baseTime)
	store := memory.NewSessionStore(clk)
	charger := &fakeCharger{remaining: balance}
	svc := app.NewMeterService(app.MeterDeps{
		Store:   store,
		Charger: charger,
		Log:     zerolog.Nop(),
	}, cfg)
	return svc, store, charger
}

func botClaims(spr float64, mnr int64) token.Claims {
	return token.Claims{
		JTI:              "jti-1",
		Issuer:           "https://issuer.example",
		SSI:              "svc-123",
		PerRequestAmount: spr,
		MaxRequests:      mnr,
	}
}

func TestMeterBootstrapChargesInitialRequest(t *testing.T) {
	svc, store, charger := newTestMeterService(app.MeterConfig{BatchThreshold: 0.005}, 0.1)

	outcome := svc.Handle(context.Background(), botClaims(0.001, 0), "raw-token")
	if !outcome.Admitted {
		t.Fatalf("expected admission, got %+v", outcome.Error)
	}

	calls := charger.Calls()
	if len(calls) != 1 || calls[0].Amount != 0.001 || calls[0].Token != "raw-token" {
		t.Errorf("expected one initial charge of 0.001, got %v", calls)
	}

	sess, err := store.Get(context.Background(), "jti-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Count != 1 {
		t.Errorf("expected count 1, got %d", sess.Count)
	}
	if sess.Accumulated != 0 {
		t.Errorf("initial request must not accumulate, got %f", sess.Accumulated)
	}
	if sess.RemainingBalance != 0.099 {
		t.Errorf("expected balance 0.099, got %f", sess.RemainingBalance)
	}

	if outcome.Headers[app.HeaderCharged] != "0.001" {
		t.Errorf("expected charged header 0.001, got %q", outcome.Headers[app.HeaderCharged])
	}
	if outcome.Headers[app.HeaderSessionCount] != "1" {
		t.Errorf("expected count header 1, got %q", outcome.Headers[app.HeaderSessionCount])
	}
	if outcome.Headers[app.HeaderTokenMNR] != "1000" {
		t.Errorf("expected default mnr header 1000, got %q", outcome.Headers[app.HeaderTokenMNR])
	}
}

func TestMeterBatchSettlesAtThreshold(t *testing.T) {
	svc, store, charger := newTestMeterService(app.MeterConfig{BatchThreshold: 0.005}, 1)
	ctx := context.Background()
	claims := botClaims(0.001, 0)

	// Request 1 bootstraps and settles itself; 2 through 5 accumulate.
	for i := 0; i < 5; i++ {
		outcome := svc.Handle(ctx, claims, "raw-token")
		if !outcome.Admitted {
			t.Fatalf("request %d rejected: %+v", i+1, outcome.Error)
		}
	}
	sess, _ := store.Get(ctx, "jti-1")
	if sess.Accumulated != 0.004 {
		t.Fatalf("expected accumulated 0.004 after 5 requests, got %f", sess.Accumulated)
	}

	// Request 6 pushes accumulated to the threshold and settles the batch.
	outcome := svc.Handle(ctx, claims, "raw-token")
	if !outcome.Admitted {
		t.Fatalf("request 6 rejected: %+v", outcome.Error)
	}
	if outcome.Headers[app.HeaderCharged] != "0.005" {
		t.Errorf("expected batch charge header 0.005, got %q", outcome.Headers[app.HeaderCharged])
	}
	if outcome.Headers[app.HeaderAccumulated] != "0" {
		t.Errorf("expected accumulated reset to 0, got %q", outcome.Headers[app.HeaderAccumulated])
	}

	calls := charger.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected initial + batch charge, got %v", calls)
	}
	if calls[1].Amount != 0.005 {
		t.Errorf("expected batch charge of exactly 0.005, got %v", calls[1].Amount)
	}
}

func TestMeterCountLimitRejectsAndSettles(t *testing.T) {
	svc, _, charger := newTestMeterService(app.MeterConfig{
		BatchThreshold:      100,
		MaxRequestsOverride: 5,
	}, 1)
	ctx := context.Background()
	claims := botClaims(0.001, 0)

	for i := 0; i < 5; i++ {
		outcome := svc.Handle(ctx, claims, "raw-token")
		if !outcome.Admitted {
			t.Fatalf("request %d rejected: %+v", i+1, outcome.Error)
		}
	}

	outcome := svc.Handle(ctx, claims, "raw-token")
	if outcome.Admitted {
		t.Fatal("request 6 should be rejected")
	}
	if outcome.Error.Status != 402 {
		t.Errorf("expected 402, got %d", outcome.Error.Status)
	}
	if outcome.Error.Reason != meter.ReasonBatchLimitReached {
		t.Errorf("expected batch_limit_reached, got %q", outcome.Error.Reason)
	}
	if outcome.Headers[app.HeaderSessionCount] != "5" {
		t.Errorf("expected count header 5, got %q", outcome.Headers[app.HeaderSessionCount])
	}

	// The outstanding 0.004 from requests 2-5 is settled with the rejection.
	calls := charger.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected initial + final settlement, got %v", calls)
	}
	if calls[1].Amount != 0.004 {
		t.Errorf("expected final settlement of 0.004, got %f", calls[1].Amount)
	}
}

func TestMeterFinalSettlementReportedInChargedHeader(t *testing.T) {
	svc, _, charger := newTestMeterService(app.MeterConfig{
		BatchThreshold:      100,
		MaxRequestsOverride: 2,
	}, 1)
	ctx := context.Background()
	claims := botClaims(0.001, 0)

	for i := 0; i < 2; i++ {
		if outcome := svc.Handle(ctx, claims, "raw-token"); !outcome.Admitted {
			t.Fatalf("request %d rejected: %+v", i+1, outcome.Error)
		}
	}

	// Request 3 breaches the count limit; the 0.001 outstanding from
	// request 2 is settled and the rejection reports it.
	outcome := svc.Handle(ctx, claims, "raw-token")
	if outcome.Admitted {
		t.Fatal("request 3 should be rejected")
	}
	calls := charger.Calls()
	if len(calls) != 2 || calls[1].Amount != 0.001 {
		t.Fatalf("expected final settlement of 0.001, got %v", calls)
	}
	if outcome.Headers[app.HeaderCharged] != "0.001" {
		t.Errorf("expected charged header 0.001, got %q", outcome.Headers[app.HeaderCharged])
	}
	if outcome.Headers[app.HeaderAccumulated] != "0" {
		t.Errorf("expected accumulated reset to 0, got %q", outcome.Headers[app.HeaderAccumulated])
	}
}

func TestMeterFinalSettlementFailureReportsInsufficientBalance(t *testing.T) {
	svc, _, charger := newTestMeterService(app.MeterConfig{
		BatchThreshold:      100,
		MaxRequestsOverride: 2,
	}, 1)
	ctx := context.Background()
	claims := botClaims(0.001, 0)

	for i := 0; i < 2; i++ {
		if outcome := svc.Handle(ctx, claims, "raw-token"); !outcome.Admitted {
			t.Fatalf("request %d rejected: %+v", i+1, outcome.Error)
		}
	}

	charger.err = errors.New("payment api down")
	outcome := svc.Handle(ctx, claims, "raw-token")
	if outcome.Admitted {
		t.Fatal("request 3 should be rejected")
	}
	if outcome.Error.Status != 402 {
		t.Errorf("expected 402, got %d", outcome.Error.Status)
	}
	if outcome.Error.Reason != meter.ReasonInsufficientBalance {
		t.Errorf("expected insufficient_balance when settlement fails, got %q", outcome.Error.Reason)
	}
	if outcome.Error.Message != "Payment Required: Error charging token" {
		t.Errorf("unexpected message %q", outcome.Error.Message)
	}
}

func TestMeterTokenMNRClaimApplies(t *testing.T) {
	svc, _, _ := newTestMeterService(app.MeterConfig{BatchThreshold: 100}, 1)
	ctx := context.Background()
	claims := botClaims(0.001, 2)

	for i := 0; i < 2; i++ {
		if outcome := svc.Handle(ctx, claims, "raw-token"); !outcome.Admitted {
			t.Fatalf("request %d rejected: %+v", i+1, outcome.Error)
		}
	}
	outcome := svc.Handle(ctx, claims, "raw-token")
	if outcome.Admitted || outcome.Error.Reason != meter.ReasonBatchLimitReached {
		t.Errorf("expected rejection by mnr claim, got %+v", outcome)
	}
}

func TestMeterInsufficientBalanceWinsOverCount(t *testing.T) {
	svc, store, _ := newTestMeterService(app.MeterConfig{
		BatchThreshold:      100,
		MaxRequestsOverride: 1,
	}, 0.001)
	ctx := context.Background()
	claims := botClaims(0.001, 0)

	if outcome := svc.Handle(ctx, claims, "raw-token"); !outcome.Admitted {
		t.Fatalf("bootstrap rejected: %+v", outcome.Error)
	}

	// Both limits are now breached; the balance reason takes precedence.
	if err := store.SetRemainingBalance(ctx, "jti-1", 0); err != nil {
		t.Fatalf("SetRemainingBalance: %v", err)
	}
	outcome := svc.Handle(ctx, claims, "raw-token")
	if outcome.Admitted {
		t.Fatal("expected rejection")
	}
	if outcome.Error.Reason != meter.ReasonInsufficientBalance {
		t.Errorf("expected insufficient_balance, got %q", outcome.Error.Reason)
	}
}

func TestMeterBalanceCoversNextRequestPlusAccumulated(t *testing.T) {
	svc, store, _ := newTestMeterService(app.MeterConfig{BatchThreshold: 100}, 0.003)
	ctx := context.Background()
	claims := botClaims(0.001, 0)

	// Bootstrap charges 0.001, leaving 0.002.
	if outcome := svc.Handle(ctx, claims, "raw-token"); !outcome.Admitted {
		t.Fatalf("bootstrap rejected: %+v", outcome.Error)
	}

	// Request 2: accumulated 0 + next 0.001 <= 0.002, admitted.
	if outcome := svc.Handle(ctx, claims, "raw-token"); !outcome.Admitted {
		t.Fatalf("request 2 rejected: %+v", outcome.Error)
	}
	// Request 3: accumulated 0.001 + next 0.001 <= 0.002, admitted.
	if outcome := svc.Handle(ctx, claims, "raw-token"); !outcome.Admitted {
		t.Fatalf("request 3 rejected: %+v", outcome.Error)
	}
	// Request 4: accumulated 0.002 + next 0.001 > 0.002, rejected.
	outcome := svc.Handle(ctx, claims, "raw-token")
	if outcome.Admitted {
		sess, _ := store.Get(ctx, "jti-1")
		t.Fatalf("expected rejection, session: %+v", sess)
	}
	if outcome.Error.Reason != meter.ReasonInsufficientBalance {
		t.Errorf("expected insufficient_balance, got %q", outcome.Error.Reason)
	}
}

func TestMeterInitialChargeFailure(t *testing.T) {
	svc, _, charger := newTestMeterService(app.MeterConfig{BatchThreshold: 0.005}, 0)
	charger.err = &payment.Error{StatusCode: 402, Code: "insufficient_balance", Message: "exhausted"}

	outcome := svc.Handle(context.Background(), botClaims(0.001, 0), "raw-token")
	if outcome.Admitted {
		t.Fatal("expected rejection when initial charge fails")
	}
	if outcome.Error.Status != 402 {
		t.Errorf("expected 402, got %d", outcome.Error.Status)
	}
	if outcome.Error.Message != "Payment Required: Error charging token" {
		t.Errorf("unexpected message %q", outcome.Error.Message)
	}

	// The session was created before the charge, so the rejection still
	// carries its payment state.
	if outcome.Headers == nil {
		t.Fatal("expected payment headers on bootstrap charge failure")
	}
	if outcome.Headers[app.HeaderCharged] != "0" {
		t.Errorf("expected charged header 0, got %q", outcome.Headers[app.HeaderCharged])
	}
	if outcome.Headers[app.HeaderSessionCount] != "0" {
		t.Errorf("expected count header 0, got %q", outcome.Headers[app.HeaderSessionCount])
	}
	if outcome.Headers[app.HeaderTokenMNR] != "1000" {
		t.Errorf("expected default mnr header 1000, got %q", outcome.Headers[app.HeaderTokenMNR])
	}
}

func TestMeterBatchChargeFailure(t *testing.T) {
	svc, _, charger := newTestMeterService(app.MeterConfig{BatchThreshold: 0.002}, 1)
	ctx := context.Background()
	claims := botClaims(0.001, 0)

	if outcome := svc.Handle(ctx, claims, "raw-token"); !outcome.Admitted {
		t.Fatalf("bootstrap rejected: %+v", outcome.Error)
	}
	if outcome := svc.Handle(ctx, claims, "raw-token"); !outcome.Admitted {
		t.Fatalf("request 2 rejected: %+v", outcome.Error)
	}

	charger.err = errors.New("payment api down")
	outcome := svc.Handle(ctx, claims, "raw-token")
	if outcome.Admitted {
		t.Fatal("expected rejection when batch settlement fails")
	}
	if outcome.Error.Status != 402 || outcome.Error.Message != "Payment Required: Error charging token" {
		t.Errorf("unexpected error %+v", outcome.Error)
	}
}

func TestMeterZeroAmountTokenMetersByCountOnly(t *testing.T) {
	svc, _, charger := newTestMeterService(app.MeterConfig{
		BatchThreshold:      0.005,
		MaxRequestsOverride: 2,
	}, 0)
	ctx := context.Background()
	claims := botClaims(0, 0)

	for i := 0; i < 2; i++ {
		if outcome := svc.Handle(ctx, claims, "raw-token"); !outcome.Admitted {
			t.Fatalf("request %d rejected: %+v", i+1, outcome.Error)
		}
	}
	if len(charger.Calls()) != 0 {
		t.Errorf("zero-amount token must never be charged, got %v", charger.Calls())
	}

	outcome := svc.Handle(ctx, claims, "raw-token")
	if outcome.Admitted || outcome.Error.Reason != meter.ReasonBatchLimitReached {
		t.Errorf("expected count rejection, got %+v", outcome)
	}
}

func TestMeterSessionExpiryStartsFreshSession(t *testing.T) {
	clk := clock.NewFake(baseTime)
	store := memory.NewSessionStore(clk)
	charger := &fakeCharger{remaining: 1}
	svc := app.NewMeterService(app.MeterDeps{
		Store:   store,
		Charger: charger,
		Log:     zerolog.Nop(),
	}, app.MeterConfig{BatchThreshold: 100, SessionTTL: time.Minute})
	ctx := context.Background()
	claims := botClaims(0.001, 0)

	for i := 0; i < 3; i++ {
		if outcome := svc.Handle(ctx, claims, "raw-token"); !outcome.Admitted {
			t.Fatalf("request %d rejected: %+v", i+1, outcome.Error)
		}
	}

	clk.Advance(2 * time.Minute)

	outcome := svc.Handle(ctx, claims, "raw-token")
	if !outcome.Admitted {
		t.Fatalf("post-expiry request rejected: %+v", outcome.Error)
	}
	if outcome.Headers[app.HeaderSessionCount] != "1" {
		t.Errorf("expected fresh session count 1, got %q", outcome.Headers[app.HeaderSessionCount])
	}
	// Fresh session means a fresh initial charge.
	calls := charger.Calls()
	if len(calls) != 2 {
		t.Errorf("expected 2 initial charges across sessions, got %v", calls)
	}
}

// failingStore errors on every operation.
type failingStore struct{}

var errStore = errors.New("store down")

func (failingStore) Exists(context.Context, string) (bool, error) { return false, errStore }
func (failingStore) Create(context.Context, string, string, time.Duration) error {
	return errStore
}
func (failingStore) RecordRequest(context.Context, string, float64, bool, time.Duration) (session.Counters, error) {
	return session.Counters{}, errStore
}
func (failingStore) ResetAccumulated(context.Context, string) error { return errStore }
func (failingStore) SetRemainingBalance(context.Context, string, float64) error {
	return errStore
}
func (failingStore) Get(context.Context, string) (session.Session, error) {
	return session.Session{}, errStore
}
func (failingStore) Snapshot(context.Context, string, time.Duration) error { return errStore }
func (failingStore) DueExpiries(context.Context, time.Time) ([]session.ExpiryEntry, error) {
	return nil, errStore
}
func (failingStore) GetSnapshot(context.Context, string) (session.Snapshot, bool, error) {
	return session.Snapshot{}, false, errStore
}
func (failingStore) DeleteSnapshot(context.Context, string) error { return errStore }
func (failingStore) RemoveExpiry(context.Context, string) error   { return errStore }
func (failingStore) Close() error                                 { return nil }

var _ ports.SessionStore = failingStore{}

func TestMeterStoreFailureFailsClosed(t *testing.T) {
	svc := app.NewMeterService(app.MeterDeps{
		Store:   failingStore{},
		Charger: &fakeCharger{remaining: 1},
		Log:     zerolog.Nop(),
	}, app.MeterConfig{BatchThreshold: 0.005})

	outcome := svc.Handle(context.Background(), botClaims(0.001, 0), "raw-token")
	if outcome.Admitted {
		t.Fatal("store failure must not admit requests")
	}
	if outcome.Error.Status != 500 {
		t.Errorf("expected 500, got %d", outcome.Error.Status)
	}
}

func TestMeterConfigHotReload(t *testing.T) {
	svc, _, _ := newTestMeterService(app.MeterConfig{
		BatchThreshold:      100,
		MaxRequestsOverride: 100,
	}, 1)
	ctx := context.Background()
	claims := botClaims(0.001, 0)

	if outcome := svc.Handle(ctx, claims, "raw-token"); !outcome.Admitted {
		t.Fatalf("bootstrap rejected: %+v", outcome.Error)
	}

	svc.UpdateConfig(app.MeterConfig{BatchThreshold: 100, MaxRequestsOverride: 1})

	outcome := svc.Handle(ctx, claims, "raw-token")
	if outcome.Admitted {
		t.Fatal("expected rejection under reloaded limit")
	}
	if outcome.Error.Reason != meter.ReasonBatchLimitReached {
		t.Errorf("expected batch_limit_reached, got %q", outcome.Error.Reason)
	}
}
