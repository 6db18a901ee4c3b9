package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/tollgate/adapters/metrics"
	"github.com/artpar/tollgate/domain/meter"
	"github.com/artpar/tollgate/ports"
)

// Reconciler settles sessions that expired with unsettled accumulated
// amounts. Store TTL expiry alone would silently drop that revenue, so an
// expiry-tracking index is polled and each due entry is settled from its
// session snapshot, exactly once.
type Reconciler struct {
	store   ports.SessionStore
	charger ports.ChargeProvider
	clock   ports.Clock
	log     zerolog.Logger
	metrics *metrics.Collector

	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// ReconcilerDeps contains dependencies for Reconciler.
type ReconcilerDeps struct {
	Store   ports.SessionStore
	Charger ports.ChargeProvider
	Clock   ports.Clock
	Log     zerolog.Logger
	Metrics *metrics.Collector
}

// NewReconciler creates a reconciler polling at the given interval.
func NewReconciler(deps ReconcilerDeps, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		store:    deps.Store,
		charger:  deps.Charger,
		clock:    deps.Clock,
		log:      deps.Log,
		metrics:  deps.Metrics,
		interval: interval,
	}
}

// Start launches the polling loop. It runs one cycle immediately so
// sessions that expired while the process was down are settled promptly.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go func() {
		defer close(r.done)

		r.RunCycle(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunCycle(ctx)
			}
		}
	}()
}

// Stop terminates the polling loop and waits for the current cycle.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	<-r.done
	r.running = false
}

// RunCycle settles every due expiry entry once. Safe to call concurrently
// with the request path; each step tolerates entries already handled.
func (r *Reconciler) RunCycle(ctx context.Context) {
	if r.metrics != nil {
		r.metrics.ReconcilerCycles.Inc()
	}

	due, err := r.store.DueExpiries(ctx, r.clock.Now())
	if err != nil {
		r.log.Error().Err(err).Msg("expiry poll failed")
		return
	}

	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		r.settle(ctx, entry.JTI)
	}
}

func (r *Reconciler) settle(ctx context.Context, jti string) {
	log := r.log.With().Str("jti", jti).Logger()

	// A live session under the same key means the token was reused and the
	// entry is stale; leave it for its refreshed deadline.
	exists, err := r.store.Exists(ctx, jti)
	if err != nil {
		log.Error().Err(err).Msg("session lookup failed")
		return
	}
	if exists {
		r.countSettlement("skipped")
		return
	}

	snap, ok, err := r.store.GetSnapshot(ctx, jti)
	if err != nil {
		log.Error().Err(err).Msg("snapshot read failed")
		return
	}
	if !ok {
		// Already settled elsewhere, or the retention window lapsed.
		if err := r.store.RemoveExpiry(ctx, jti); err != nil {
			log.Error().Err(err).Msg("expiry removal failed")
		}
		r.countSettlement("missing")
		return
	}

	outstanding := meter.Round(snap.Accumulated)
	if outstanding > 0 {
		if _, err := r.charger.Charge(ctx, snap.Token, outstanding); err != nil {
			// Written off: charging an expired token again later would risk
			// double billing, so the failure is logged and the entry cleared.
			log.Warn().Err(err).Float64("amount", outstanding).Msg("expiry settlement failed")
			r.countSettlement("failed")
		} else {
			log.Info().Float64("amount", outstanding).Int64("count", snap.Count).Msg("expired session settled")
			r.countSettlement("settled")
		}
	} else {
		r.countSettlement("empty")
	}

	if err := r.store.DeleteSnapshot(ctx, jti); err != nil {
		log.Error().Err(err).Msg("snapshot delete failed")
	}
	if err := r.store.RemoveExpiry(ctx, jti); err != nil {
		log.Error().Err(err).Msg("expiry removal failed")
	}
}

func (r *Reconciler) countSettlement(outcome string) {
	if r.metrics != nil {
		r.metrics.ReconcilerSettlements.WithLabelValues(outcome).Inc()
	}
}
