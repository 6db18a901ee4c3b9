// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/tollgate/adapters/metrics"
	"github.com/artpar/tollgate/domain/meter"
	"github.com/artpar/tollgate/domain/payment"
	"github.com/artpar/tollgate/domain/proxy"
	"github.com/artpar/tollgate/domain/token"
	"github.com/artpar/tollgate/ports"
)

// Payment response headers.
const (
	HeaderCharged        = "X-Payment-Charged"
	HeaderSessionCount   = "X-Payment-Session-Count"
	HeaderAccumulated    = "X-Payment-Session-Accumulated-Amount"
	HeaderRemaining      = "X-Payment-Session-Remaining-Balance"
	HeaderTokenMNR       = "X-Payment-Session-Token-MNR"
	HeaderExpiresAt      = "X-Payment-Session-Expires-At"
	HeaderBatchThreshold = "X-Payment-Session-Batch-Threshold"
)

// MeterService admits verified bot requests against their token's session:
// it bootstraps sessions with an initial charge, enforces balance and
// request-count limits, and settles accumulated amounts in batches.
type MeterService struct {
	store   ports.SessionStore
	charger ports.ChargeProvider
	log     zerolog.Logger
	metrics *metrics.Collector

	// Dynamic configuration (hot-reloadable)
	dynamicCfg atomic.Pointer[MeterConfig]
}

// MeterConfig contains hot-reloadable metering configuration.
type MeterConfig struct {
	// BatchThreshold is the accumulated amount that triggers an immediate
	// settlement. Zero disables batch settlement on the request path.
	BatchThreshold float64
	// SessionTTL is the sliding idle window of a usage session.
	SessionTTL time.Duration
	// SnapshotRetention is how long a session snapshot outlives its TTL.
	SnapshotRetention time.Duration
	// MaxRequestsOverride caps requests per session regardless of the
	// token's own mnr claim. Zero defers to the claim.
	MaxRequestsOverride int64
}

// MeterDeps contains dependencies for MeterService.
// Time handling lives entirely in the store, which stamps activity and
// expiry with its own clock.
type MeterDeps struct {
	Store   ports.SessionStore
	Charger ports.ChargeProvider
	Log     zerolog.Logger
	Metrics *metrics.Collector
}

// NewMeterService creates a new metering service.
func NewMeterService(deps MeterDeps, cfg MeterConfig) *MeterService {
	s := &MeterService{
		store:   deps.Store,
		charger: deps.Charger,
		log:     deps.Log,
		metrics: deps.Metrics,
	}
	s.UpdateConfig(cfg)
	return s
}

// UpdateConfig updates the hot-reloadable configuration.
// This is thread-safe and can be called while handling requests.
func (s *MeterService) UpdateConfig(cfg MeterConfig) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Minute
	}
	if cfg.SnapshotRetention <= 0 {
		cfg.SnapshotRetention = time.Hour
	}
	s.dynamicCfg.Store(&cfg)
}

// Outcome is the result of admitting one metered request.
type Outcome struct {
	Admitted bool
	Error    *proxy.ErrorResponse
	// Headers carry the payment state back to the caller on both admitted
	// and rejected requests.
	Headers map[string]string
}

// Handle runs the metering pipeline for one verified token.
func (s *MeterService) Handle(ctx context.Context, claims token.Claims, rawToken string) Outcome {
	cfg := s.dynamicCfg.Load()
	jti := claims.JTI
	spr := claims.PerRequestAmount
	mnr := meter.ResolveMaxRequests(cfg.MaxRequestsOverride, claims.MaxRequests)
	log := s.log.With().Str("jti", jti).Logger()

	exists, err := s.store.Exists(ctx, jti)
	if err != nil {
		log.Error().Err(err).Msg("session lookup failed")
		return Outcome{Error: &proxy.ErrStoreFailure}
	}

	var charged float64

	if !exists {
		if err := s.store.Create(ctx, jti, rawToken, cfg.SessionTTL); err != nil {
			log.Error().Err(err).Msg("session create failed")
			return Outcome{Error: &proxy.ErrStoreFailure}
		}
		if s.metrics != nil {
			s.metrics.SessionsCreated.Inc()
		}

		// First request settles immediately; nothing accumulates for it.
		if spr > 0 {
			result, err := s.charge(ctx, "initial", rawToken, spr)
			if err != nil {
				log.Warn().Err(err).Float64("amount", spr).Msg("initial charge rejected")
				s.countRejection(meter.ReasonInsufficientBalance)
				rejection := proxy.ChargeFailed(meter.ReasonInsufficientBalance)
				return Outcome{Error: &rejection, Headers: s.headers(ctx, jti, 0, mnr, cfg)}
			}
			charged = result.AmountCharged
			if err := s.store.SetRemainingBalance(ctx, jti, result.RemainingBalance); err != nil {
				log.Error().Err(err).Msg("balance update failed")
				return Outcome{Error: &proxy.ErrStoreFailure}
			}
		}

		if _, err := s.store.RecordRequest(ctx, jti, spr, true, cfg.SessionTTL); err != nil {
			log.Error().Err(err).Msg("request recording failed")
			return Outcome{Error: &proxy.ErrStoreFailure}
		}
	} else {
		sess, err := s.store.Get(ctx, jti)
		if err != nil {
			log.Error().Err(err).Msg("session read failed")
			return Outcome{Error: &proxy.ErrStoreFailure}
		}

		// Limits are checked before the request is counted, so the request
		// that would breach them is the one rejected.
		balanceReached := spr > 0 && meter.ReachedBalance(sess.RemainingBalance, spr, sess.Accumulated)
		countReached := meter.ReachedCount(sess.Count, mnr)
		if balanceReached || countReached {
			settled, err := s.settleOutstanding(ctx, log, jti, rawToken, sess.Accumulated)
			if err != nil {
				s.countRejection(meter.ReasonInsufficientBalance)
				rejection := proxy.ChargeFailed(meter.ReasonInsufficientBalance)
				return Outcome{Error: &rejection, Headers: s.headers(ctx, jti, 0, mnr, cfg)}
			}

			reason := meter.ReasonBatchLimitReached
			if balanceReached {
				reason = meter.ReasonInsufficientBalance
			}
			s.countRejection(reason)
			log.Info().Str("reason", reason).Int64("count", sess.Count).Msg("session limit reached")

			rejection := proxy.PaymentRequired(reason)
			return Outcome{Error: &rejection, Headers: s.headers(ctx, jti, settled, mnr, cfg)}
		}

		counters, err := s.store.RecordRequest(ctx, jti, spr, false, cfg.SessionTTL)
		if err != nil {
			log.Error().Err(err).Msg("request recording failed")
			return Outcome{Error: &proxy.ErrStoreFailure}
		}

		if meter.ReachedBatch(counters.Accumulated, cfg.BatchThreshold) {
			result, err := s.charge(ctx, "batch", rawToken, counters.Accumulated)
			if err != nil {
				log.Warn().Err(err).Float64("amount", counters.Accumulated).Msg("batch settlement failed")
				s.countRejection(meter.ReasonInsufficientBalance)
				rejection := proxy.ChargeFailed(meter.ReasonInsufficientBalance)
				return Outcome{Error: &rejection, Headers: s.headers(ctx, jti, 0, mnr, cfg)}
			}
			charged = result.AmountCharged
			if err := s.store.ResetAccumulated(ctx, jti); err != nil {
				log.Error().Err(err).Msg("accumulated reset failed")
				return Outcome{Error: &proxy.ErrStoreFailure}
			}
			if err := s.store.SetRemainingBalance(ctx, jti, result.RemainingBalance); err != nil {
				log.Error().Err(err).Msg("balance update failed")
				return Outcome{Error: &proxy.ErrStoreFailure}
			}
		}
	}

	// Keep a durable copy around for late settlement after expiry.
	if err := s.store.Snapshot(ctx, jti, cfg.SessionTTL+cfg.SnapshotRetention); err != nil {
		log.Warn().Err(err).Msg("snapshot write failed")
	}

	return Outcome{Admitted: true, Headers: s.headers(ctx, jti, charged, mnr, cfg)}
}

// settleOutstanding charges any accumulated amount before a session is
// rejected for good, and returns the amount actually charged so the
// rejection can report it.
func (s *MeterService) settleOutstanding(ctx context.Context, log zerolog.Logger, jti, rawToken string, accumulated float64) (float64, error) {
	if meter.Round(accumulated) <= 0 {
		return 0, nil
	}
	result, err := s.charge(ctx, "final", rawToken, accumulated)
	if err != nil {
		log.Warn().Err(err).Float64("amount", accumulated).Msg("final settlement failed")
		return 0, err
	}
	if err := s.store.ResetAccumulated(ctx, jti); err != nil {
		log.Error().Err(err).Msg("accumulated reset failed")
	}
	if err := s.store.SetRemainingBalance(ctx, jti, result.RemainingBalance); err != nil {
		log.Error().Err(err).Msg("balance update failed")
	}
	return result.AmountCharged, nil
}

func (s *MeterService) charge(ctx context.Context, kind, rawToken string, amount float64) (payment.ChargeResult, error) {
	result, err := s.charger.Charge(ctx, rawToken, amount)
	if s.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		s.metrics.ChargesTotal.WithLabelValues(kind, outcome).Inc()
		if err == nil {
			s.metrics.ChargedAmount.Add(result.AmountCharged)
		}
	}
	return result, err
}

func (s *MeterService) countRejection(reason string) {
	if s.metrics != nil {
		s.metrics.PaymentRejections.WithLabelValues(reason).Inc()
	}
}

// headers reads the session back and renders the payment state headers.
func (s *MeterService) headers(ctx context.Context, jti string, charged float64, mnr int64, cfg *MeterConfig) map[string]string {
	h := map[string]string{
		HeaderCharged:        formatAmount(charged),
		HeaderTokenMNR:       strconv.FormatInt(mnr, 10),
		HeaderBatchThreshold: formatAmount(cfg.BatchThreshold),
	}

	sess, err := s.store.Get(ctx, jti)
	if err != nil {
		// Rejected sessions may already be gone; the static headers stand.
		return h
	}
	h[HeaderSessionCount] = strconv.FormatInt(sess.Count, 10)
	h[HeaderAccumulated] = formatAmount(sess.Accumulated)
	h[HeaderRemaining] = formatAmount(sess.RemainingBalance)
	h[HeaderExpiresAt] = strconv.FormatInt(sess.ExpiresAt.UnixMilli(), 10)
	return h
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(meter.Round(v), 'f', -1, 64)
}
