package payment

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/artpar/tollgate/domain/payment"
	"github.com/artpar/tollgate/ports"
)

// NoopProvider accepts every charge without calling out. Used in
// development so the proxy can run without payment API credentials.
// It reports a remaining balance large enough to never trip thresholds.
type NoopProvider struct {
	log zerolog.Logger
}

// NewNoopProvider creates a new no-op charge provider.
func NewNoopProvider(log zerolog.Logger) *NoopProvider {
	return &NoopProvider{log: log}
}

// Name returns the provider name.
func (p *NoopProvider) Name() string {
	return "none"
}

// Charge logs the would-be settlement and succeeds.
func (p *NoopProvider) Charge(ctx context.Context, tok string, amount float64) (payment.ChargeResult, error) {
	p.log.Debug().Float64("amount", amount).Msg("noop charge")
	return payment.ChargeResult{
		AmountCharged:    amount,
		RemainingBalance: 1e9,
	}, nil
}

// Ensure interface compliance.
var _ ports.ChargeProvider = (*NoopProvider)(nil)
