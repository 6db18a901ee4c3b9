package payment

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/tollgate/ports"
)

// Config selects and configures a charge provider.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// NewProvider creates a charge provider based on config.
func NewProvider(cfg Config, log zerolog.Logger) (ports.ChargeProvider, error) {
	switch cfg.Provider {
	case "skyfire", "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("skyfire API key is required")
		}
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("skyfire base URL is required")
		}
		return NewSkyfireProvider(SkyfireConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		}), nil

	case "none":
		return NewNoopProvider(log), nil

	default:
		return nil, fmt.Errorf("unknown charge provider: %s", cfg.Provider)
	}
}
