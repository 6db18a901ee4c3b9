// Package payment provides charge provider adapters for usage tokens.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/tollgate/domain/meter"
	"github.com/artpar/tollgate/domain/payment"
	"github.com/artpar/tollgate/ports"
)

// SkyfireConfig holds Skyfire payment API configuration.
type SkyfireConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// SkyfireProvider charges usage tokens against the Skyfire payment API.
//
// API Contract:
//
//	POST /api/v1/tokens/charge
//	Header:   skyfire-api-key: <key>
//	Request:  {"token": "<jwt>", "chargeAmount": "0.005"}
//	Response: {"amountCharged": "0.005", "remainingBalance": "0.095"}
//
// A 4xx response with an error body becomes a *payment.Error; anything else
// is an infrastructure error.
type SkyfireProvider struct {
	config SkyfireConfig
	client *http.Client
}

// NewSkyfireProvider creates a new Skyfire charge provider.
func NewSkyfireProvider(config SkyfireConfig) *SkyfireProvider {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SkyfireProvider{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (p *SkyfireProvider) Name() string {
	return "skyfire"
}

type chargeRequest struct {
	Token        string `json:"token"`
	ChargeAmount string `json:"chargeAmount"`
}

type chargeResponse struct {
	AmountCharged    json.Number `json:"amountCharged"`
	RemainingBalance json.Number `json:"remainingBalance"`
}

type chargeErrorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Charge settles the given amount against the token.
func (p *SkyfireProvider) Charge(ctx context.Context, tok string, amount float64) (payment.ChargeResult, error) {
	body, err := json.Marshal(chargeRequest{
		Token:        tok,
		ChargeAmount: strconv.FormatFloat(meter.Round(amount), 'f', -1, 64),
	})
	if err != nil {
		return payment.ChargeResult{}, fmt.Errorf("encode charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/api/v1/tokens/charge", bytes.NewReader(body))
	if err != nil {
		return payment.ChargeResult{}, fmt.Errorf("build charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("skyfire-api-key", p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return payment.ChargeResult{}, fmt.Errorf("charge request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return payment.ChargeResult{}, fmt.Errorf("read charge response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		var apiErr chargeErrorResponse
		_ = json.Unmarshal(respBody, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
		if msg == "" {
			msg = string(respBody)
		}
		return payment.ChargeResult{}, &payment.Error{
			StatusCode: resp.StatusCode,
			Code:       apiErr.Code,
			Message:    msg,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return payment.ChargeResult{}, fmt.Errorf("charge failed: status %d: %s", resp.StatusCode, respBody)
	}

	var out chargeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return payment.ChargeResult{}, fmt.Errorf("decode charge response: %w", err)
	}

	charged, _ := out.AmountCharged.Float64()
	remaining, _ := out.RemainingBalance.Float64()
	return payment.ChargeResult{
		AmountCharged:    meter.Round(charged),
		RemainingBalance: meter.Round(remaining),
	}, nil
}

// Ensure interface compliance.
var _ ports.ChargeProvider = (*SkyfireProvider)(nil)
