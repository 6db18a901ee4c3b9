package proxy_test

import (
	"testing"

	"github.com/artpar/tollgate/domain/proxy"
)

func TestVisitorIsBot(t *testing.T) {
	tests := []struct {
		state proxy.VisitorState
		want  bool
	}{
		{proxy.Unclassified, false},
		{proxy.Human, false},
		{proxy.UnverifiedBot, true},
		{proxy.VerifiedBot, true},
	}

	for _, tt := range tests {
		v := proxy.Visitor{State: tt.state}
		if got := v.IsBot(); got != tt.want {
			t.Errorf("IsBot(state=%d) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestPaymentRequired(t *testing.T) {
	resp := proxy.PaymentRequired("insufficient_balance")
	if resp.Status != 402 {
		t.Errorf("Status = %d, want 402", resp.Status)
	}
	if resp.Reason != "insufficient_balance" {
		t.Errorf("Reason = %q, want insufficient_balance", resp.Reason)
	}
}

func TestChargeFailed(t *testing.T) {
	resp := proxy.ChargeFailed("insufficient_balance")
	if resp.Status != 402 {
		t.Errorf("Status = %d, want 402", resp.Status)
	}
	if resp.Message != "Payment Required: Error charging token" {
		t.Errorf("Message = %q", resp.Message)
	}
}
