package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/artpar/tollgate/domain/payment"
)

func TestSkyfireChargeSuccess(t *testing.T) {
	var gotKey, gotPath string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("skyfire-api-key")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"amountCharged":"0.005","remainingBalance":"0.095"}`))
	}))
	defer srv.Close()

	p := NewSkyfireProvider(SkyfireConfig{BaseURL: srv.URL, APIKey: "key-1"})
	result, err := p.Charge(context.Background(), "tok-1", 0.005)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}

	if gotPath != "/api/v1/tokens/charge" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotKey != "key-1" {
		t.Errorf("expected api key header, got %q", gotKey)
	}
	if gotBody["token"] != "tok-1" || gotBody["chargeAmount"] != "0.005" {
		t.Errorf("unexpected request body: %v", gotBody)
	}
	if result.AmountCharged != 0.005 || result.RemainingBalance != 0.095 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestSkyfireChargeRoundsAmount(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"amountCharged":"0.003","remainingBalance":"1"}`))
	}))
	defer srv.Close()

	p := NewSkyfireProvider(SkyfireConfig{BaseURL: srv.URL, APIKey: "key-1"})
	// Three binary-float additions of 0.001 do not sum to exactly 0.003.
	if _, err := p.Charge(context.Background(), "tok-1", 0.001+0.001+0.001); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if gotBody["chargeAmount"] != "0.003" {
		t.Errorf("expected rounded amount 0.003, got %q", gotBody["chargeAmount"])
	}
}

func TestSkyfireChargeRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"code":"insufficient_balance","message":"token balance exhausted"}`))
	}))
	defer srv.Close()

	p := NewSkyfireProvider(SkyfireConfig{BaseURL: srv.URL, APIKey: "key-1"})
	_, err := p.Charge(context.Background(), "tok-1", 0.01)

	var pe *payment.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *payment.Error, got %v", err)
	}
	if pe.StatusCode != http.StatusPaymentRequired || pe.Code != "insufficient_balance" {
		t.Errorf("unexpected payment error: %+v", pe)
	}
	if !payment.IsPaymentError(err) {
		t.Error("IsPaymentError should report true")
	}
}

func TestSkyfireChargeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewSkyfireProvider(SkyfireConfig{BaseURL: srv.URL, APIKey: "key-1"})
	_, err := p.Charge(context.Background(), "tok-1", 0.01)
	if err == nil {
		t.Fatal("expected error on 500")
	}
	if payment.IsPaymentError(err) {
		t.Error("5xx must surface as infrastructure error, not payment error")
	}
}

func TestNoopProviderAlwaysSucceeds(t *testing.T) {
	p := NewNoopProvider(zerolog.Nop())
	result, err := p.Charge(context.Background(), "tok-1", 0.5)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if result.AmountCharged != 0.5 {
		t.Errorf("unexpected amount charged: %f", result.AmountCharged)
	}
}

func TestNewProvider(t *testing.T) {
	log := zerolog.Nop()

	if _, err := NewProvider(Config{Provider: "skyfire", APIKey: "k", BaseURL: "http://x"}, log); err != nil {
		t.Errorf("skyfire: %v", err)
	}
	if _, err := NewProvider(Config{Provider: "skyfire"}, log); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewProvider(Config{Provider: "none"}, log); err != nil {
		t.Errorf("none: %v", err)
	}
	if _, err := NewProvider(Config{Provider: "bogus"}, log); err == nil {
		t.Error("expected error for unknown provider")
	}
}
