package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func jwksDocument(kid string, pub *rsa.PublicKey) map[string]any {
	e := big.NewInt(int64(pub.E))
	return map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(e.Bytes()),
			},
		},
	}
}

func TestJWKSCacheFetchesAndCaches(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(jwksDocument("kid-1", &testKey.PublicKey))
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Hour, srv.Client())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key, err := cache.Key(ctx, "kid-1")
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok || pub.N.Cmp(testKey.PublicKey.N) != 0 {
			t.Fatalf("unexpected key: %T", key)
		}
	}
	if fetches != 1 {
		t.Errorf("expected 1 fetch for cached lookups, got %d", fetches)
	}
}

func TestJWKSCacheRefreshesOnUnknownKid(t *testing.T) {
	kid := "kid-1"
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(jwksDocument(kid, &testKey.PublicKey))
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Hour, srv.Client())
	ctx := context.Background()

	if _, err := cache.Key(ctx, "kid-1"); err != nil {
		t.Fatalf("Key: %v", err)
	}

	// Rotate: the cache must refetch on a miss even within its TTL.
	kid = "kid-2"
	if _, err := cache.Key(ctx, "kid-2"); err != nil {
		t.Fatalf("Key after rotation: %v", err)
	}
	if fetches != 2 {
		t.Errorf("expected refetch on unknown kid, got %d fetches", fetches)
	}

	if _, err := cache.Key(ctx, "kid-gone"); err == nil {
		t.Error("expected error for key absent after refresh")
	}
}

func TestJWKSCacheServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Hour, srv.Client())
	if _, err := cache.Key(context.Background(), "kid-1"); err == nil {
		t.Error("expected error on 500 from jwks endpoint")
	}
}

func TestJWKSCacheSkipsUnusableKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"keys":[
			{"kty":"oct","kid":"sym","k":"c2VjcmV0"},
			{"kty":"RSA","kid":"good","n":"`+base64.RawURLEncoding.EncodeToString(testKey.PublicKey.N.Bytes())+`","e":"AQAB"}
		]}`)
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Hour, srv.Client())
	if _, err := cache.Key(context.Background(), "good"); err != nil {
		t.Fatalf("Key: %v", err)
	}
	if _, err := cache.Key(context.Background(), "sym"); err == nil {
		t.Error("expected symmetric key entry to be skipped")
	}
}
