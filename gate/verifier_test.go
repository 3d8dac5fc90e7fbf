package gate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParsePaymentProofRoundTrip(t *testing.T) {
	proof := PaymentProof{
		Token:     "chl-1",
		TxHash:    "0xabc",
		Payer:     "wallet-1",
		Signature: "sig",
	}
	parsed, err := ParsePaymentProof(EncodePaymentProof(proof))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != proof {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
}

func TestParsePaymentProofRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not base64":   "!!!",
		"not json":     base64.StdEncoding.EncodeToString([]byte("hi")),
		"missing hash": EncodePaymentProof(PaymentProof{Token: "chl-1"}),
		"missing token": EncodePaymentProof(PaymentProof{
			TxHash: "0xabc",
		}),
	}
	for name, header := range cases {
		if _, err := ParsePaymentProof(header); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestMockVerifierRequiresSignature(t *testing.T) {
	v := MockVerifier{}

	result, err := v.Verify(context.Background(), PaymentProof{Signature: "sig", Payer: "w"}, ChallengeToken{})
	if err != nil || !result.Accepted {
		t.Fatalf("expected accepted, got %+v err=%v", result, err)
	}

	result, err = v.Verify(context.Background(), PaymentProof{}, ChallengeToken{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Accepted {
		t.Fatal("unsigned proof should be rejected")
	}
}

func TestFacilitatorVerifier(t *testing.T) {
	var got facilitatorVerifyRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(facilitatorVerifyResponse{IsValid: true, Payer: "wallet-9"})
	}))
	defer ts.Close()

	v := NewFacilitatorVerifier(ts.URL, "/v2/verify", "tok", time.Second)
	result, err := v.Verify(context.Background(),
		PaymentProof{Token: "chl-1", TxHash: "0xabc", Signature: "sig"},
		ChallengeToken{Service: "scraping", AmountCents: 5},
	)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Accepted || result.Payer != "wallet-9" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got.Service != "scraping" || got.AmountCents != 5 || got.TxHash != "0xabc" {
		t.Fatalf("unexpected request payload: %+v", got)
	}
}

func TestFacilitatorVerifierErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	v := NewFacilitatorVerifier(ts.URL, "/v2/verify", "", time.Second)
	if _, err := v.Verify(context.Background(), PaymentProof{Token: "t", TxHash: "h"}, ChallengeToken{}); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
