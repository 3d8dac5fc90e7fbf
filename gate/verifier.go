package gate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// x402 protocol headers, matching the facilitator wire format.
const (
	PaymentSignatureHeader = "payment-signature"
	PaymentRequiredHeader  = "payment-required"
	PaymentResponseHeader  = "payment-response"
	X402VersionHeader      = "x402-version"
	X402Version            = "2"
)

// PaymentProof is the decoded payment-signature header: a reference to
// an issued challenge token plus the rail-side transaction evidence.
type PaymentProof struct {
	Token     string `json:"token"`
	TxHash    string `json:"tx_hash"`
	Payer     string `json:"payer"`
	Signature string `json:"signature"`
}

// EncodePaymentProof renders a proof as the base64 header value.
func EncodePaymentProof(proof PaymentProof) string {
	raw, _ := json.Marshal(proof)
	return base64.StdEncoding.EncodeToString(raw)
}

// ParsePaymentProof decodes a payment-signature header value.
func ParsePaymentProof(encoded string) (PaymentProof, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return PaymentProof{}, fmt.Errorf("decode payment proof: %w", err)
	}
	var proof PaymentProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return PaymentProof{}, fmt.Errorf("parse payment proof: %w", err)
	}
	if proof.Token == "" {
		return PaymentProof{}, fmt.Errorf("payment proof missing token")
	}
	if proof.TxHash == "" {
		return PaymentProof{}, fmt.Errorf("payment proof missing tx hash")
	}
	return proof, nil
}

// VerifyResult is the verifier's verdict. Rejection is an outcome, not
// an error; errors mean the verifier could not be reached.
type VerifyResult struct {
	Accepted bool
	Reason   string
	Payer    string
}

// ProofVerifier checks a payment proof against the external payment
// rail. The cryptography lives on the other side of this interface.
type ProofVerifier interface {
	Verify(ctx context.Context, proof PaymentProof, challenge ChallengeToken) (VerifyResult, error)
}

// NewProofVerifier picks a verifier implementation by provider name.
// "mock" accepts any well-formed proof and exists for local runs and
// tests; anything else talks to a facilitator.
func NewProofVerifier(provider, baseURL, verifyPath, bearerToken string, timeout time.Duration) ProofVerifier {
	if provider == "mock" {
		return MockVerifier{}
	}
	return NewFacilitatorVerifier(baseURL, verifyPath, bearerToken, timeout)
}

// MockVerifier accepts every proof that carries a signature.
type MockVerifier struct{}

func (MockVerifier) Verify(ctx context.Context, proof PaymentProof, challenge ChallengeToken) (VerifyResult, error) {
	if strings.TrimSpace(proof.Signature) == "" {
		return VerifyResult{Reason: "missing signature"}, nil
	}
	return VerifyResult{Accepted: true, Payer: proof.Payer}, nil
}

// FacilitatorVerifier calls an x402 facilitator's verify endpoint.
type FacilitatorVerifier struct {
	baseURL     string
	verifyPath  string
	bearerToken string
	client      *http.Client
}

// NewFacilitatorVerifier builds a verifier with a bounded HTTP client.
func NewFacilitatorVerifier(baseURL, verifyPath, bearerToken string, timeout time.Duration) *FacilitatorVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FacilitatorVerifier{
		baseURL:     strings.TrimRight(baseURL, "/"),
		verifyPath:  verifyPath,
		bearerToken: bearerToken,
		client:      &http.Client{Timeout: timeout},
	}
}

type facilitatorVerifyRequest struct {
	Token       string `json:"token"`
	TxHash      string `json:"txHash"`
	Payer       string `json:"payer,omitempty"`
	Signature   string `json:"signature"`
	Service     string `json:"service"`
	AmountCents int64  `json:"amountCents"`
}

type facilitatorVerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

func (v *FacilitatorVerifier) Verify(ctx context.Context, proof PaymentProof, challenge ChallengeToken) (VerifyResult, error) {
	body, err := json.Marshal(facilitatorVerifyRequest{
		Token:       proof.Token,
		TxHash:      proof.TxHash,
		Payer:       proof.Payer,
		Signature:   proof.Signature,
		Service:     challenge.Service,
		AmountCents: challenge.AmountCents,
	})
	if err != nil {
		return VerifyResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+v.verifyPath, bytes.NewReader(body))
	if err != nil {
		return VerifyResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if v.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+v.bearerToken)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("facilitator verify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VerifyResult{}, fmt.Errorf("facilitator verify: unexpected status %d", resp.StatusCode)
	}

	var decoded facilitatorVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return VerifyResult{}, fmt.Errorf("facilitator verify: %w", err)
	}
	return VerifyResult{
		Accepted: decoded.IsValid,
		Reason:   decoded.InvalidReason,
		Payer:    decoded.Payer,
	}, nil
}
