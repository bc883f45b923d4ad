package paygate

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// stubVerifier is a scriptable verifier for dispatch tests.
type stubVerifier struct {
	scheme  Scheme
	network Network
	result  VerifyResponse
	err     error
	calls   int
}

func (s *stubVerifier) Scheme() Scheme   { return s.scheme }
func (s *stubVerifier) Network() Network { return s.network }
func (s *stubVerifier) Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (VerifyResponse, error) {
	s.calls++
	return s.result, s.err
}

func baseRequirements() *PaymentRequirements {
	return &PaymentRequirements{
		Scheme:            "exact",
		Network:           NetworkBase,
		MaxAmountRequired: "500000",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 300,
	}
}

func TestFacilitatorDispatchesToMatchingVerifier(t *testing.T) {
	base := &stubVerifier{scheme: SchemeExact, network: NetworkBase, result: VerifyResponse{IsValid: true}}
	solana := &stubVerifier{scheme: SchemeExact, network: NetworkSolana, result: VerifyResponse{IsValid: true}}
	f := NewFacilitator().Register(base).Register(solana)

	result, err := f.Verify(context.Background(), validPayload(), baseRequirements())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.IsValid {
		t.Errorf("expected valid result, got %+v", result)
	}
	if base.calls != 1 || solana.calls != 0 {
		t.Errorf("wrong verifier invoked: base=%d solana=%d", base.calls, solana.calls)
	}
}

func TestFacilitatorFailsClosedOnUnknownCapability(t *testing.T) {
	f := NewFacilitator().Register(
		&stubVerifier{scheme: SchemeExact, network: NetworkSolana})

	result, err := f.Verify(context.Background(), validPayload(), baseRequirements())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.IsValid {
		t.Fatal("unknown capability accepted")
	}
	if !strings.Contains(result.InvalidReason, "unsupported scheme/network") {
		t.Errorf("unexpected reason: %s", result.InvalidReason)
	}
}

func TestFacilitatorMapsVerifierErrorToRetryable(t *testing.T) {
	f := NewFacilitator().Register(&stubVerifier{
		scheme:  SchemeExact,
		network: NetworkBase,
		err:     errors.New("rpc connection reset"),
	})

	result, err := f.Verify(context.Background(), validPayload(), baseRequirements())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.IsValid {
		t.Fatal("errored verification accepted")
	}
	if result.Failure != FailureNetworkError {
		t.Errorf("expected network_error, got %s", result.Failure)
	}
	if !result.Failure.Retryable() {
		t.Error("verifier error must be retryable")
	}
}

func TestFacilitatorRejectsMismatchedPayload(t *testing.T) {
	verifier := &stubVerifier{scheme: SchemeExact, network: NetworkBase, result: VerifyResponse{IsValid: true}}
	f := NewFacilitator().Register(verifier)

	payload := validPayload()
	payload.Network = NetworkSolana
	result, err := f.Verify(context.Background(), payload, baseRequirements())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.IsValid {
		t.Fatal("mismatched payload accepted")
	}
	if verifier.calls != 0 {
		t.Error("verifier invoked despite mismatch")
	}
}

func TestSupportedEnumeratesCapabilities(t *testing.T) {
	f := NewFacilitator().
		Register(&stubVerifier{scheme: SchemeExact, network: NetworkBase}).
		Register(&stubVerifier{scheme: SchemeIntent, network: NetworkCard})

	supported := f.Supported()
	if len(supported.Kinds) != 2 {
		t.Fatalf("expected 2 kinds, got %d", len(supported.Kinds))
	}
	for _, kind := range supported.Kinds {
		if kind.X402Version != ProtocolVersion {
			t.Errorf("kind %+v carries wrong version", kind)
		}
	}

	if !f.Supports(SchemeExact, NetworkBase) {
		t.Error("registered capability not reported")
	}
	if f.Supports(SchemeExact, NetworkSolana) {
		t.Error("unregistered capability reported")
	}
}

func TestRetryableClassification(t *testing.T) {
	retryable := []FailureKind{FailurePending, FailureNetworkError}
	terminal := []FailureKind{FailureNotFound, FailureAmountMismatch, FailureRecipientMismatch, FailureExpired}

	for _, kind := range retryable {
		if !kind.Retryable() {
			t.Errorf("%s should be retryable", kind)
		}
	}
	for _, kind := range terminal {
		if kind.Retryable() {
			t.Errorf("%s should be terminal", kind)
		}
	}
}
