package paygate

import (
	"context"
	"fmt"
	"sync"
)

// Verifier validates one (scheme, network) capability's payment proofs.
// Expected conditions (unconfirmed tx, mismatched amount) come back in the
// VerifyResponse; the error return is reserved for malformed upstream
// responses and is mapped to a retryable NetworkError by the dispatcher.
type Verifier interface {
	Scheme() Scheme
	Network() Network
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (VerifyResponse, error)
}

// capability keys the verifier registry. Closed set: a requirement either
// matches a registered pair exactly or fails closed.
type capability struct {
	scheme  Scheme
	network Network
}

// Facilitator dispatches verification to the verifier registered for the
// requirement's (scheme, network) pair. It holds no per-payment state and is
// safe for concurrent use.
type Facilitator struct {
	mu        sync.RWMutex
	verifiers map[capability]Verifier
}

// NewFacilitator creates an empty verifier registry.
func NewFacilitator() *Facilitator {
	return &Facilitator{verifiers: make(map[capability]Verifier)}
}

// Register adds a verifier for its declared capability. Registering the same
// pair twice replaces the earlier verifier.
func (f *Facilitator) Register(v Verifier) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifiers[capability{scheme: v.Scheme(), network: v.Network()}] = v
	return f
}

// Verify checks the payload against the requirements. The payload must
// already have passed DecodePaymentHeader and MatchRequirements; Verify
// re-checks the match so it cannot be bypassed by a caller.
func (f *Facilitator) Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (VerifyResponse, error) {
	if err := requirements.Validate(); err != nil {
		return Invalid(FailureNotFound, err.Error()), nil
	}
	if err := MatchRequirements(payload, requirements); err != nil {
		return Invalid(FailureNotFound, err.Error()), nil
	}

	f.mu.RLock()
	v, ok := f.verifiers[capability{scheme: Scheme(requirements.Scheme), network: requirements.Network}]
	f.mu.RUnlock()
	if !ok {
		// Fail closed: no default verifier, ever.
		return Invalid(FailureNotFound,
			fmt.Sprintf("unsupported scheme/network: %s/%s", requirements.Scheme, requirements.Network)), nil
	}

	resp, err := v.Verify(ctx, payload, requirements)
	if err != nil {
		// Upstream produced something we could not interpret. Retryable,
		// never recorded as a failed payment.
		return Invalid(FailureNetworkError, fmt.Sprintf("verifier error: %v", err)), nil
	}
	return resp, nil
}

// Supported enumerates every registered (scheme, network) pair.
func (f *Facilitator) Supported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]SupportedKind, 0, len(f.verifiers))
	for cap := range f.verifiers {
		kinds = append(kinds, SupportedKind{
			X402Version: ProtocolVersion,
			Scheme:      cap.scheme.String(),
			Network:     cap.network,
		})
	}
	return SupportedResponse{Kinds: kinds}
}

// Supports reports whether a verifier is registered for the pair.
func (f *Facilitator) Supports(scheme Scheme, network Network) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.verifiers[capability{scheme: scheme, network: network}]
	return ok
}
