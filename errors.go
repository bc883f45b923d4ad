package paygate

import (
	"errors"
	"fmt"
)

// PaymentError is a protocol-level error with a stable machine-readable code.
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message}
}

// Common error codes.
const (
	ErrCodeInvalidPayload     = "invalid_payload"
	ErrCodeUnsupportedVersion = "unsupported_version"
	ErrCodeSchemeMismatch     = "scheme_mismatch"
	ErrCodeNetworkMismatch    = "network_mismatch"
	ErrCodeUnsupportedKind    = "unsupported_kind"
	ErrCodeResourceNotFound   = "resource_not_found"
	ErrCodeConfig             = "config_error"
)

// FailureKind classifies why a verifier could not accept a proof. The
// retryable/terminal split is load-bearing: Pending and NetworkError mean
// "not yet verified" and must never be recorded as a failed payment.
type FailureKind string

const (
	// FailureNotFound means the chain or processor has no record of the id.
	FailureNotFound FailureKind = "not_found"
	// FailurePending means the payment exists but is not yet confirmed.
	// Retryable.
	FailurePending FailureKind = "pending"
	// FailureAmountMismatch means the settled amount is below the required
	// amount or in the wrong asset.
	FailureAmountMismatch FailureKind = "amount_mismatch"
	// FailureRecipientMismatch means funds did not go to the configured
	// recipient.
	FailureRecipientMismatch FailureKind = "recipient_mismatch"
	// FailureExpired means the proof arrived past the requirement's
	// maxTimeoutSeconds window.
	FailureExpired FailureKind = "expired"
	// FailureNetworkError means the upstream RPC or API was unreachable.
	// Retryable; never treated as an invalid payment.
	FailureNetworkError FailureKind = "network_error"
)

// Retryable reports whether the failure may clear on its own and the caller
// should try again rather than fail the checkout.
func (k FailureKind) Retryable() bool {
	return k == FailurePending || k == FailureNetworkError
}

// Invalid builds a terminal verification verdict.
func Invalid(kind FailureKind, reason string) VerifyResponse {
	return VerifyResponse{IsValid: false, Failure: kind, InvalidReason: reason}
}

// ErrAlreadyProcessed is returned by the ledger when a payment id has
// already been consumed. The second caller treats it as success and serves
// the previously recorded result.
var ErrAlreadyProcessed = errors.New("payment already processed")
