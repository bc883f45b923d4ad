package paygate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// DecodeError reports a malformed payment header. It is always returned for
// bad client input so handlers can map it to a 400/402 instead of leaking an
// unstructured failure.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payment header: %s", e.Reason)
}

// EncodePaymentPayload encodes a payload for transport in the X-PAYMENT
// header. DecodePaymentHeader inverts it exactly.
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentHeader decodes a base64 X-PAYMENT header into a
// PaymentPayload. The version is checked strictly: anything other than
// ProtocolVersion is rejected, never coerced.
func DecodePaymentHeader(encoded string) (*PaymentPayload, error) {
	if encoded == "" {
		return nil, &DecodeError{Reason: "empty header"}
	}

	decodedBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64"}
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decodedBytes, &payload); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON payload"}
	}

	if payload.X402Version != ProtocolVersion {
		return nil, NewPaymentError(ErrCodeUnsupportedVersion,
			fmt.Sprintf("unsupported version: %d", payload.X402Version))
	}

	return &payload, nil
}

// MatchRequirements checks that a decoded payload claims the same scheme and
// network as the requirements it is presented against. A mismatch rejects
// the proof before any verifier is invoked.
func MatchRequirements(payload *PaymentPayload, requirements *PaymentRequirements) error {
	if payload.Scheme != requirements.Scheme {
		return NewPaymentError(ErrCodeSchemeMismatch,
			fmt.Sprintf("scheme/network mismatch: payload scheme %q, required %q", payload.Scheme, requirements.Scheme))
	}
	if payload.Network != requirements.Network {
		return NewPaymentError(ErrCodeNetworkMismatch,
			fmt.Sprintf("scheme/network mismatch: payload network %q, required %q", payload.Network, requirements.Network))
	}
	if payload.Payload.PaymentID() == "" {
		return &DecodeError{Reason: "payload carries no payment identifier"}
	}
	return nil
}

// EncodeSettleResponse encodes a settlement result for the
// X-PAYMENT-RESPONSE header.
func EncodeSettleResponse(resp *SettleResponse) (string, error) {
	jsonBytes, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to encode settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}
