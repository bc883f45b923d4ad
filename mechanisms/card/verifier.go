package card

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/basehealth/paygate"
)

// Verifier checks card payment-intent proofs via the processor API.
type Verifier struct {
	client  ProcessorClient
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTimeout bounds every processor API round trip.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) { v.timeout = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates an intent verifier over the given processor client.
func NewVerifier(client ProcessorClient, opts ...Option) *Verifier {
	v := &Verifier{
		client:  client,
		timeout: 15 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) Scheme() paygate.Scheme   { return paygate.SchemeIntent }
func (v *Verifier) Network() paygate.Network { return paygate.NetworkCard }

// Verify fetches the intent and accepts it only when it has terminally
// succeeded for at least the required amount in the required currency.
func (v *Verifier) Verify(ctx context.Context, payload *paygate.PaymentPayload, requirements *paygate.PaymentRequirements) (paygate.VerifyResponse, error) {
	intentID := payload.Payload.IntentID
	if intentID == "" {
		return paygate.Invalid(paygate.FailureNotFound, "missing payment intent id"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	intent, err := v.client.GetIntent(ctx, intentID)
	if err != nil {
		var notFound *ErrIntentNotFound
		if errors.As(err, &notFound) {
			return paygate.Invalid(paygate.FailureNotFound, "payment intent not found"), nil
		}
		return paygate.Invalid(paygate.FailureNetworkError,
			fmt.Sprintf("processor unreachable: %v", err)), nil
	}

	switch intent.Status {
	case StatusSucceeded:
		// terminal success, continue
	case "processing", "requires_action", "requires_confirmation":
		return paygate.Invalid(paygate.FailurePending,
			fmt.Sprintf("payment intent %s, please retry", intent.Status)), nil
	default:
		return paygate.Invalid(paygate.FailureNotFound,
			fmt.Sprintf("payment intent in non-payable status %q", intent.Status)), nil
	}

	if requirements.MaxTimeoutSeconds > 0 && payload.IssuedAt > 0 {
		deadline := time.Unix(payload.IssuedAt, 0).Add(time.Duration(requirements.MaxTimeoutSeconds) * time.Second)
		if time.Unix(intent.Created, 0).After(deadline) {
			return paygate.Invalid(paygate.FailureExpired, "payment window expired"), nil
		}
	}

	if !strings.EqualFold(intent.Currency, requirements.Asset) {
		return paygate.Invalid(paygate.FailureAmountMismatch,
			fmt.Sprintf("wrong currency: got %s, need %s", intent.Currency, requirements.Asset)), nil
	}

	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return paygate.Invalid(paygate.FailureAmountMismatch,
			fmt.Sprintf("unparseable required amount %q", requirements.MaxAmountRequired)), nil
	}
	amount := big.NewInt(intent.Amount)
	if amount.Cmp(required) < 0 {
		return paygate.Invalid(paygate.FailureAmountMismatch,
			fmt.Sprintf("insufficient amount: got %s, need %s", amount, required)), nil
	}

	return paygate.VerifyResponse{
		IsValid:   true,
		Payer:     intent.Metadata["customer"],
		Amount:    amount.String(),
		Recipient: requirements.PayTo,
	}, nil
}

var _ paygate.Verifier = (*Verifier)(nil)
