// Package paygate implements the x402-style payment gate used by the
// BaseHealth platform: requirement negotiation, multi-network payment
// verification, idempotent settlement recording and the checkout lifecycle
// that ties them together.
package paygate

import "fmt"

// ProtocolVersion is the only x402 protocol version this server speaks.
// Payloads carrying any other version are rejected, never coerced.
const ProtocolVersion = 1

// PaymentHeader is the HTTP request header carrying the base64-encoded
// PaymentPayload.
const PaymentHeader = "X-PAYMENT"

// Network identifies the chain or processor a payment settles on
// (e.g. "base", "solana", "card").
type Network string

const (
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia"
	NetworkSolana      Network = "solana"
	NetworkSolanaDev   Network = "solana-devnet"
	NetworkCard        Network = "card"
)

func (n Network) String() string { return string(n) }

// IsEVM reports whether the network is an EVM chain.
func (n Network) IsEVM() bool {
	return n == NetworkBase || n == NetworkBaseSepolia
}

// IsSolana reports whether the network is a Solana cluster.
func (n Network) IsSolana() bool {
	return n == NetworkSolana || n == NetworkSolanaDev
}

// Scheme is the payment method category within the protocol.
type Scheme string

const (
	// SchemeExact is an exact on-chain transfer identified by its
	// transaction hash or signature.
	SchemeExact Scheme = "exact"
	// SchemeIntent is a card-processor payment intent identified by the
	// processor's intent id.
	SchemeIntent Scheme = "intent"
)

func (s Scheme) String() string { return string(s) }

// PaymentRequirements describes what must be paid for a resource. Once
// issued to a client it is immutable; within one pricing epoch two fetches
// for the same resource are byte-identical.
type PaymentRequirements struct {
	Scheme            string  `json:"scheme"`
	Network           Network `json:"network"`
	MaxAmountRequired string  `json:"maxAmountRequired"` // minor units, decimal string
	Resource          string  `json:"resource"`
	Description       string  `json:"description,omitempty"`
	MimeType          string  `json:"mimeType,omitempty"`
	PayTo             string  `json:"payTo"`
	MaxTimeoutSeconds int     `json:"maxTimeoutSeconds"`
	Asset             string  `json:"asset"` // token contract, mint, or currency code
}

// Validate checks that the requirements carry every field a verifier needs.
func (r *PaymentRequirements) Validate() error {
	if r.Scheme == "" {
		return fmt.Errorf("paymentRequirements.scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("paymentRequirements.network is required")
	}
	if r.MaxAmountRequired == "" {
		return fmt.Errorf("paymentRequirements.maxAmountRequired is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("paymentRequirements.payTo is required")
	}
	if r.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("paymentRequirements.maxTimeoutSeconds must be greater than 0")
	}
	return nil
}

// PaymentPayload is the client-submitted payment proof. Every field is
// untrusted until the codec and a verifier have checked it.
type PaymentPayload struct {
	X402Version int        `json:"x402Version"`
	Scheme      string     `json:"scheme"`
	Network     Network    `json:"network"`
	Payload     ExactProof `json:"payload"`
	IssuedAt    int64      `json:"issuedAt,omitempty"` // unix seconds, set when the quote was issued
}

// ExactProof carries the scheme-specific proof material. Exactly one of the
// identifier fields is set depending on the scheme/network pair.
type ExactProof struct {
	// TxHash is the EVM transaction hash for exact on-chain transfers.
	TxHash string `json:"txHash,omitempty"`
	// Signature is the Solana transaction signature.
	Signature string `json:"signature,omitempty"`
	// IntentID is the card processor's payment-intent id.
	IntentID string `json:"intentId,omitempty"`
	// Payer is the client-claimed payer address; verifiers confirm it
	// against chain data and never trust it on its own.
	Payer string `json:"payer,omitempty"`
}

// PaymentID returns the globally unique identifier for this proof: the
// transaction hash, signature, or intent id depending on scheme.
func (p *ExactProof) PaymentID() string {
	switch {
	case p.TxHash != "":
		return p.TxHash
	case p.Signature != "":
		return p.Signature
	default:
		return p.IntentID
	}
}

// PaymentRequired is the 402 response body sent when no acceptable proof
// accompanies a request for a priced resource.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentHeader       string              `json:"paymentHeader"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the body of POST /settle. Identical shape to
// VerifyRequest; kept separate so the surfaces can diverge.
type SettleRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentHeader       string              `json:"paymentHeader"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is a verifier's verdict on a single proof. It is never
// persisted directly; only the ledger write that follows a valid result is.
type VerifyResponse struct {
	IsValid       bool        `json:"isValid"`
	InvalidReason string      `json:"invalidReason,omitempty"`
	Failure       FailureKind `json:"failure,omitempty"`
	Payer         string      `json:"payer,omitempty"`
	Amount        string      `json:"amount,omitempty"` // settled amount, minor units
	Recipient     string      `json:"recipient,omitempty"`
}

// SettleResponse is the result of recording a verified payment.
type SettleResponse struct {
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
	TxHash    string  `json:"txHash,omitempty"`
	NetworkID Network `json:"networkId,omitempty"`
	Payer     string  `json:"payer,omitempty"`
}

// SupportedKind is one (scheme, network) pair with a registered verifier.
type SupportedKind struct {
	X402Version int     `json:"x402Version"`
	Scheme      string  `json:"scheme"`
	Network     Network `json:"network"`
}

// SupportedResponse enumerates every capability of this gate.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}
