// Package evm verifies exact on-chain transfers on EVM networks against an
// x402 payment requirement: the referenced transaction must be mined with
// enough confirmations, pay the configured recipient in the required asset,
// and not be older than the requirement's timeout window.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/basehealth/paygate"
)

// transferTopic is the keccak hash of the ERC-20 Transfer event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Verifier checks exact-transfer proofs for one EVM network.
type Verifier struct {
	client           ChainClient
	network          paygate.Network
	chainID          *big.Int
	minConfirmations uint64
	timeout          time.Duration
	now              func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithMinConfirmations overrides the default confirmation depth.
func WithMinConfirmations(n uint64) Option {
	return func(v *Verifier) { v.minConfirmations = n }
}

// WithTimeout bounds every RPC round trip. Defaults to 15s; stalled nodes
// surface as a retryable network error, never as an invalid payment.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) { v.timeout = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates an exact-transfer verifier for the given network.
func NewVerifier(client ChainClient, network paygate.Network, chainID *big.Int, opts ...Option) *Verifier {
	v := &Verifier{
		client:           client,
		network:          network,
		chainID:          chainID,
		minConfirmations: 1,
		timeout:          15 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) Scheme() paygate.Scheme   { return paygate.SchemeExact }
func (v *Verifier) Network() paygate.Network { return v.network }

// Verify fetches the transaction and receipt for the proof's hash and checks
// recipient, asset, amount and age against the requirements.
func (v *Verifier) Verify(ctx context.Context, payload *paygate.PaymentPayload, requirements *paygate.PaymentRequirements) (paygate.VerifyResponse, error) {
	txHash := payload.Payload.TxHash
	if !isTxHash(txHash) {
		return paygate.Invalid(paygate.FailureNotFound, "malformed transaction hash"), nil
	}
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	tx, isPending, err := v.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return paygate.Invalid(paygate.FailureNotFound, "transaction not found"), nil
		}
		return netErr("fetch transaction", err), nil
	}
	if isPending {
		return paygate.Invalid(paygate.FailurePending, "transaction not yet mined, please retry"), nil
	}

	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return paygate.Invalid(paygate.FailurePending, "receipt not yet available, please retry"), nil
		}
		return netErr("fetch receipt", err), nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return paygate.Invalid(paygate.FailureNotFound, "transaction reverted"), nil
	}

	head, err := v.client.BlockNumber(ctx)
	if err != nil {
		return netErr("fetch head", err), nil
	}
	blockNum := receipt.BlockNumber.Uint64()
	if head < blockNum || head-blockNum+1 < v.minConfirmations {
		return paygate.Invalid(paygate.FailurePending,
			fmt.Sprintf("waiting for confirmations: %d of %d", head-blockNum+1, v.minConfirmations)), nil
	}

	header, err := v.client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return netErr("fetch block header", err), nil
	}
	if reason, expired := v.expired(header.Time, payload.IssuedAt, requirements.MaxTimeoutSeconds); expired {
		return paygate.Invalid(paygate.FailureExpired, reason), nil
	}

	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return paygate.Invalid(paygate.FailureAmountMismatch,
			fmt.Sprintf("unparseable required amount %q", requirements.MaxAmountRequired)), nil
	}
	payTo := common.HexToAddress(requirements.PayTo)

	var sender common.Address
	var recipient common.Address
	var amount *big.Int

	if requirements.Asset == "" || requirements.Asset == "native" {
		if tx.To() == nil {
			return paygate.Invalid(paygate.FailureRecipientMismatch, "contract creation is not a transfer"), nil
		}
		recipient = *tx.To()
		amount = tx.Value()
		sender, err = types.Sender(types.LatestSignerForChainID(v.chainID), tx)
		if err != nil {
			return netErr("recover sender", err), nil
		}
	} else {
		token := common.HexToAddress(requirements.Asset)
		transfer := findTransfer(receipt, token, payTo)
		if transfer == nil {
			return paygate.Invalid(paygate.FailureRecipientMismatch,
				"no matching token transfer to the configured recipient"), nil
		}
		sender = transfer.from
		recipient = transfer.to
		amount = transfer.amount
	}

	if recipient != payTo {
		return paygate.Invalid(paygate.FailureRecipientMismatch,
			fmt.Sprintf("funds went to %s, required %s", recipient.Hex(), payTo.Hex())), nil
	}
	// No implicit unit conversion: amounts compare in the asset's own minor
	// units, and over-payment is accepted.
	if amount.Cmp(required) < 0 {
		return paygate.Invalid(paygate.FailureAmountMismatch,
			fmt.Sprintf("insufficient amount: got %s, need %s", amount.String(), required.String())), nil
	}

	return paygate.VerifyResponse{
		IsValid:   true,
		Payer:     sender.Hex(),
		Amount:    amount.String(),
		Recipient: recipient.Hex(),
	}, nil
}

// expired checks the transaction's block time against the requirement
// window. With a quote timestamp the deadline is issuedAt+timeout; without
// one the transfer simply must not be older than the timeout.
func (v *Verifier) expired(blockTime uint64, issuedAt int64, maxTimeoutSeconds int) (string, bool) {
	if maxTimeoutSeconds <= 0 {
		return "", false
	}
	window := time.Duration(maxTimeoutSeconds) * time.Second
	minedAt := time.Unix(int64(blockTime), 0)

	if issuedAt > 0 {
		deadline := time.Unix(issuedAt, 0).Add(window)
		if minedAt.After(deadline) {
			return "payment window expired", true
		}
		return "", false
	}
	if v.now().Sub(minedAt) > window {
		return "transaction older than the payment window", true
	}
	return "", false
}

type tokenTransfer struct {
	from   common.Address
	to     common.Address
	amount *big.Int
}

// findTransfer scans receipt logs for an ERC-20 Transfer from the required
// token contract to the required recipient.
func findTransfer(receipt *types.Receipt, token, payTo common.Address) *tokenTransfer {
	for _, lg := range receipt.Logs {
		if lg.Address != token || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if to != payTo {
			continue
		}
		return &tokenTransfer{
			from:   common.BytesToAddress(lg.Topics[1].Bytes()),
			to:     to,
			amount: new(big.Int).SetBytes(lg.Data),
		}
	}
	return nil
}

func netErr(op string, err error) paygate.VerifyResponse {
	return paygate.Invalid(paygate.FailureNetworkError, fmt.Sprintf("%s: %v", op, err))
}

func isTxHash(s string) bool {
	if len(s) != 66 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

var _ paygate.Verifier = (*Verifier)(nil)
