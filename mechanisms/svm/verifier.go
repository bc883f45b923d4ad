// Package svm verifies Solana transfer proofs against an x402 payment
// requirement. A signature that exists but has not reached the configured
// commitment level is reported as pending, never invalid, so callers retry
// instead of failing the payment.
package svm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/basehealth/paygate"
)

// RPCClient is the slice of the Solana RPC surface the verifier needs.
// *rpc.Client satisfies it; tests substitute a fake cluster.
type RPCClient interface {
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// NewRPC connects to a Solana RPC endpoint.
func NewRPC(rpcURL string) *rpc.Client {
	return rpc.New(rpcURL)
}

// Verifier checks transfer proofs for one Solana cluster.
type Verifier struct {
	client     RPCClient
	network    paygate.Network
	commitment rpc.ConfirmationStatusType
	timeout    time.Duration
	now        func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithCommitment sets the confirmation level a signature must reach before
// the transfer is trusted. Defaults to "confirmed".
func WithCommitment(c rpc.ConfirmationStatusType) Option {
	return func(v *Verifier) { v.commitment = c }
}

// WithTimeout bounds every RPC round trip.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) { v.timeout = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a transfer verifier for the given cluster.
func NewVerifier(client RPCClient, network paygate.Network, opts ...Option) *Verifier {
	v := &Verifier{
		client:     client,
		network:    network,
		commitment: rpc.ConfirmationStatusConfirmed,
		timeout:    15 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) Scheme() paygate.Scheme   { return paygate.SchemeExact }
func (v *Verifier) Network() paygate.Network { return v.network }

// Verify polls the signature's confirmation status and, once confirmed,
// inspects the transaction for a transfer matching the requirements.
func (v *Verifier) Verify(ctx context.Context, payload *paygate.PaymentPayload, requirements *paygate.PaymentRequirements) (paygate.VerifyResponse, error) {
	sig, err := solana.SignatureFromBase58(payload.Payload.Signature)
	if err != nil {
		return paygate.Invalid(paygate.FailureNotFound, "malformed signature"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	statuses, err := v.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return netErr("fetch signature status", err), nil
	}
	if len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return paygate.Invalid(paygate.FailureNotFound, "signature not found"), nil
	}
	status := statuses.Value[0]
	if status.Err != nil {
		return paygate.Invalid(paygate.FailureNotFound, "transaction failed on chain"), nil
	}
	if commitmentRank(status.ConfirmationStatus) < commitmentRank(v.commitment) {
		return paygate.Invalid(paygate.FailurePending,
			fmt.Sprintf("not yet confirmed (%s), please retry", status.ConfirmationStatus)), nil
	}

	result, err := v.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding: solana.EncodingBase64,
	})
	if err != nil {
		return netErr("fetch transaction", err), nil
	}
	if result == nil || result.Transaction == nil {
		return paygate.Invalid(paygate.FailurePending, "transaction not yet available, please retry"), nil
	}
	if result.Meta != nil && result.Meta.Err != nil {
		return paygate.Invalid(paygate.FailureNotFound, "transaction failed on chain"), nil
	}

	if result.BlockTime != nil {
		if reason, expired := v.expired(result.BlockTime.Time(), payload.IssuedAt, requirements.MaxTimeoutSeconds); expired {
			return paygate.Invalid(paygate.FailureExpired, reason), nil
		}
	}

	tx, err := solana.TransactionFromDecoder(binary.NewBinDecoder(result.Transaction.GetBinary()))
	if err != nil {
		return paygate.VerifyResponse{}, fmt.Errorf("decode transaction: %w", err)
	}

	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return paygate.Invalid(paygate.FailureAmountMismatch,
			fmt.Sprintf("unparseable required amount %q", requirements.MaxAmountRequired)), nil
	}
	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return paygate.Invalid(paygate.FailureRecipientMismatch, "malformed recipient in requirements"), nil
	}

	if requirements.Asset == "" || requirements.Asset == "native" || requirements.Asset == "SOL" {
		return v.verifyLamportTransfer(tx, payTo, required)
	}
	return v.verifyTokenTransfer(tx, result.Meta, requirements.Asset, payTo, required)
}

// verifyLamportTransfer walks system-program instructions looking for a
// native transfer to the recipient.
func (v *Verifier) verifyLamportTransfer(tx *solana.Transaction, payTo solana.PublicKey, required *big.Int) (paygate.VerifyResponse, error) {
	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil || !prog.Equals(solana.SystemProgramID) {
			continue
		}

		metas := make([]*solana.AccountMeta, len(inst.Accounts))
		for i, accIdx := range inst.Accounts {
			pub := tx.Message.AccountKeys[accIdx]
			writable, err := tx.Message.IsWritable(pub)
			if err != nil {
				return paygate.VerifyResponse{}, fmt.Errorf("resolve account %s: %w", pub, err)
			}
			metas[i] = &solana.AccountMeta{
				PublicKey:  pub,
				IsSigner:   tx.Message.IsSigner(pub),
				IsWritable: writable,
			}
		}

		sysInst, err := system.DecodeInstruction(metas, inst.Data)
		if err != nil {
			continue
		}
		transfer, ok := sysInst.Impl.(*system.Transfer)
		if !ok || len(metas) < 2 {
			continue
		}
		if !metas[1].PublicKey.Equals(payTo) {
			continue
		}

		amount := new(big.Int).SetUint64(*transfer.Lamports)
		if amount.Cmp(required) < 0 {
			return paygate.Invalid(paygate.FailureAmountMismatch,
				fmt.Sprintf("insufficient amount: got %s lamports, need %s", amount, required)), nil
		}
		return paygate.VerifyResponse{
			IsValid:   true,
			Payer:     metas[0].PublicKey.String(),
			Amount:    amount.String(),
			Recipient: payTo.String(),
		}, nil
	}
	return paygate.Invalid(paygate.FailureRecipientMismatch, "no transfer to the configured recipient"), nil
}

// verifyTokenTransfer checks SPL transfers via the recipient's token balance
// delta recorded in the transaction meta, which covers both direct and
// checked transfer instructions.
func (v *Verifier) verifyTokenTransfer(tx *solana.Transaction, meta *rpc.TransactionMeta, mintStr string, payTo solana.PublicKey, required *big.Int) (paygate.VerifyResponse, error) {
	if meta == nil {
		return paygate.Invalid(paygate.FailurePending, "transaction meta not yet available, please retry"), nil
	}
	mint, err := solana.PublicKeyFromBase58(mintStr)
	if err != nil {
		return paygate.Invalid(paygate.FailureAmountMismatch, "malformed asset mint in requirements"), nil
	}

	pre := tokenBalance(meta.PreTokenBalances, mint, payTo)
	post := tokenBalance(meta.PostTokenBalances, mint, payTo)
	if post == nil {
		return paygate.Invalid(paygate.FailureRecipientMismatch,
			"no token balance change for the configured recipient"), nil
	}

	delta := new(big.Int).Set(post)
	if pre != nil {
		delta.Sub(delta, pre)
	}
	if delta.Sign() <= 0 {
		return paygate.Invalid(paygate.FailureRecipientMismatch,
			"recipient token balance did not increase"), nil
	}
	if delta.Cmp(required) < 0 {
		return paygate.Invalid(paygate.FailureAmountMismatch,
			fmt.Sprintf("insufficient amount: got %s, need %s", delta, required)), nil
	}

	payer := ""
	if len(tx.Message.AccountKeys) > 0 {
		payer = tx.Message.AccountKeys[0].String()
	}
	return paygate.VerifyResponse{
		IsValid:   true,
		Payer:     payer,
		Amount:    delta.String(),
		Recipient: payTo.String(),
	}, nil
}

func (v *Verifier) expired(blockTime time.Time, issuedAt int64, maxTimeoutSeconds int) (string, bool) {
	if maxTimeoutSeconds <= 0 {
		return "", false
	}
	window := time.Duration(maxTimeoutSeconds) * time.Second
	if issuedAt > 0 {
		if blockTime.After(time.Unix(issuedAt, 0).Add(window)) {
			return "payment window expired", true
		}
		return "", false
	}
	if v.now().Sub(blockTime) > window {
		return "transaction older than the payment window", true
	}
	return "", false
}

func tokenBalance(balances []rpc.TokenBalance, mint, owner solana.PublicKey) *big.Int {
	for _, b := range balances {
		if !b.Mint.Equals(mint) || b.Owner == nil || !b.Owner.Equals(owner) {
			continue
		}
		if b.UiTokenAmount == nil {
			continue
		}
		if amount, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10); ok {
			return amount
		}
	}
	return nil
}

func commitmentRank(c rpc.ConfirmationStatusType) int {
	switch c {
	case rpc.ConfirmationStatusProcessed:
		return 1
	case rpc.ConfirmationStatusConfirmed:
		return 2
	case rpc.ConfirmationStatusFinalized:
		return 3
	default:
		return 0
	}
}

func netErr(op string, err error) paygate.VerifyResponse {
	return paygate.Invalid(paygate.FailureNetworkError, fmt.Sprintf("%s: %v", op, err))
}

var _ paygate.Verifier = (*Verifier)(nil)
