package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basehealth/paygate"
	"github.com/basehealth/paygate/ledger"
)

const (
	txHash = "0x4271bd4e0b832caa1b1bd474a5edcdbbd4d0e06c577d0e53e4b28ff665dae0d5"
	payer  = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	payTo  = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

// scriptedVerifier returns queued results in order, repeating the last one
// once the queue drains.
type scriptedVerifier struct {
	mu      sync.Mutex
	results []paygate.VerifyResponse
	calls   int
}

func (s *scriptedVerifier) Scheme() paygate.Scheme   { return paygate.SchemeExact }
func (s *scriptedVerifier) Network() paygate.Network { return paygate.NetworkBase }
func (s *scriptedVerifier) Verify(context.Context, *paygate.PaymentPayload, *paygate.PaymentRequirements) (paygate.VerifyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return paygate.VerifyResponse{IsValid: true, Payer: payer, Amount: "500000", Recipient: payTo}, nil
	}
	result := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return result, nil
}

// fakeClock is a settable clock shared between the machine and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	machine  *Machine
	store    *ledger.MemoryStore
	verifier *scriptedVerifier
	clock    *fakeClock
}

func newFixture(t *testing.T, results []paygate.VerifyResponse, opts ...Option) *fixture {
	t.Helper()

	registry, err := paygate.NewRegistry([]paygate.ResourceTier{{
		Resource:          "ai-consult",
		Price:             "0.50",
		Decimals:          6,
		Scheme:            paygate.SchemeExact,
		Network:           paygate.NetworkBase,
		PayTo:             payTo,
		MaxTimeoutSeconds: 300,
	}})
	require.NoError(t, err)

	verifier := &scriptedVerifier{results: results}
	store := ledger.NewMemoryStore()
	clock := &fakeClock{now: time.Unix(1735689600, 0)}

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	machine := NewMachine(registry,
		paygate.NewFacilitator().Register(verifier),
		store, zap.NewNop(), opts...)
	return &fixture{machine: machine, store: store, verifier: verifier, clock: clock}
}

func encodeProof(t *testing.T, network paygate.Network, hash string, issuedAt int64) string {
	t.Helper()
	header, err := paygate.EncodePaymentPayload(&paygate.PaymentPayload{
		X402Version: paygate.ProtocolVersion,
		Scheme:      "exact",
		Network:     network,
		Payload:     paygate.ExactProof{TxHash: hash, Payer: payer},
		IssuedAt:    issuedAt,
	})
	require.NoError(t, err)
	return header
}

// toAwaitingConfirm walks a fresh session up to the proof submission.
func toAwaitingConfirm(t *testing.T, f *fixture, hash string) *Session {
	t.Helper()
	ctx := context.Background()

	session, err := f.machine.Create(ctx, "ai-consult", payer)
	require.NoError(t, err)
	assert.Equal(t, StateQuoteReady, session.State)
	assert.Equal(t, "500000", session.Requirement.MaxAmountRequired)

	session, err = f.machine.AttachWallet(ctx, session.ID, "exact", paygate.NetworkBase)
	require.NoError(t, err)
	assert.Equal(t, StateWalletReady, session.State)

	session, err = f.machine.SubmitProof(ctx, session.ID,
		encodeProof(t, paygate.NetworkBase, hash, f.clock.Now().Unix()))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirm, session.State)
	return session
}

func TestCheckoutLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session := toAwaitingConfirm(t, f, txHash)

	session, err := f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTxPending, session.State)

	session, err = f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReceipt, session.State)
	require.NotNil(t, session.Receipt)
	assert.True(t, session.Receipt.Success)
	assert.Equal(t, txHash, session.Receipt.TxHash)
	assert.Equal(t, paygate.NetworkBase, session.Receipt.NetworkID)

	entry, err := f.store.Get(ctx, txHash)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, session.ID, entry.OrderID)
	assert.Equal(t, "ai-consult", entry.Resource)
	assert.Equal(t, "500000", entry.Amount)
	assert.Equal(t, "500000", entry.RequiredAmount)

	// A terminal session tolerates further advances without changing.
	session, err = f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReceipt, session.State)
}

func TestCheckoutPendingRetriesThenConfirms(t *testing.T) {
	f := newFixture(t, []paygate.VerifyResponse{
		paygate.Invalid(paygate.FailurePending, "transaction not yet mined, please retry"),
		paygate.Invalid(paygate.FailureNetworkError, "rpc timeout"),
		{IsValid: true, Payer: payer, Amount: "500000", Recipient: payTo},
	})
	ctx := context.Background()

	session := toAwaitingConfirm(t, f, txHash)
	_, err := f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		session, err = f.machine.Advance(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, StateTxPending, session.State, "retryable failures stay in tx_pending")
	}
	assert.Equal(t, 2, session.RetryCount)

	session, err = f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReceipt, session.State)
	assert.Len(t, session.Attempts, 3)
}

func TestCheckoutRetryBudgetExhausted(t *testing.T) {
	f := newFixture(t, []paygate.VerifyResponse{
		paygate.Invalid(paygate.FailurePending, "transaction not yet mined, please retry"),
	}, WithMaxRetries(2))
	ctx := context.Background()

	session := toAwaitingConfirm(t, f, txHash)
	_, err := f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		session, err = f.machine.Advance(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, StateTxPending, session.State)
	}

	session, err = f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, session.State)
	assert.Contains(t, session.LastReason, "retry budget exhausted")
}

func TestCheckoutTerminalFailureAndRetry(t *testing.T) {
	f := newFixture(t, []paygate.VerifyResponse{
		paygate.Invalid(paygate.FailureAmountMismatch, "insufficient amount: got 400000, need 500000"),
	})
	ctx := context.Background()

	session := toAwaitingConfirm(t, f, txHash)
	_, err := f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)

	session, err = f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, session.State)
	assert.Contains(t, session.LastReason, "insufficient amount")

	// No ledger entry for a failed verification.
	entry, err := f.store.Get(ctx, txHash)
	require.NoError(t, err)
	assert.Nil(t, entry)

	session, err = f.machine.Retry(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQuoteReady, session.State)
	assert.Zero(t, session.RetryCount)
	assert.Empty(t, session.LastReason)
}

func TestCheckoutRejectsMismatchedProof(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, err := f.machine.Create(ctx, "ai-consult", payer)
	require.NoError(t, err)
	session, err = f.machine.AttachWallet(ctx, session.ID, "exact", paygate.NetworkBase)
	require.NoError(t, err)
	session, err = f.machine.SubmitProof(ctx, session.ID,
		encodeProof(t, paygate.NetworkSolana, txHash, f.clock.Now().Unix()))
	require.NoError(t, err)

	session, err = f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, session.State)
	assert.Contains(t, session.LastReason, "mismatch")
	assert.Zero(t, f.verifier.calls, "verifier must not run on mismatched proofs")
}

func TestCheckoutExpiredSessionRejectsLateProof(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session := toAwaitingConfirm(t, f, txHash)
	f.clock.Advance(301 * time.Second)

	session, err := f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, session.State)
	assert.Contains(t, session.LastReason, "expired")
	assert.Zero(t, f.verifier.calls, "expired sessions must not reach the verifier")
}

func TestCheckoutRejectsProofConsumedByAnotherSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.MarkProcessed(ctx, ledger.Entry{
		PaymentID: txHash,
		OrderID:   "some-other-session",
		Resource:  "ai-consult",
		Payer:     payer,
		Amount:    "500000",
		Network:   paygate.NetworkBase,
		SettledAt: f.clock.Now(),
	}))

	session := toAwaitingConfirm(t, f, txHash)
	_, err := f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)

	session, err = f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, session.State)
	assert.Contains(t, session.LastReason, "already used")
}

// flakyStore fails a set number of MarkProcessed calls before delegating.
type flakyStore struct {
	*ledger.MemoryStore
	failures int
}

func (s *flakyStore) MarkProcessed(ctx context.Context, e ledger.Entry) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk unavailable")
	}
	return s.MemoryStore.MarkProcessed(ctx, e)
}

func TestCheckoutSettlementStoreErrorStaysPending(t *testing.T) {
	registry, err := paygate.NewRegistry([]paygate.ResourceTier{{
		Resource:          "ai-consult",
		Price:             "0.50",
		Decimals:          6,
		Scheme:            paygate.SchemeExact,
		Network:           paygate.NetworkBase,
		PayTo:             payTo,
		MaxTimeoutSeconds: 300,
	}})
	require.NoError(t, err)

	verifier := &scriptedVerifier{}
	store := &flakyStore{MemoryStore: ledger.NewMemoryStore(), failures: 1}
	clock := &fakeClock{now: time.Unix(1735689600, 0)}
	machine := NewMachine(registry,
		paygate.NewFacilitator().Register(verifier),
		store, zap.NewNop(), WithClock(clock.Now))
	f := &fixture{machine: machine, store: store.MemoryStore, verifier: verifier, clock: clock}
	ctx := context.Background()

	session := toAwaitingConfirm(t, f, txHash)
	_, err = machine.Advance(ctx, session.ID)
	require.NoError(t, err)

	// Verification passes but the ledger write fails: the session stays in
	// tx_pending so the next advance re-attempts the write.
	session, err = machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTxPending, session.State)
	assert.Equal(t, 1, session.RetryCount)
	assert.Contains(t, session.LastReason, "store unavailable")

	session, err = machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReceipt, session.State)
	require.NotNil(t, session.Receipt)
	assert.True(t, session.Receipt.Success)

	entry, err := f.store.Get(ctx, txHash)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, session.ID, entry.OrderID)
}

func TestCheckoutReplaySameSessionIsSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session := toAwaitingConfirm(t, f, txHash)

	// Simulate an earlier settlement write by this very session.
	require.NoError(t, f.store.MarkProcessed(ctx, ledger.Entry{
		PaymentID: txHash,
		OrderID:   session.ID,
		Resource:  "ai-consult",
		Payer:     payer,
		Amount:    "500000",
		Network:   paygate.NetworkBase,
		SettledAt: f.clock.Now(),
	}))

	_, err := f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	session, err = f.machine.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReceipt, session.State)
	require.NotNil(t, session.Receipt)
	assert.True(t, session.Receipt.Success)
}

func TestCheckoutGuardsTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.machine.Get(ctx, "unknown")
	var notFound *ErrSessionNotFound
	require.ErrorAs(t, err, &notFound)

	session, err := f.machine.Create(ctx, "ai-consult", payer)
	require.NoError(t, err)

	_, err = f.machine.SubmitProof(ctx, session.ID, "anything")
	var invalid *ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateQuoteReady, invalid.From)

	_, err = f.machine.AttachWallet(ctx, session.ID, "exact", paygate.NetworkSolana)
	var paymentErr *paygate.PaymentError
	require.ErrorAs(t, err, &paymentErr)
	assert.Equal(t, paygate.ErrCodeUnsupportedKind, paymentErr.Code)

	_, err = f.machine.Retry(ctx, session.ID)
	require.ErrorAs(t, err, &invalid)

	_, err = f.machine.Create(ctx, "no-such-resource", payer)
	var resourceNotFound *paygate.ErrResourceNotFound
	require.ErrorAs(t, err, &resourceNotFound)
}

func TestCheckoutAbandon(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, err := f.machine.Create(ctx, "ai-consult", payer)
	require.NoError(t, err)
	require.NoError(t, f.machine.Abandon(ctx, session.ID))

	_, err = f.machine.Get(ctx, session.ID)
	var notFound *ErrSessionNotFound
	require.ErrorAs(t, err, &notFound)
}
