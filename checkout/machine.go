// Package checkout drives a purchase attempt through its lifecycle: quote,
// wallet attach, proof submission, verification, settlement, receipt. The
// machine is the single source of truth for what stage an attempt is in and
// the only component allowed to write the ledger.
package checkout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/basehealth/paygate"
	"github.com/basehealth/paygate/ledger"
	"github.com/basehealth/paygate/metrics"
)

// State is one stage of a checkout session.
type State string

const (
	StateIdle            State = "idle"
	StateQuoteReady      State = "quote_ready"
	StateWalletReady     State = "wallet_ready"
	StateAwaitingConfirm State = "awaiting_confirm"
	StateTxPending       State = "tx_pending"
	StateConfirmed       State = "confirmed"
	StateReceipt         State = "receipt"
	StateFailed          State = "failed"
)

// transitions is the closed set of legal edges. Everything else is an
// ErrInvalidTransition; state only moves forward except the explicit retry
// edge out of failed.
var transitions = map[State][]State{
	StateIdle:            {StateQuoteReady},
	StateQuoteReady:      {StateWalletReady},
	StateWalletReady:     {StateAwaitingConfirm},
	StateAwaitingConfirm: {StateTxPending, StateFailed},
	StateTxPending:       {StateTxPending, StateConfirmed, StateFailed},
	StateConfirmed:       {StateReceipt},
	StateFailed:          {StateQuoteReady},
}

// ProofAttempt records one verification attempt within a session.
type ProofAttempt struct {
	PaymentID   string              `json:"paymentId"`
	SubmittedAt time.Time           `json:"submittedAt"`
	Failure     paygate.FailureKind `json:"failure,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

// Session is a snapshot of one checkout attempt. One session drives exactly
// one resource purchase; the ledger, by contrast, is keyed by payment proof.
type Session struct {
	ID          string                      `json:"sessionId"`
	Resource    string                      `json:"resource"`
	Principal   string                      `json:"principal,omitempty"`
	Requirement paygate.PaymentRequirements `json:"requirement"`
	State       State                       `json:"state"`
	Attempts    []ProofAttempt              `json:"attempts,omitempty"`
	RetryCount  int                         `json:"retryCount"`
	LastReason  string                      `json:"lastReason,omitempty"`
	Receipt     *paygate.SettleResponse     `json:"receipt,omitempty"`
	CreatedAt   time.Time                   `json:"createdAt"`
	UpdatedAt   time.Time                   `json:"updatedAt"`
	ExpiresAt   time.Time                   `json:"expiresAt"`
}

// session is the machine's mutable record. Its mutex serializes all
// transitions for one session id; independent sessions never contend.
type session struct {
	mu sync.Mutex
	Session
	header  string
	payload *paygate.PaymentPayload
}

// ErrSessionNotFound is returned for unknown or abandoned session ids.
type ErrSessionNotFound struct {
	ID string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("checkout session %s not found", e.ID)
}

// ErrInvalidTransition is returned when an operation is not legal in the
// session's current state.
type ErrInvalidTransition struct {
	From State
	Op   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot %s in state %q", e.Op, e.From)
}

// Machine orchestrates checkout sessions. Safe for concurrent use across
// sessions; transitions within one session are serialized.
type Machine struct {
	registry    *paygate.Registry
	facilitator *paygate.Facilitator
	store       ledger.Store
	log         *zap.Logger
	metrics     metrics.Recorder
	maxRetries  int
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Machine.
type Option func(*Machine)

// WithMaxRetries bounds the tx_pending self-loop. Defaults to 10.
func WithMaxRetries(n int) Option {
	return func(m *Machine) { m.maxRetries = n }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Machine) { m.metrics = r }
}

// NewMachine creates a checkout machine over the given collaborators.
func NewMachine(registry *paygate.Registry, facilitator *paygate.Facilitator, store ledger.Store, log *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		registry:    registry,
		facilitator: facilitator,
		store:       store,
		log:         log,
		metrics:     metrics.Noop{},
		maxRetries:  10,
		now:         time.Now,
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a session for a resource: idle → quote_ready on a successful
// registry lookup.
func (m *Machine) Create(ctx context.Context, resource, principal string) (*Session, error) {
	req, err := m.registry.GetRequirement(resource)
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &session{
		Session: Session{
			ID:          uuid.NewString(),
			Resource:    resource,
			Principal:   principal,
			Requirement: req,
			State:       StateIdle,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(time.Duration(req.MaxTimeoutSeconds) * time.Second),
		},
	}
	m.transition(s, StateQuoteReady)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Info("checkout session created",
		zap.String("session", s.ID),
		zap.String("resource", resource),
		zap.String("network", req.Network.String()))
	return snapshot(s), nil
}

// AttachWallet reports a connected signer or payment method:
// quote_ready → wallet_ready when it matches the quoted scheme/network.
func (m *Machine) AttachWallet(ctx context.Context, id, scheme string, network paygate.Network) (*Session, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State != StateQuoteReady {
		return nil, &ErrInvalidTransition{From: s.State, Op: "attach wallet"}
	}
	if scheme != s.Requirement.Scheme || network != s.Requirement.Network {
		return nil, paygate.NewPaymentError(paygate.ErrCodeUnsupportedKind,
			fmt.Sprintf("wallet %s/%s is not compatible with quote %s/%s",
				scheme, network, s.Requirement.Scheme, s.Requirement.Network))
	}
	if !m.facilitator.Supports(paygate.Scheme(scheme), network) {
		return nil, paygate.NewPaymentError(paygate.ErrCodeUnsupportedKind,
			fmt.Sprintf("unsupported scheme/network: %s/%s", scheme, network))
	}

	m.transition(s, StateWalletReady)
	return snapshot(s), nil
}

// SubmitProof accepts the client's payment proof without verifying it:
// wallet_ready → awaiting_confirm.
func (m *Machine) SubmitProof(ctx context.Context, id, paymentHeader string) (*Session, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State != StateWalletReady {
		return nil, &ErrInvalidTransition{From: s.State, Op: "submit proof"}
	}

	s.header = paymentHeader
	m.transition(s, StateAwaitingConfirm)
	return snapshot(s), nil
}

// Advance runs the next verification step for the session: decode in
// awaiting_confirm, verify and settle in tx_pending. Call it repeatedly
// while the session reports a retryable reason.
func (m *Machine) Advance(ctx context.Context, id string) (*Session, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// An abandoned session must not mint a late receipt: once the quote
	// window has passed, any proof is rejected even if otherwise valid.
	if (s.State == StateAwaitingConfirm || s.State == StateTxPending) && m.now().After(s.ExpiresAt) {
		m.fail(s, paygate.FailureExpired, "payment window expired")
		return snapshot(s), nil
	}

	switch s.State {
	case StateAwaitingConfirm:
		m.decodeStep(s)
	case StateTxPending:
		m.verifyStep(ctx, s)
	case StateReceipt, StateFailed:
		// Terminal; advancing is a no-op so clients can poll safely.
	default:
		return nil, &ErrInvalidTransition{From: s.State, Op: "advance"}
	}
	return snapshot(s), nil
}

// decodeStep decodes and matches the submitted proof:
// awaiting_confirm → tx_pending, or failed on a protocol error.
func (m *Machine) decodeStep(s *session) {
	payload, err := paygate.DecodePaymentHeader(s.header)
	if err != nil {
		m.fail(s, "", err.Error())
		return
	}
	if err := paygate.MatchRequirements(payload, &s.Requirement); err != nil {
		m.fail(s, "", err.Error())
		return
	}
	s.payload = payload
	m.transition(s, StateTxPending)
}

// verifyStep invokes the verifier set and settles on success. Retryable
// failures keep the session in tx_pending up to the retry budget.
func (m *Machine) verifyStep(ctx context.Context, s *session) {
	started := m.now()
	result, err := m.facilitator.Verify(ctx, s.payload, &s.Requirement)
	m.metrics.VerificationLatency(s.Requirement.Network.String(), m.now().Sub(started))
	if err != nil {
		// The facilitator maps verifier errors itself; anything here is a
		// programming error, treated as retryable to stay fail-safe.
		result = paygate.Invalid(paygate.FailureNetworkError, err.Error())
	}

	attempt := ProofAttempt{
		PaymentID:   s.payload.Payload.PaymentID(),
		SubmittedAt: m.now(),
	}

	if result.IsValid {
		m.metrics.VerificationResult(s.Requirement.Network.String(), "valid")
		s.Attempts = append(s.Attempts, attempt)
		m.settle(ctx, s, result)
		return
	}

	attempt.Failure = result.Failure
	attempt.Reason = result.InvalidReason
	s.Attempts = append(s.Attempts, attempt)
	s.LastReason = result.InvalidReason
	m.metrics.VerificationResult(s.Requirement.Network.String(), string(result.Failure))

	if result.Failure.Retryable() {
		s.RetryCount++
		if s.RetryCount > m.maxRetries {
			m.fail(s, result.Failure, "retry budget exhausted: "+result.InvalidReason)
			return
		}
		// Bounded self-loop: stay in tx_pending so the client retries.
		m.transition(s, StateTxPending)
		return
	}

	m.fail(s, result.Failure, result.InvalidReason)
}

// settle records the verified payment while still in tx_pending, then walks
// tx_pending → confirmed → receipt. Keeping the ledger write ahead of the
// confirmed edge means every failure here exits through the ordinary
// tx_pending edges. A duplicate write for this same session is an idempotent
// replay and counts as success; a duplicate from another session is a
// consumed proof and terminal.
func (m *Machine) settle(ctx context.Context, s *session, result paygate.VerifyResponse) {
	paymentID := s.payload.Payload.PaymentID()
	network := s.Requirement.Network

	err := m.store.MarkProcessed(ctx, ledger.Entry{
		PaymentID:      paymentID,
		OrderID:        s.ID,
		Resource:       s.Resource,
		Payer:          result.Payer,
		Amount:         result.Amount,
		RequiredAmount: s.Requirement.MaxAmountRequired,
		Network:        network,
		SettledAt:      m.now(),
	})
	switch {
	case err == nil:
		m.metrics.SettlementResult(network.String(), "recorded")
	case err == paygate.ErrAlreadyProcessed:
		prior, getErr := m.store.Get(ctx, paymentID)
		if getErr != nil || prior == nil || prior.OrderID != s.ID {
			m.metrics.SettlementResult(network.String(), "duplicate")
			m.fail(s, paygate.FailureNotFound, "payment already used by another checkout")
			return
		}
		// Same session replaying its own settlement; serve the recorded
		// result rather than re-granting.
		m.metrics.SettlementResult(network.String(), "recorded")
	default:
		m.metrics.SettlementResult(network.String(), "error")
		s.LastReason = "settlement store unavailable, please retry"
		s.RetryCount++
		if s.RetryCount > m.maxRetries {
			m.fail(s, paygate.FailureNetworkError, s.LastReason)
			return
		}
		// Verified but not recorded: stay in tx_pending so the next
		// advance re-verifies and re-attempts the write.
		m.transition(s, StateTxPending)
		return
	}

	m.transition(s, StateConfirmed)
	s.Receipt = &paygate.SettleResponse{
		Success:   true,
		TxHash:    paymentID,
		NetworkID: network,
		Payer:     result.Payer,
	}
	m.transition(s, StateReceipt)
	m.log.Info("checkout settled",
		zap.String("session", s.ID),
		zap.String("payment", paymentID),
		zap.String("network", network.String()))
}

// Retry re-enters quoting after a terminal failure: failed → quote_ready
// with a fresh quote window. The failed proof is discarded and can never be
// reused.
func (m *Machine) Retry(ctx context.Context, id string) (*Session, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State != StateFailed {
		return nil, &ErrInvalidTransition{From: s.State, Op: "retry"}
	}

	req, err := m.registry.GetRequirement(s.Resource)
	if err != nil {
		return nil, err
	}

	now := m.now()
	s.Requirement = req
	s.header = ""
	s.payload = nil
	s.RetryCount = 0
	s.LastReason = ""
	s.ExpiresAt = now.Add(time.Duration(req.MaxTimeoutSeconds) * time.Second)
	m.transition(s, StateQuoteReady)
	return snapshot(s), nil
}

// Abandon drops a session that has not produced a receipt.
func (m *Machine) Abandon(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.State == StateReceipt {
		s.mu.Unlock()
		return &ErrInvalidTransition{From: s.State, Op: "abandon"}
	}
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Get returns a snapshot of the session.
func (m *Machine) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s), nil
}

func (m *Machine) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrSessionNotFound{ID: id}
	}
	return s, nil
}

// transition applies a legal edge. Illegal edges panic: they are programming
// errors in the machine itself, every external input is validated before.
func (m *Machine) transition(s *session, to State) {
	for _, allowed := range transitions[s.State] {
		if allowed == to {
			m.metrics.CheckoutTransition(string(s.State), string(to))
			s.State = to
			s.UpdatedAt = m.now()
			return
		}
	}
	panic(fmt.Sprintf("illegal checkout transition %s -> %s", s.State, to))
}

func (m *Machine) fail(s *session, kind paygate.FailureKind, reason string) {
	s.LastReason = reason
	m.transition(s, StateFailed)
	m.log.Warn("checkout failed",
		zap.String("session", s.ID),
		zap.String("failure", string(kind)),
		zap.String("reason", reason))
}

func snapshot(s *session) *Session {
	out := s.Session
	out.Attempts = append([]ProofAttempt(nil), s.Attempts...)
	if s.Receipt != nil {
		r := *s.Receipt
		out.Receipt = &r
	}
	return &out
}
