package checkout

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/basehealth/paygate"
	"github.com/basehealth/paygate/ledger"
)

// Settle verifies and records a payment in one shot, without a browsing
// session. This is the facilitator-style settlement path; it shares the
// machine's ledger so every settlement, interactive or not, goes through
// the same single writer.
func (m *Machine) Settle(ctx context.Context, paymentHeader string, requirements *paygate.PaymentRequirements) paygate.SettleResponse {
	payload, err := paygate.DecodePaymentHeader(paymentHeader)
	if err != nil {
		return paygate.SettleResponse{Error: err.Error(), NetworkID: requirements.Network}
	}
	if err := paygate.MatchRequirements(payload, requirements); err != nil {
		return paygate.SettleResponse{Error: err.Error(), NetworkID: requirements.Network}
	}

	paymentID := payload.Payload.PaymentID()
	network := requirements.Network

	// A proof that already settled is served from the ledger, but only for
	// the resource it was recorded against. This makes settlement retries
	// safe: the client can resubmit after a timeout and get the original
	// receipt instead of a double-spend error. The same proof presented for
	// a different resource is a consumed payment, not a replay.
	if prior, err := m.store.Get(ctx, paymentID); err == nil && prior != nil {
		if prior.Resource != requirements.Resource {
			m.metrics.SettlementResult(network.String(), "duplicate")
			return paygate.SettleResponse{Error: "payment already used", NetworkID: network}
		}
		m.metrics.SettlementResult(network.String(), "replayed")
		return paygate.SettleResponse{
			Success:   true,
			TxHash:    prior.PaymentID,
			NetworkID: prior.Network,
			Payer:     prior.Payer,
		}
	}

	started := m.now()
	result, err := m.facilitator.Verify(ctx, payload, requirements)
	m.metrics.VerificationLatency(network.String(), m.now().Sub(started))
	if err != nil {
		m.metrics.SettlementResult(network.String(), "error")
		return paygate.SettleResponse{Error: err.Error(), NetworkID: network}
	}
	if !result.IsValid {
		m.metrics.VerificationResult(network.String(), string(result.Failure))
		m.metrics.SettlementResult(network.String(), "invalid")
		return paygate.SettleResponse{Error: result.InvalidReason, NetworkID: network}
	}
	m.metrics.VerificationResult(network.String(), "valid")

	err = m.store.MarkProcessed(ctx, ledger.Entry{
		PaymentID:      paymentID,
		OrderID:        uuid.NewString(),
		Resource:       requirements.Resource,
		Payer:          result.Payer,
		Amount:         result.Amount,
		RequiredAmount: requirements.MaxAmountRequired,
		Network:        network,
		SettledAt:      m.now(),
	})
	switch {
	case err == nil:
		m.metrics.SettlementResult(network.String(), "recorded")
	case err == paygate.ErrAlreadyProcessed:
		// Lost the race to a concurrent settlement of the same proof. The
		// payment is recorded either way, so report success, unless the
		// winning write was for another resource.
		prior, getErr := m.store.Get(ctx, paymentID)
		if getErr != nil || prior == nil || prior.Resource != requirements.Resource {
			m.metrics.SettlementResult(network.String(), "duplicate")
			return paygate.SettleResponse{Error: "payment already used", NetworkID: network}
		}
		m.metrics.SettlementResult(network.String(), "replayed")
	default:
		m.metrics.SettlementResult(network.String(), "error")
		return paygate.SettleResponse{Error: "settlement store unavailable, please retry", NetworkID: network}
	}

	m.log.Info("payment settled",
		zap.String("payment", paymentID),
		zap.String("network", network.String()),
		zap.String("payer", result.Payer))
	return paygate.SettleResponse{
		Success:   true,
		TxHash:    paymentID,
		NetworkID: network,
		Payer:     result.Payer,
	}
}
