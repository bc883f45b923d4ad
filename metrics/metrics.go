// Package metrics records payment-gate operational metrics.
package metrics

import "time"

// Recorder receives counters and latencies from the verification and
// checkout paths. Implementations must be safe for concurrent use.
type Recorder interface {
	// VerificationResult counts one verifier verdict. outcome is "valid",
	// a failure kind, or "error".
	VerificationResult(network, outcome string)
	// VerificationLatency observes one verifier round trip.
	VerificationLatency(network string, d time.Duration)
	// SettlementResult counts one settlement attempt. outcome is
	// "recorded", "replayed", "duplicate", "invalid" or "error".
	SettlementResult(network, outcome string)
	// CheckoutTransition counts one state-machine edge.
	CheckoutTransition(from, to string)
}

// Noop discards all recordings.
type Noop struct{}

func (Noop) VerificationResult(string, string)         {}
func (Noop) VerificationLatency(string, time.Duration) {}
func (Noop) SettlementResult(string, string)           {}
func (Noop) CheckoutTransition(string, string)         {}
