package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports gate metrics under the "paygate" namespace.
type PrometheusRecorder struct {
	verifications *prometheus.CounterVec
	verifyLatency *prometheus.HistogramVec
	settlements   *prometheus.CounterVec
	transitions   *prometheus.CounterVec
}

// NewPrometheusRecorder registers the gate's collectors on the given
// registerer (use prometheus.DefaultRegisterer in main).
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "verifications_total",
				Help:      "Payment verification verdicts by network and outcome",
			},
			[]string{"network", "outcome"},
		),
		verifyLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "paygate",
				Name:      "verification_latency_seconds",
				Help:      "Verifier round-trip latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"network"},
		),
		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "settlements_total",
				Help:      "Ledger write attempts by network and outcome",
			},
			[]string{"network", "outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "checkout_transitions_total",
				Help:      "Checkout state machine transitions",
			},
			[]string{"from", "to"},
		),
	}

	reg.MustRegister(r.verifications, r.verifyLatency, r.settlements, r.transitions)
	return r
}

func (r *PrometheusRecorder) VerificationResult(network, outcome string) {
	r.verifications.WithLabelValues(network, outcome).Inc()
}

func (r *PrometheusRecorder) VerificationLatency(network string, d time.Duration) {
	r.verifyLatency.WithLabelValues(network).Observe(d.Seconds())
}

func (r *PrometheusRecorder) SettlementResult(network, outcome string) {
	r.settlements.WithLabelValues(network, outcome).Inc()
}

func (r *PrometheusRecorder) CheckoutTransition(from, to string) {
	r.transitions.WithLabelValues(from, to).Inc()
}

var _ Recorder = (*PrometheusRecorder)(nil)
