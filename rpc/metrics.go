package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/joncooperworks/keyringd/failure"
)

// Metrics counts dispatched requests by type and outcome.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the dispatcher metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keyringd",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Requests handled, by message type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "keyringd",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Time from frame receipt to encoded reply.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) observe(tag Tag, code failure.Code, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if code != 0 {
		outcome = outcomeLabel(code)
	}
	m.requests.WithLabelValues(tag.String(), outcome).Inc()
	m.duration.WithLabelValues(tag.String()).Observe(elapsed.Seconds())
}

func outcomeLabel(code failure.Code) string {
	switch code {
	case failure.CodeMalformedMessage:
		return "malformed"
	case failure.CodeUnknownMessageType:
		return "unknown_type"
	case failure.CodeNotFound:
		return "not_found"
	case failure.CodeDuplicateKey:
		return "duplicate"
	case failure.CodePrivateKeyRequired:
		return "private_key_required"
	case failure.CodeInvalidDerivationPath:
		return "invalid_path"
	case failure.CodeAuthorizationDenied:
		return "denied"
	case failure.CodeAuthorizationExpired:
		return "expired"
	case failure.CodeEntropySourceUnavailable:
		return "no_entropy"
	case failure.CodePersistenceFailure:
		return "persistence"
	default:
		return "internal"
	}
}
