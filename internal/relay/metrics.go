package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	events   *prometheus.CounterVec
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	deferred *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rinkelrelay",
				Name:      "events_total",
				Help:      "Call events handled, by phase and outcome.",
			},
			[]string{"phase", "outcome"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rinkelrelay",
				Name:      "upstream_attempts_total",
				Help:      "Upstream calls made by the engine, by operation and result.",
			},
			[]string{"operation", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rinkelrelay",
				Name:      "handle_duration_seconds",
				Help:      "Time spent handling one call event.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		deferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rinkelrelay",
				Name:      "redeliveries_total",
				Help:      "Deferred redelivery results.",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.attempts, m.duration, m.deferred)
	}
	return m
}

func (m *Metrics) observeEvent(phase Phase, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(phase), outcomeLabel(err)).Inc()
	m.duration.WithLabelValues(string(phase)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeAttempt(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case IsPermanent(err):
		result = "permanent"
	default:
		result = "transient"
	}
	m.attempts.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) observeRedelivery(result string) {
	if m == nil {
		return
	}
	m.deferred.WithLabelValues(result).Inc()
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind, ok := KindOf(err); ok {
		return string(kind)
	}
	return "error"
}
