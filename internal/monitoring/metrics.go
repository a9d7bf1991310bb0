// Package monitoring exposes Prometheus collectors for the compliance engine.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ticks          *prometheus.CounterVec
	tickDuration   *prometheus.HistogramVec
	casesTracked   prometheus.Gauge
	breaches       *prometheus.CounterVec
	escalations    *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	queueDropped   prometheus.Counter
	configErrors   prometheus.Counter
	invariantFails prometheus.Counter
}

// New registers the collectors on reg. A nil reg gets a private registry so
// repeated construction in tests never collides.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_ticks_total",
			Help: "Scheduled engine ticks by kind and outcome",
		}, []string{"kind", "outcome"}),
		tickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sla_tick_duration_seconds",
			Help:    "Duration of scheduled engine ticks",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		casesTracked: f.NewGauge(prometheus.GaugeOpts{
			Name: "sla_cases_tracked",
			Help: "Cases currently held by the compliance tracker",
		}),
		breaches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_breaches_total",
			Help: "Recorded SLA breaches by type and severity",
		}, []string{"breach_type", "severity"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_escalations_total",
			Help: "Fired escalation levels",
		}, []string{"trigger_type", "level"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_notification_deliveries_total",
			Help: "Notification delivery outcomes by channel",
		}, []string{"channel", "outcome"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "sla_dispatch_queue_depth",
			Help: "Items waiting in the dispatch queue",
		}),
		queueDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "sla_dispatch_queue_dropped_total",
			Help: "Non-critical items dropped because the dispatch queue was full",
		}),
		configErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "sla_configuration_errors_total",
			Help: "Configuration errors surfaced to operators",
		}),
		invariantFails: f.NewCounter(prometheus.CounterOpts{
			Name: "sla_invariant_violations_total",
			Help: "Writes rejected because they would break an engine invariant",
		}),
	}
}

// ObserveTick records one tick.
func (m *Metrics) ObserveTick(kind string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ticks.WithLabelValues(kind, outcome).Inc()
	m.tickDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// SetCasesTracked sets the tracked-case gauge.
func (m *Metrics) SetCasesTracked(n int) {
	if m == nil {
		return
	}
	m.casesTracked.Set(float64(n))
}

// Breach counts a recorded breach.
func (m *Metrics) Breach(breachType, severity string) {
	if m == nil {
		return
	}
	m.breaches.WithLabelValues(breachType, severity).Inc()
}

// Escalation counts a fired level.
func (m *Metrics) Escalation(triggerType, level string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(triggerType, level).Inc()
}

// Delivery counts a delivery outcome.
func (m *Metrics) Delivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}

// SetQueueDepth sets the dispatch queue gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// QueueDropped counts a dropped queue item.
func (m *Metrics) QueueDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

// ConfigurationError counts a surfaced configuration error.
func (m *Metrics) ConfigurationError() {
	if m == nil {
		return
	}
	m.configErrors.Inc()
}

// InvariantViolation counts a rejected write.
func (m *Metrics) InvariantViolation() {
	if m == nil {
		return
	}
	m.invariantFails.Inc()
}
