package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	PaymentsCreated      *prometheus.CounterVec
	Transitions          *prometheus.CounterVec
	WebhookNotifications *prometheus.CounterVec
	SettlementPolls      *prometheus.CounterVec
	SettlementRuns       prometheus.Gauge
	OutboxPublished      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PaymentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_created_total",
			Help: "Payments created, by payment method.",
		}, []string{"method"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Applied payment status transitions, by source and target status.",
		}, []string{"source", "status"}),
		WebhookNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_notifications_total",
			Help: "Gateway notifications handled, by result.",
		}, []string{"result"}),
		SettlementPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_polls_total",
			Help: "Gateway status polls issued by settlement runs, by outcome.",
		}, []string{"outcome"}),
		SettlementRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_runs_active",
			Help: "Settlement runs currently executing in this process.",
		}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events delivered to publishers, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.PaymentsCreated,
		m.Transitions,
		m.WebhookNotifications,
		m.SettlementPolls,
		m.SettlementRuns,
		m.OutboxPublished,
	)
	return m
}

func (m *Metrics) PaymentCreated(method string) {
	if m == nil {
		return
	}
	m.PaymentsCreated.WithLabelValues(method).Inc()
}

func (m *Metrics) TransitionApplied(source, status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(source, status).Inc()
}

func (m *Metrics) WebhookHandled(result string) {
	if m == nil {
		return
	}
	m.WebhookNotifications.WithLabelValues(result).Inc()
}

func (m *Metrics) SettlementPolled(outcome string) {
	if m == nil {
		return
	}
	m.SettlementPolls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SettlementRunStarted() {
	if m == nil {
		return
	}
	m.SettlementRuns.Inc()
}

func (m *Metrics) SettlementRunFinished() {
	if m == nil {
		return
	}
	m.SettlementRuns.Dec()
}

func (m *Metrics) OutboxDelivered(result string) {
	if m == nil {
		return
	}
	m.OutboxPublished.WithLabelValues(result).Inc()
}
