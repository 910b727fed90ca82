package metrics

import (
	"devlog.app/licenses/license"
	"devlog.app/licenses/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "devlog_licenses"

// Metrics holds the service counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	issuances     *prometheus.CounterVec
	verifications *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		issuances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issuances_total",
			Help:      "License issuance requests by source and whether a new key was created.",
		}, []string{"source", "outcome"}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "License verifications by outcome.",
		}, []string{"outcome"}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Stripe webhook events by type and handling result.",
		}, []string{"type", "result"}),
	}
}

func (m *Metrics) ObserveIssuance(source models.Source, isNew bool) {
	if m == nil {
		return
	}
	outcome := "existing"
	if isNew {
		outcome = "new"
	}
	m.issuances.WithLabelValues(string(source), outcome).Inc()
}

func (m *Metrics) ObserveVerification(outcome license.Outcome) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) ObserveWebhook(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

var _ license.Observer = (*Metrics)(nil)
