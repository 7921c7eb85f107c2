package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ledger's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	CreditsConsumed      *prometheus.CounterVec
	CreditRejections     *prometheus.CounterVec
	CreditsGranted       *prometheus.CounterVec
	MonthlyResetUsers    *prometheus.CounterVec
	MonthlyResetDuration prometheus.Histogram
	WebhookEvents        *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		CreditsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podmanager_credits_consumed_total",
				Help: "Credits consumed by feature",
			},
			[]string{"feature"},
		),
		CreditRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podmanager_credit_rejections_total",
				Help: "Consumption requests rejected, by reason",
			},
			[]string{"reason"},
		),
		CreditsGranted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podmanager_credits_granted_total",
				Help: "Credits added to a pool, by pool and entry type",
			},
			[]string{"pool", "type"},
		),
		MonthlyResetUsers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podmanager_monthly_reset_users_total",
				Help: "Users processed by the monthly credit reset, by result",
			},
			[]string{"result"},
		),
		MonthlyResetDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "podmanager_monthly_reset_duration_seconds",
				Help:    "Duration of a full monthly credit reset sweep",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podmanager_webhook_events_total",
				Help: "Payment webhook events, by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.CreditsConsumed,
		m.CreditRejections,
		m.CreditsGranted,
		m.MonthlyResetUsers,
		m.MonthlyResetDuration,
		m.WebhookEvents,
	)

	return m
}

func (m *Metrics) RecordConsumption(feature string, cost int64) {
	if m == nil {
		return
	}
	m.CreditsConsumed.WithLabelValues(feature).Add(float64(cost))
}

func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.CreditRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordGrant(pool, entryType string, amount int64) {
	if m == nil {
		return
	}
	m.CreditsGranted.WithLabelValues(pool, entryType).Add(float64(amount))
}

func (m *Metrics) RecordResetSweep(reset, skipped, failed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.MonthlyResetUsers.WithLabelValues("reset").Add(float64(reset))
	m.MonthlyResetUsers.WithLabelValues("skipped").Add(float64(skipped))
	m.MonthlyResetUsers.WithLabelValues("failed").Add(float64(failed))
	m.MonthlyResetDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhook(result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(result).Inc()
}
