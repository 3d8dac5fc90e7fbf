package gate

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's prometheus collectors on a private
// registry so tests can run side by side.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	paymentEventsTotal     *prometheus.CounterVec
	settlementEventsTotal  *prometheus.CounterVec
	sponsorSpendCentsTotal prometheus.Counter
}

// NewMetrics builds and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"endpoint", "status"}),
		paymentEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_events_total",
			Help: "Payment events",
		}, []string{"mode", "status"}),
		settlementEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_events_total",
			Help: "Settlement feed events by outcome",
		}, []string{"outcome"}),
		sponsorSpendCentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sponsor_spend_cents_total",
			Help: "Total sponsored spend in cents",
		}),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.paymentEventsTotal,
		m.settlementEventsTotal,
		m.sponsorSpendCentsTotal,
	)
	return m
}

// MarkRequest counts one HTTP request per endpoint and status.
func (m *Metrics) MarkRequest(endpoint string, status int) {
	m.httpRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// MarkPayment counts one payment event.
func (m *Metrics) MarkPayment(mode, status string) {
	m.paymentEventsTotal.WithLabelValues(mode, status).Inc()
}

// MarkSettlement counts one settlement feed event by outcome.
func (m *Metrics) MarkSettlement(outcome string) {
	m.settlementEventsTotal.WithLabelValues(outcome).Inc()
}

// AddSponsorSpend accumulates sponsored spend.
func (m *Metrics) AddSponsorSpend(cents int64) {
	m.sponsorSpendCentsTotal.Add(float64(cents))
}

// Handler serves the prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
