package runner

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts coordinator traffic. A nil *Metrics records nothing.
type Metrics struct {
	heartbeats *prometheus.CounterVec
	claims     *prometheus.CounterVec
	reports    *prometheus.CounterVec
}

// NewMetrics registers the coordinator collectors with reg. Collectors that
// are already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hfc",
			Subsystem: "coordinator",
			Name:      "heartbeats_total",
			Help:      "Worker heartbeats by outcome",
		}, []string{"outcome"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hfc",
			Subsystem: "coordinator",
			Name:      "claims_total",
			Help:      "Claim requests by outcome",
		}, []string{"outcome"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hfc",
			Subsystem: "coordinator",
			Name:      "reports_total",
			Help:      "Execution reports by reported status",
		}, []string{"status"}),
	}
	if reg == nil {
		return m
	}
	m.heartbeats = register(reg, m.heartbeats)
	m.claims = register(reg, m.claims)
	m.reports = register(reg, m.reports)
	return m
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) heartbeat(outcome string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(outcome).Inc()
}

func (m *Metrics) claim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) report(status string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(status).Inc()
}
