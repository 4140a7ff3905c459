package loop

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts agent activity. A nil *Metrics records nothing.
type Metrics struct {
	heartbeats *prometheus.CounterVec
	claims     *prometheus.CounterVec
	executions *prometheus.CounterVec
	reports    *prometheus.CounterVec
	duration   prometheus.Histogram
}

// NewMetrics registers the agent collectors with reg, reusing collectors
// that are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hfc",
			Subsystem: "agent",
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent by outcome",
		}, []string{"outcome"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hfc",
			Subsystem: "agent",
			Name:      "claims_total",
			Help:      "Claim attempts by outcome",
		}, []string{"outcome"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hfc",
			Subsystem: "agent",
			Name:      "executions_total",
			Help:      "Executed missions by final status",
		}, []string{"status"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hfc",
			Subsystem: "agent",
			Name:      "reports_total",
			Help:      "Execution reports by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hfc",
			Subsystem: "agent",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of mission scripts",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}
	if reg == nil {
		return m
	}
	m.heartbeats = registerVec(reg, m.heartbeats)
	m.claims = registerVec(reg, m.claims)
	m.executions = registerVec(reg, m.executions)
	m.reports = registerVec(reg, m.reports)
	if err := reg.Register(m.duration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				m.duration = existing
			}
		}
	}
	return m
}

func registerVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
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

func (m *Metrics) execution(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) report(outcome string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(outcome).Inc()
}
