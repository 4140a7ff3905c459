package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

func (r *Router) initMetrics(reg prometheus.Registerer) {
	r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hfc",
		Subsystem: "agent",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"})

	r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hfc",
		Subsystem: "agent",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"})

	if reg == nil {
		return
	}
	for _, collector := range []prometheus.Collector{r.requestTotal, r.requestLatency} {
		if err := reg.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				continue
			}
			switch existing := are.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				r.requestTotal = existing
			case *prometheus.HistogramVec:
				r.requestLatency = existing
			}
		}
	}
}

func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": req.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		r.requestTotal.With(labels).Inc()
		r.requestLatency.With(labels).Observe(time.Since(start).Seconds())
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}
