package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hamayni/forge/agent/internal/loop"
)

// HealthSource exposes the agent loop state.
type HealthSource interface {
	Health() loop.Health
}

// Router exposes the agent's local health and metrics endpoints.
type Router struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	source         HealthSource
	gatherer       prometheus.Gatherer
	staleAfter     time.Duration
	now            func() time.Time
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// New creates and registers handlers. A heartbeat older than staleAfter
// marks the agent degraded.
func New(logger *slog.Logger, source HealthSource, reg prometheus.Registerer, gatherer prometheus.Gatherer, staleAfter time.Duration) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		source:     source,
		gatherer:   gatherer,
		staleAfter: staleAfter,
		now:        time.Now,
	}
	r.initMetrics(reg)
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	state := r.source.Health()
	status := "ok"
	if !state.LastHeartbeatOK || (r.staleAfter > 0 && r.now().Sub(state.LastHeartbeat) > r.staleAfter) {
		status = "degraded"
	}
	payload := map[string]any{
		"status":    status,
		"agent":     state,
		"timestamp": r.now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
