package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/api/internal/service/fleet"
	"github.com/hamayni/forge/api/internal/service/forge"
	"github.com/hamayni/forge/api/internal/service/runner"
	"github.com/hamayni/forge/api/internal/ws"
	"github.com/hamayni/forge/pkg/hfc"
)

// Dependencies are the services the router exposes.
type Dependencies struct {
	Forge     *forge.Service
	Runner    *runner.Service
	Fleet     *fleet.Service
	Hub       *ws.Hub
	Limiter   RateLimiter
	JWTSecret string
	DBHealth  func(context.Context) error
	// Registry receives the HTTP collectors; nil selects the default registry.
	Registry prometheus.Registerer
	Gatherer prometheus.Gatherer
	// RunnerRateLimit and RunnerRateWindow bound runner endpoint calls per IP.
	RunnerRateLimit  int
	RunnerRateWindow time.Duration
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	forge     *forge.Service
	runner    *runner.Service
	fleet     *fleet.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	dbHealth  func(context.Context) error

	runnerLimit  int
	runnerWindow time.Duration

	registry           prometheus.Registerer
	gatherer           prometheus.Gatherer
	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitRunner     = 120
	rateLimitInstall    = 10
	rateLimitForge      = 30
	rateLimitOperator   = 120
	rateLimitWebsocket  = 30
	healthCheckTimeout  = 2 * time.Second
	maxRequestBodyBytes = 4 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		forge:  deps.Forge,
		runner: deps.Runner,
		fleet:  deps.Fleet,
		hub:    deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      deps.Limiter,
		jwtSecret:    strings.TrimSpace(deps.JWTSecret),
		dbHealth:     deps.DBHealth,
		runnerLimit:  deps.RunnerRateLimit,
		runnerWindow: deps.RunnerRateWindow,
		registry:     deps.Registry,
		gatherer:     deps.Gatherer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.runnerLimit <= 0 {
		r.runnerLimit = rateLimitRunner
	}
	if r.runnerWindow <= 0 {
		r.runnerWindow = rateWindowDefault
	}
	if r.registry == nil {
		r.registry = prometheus.DefaultRegisterer
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	r.mux.HandleFunc("/heartbeat", r.audit(r.runnerRoute("heartbeat", r.handleHeartbeat)))
	r.mux.HandleFunc("/claim", r.audit(r.runnerRoute("claim", r.handleClaim)))
	r.mux.HandleFunc("/report", r.audit(r.runnerRoute("report", r.handleReport)))
	r.mux.HandleFunc("/status", r.audit(r.runnerRoute("status", r.handleStatus)))
	r.mux.HandleFunc("/install", r.audit(r.limited(ratePolicy{route: "install", limit: rateLimitInstall, window: rateWindowDefault, key: workerRateKey}, r.handleInstall)))

	r.mux.HandleFunc("/forge", r.audit(r.operatorRoute("forge", rateLimitForge, rateWindowDefault, r.handleForge)))
	r.mux.HandleFunc("/contracts", r.audit(r.operatorRoute("contracts", rateLimitOperator, rateWindowDefault, r.handleContracts)))
	r.mux.HandleFunc("/contracts/", r.audit(r.operatorRoute("contract", rateLimitOperator, rateWindowDefault, r.handleContractSubroutes)))
	r.mux.HandleFunc("/servers", r.audit(r.operatorRoute("servers", rateLimitOperator, rateWindowDefault, r.handleServers)))
	r.mux.HandleFunc("/templates", r.audit(r.operatorRoute("templates", rateLimitOperator, rateWindowDefault, r.handleTemplates)))
	r.mux.HandleFunc("/ws/contracts", r.audit(r.operatorRoute("ws_contracts", rateLimitWebsocket, rateWindowRealtime, r.handleContractsWS)))
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(req.Body)
	dec.UseNumber()
	return dec.Decode(dst)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, runner.ErrTokenRequired),
		errors.Is(err, runner.ErrMissingFields),
		errors.Is(err, runner.ErrInvalidStatus),
		errors.Is(err, fleet.ErrTokenRequired),
		errors.Is(err, fleet.ErrNameRequired),
		errors.Is(err, fleet.ErrInvalidName),
		errors.Is(err, fleet.ErrServerRequired),
		errors.Is(err, forge.ErrTemplateRequired),
		errors.Is(err, hfc.ErrInvalidContract),
		errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, runner.ErrInvalidToken), errors.Is(err, fleet.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, runner.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, forge.ErrTemplateNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrNotClaimed), errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps err to a status and writes an {error} body. Internal
// errors are logged and replaced by a generic message.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "operator"
			fields = append(fields, "operator_id", info.OperatorID)
		} else if isRunnerPath(req.URL.Path) {
			actor = "worker"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

func isRunnerPath(path string) bool {
	switch path {
	case "/heartbeat", "/claim", "/report", "/status", "/install":
		return true
	}
	return false
}

// routeLabel collapses contract ids so metric labels stay bounded.
func routeLabel(path string) string {
	if !strings.HasPrefix(path, "/contracts/") {
		return path
	}
	parts := strings.Split(strings.TrimPrefix(path, "/contracts/"), "/")
	if len(parts) == 2 {
		return "/contracts/{id}/" + parts[1]
	}
	return "/contracts/{id}"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
