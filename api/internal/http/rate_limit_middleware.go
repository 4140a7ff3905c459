package httpx

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter counts requests per key within fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateKeyFunc names the bucket a request is counted in. An empty key falls
// back to the peer address.
type rateKeyFunc func(*http.Request) string

type ratePolicy struct {
	route  string
	limit  int
	window time.Duration
	key    rateKeyFunc
}

const bucketPruneInterval = 5 * time.Minute

type bucket struct {
	count     int
	windowEnd time.Time
}

// memoryRateLimiter keeps fixed-window buckets in process. Expired buckets are
// pruned on the request path, at most once per bucketPruneInterval.
type memoryRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]bucket
	nextPrune time.Time
	now       func() time.Time
}

// NewMemoryRateLimiter returns an in-process limiter. Counts are not shared
// between coordinator replicas.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{buckets: make(map[string]bucket), now: now}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if !now.Before(rl.nextPrune) {
		for k, b := range rl.buckets {
			if !now.Before(b.windowEnd) {
				delete(rl.buckets, k)
			}
		}
		rl.nextPrune = now.Add(bucketPruneInterval)
	}

	b, ok := rl.buckets[key]
	if !ok || !now.Before(b.windowEnd) {
		b = bucket{windowEnd: now.Add(window)}
	}
	if b.count >= limit {
		return rateDecision{allowed: false, count: b.count, windowEnd: b.windowEnd}
	}
	b.count++
	rl.buckets[key] = b
	return rateDecision{allowed: true, count: b.count, windowEnd: b.windowEnd}
}

func (rl *memoryRateLimiter) Close() {}

func (rl *memoryRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (r *Router) limited(p ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if p.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := ""
		if p.key != nil {
			key = p.key(req)
		}
		if key == "" {
			key = peerRateKey(req)
		}
		decision := r.limiter.Allow(p.route+"|"+key, p.limit, p.window)
		r.applyRateHeaders(w, p.limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(p.route, rateKeyKind(key))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// runnerRoute limits worker endpoints per bearer token.
func (r *Router) runnerRoute(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.limited(ratePolicy{route: route, limit: r.runnerLimit, window: r.runnerWindow, key: workerRateKey}, next)
}

// operatorRoute authenticates the operator and limits per operator id.
func (r *Router) operatorRoute(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.limited(ratePolicy{route: route, limit: limit, window: window, key: operatorRateKey}, next))
}

func operatorRateKey(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.OperatorID != "" {
		return "operator:" + info.OperatorID
	}
	return ""
}

// workerRateKey reads the worker token from the query string or the JSON body
// and restores the body for the handler. Tokens are fingerprinted so they never
// reach the limiter backend.
func workerRateKey(req *http.Request) string {
	token := strings.TrimSpace(req.URL.Query().Get("token"))
	if token == "" && req.Body != nil && req.Method == http.MethodPost {
		head, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodyBytes))
		req.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(head), req.Body), req.Body}
		if err == nil {
			var payload struct {
				Token string `json:"token"`
			}
			if json.Unmarshal(head, &payload) == nil {
				token = strings.TrimSpace(payload.Token)
			}
		}
	}
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "worker:" + hex.EncodeToString(sum[:8])
}

// peerRateKey uses the connection address only. Forwarding headers are client
// controlled and are not used for limiting.
func peerRateKey(req *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(req.RemoteAddr)
	}
	if host == "" {
		host = "unknown"
	}
	return "peer:" + host
}

func rateKeyKind(key string) string {
	if kind, _, ok := strings.Cut(key, ":"); ok && kind != "" {
		return kind
	}
	return "unknown"
}
