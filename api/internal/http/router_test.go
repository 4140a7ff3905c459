package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository/memory"
	"github.com/hamayni/forge/api/internal/service/fleet"
	"github.com/hamayni/forge/api/internal/service/forge"
	"github.com/hamayni/forge/api/internal/service/runner"
	"github.com/hamayni/forge/api/internal/ws"
	"github.com/hamayni/forge/pkg/config"
	"github.com/hamayni/forge/pkg/jwt"
)

const (
	testJWTSecret = "router-test-secret"
	testTemplate  = `{
  "header": {"description": "hello {{name}}"},
  "gates": [],
  "bom": [],
  "operations": [{"id": "greet", "order": 1, "type": "shell", "description": "greet", "command": "echo hello {{name}}"}]
}`
)

type testEnv struct {
	server *httptest.Server
	store  *memory.Store
	hub    *ws.Hub
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		PublicURL:        "https://forge.example.com",
		SigningSecret:    "signing",
		InputsKey:        "inputs",
		JWTSecret:        testJWTSecret,
		ReportLogLimit:   10000,
		WorkerStaleAfter: 3 * time.Minute,
	}
	store := memory.New()
	if err := store.UpsertTemplate(context.Background(), &domain.Template{ID: "t1", Slug: "hfc.hello", Version: "1.0.0", Name: "Hello", Content: json.RawMessage(testTemplate), Published: true}); err != nil {
		t.Fatalf("seed template: %v", err)
	}
	hub := ws.NewHub(16, log)
	registry := prometheus.NewRegistry()
	router := NewRouter(log, Dependencies{
		Forge:     forge.New(store, store, hub, log, cfg),
		Runner:    runner.New(store, hub, runner.NewMetrics(registry), log, cfg),
		Fleet:     fleet.New(store, hub, log, cfg),
		Hub:       hub,
		JWTSecret: testJWTSecret,
		DBHealth:  store.Ping,
		Registry:  registry,
		Gatherer:  registry,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		router.Close()
		hub.Close()
	})
	token, err := jwt.GenerateToken("op-1", "admin", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return &testEnv{server: srv, store: store, hub: hub, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func TestOperatorRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/forge", "/contracts", "/servers", "/templates"} {
		resp, _ := env.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, resp.StatusCode)
		}
	}
	resp, _ := env.do(t, http.MethodGet, "/templates", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}
}

func TestForgeClaimReportFlow(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/servers", env.token, map[string]string{"name": "edge-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", resp.StatusCode, body)
	}
	server := decode[map[string]any](t, body)
	workerToken, _ := server["token"].(string)
	serverID, _ := server["id"].(string)
	if !strings.HasPrefix(workerToken, fleet.TokenPrefix) || serverID == "" {
		t.Fatalf("unexpected server %s", body)
	}

	resp, body = env.do(t, http.MethodPost, "/forge", env.token, map[string]any{"template_slug": "hfc.hello", "inputs": map[string]any{"name": "world"}, "server_id": serverID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forge: %d %s", resp.StatusCode, body)
	}
	forged := decode[map[string]any](t, body)
	contractID, _ := forged["contract_id"].(string)
	if forged["status"] != "success" || contractID == "" || !strings.Contains(forged["compiled_script"].(string), "echo hello world") {
		t.Fatalf("unexpected forge response %s", body)
	}

	resp, body = env.do(t, http.MethodPost, "/heartbeat", "", map[string]string{"token": workerToken, "hostname": "edge-1", "ip": "10.0.0.9"})
	if resp.StatusCode != http.StatusOK || decode[map[string]any](t, body)["server_id"] != serverID {
		t.Fatalf("heartbeat: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodPost, "/claim", "", map[string]string{"token": workerToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", resp.StatusCode, body)
	}
	claimed := decode[map[string]any](t, body)
	if claimed["contract_id"] != contractID || claimed["execution_id"] == nil {
		t.Fatalf("unexpected claim %s", body)
	}

	resp, _ = env.do(t, http.MethodPost, "/claim", "", map[string]string{"token": workerToken})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 when drained, got %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPost, "/report", "", map[string]any{"token": workerToken, "contract_id": contractID, "status": "SUCCESS", "logs": "ok", "execution_id": claimed["execution_id"]})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report: %d %s", resp.StatusCode, body)
	}
	reported := decode[map[string]any](t, body)
	if reported["success"] != true || reported["status"] != "SUCCESS" {
		t.Fatalf("unexpected report %s", body)
	}

	resp, body = env.do(t, http.MethodGet, "/contracts/"+contractID, env.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail: %d %s", resp.StatusCode, body)
	}
	detail := decode[map[string]any](t, body)
	if detail["status"] != "SUCCESS" || len(detail["executions"].([]any)) != 1 {
		t.Fatalf("unexpected detail %s", body)
	}

	resp, body = env.do(t, http.MethodGet, "/contracts/"+contractID+"/verify", env.token, nil)
	verify := decode[map[string]any](t, body)
	if resp.StatusCode != http.StatusOK || verify["integrity_ok"] != true || verify["signature_ok"] != true {
		t.Fatalf("verify: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/contracts?status=SUCCESS", env.token, nil)
	if resp.StatusCode != http.StatusOK || len(decode[[]any](t, body)) != 1 {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}
}

func TestRunnerErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"w1", "w2"} {
		if err := env.store.CreateWorker(ctx, &domain.Worker{ID: id, Name: id, Token: "tok-" + id}); err != nil {
			t.Fatalf("create worker: %v", err)
		}
	}
	if err := env.store.CreateContract(ctx, &domain.Contract{ID: "c1", ServerID: "w1", Status: "PENDING", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create contract: %v", err)
	}

	cases := []struct {
		path string
		body any
		want int
	}{
		{"/heartbeat", map[string]string{}, http.StatusBadRequest},
		{"/heartbeat", map[string]string{"token": "bad"}, http.StatusUnauthorized},
		{"/claim", map[string]string{"token": "bad"}, http.StatusUnauthorized},
		{"/report", map[string]string{"token": "tok-w1", "contract_id": "c1"}, http.StatusBadRequest},
		{"/report", map[string]string{"token": "tok-w1", "contract_id": "c1", "status": "DONE"}, http.StatusBadRequest},
		{"/report", map[string]string{"token": "tok-w2", "contract_id": "c1", "status": "SUCCESS"}, http.StatusForbidden},
		{"/report", map[string]string{"token": "tok-w1", "contract_id": "c1", "status": "SUCCESS"}, http.StatusConflict},
	}
	for _, tc := range cases {
		resp, body := env.do(t, http.MethodPost, tc.path, "", tc.body)
		if resp.StatusCode != tc.want {
			t.Fatalf("%s %v: expected %d, got %d %s", tc.path, tc.body, tc.want, resp.StatusCode, body)
		}
		if _, ok := decode[map[string]string](t, body)["error"]; !ok {
			t.Fatalf("%s: expected error body, got %s", tc.path, body)
		}
	}
}

func TestForgeErrorsUseStatusMessageShape(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/forge", env.token, map[string]any{"template_slug": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	payload := decode[map[string]string](t, body)
	if payload["status"] != "error" || payload["message"] == "" {
		t.Fatalf("unexpected error body %s", body)
	}
	resp, _ = env.do(t, http.MethodPost, "/forge", env.token, map[string]any{"template_slug": "missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStatusInstallAndHealth(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.CreateWorker(context.Background(), &domain.Worker{ID: "w1", Name: "edge", Token: "hfc_abc"}); err != nil {
		t.Fatalf("create worker: %v", err)
	}

	resp, body := env.do(t, http.MethodGet, "/status", "", nil)
	status := decode[map[string]string](t, body)
	if resp.StatusCode != http.StatusOK || status["status"] != "ok" || status["name"] != runner.APIName {
		t.Fatalf("status: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/install?token=hfc_abc", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") || !strings.Contains(string(body), "HFC_TOKEN='hfc_abc'") {
		t.Fatalf("install: %d %s", resp.StatusCode, body)
	}
	resp, _ = env.do(t, http.MethodGet, "/install", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without token, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/install?token=nope", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || decode[map[string]any](t, body)["status"] != "ok" {
		t.Fatalf("healthz: %d %s", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "hfc_api_http_requests_total") {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}

func TestContractEventsStream(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/contracts?access_token=" + env.token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	defer conn.Close()

	// Registration is asynchronous; publish until the subscriber sees an event.
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	received := make(chan domain.ContractEvent, 1)
	go func() {
		var evt domain.ContractEvent
		if err := conn.ReadJSON(&evt); err == nil {
			received <- evt
		}
	}()
	for time.Now().Before(deadline) {
		env.hub.Publish(domain.ContractEvent{Type: domain.EventContractForged, ContractID: "c-ws"})
		select {
		case evt := <-received:
			if evt.ContractID != "c-ws" {
				t.Fatalf("unexpected event %+v", evt)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatalf("no event received")
}
