package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/api/internal/repository/memory"
	"github.com/hamayni/forge/pkg/config"
	"github.com/hamayni/forge/pkg/crypto"
	"github.com/hamayni/forge/pkg/hfc"
)

const webTemplate = `{
  "header": {"description": "web on {{port}}"},
  "gates": [{"id": "port", "description": "port free", "operator": "port_free", "target": "{{port}}", "on_failure": "abort"}],
  "bom": [{"id": "index", "path": "/srv/{{app}}/index.html", "content": "<h1>{{app}}</h1>", "mode": "0644", "create_parents": true}],
  "operations": [{"id": "start", "order": 1, "type": "shell", "description": "start", "command": "echo {{app}}"}]
}`

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ContractEvent
}

func (p *recordingPublisher) Publish(evt domain.ContractEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func newTestService(t *testing.T, tpl string, published bool) (*Service, *memory.Store, *recordingPublisher) {
	t.Helper()
	store := memory.New()
	err := store.UpsertTemplate(context.Background(), &domain.Template{
		ID:        "tpl-1",
		Slug:      "hfc.web",
		Version:   "1.2.0",
		Name:      "Web",
		Content:   json.RawMessage(tpl),
		Published: published,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed template: %v", err)
	}
	events := &recordingPublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{SigningSecret: "signing", InputsKey: "inputs"}
	svc := New(store, store, events, log, cfg)
	svc.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }
	seq := 0
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return svc, store, events
}

func TestForgeStoresPendingContract(t *testing.T) {
	svc, store, events := newTestService(t, webTemplate, true)
	ctx := context.Background()

	res, err := svc.Forge(ctx, ForgeInput{Principal: "op-1", TemplateSlug: "hfc.web", Inputs: map[string]any{"app": "shop", "port": 8080}})
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	if res.ContractID != "id-1" || len(res.IntegrityHash) != 64 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.CompiledScript, "export CONTRACT_ID='id-1'") {
		t.Fatalf("expected contract id in script header")
	}
	if res.Contract.Header.TemplateVersion != "1.2.0" || res.Contract.Header.ForgedBy != "op-1" {
		t.Fatalf("unexpected header %+v", res.Contract.Header)
	}

	stored, err := store.GetContract(ctx, "id-1")
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if stored.Status != hfc.StatusPending || stored.IntentionID != "id-2" || stored.Script != res.CompiledScript {
		t.Fatalf("unexpected stored contract %+v", stored)
	}

	intention, ok := store.Intention("id-2")
	if !ok || intention.Status != domain.IntentionStatusForged {
		t.Fatalf("expected forged intention, got %+v", intention)
	}
	plain, err := crypto.Decrypt("inputs", intention.Inputs)
	if err != nil {
		t.Fatalf("decrypt inputs: %v", err)
	}
	if !strings.Contains(string(plain), `"app":"shop"`) {
		t.Fatalf("unexpected inputs %s", plain)
	}

	if len(events.events) != 1 || events.events[0].Type != domain.EventContractForged {
		t.Fatalf("expected forged event, got %+v", events.events)
	}
}

func TestForgeValidationAndLookupErrors(t *testing.T) {
	ctx := context.Background()

	svc, _, _ := newTestService(t, webTemplate, false)
	if _, err := svc.Forge(ctx, ForgeInput{TemplateSlug: "  "}); !errors.Is(err, ErrTemplateRequired) {
		t.Fatalf("expected ErrTemplateRequired, got %v", err)
	}
	if _, err := svc.Forge(ctx, ForgeInput{TemplateSlug: "hfc.web"}); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected unpublished template to be not found, got %v", err)
	}

	bad := `{"header":{},"gates":[{"id":"g","description":"d","operator":"telepathy","target":"x","on_failure":"abort"}]}`
	svc, store, events := newTestService(t, bad, true)
	if _, err := svc.Forge(ctx, ForgeInput{TemplateSlug: "hfc.web"}); !errors.Is(err, hfc.ErrInvalidContract) {
		t.Fatalf("expected ErrInvalidContract, got %v", err)
	}
	list, _ := store.ListContracts(ctx, domain.ContractFilter{})
	if len(list) != 0 || len(events.events) != 0 {
		t.Fatalf("expected nothing persisted, got %d contracts and %d events", len(list), len(events.events))
	}
}

func TestVerifyDetectsTamperedDocument(t *testing.T) {
	svc, store, _ := newTestService(t, webTemplate, true)
	ctx := context.Background()

	res, err := svc.Forge(ctx, ForgeInput{TemplateSlug: "hfc.web", Inputs: map[string]any{"app": "shop", "port": 8080}})
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	v, err := svc.Verify(ctx, res.ContractID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.IntegrityOK || !v.SignatureOK {
		t.Fatalf("expected intact contract, got %+v", v)
	}

	tampered := res.Contract
	tampered.Operations[0].Command = "rm -rf /"
	doc, _ := json.Marshal(tampered)
	stored, _ := store.GetContract(ctx, res.ContractID)
	stored.ID = "tampered"
	stored.Document = doc
	if err := store.CreateContract(ctx, stored); err != nil {
		t.Fatalf("store tampered copy: %v", err)
	}
	v, err = svc.Verify(ctx, "tampered")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.IntegrityOK || v.SignatureOK {
		t.Fatalf("expected tampering to be detected, got %+v", v)
	}
}

func TestGetIncludesExecutions(t *testing.T) {
	svc, store, _ := newTestService(t, webTemplate, true)
	ctx := context.Background()

	res, err := svc.Forge(ctx, ForgeInput{TemplateSlug: "hfc.web", Inputs: map[string]any{"app": "a", "port": 1}})
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	if err := store.CreateExecution(ctx, &domain.Execution{ID: "e1", ContractID: res.ContractID, Status: hfc.StatusClaimed, StartedAt: time.Now()}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	detail, err := svc.Get(ctx, res.ContractID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(detail.Executions) != 1 || detail.Script == "" || len(detail.Document) == 0 {
		t.Fatalf("unexpected detail %+v", detail)
	}
}

type contractFailingStore struct {
	*memory.Store
}

func (s contractFailingStore) CreateContract(ctx context.Context, contract *domain.Contract) error {
	return errors.New("disk full")
}

func TestForgeUnknownServerPersistsNothing(t *testing.T) {
	svc, store, events := newTestService(t, webTemplate, true)
	ctx := context.Background()

	_, err := svc.Forge(ctx, ForgeInput{TemplateSlug: "hfc.web", Inputs: map[string]any{"app": "a", "port": 1}, ServerID: "no-such-server"})
	if !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	for _, id := range []string{"id-1", "id-2"} {
		if _, ok := store.Intention(id); ok {
			t.Fatalf("expected no intention, found %s", id)
		}
	}
	list, _ := store.ListContracts(ctx, domain.ContractFilter{})
	if len(list) != 0 || len(events.events) != 0 {
		t.Fatalf("expected nothing persisted, got %d contracts and %d events", len(list), len(events.events))
	}
}

func TestForgeAssignsKnownServer(t *testing.T) {
	svc, store, _ := newTestService(t, webTemplate, true)
	ctx := context.Background()
	if err := store.CreateWorker(ctx, &domain.Worker{ID: "w1", Name: "edge", Token: "tok", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create worker: %v", err)
	}

	res, err := svc.Forge(ctx, ForgeInput{TemplateSlug: "hfc.web", Inputs: map[string]any{"app": "a", "port": 1}, ServerID: " w1 "})
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	if res.Record.ServerID != "w1" {
		t.Fatalf("expected contract assigned to w1, got %q", res.Record.ServerID)
	}
}

func TestForgeDiscardsIntentionWhenContractWriteFails(t *testing.T) {
	svc, store, events := newTestService(t, webTemplate, true)
	svc.store = contractFailingStore{Store: store}
	ctx := context.Background()

	if _, err := svc.Forge(ctx, ForgeInput{TemplateSlug: "hfc.web", Inputs: map[string]any{"app": "a", "port": 1}}); err == nil {
		t.Fatalf("expected forge to fail")
	}
	if _, ok := store.Intention("id-2"); ok {
		t.Fatalf("expected intention to be discarded")
	}
	if len(events.events) != 0 {
		t.Fatalf("expected no events, got %d", len(events.events))
	}
}
