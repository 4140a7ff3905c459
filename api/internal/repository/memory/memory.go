// Package memory keeps every repository in process. It backs STORE_BACKEND=memory
// and the service tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/pkg/hfc"
)

// Store is a mutex guarded in-memory implementation of repository.Store.
type Store struct {
	mu         sync.Mutex
	contracts  map[string]*domain.Contract
	executions map[string]*domain.Execution
	workers    map[string]*domain.Worker
	intentions map[string]*domain.Intention
	templates  map[string]*domain.Template
	// seq breaks created_at ties in insertion order.
	seq   int64
	order map[string]int64
}

var (
	_ repository.Store          = (*Store)(nil)
	_ repository.TemplateWriter = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		contracts:  make(map[string]*domain.Contract),
		executions: make(map[string]*domain.Execution),
		workers:    make(map[string]*domain.Worker),
		intentions: make(map[string]*domain.Intention),
		templates:  make(map[string]*domain.Template),
		order:      make(map[string]int64),
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

func copyContract(c *domain.Contract) *domain.Contract {
	out := *c
	if c.ClaimedAt != nil {
		t := *c.ClaimedAt
		out.ClaimedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	if c.DurationMS != nil {
		d := *c.DurationMS
		out.DurationMS = &d
	}
	out.Document = append([]byte(nil), c.Document...)
	return &out
}

// CreateContract inserts a forged contract.
func (s *Store) CreateContract(ctx context.Context, contract *domain.Contract) error {
	if contract == nil || strings.TrimSpace(contract.ID) == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[contract.ID]; ok {
		return repository.ErrConflict
	}
	if contract.ServerID != "" {
		if _, ok := s.workers[contract.ServerID]; !ok {
			return repository.ErrInvalidArgument
		}
	}
	s.seq++
	s.order[contract.ID] = s.seq
	s.contracts[contract.ID] = copyContract(contract)
	return nil
}

// GetContract fetches a contract by identifier.
func (s *Store) GetContract(ctx context.Context, id string) (*domain.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[strings.TrimSpace(id)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyContract(c), nil
}

// ListContracts returns contracts newest first.
func (s *Store) ListContracts(ctx context.Context, filter domain.ContractFilter) ([]domain.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		if filter.Matches(*c) {
			out = append(out, *copyContract(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return s.order[out[i].ID] > s.order[out[j].ID]
	})
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AssignContract targets a pending contract at a worker.
func (s *Store) AssignContract(ctx context.Context, contractID, workerID string) (*domain.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[contractID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if _, ok := s.workers[workerID]; !ok {
		return nil, repository.ErrInvalidArgument
	}
	if c.Status != hfc.StatusPending {
		return nil, repository.ErrConflict
	}
	c.ServerID = workerID
	return copyContract(c), nil
}

// ClaimNextContract moves the oldest pending contract of the worker to CLAIMED.
func (s *Store) ClaimNextContract(ctx context.Context, workerID string, now time.Time) (*domain.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *domain.Contract
	for _, c := range s.contracts {
		if c.ServerID != workerID || c.Status != hfc.StatusPending {
			continue
		}
		if next == nil || c.CreatedAt.Before(next.CreatedAt) ||
			(c.CreatedAt.Equal(next.CreatedAt) && s.order[c.ID] < s.order[next.ID]) {
			next = c
		}
	}
	if next == nil {
		return nil, repository.ErrNotFound
	}
	claimed := now.UTC()
	next.Status = hfc.StatusClaimed
	next.ClaimedAt = &claimed
	return copyContract(next), nil
}

// CompleteContract applies a terminal status to a contract claimed by the worker.
func (s *Store) CompleteContract(ctx context.Context, update domain.CompletionUpdate) (*domain.Contract, error) {
	if !update.Status.Terminal() {
		return nil, repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[update.ContractID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if c.Status != hfc.StatusClaimed || c.ServerID != update.WorkerID {
		return nil, repository.ErrConflict
	}
	completed := update.CompletedAt.UTC()
	var duration int64
	if c.ClaimedAt != nil {
		duration = domain.DurationSince(*c.ClaimedAt, completed)
	}
	c.Status = update.Status
	c.ExecutionLogs = update.Logs
	c.CompletedAt = &completed
	c.DurationMS = &duration
	return copyContract(c), nil
}

// CreateExecution records a claim. Re-inserting the same id is a no-op.
func (s *Store) CreateExecution(ctx context.Context, execution *domain.Execution) error {
	if execution == nil || strings.TrimSpace(execution.ID) == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[execution.ContractID]; !ok {
		return repository.ErrInvalidArgument
	}
	if _, ok := s.executions[execution.ID]; ok {
		return nil
	}
	e := *execution
	s.executions[e.ID] = &e
	return nil
}

// CompleteExecution closes an open execution. Completing an already closed
// execution is a no-op.
func (s *Store) CompleteExecution(ctx context.Context, completion domain.ExecutionCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var target *domain.Execution
	if completion.ID != "" {
		e, ok := s.executions[completion.ID]
		if !ok || e.ContractID != completion.ContractID {
			return repository.ErrNotFound
		}
		if e.CompletedAt != nil {
			return nil
		}
		target = e
	} else {
		for _, e := range s.executions {
			if e.ContractID != completion.ContractID || e.CompletedAt != nil {
				continue
			}
			if target == nil || e.StartedAt.After(target.StartedAt) {
				target = e
			}
		}
		if target == nil {
			return nil
		}
	}
	completed := completion.CompletedAt.UTC()
	duration := completion.DurationMS
	target.Status = completion.Status
	target.CompletedAt = &completed
	target.DurationMS = &duration
	target.Logs = completion.Logs
	return nil
}

// ListExecutions returns executions of a contract, oldest first.
func (s *Store) ListExecutions(ctx context.Context, contractID string) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Execution, 0)
	for _, e := range s.executions {
		if e.ContractID == contractID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateWorker registers a worker.
func (s *Store) CreateWorker(ctx context.Context, worker *domain.Worker) error {
	if worker == nil || strings.TrimSpace(worker.ID) == "" || strings.TrimSpace(worker.Token) == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[worker.ID]; ok {
		return repository.ErrConflict
	}
	for _, existing := range s.workers {
		if existing.Token == worker.Token {
			return repository.ErrConflict
		}
	}
	if worker.Status == "" {
		worker.Status = domain.WorkerStatusOffline
	}
	w := *worker
	s.workers[w.ID] = &w
	return nil
}

func copyWorker(w *domain.Worker) *domain.Worker {
	out := *w
	if w.LastHeartbeat != nil {
		t := *w.LastHeartbeat
		out.LastHeartbeat = &t
	}
	return &out
}

// GetWorker fetches a worker by identifier.
func (s *Store) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyWorker(w), nil
}

// GetWorkerByToken resolves the worker owning a bearer token.
func (s *Store) GetWorkerByToken(ctx context.Context, token string) (*domain.Worker, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, repository.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.Token == token {
			return copyWorker(w), nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListWorkers returns every worker ordered by name.
func (s *Store) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *copyWorker(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RecordHeartbeat marks the worker online and refreshes its host details.
func (s *Store) RecordHeartbeat(ctx context.Context, update domain.HeartbeatUpdate) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[update.WorkerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	at := update.At.UTC()
	w.Status = domain.WorkerStatusOnline
	w.LastHeartbeat = &at
	if h := strings.TrimSpace(update.Hostname); h != "" {
		w.Hostname = h
	}
	if ip := strings.TrimSpace(update.IPAddress); ip != "" {
		w.IPAddress = ip
	}
	return copyWorker(w), nil
}

// MarkStaleWorkersOffline flips online workers silent since before.
func (s *Store) MarkStaleWorkersOffline(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, w := range s.workers {
		if w.Status == domain.WorkerStatusOnline && w.Stale(before) {
			w.Status = domain.WorkerStatusOffline
			changed++
		}
	}
	return changed, nil
}

// CreateIntention stores a forge request.
func (s *Store) CreateIntention(ctx context.Context, intention *domain.Intention) error {
	if intention == nil || strings.TrimSpace(intention.ID) == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intentions[intention.ID]; ok {
		return repository.ErrConflict
	}
	i := *intention
	i.Inputs = append([]byte(nil), intention.Inputs...)
	s.intentions[i.ID] = &i
	return nil
}

// DeleteIntention removes a stored intention.
func (s *Store) DeleteIntention(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intentions[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.intentions, id)
	return nil
}

// Intention returns a stored intention; used by tests.
func (s *Store) Intention(id string) (domain.Intention, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intentions[id]
	if !ok {
		return domain.Intention{}, false
	}
	return *i, true
}

// GetPublishedTemplate resolves a published template by slug.
func (s *Store) GetPublishedTemplate(ctx context.Context, slug string) (*domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[strings.TrimSpace(slug)]
	if !ok || !t.Published {
		return nil, repository.ErrNotFound
	}
	out := *t
	return &out, nil
}

// ListPublishedTemplates returns published templates ordered by slug.
func (s *Store) ListPublishedTemplates(ctx context.Context) ([]domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Template, 0, len(s.templates))
	for _, t := range s.templates {
		if t.Published {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// UpsertTemplate inserts or replaces a template keyed by slug.
func (s *Store) UpsertTemplate(ctx context.Context, template *domain.Template) error {
	if template == nil || strings.TrimSpace(template.Slug) == "" || len(template.Content) == 0 {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *template
	s.templates[t.Slug] = &t
	return nil
}
