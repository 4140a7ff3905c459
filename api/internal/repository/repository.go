package repository

import (
	"context"
	"time"

	"github.com/hamayni/forge/api/internal/domain"
)

// ContractRepository persists forged contracts and their lifecycle.
type ContractRepository interface {
	CreateContract(ctx context.Context, contract *domain.Contract) error
	GetContract(ctx context.Context, id string) (*domain.Contract, error)
	ListContracts(ctx context.Context, filter domain.ContractFilter) ([]domain.Contract, error)
	// AssignContract targets a PENDING contract at a worker; ErrConflict otherwise.
	AssignContract(ctx context.Context, contractID, workerID string) (*domain.Contract, error)
	// ClaimNextContract moves the oldest PENDING contract of the worker to
	// CLAIMED in one conditional step. ErrNotFound means nothing is pending.
	ClaimNextContract(ctx context.Context, workerID string, now time.Time) (*domain.Contract, error)
	// CompleteContract applies a terminal status when the contract is CLAIMED
	// by update.WorkerID; ErrConflict otherwise.
	CompleteContract(ctx context.Context, update domain.CompletionUpdate) (*domain.Contract, error)
}

// ExecutionRepository records execution attempts.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *domain.Execution) error
	CompleteExecution(ctx context.Context, completion domain.ExecutionCompletion) error
	ListExecutions(ctx context.Context, contractID string) ([]domain.Execution, error)
}

// WorkerRepository manages registered workers.
type WorkerRepository interface {
	CreateWorker(ctx context.Context, worker *domain.Worker) error
	GetWorker(ctx context.Context, id string) (*domain.Worker, error)
	GetWorkerByToken(ctx context.Context, token string) (*domain.Worker, error)
	ListWorkers(ctx context.Context) ([]domain.Worker, error)
	RecordHeartbeat(ctx context.Context, update domain.HeartbeatUpdate) (*domain.Worker, error)
	// MarkStaleWorkersOffline flips online workers whose last heartbeat is
	// older than before and returns how many changed.
	MarkStaleWorkersOffline(ctx context.Context, before time.Time) (int, error)
}

// IntentionRepository stores forge requests.
type IntentionRepository interface {
	CreateIntention(ctx context.Context, intention *domain.Intention) error
	// DeleteIntention removes an intention no contract was stored for.
	DeleteIntention(ctx context.Context, id string) error
}

// TemplateRepository resolves published templates.
type TemplateRepository interface {
	GetPublishedTemplate(ctx context.Context, slug string) (*domain.Template, error)
	ListPublishedTemplates(ctx context.Context) ([]domain.Template, error)
}

// Store bundles every repository the coordinator needs.
type Store interface {
	ContractRepository
	ExecutionRepository
	WorkerRepository
	IntentionRepository
	TemplateRepository
}

// TemplateWriter publishes templates into a store.
type TemplateWriter interface {
	UpsertTemplate(ctx context.Context, template *domain.Template) error
}
