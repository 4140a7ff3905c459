// Package runner implements the coordinator side of the worker protocol:
// heartbeats, atomic claims and execution reports.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/pkg/config"
	"github.com/hamayni/forge/pkg/hfc"
)

// API identity reported by Status.
const (
	APIName    = "hfc-runner-api"
	APIVersion = "3.1"
)

const defaultLogLimit = 10000

var (
	ErrTokenRequired = errors.New("missing token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrNotOwner      = errors.New("contract is not assigned to this server")
	ErrNotClaimed    = errors.New("contract is not claimed")
	ErrInvalidStatus = errors.New("status must be SUCCESS or FAILED")
	ErrMissingFields = errors.New("missing required fields")
)

// Publisher receives contract lifecycle events.
type Publisher interface {
	Publish(evt domain.ContractEvent)
}

// Store is the persistence the coordinator needs.
type Store interface {
	repository.WorkerRepository
	repository.ContractRepository
	repository.ExecutionRepository
}

// HeartbeatInput is a worker liveness signal.
type HeartbeatInput struct {
	Token    string
	Hostname string
	IP       string
}

// HeartbeatResult identifies the worker the token belongs to.
type HeartbeatResult struct {
	ServerID string
}

// ClaimResult is a contract handed to a worker. ExecutionID is empty when
// the execution record could not be written.
type ClaimResult struct {
	ContractID  string
	Script      string
	ExecutionID string
}

// ReportInput is the outcome of running a claimed contract.
type ReportInput struct {
	Token       string
	ContractID  string
	Status      string
	Logs        string
	ExecutionID string
}

// ReportResult echoes the recorded outcome.
type ReportResult struct {
	ContractID string
	Status     hfc.Status
	DurationMS *int64
}

// StatusInfo describes the coordinator API.
type StatusInfo struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Name    string `json:"name"`
}

// Service is the coordinator.
type Service struct {
	store      Store
	events     Publisher
	metrics    *Metrics
	logger     *slog.Logger
	logLimit   int
	staleAfter time.Duration

	now   func() time.Time
	newID func() string
}

// New returns a coordinator service.
func New(store Store, events Publisher, metrics *Metrics, logger *slog.Logger, cfg config.APIConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.ReportLogLimit
	if limit <= 0 {
		limit = defaultLogLimit
	}
	staleAfter := cfg.WorkerStaleAfter
	if staleAfter <= 0 {
		staleAfter = 3 * time.Minute
	}
	return &Service{
		store:      store,
		events:     events,
		metrics:    metrics,
		logger:     logger.With("component", "coordinator"),
		logLimit:   limit,
		staleAfter: staleAfter,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Authenticate resolves a worker from its bearer token.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.Worker, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenRequired
	}
	worker, err := s.store.GetWorkerByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return worker, nil
}

// Heartbeat marks the worker online and refreshes its address. Stale workers
// are swept afterwards; a failing sweep does not fail the heartbeat.
func (s *Service) Heartbeat(ctx context.Context, input HeartbeatInput) (*HeartbeatResult, error) {
	worker, err := s.Authenticate(ctx, input.Token)
	if err != nil {
		s.metrics.heartbeat("rejected")
		return nil, err
	}
	ip := strings.TrimSpace(input.IP)
	if ip == "0.0.0.0" {
		ip = ""
	}
	now := s.now().UTC()
	if _, err := s.store.RecordHeartbeat(ctx, domain.HeartbeatUpdate{
		WorkerID:  worker.ID,
		Hostname:  strings.TrimSpace(input.Hostname),
		IPAddress: ip,
		At:        now,
	}); err != nil {
		s.metrics.heartbeat("error")
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}
	s.metrics.heartbeat("ok")

	if n, err := s.store.MarkStaleWorkersOffline(ctx, now.Add(-s.staleAfter)); err != nil {
		s.logger.Warn("health sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Info("workers marked offline", "count", n)
	}
	return &HeartbeatResult{ServerID: worker.ID}, nil
}

// Claim hands the worker its oldest pending contract. A nil result with a
// nil error means there is nothing to do.
func (s *Service) Claim(ctx context.Context, token string) (*ClaimResult, error) {
	worker, err := s.Authenticate(ctx, token)
	if err != nil {
		s.metrics.claim("rejected")
		return nil, err
	}
	now := s.now().UTC()
	contract, err := s.store.ClaimNextContract(ctx, worker.ID, now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.claim("empty")
			return nil, nil
		}
		s.metrics.claim("error")
		return nil, fmt.Errorf("claim contract: %w", err)
	}
	s.metrics.claim("claimed")

	result := &ClaimResult{ContractID: contract.ID, Script: contract.Script}
	startedAt := now
	if contract.ClaimedAt != nil {
		startedAt = *contract.ClaimedAt
	}
	execution := &domain.Execution{
		ID:         s.newID(),
		ContractID: contract.ID,
		ServerID:   worker.ID,
		ServerName: worker.Name,
		Status:     hfc.StatusClaimed,
		StartedAt:  startedAt,
	}
	if err := s.store.CreateExecution(ctx, execution); err != nil {
		s.logger.Warn("record execution failed", "contract_id", contract.ID, "error", err)
	} else {
		result.ExecutionID = execution.ID
	}

	s.logger.Info("contract claimed", "contract_id", contract.ID, "server_id", worker.ID, "execution_id", result.ExecutionID)
	s.publish(domain.EventContractClaimed, *contract, now)
	return result, nil
}

// Report records the terminal outcome of a claimed contract. Replaying the
// same outcome for an already completed contract returns the stored result.
func (s *Service) Report(ctx context.Context, input ReportInput) (*ReportResult, error) {
	if strings.TrimSpace(input.Token) == "" || strings.TrimSpace(input.ContractID) == "" || strings.TrimSpace(input.Status) == "" {
		return nil, ErrMissingFields
	}
	status := hfc.Status(strings.ToUpper(strings.TrimSpace(input.Status)))
	if !status.Terminal() {
		return nil, ErrInvalidStatus
	}
	worker, err := s.Authenticate(ctx, input.Token)
	if err != nil {
		return nil, err
	}
	contractID := strings.TrimSpace(input.ContractID)
	current, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotOwner
		}
		return nil, err
	}
	if current.ServerID != worker.ID {
		return nil, ErrNotOwner
	}

	now := s.now().UTC()
	logs := tail(input.Logs, s.logLimit)
	done, err := s.store.CompleteContract(ctx, domain.CompletionUpdate{
		ContractID:  contractID,
		WorkerID:    worker.ID,
		Status:      status,
		Logs:        logs,
		CompletedAt: now,
	})
	if err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("complete contract: %w", err)
		}
		latest, getErr := s.store.GetContract(ctx, contractID)
		if getErr != nil {
			return nil, getErr
		}
		if latest.ServerID == worker.ID && latest.Status == status {
			completedAt := now
			if latest.CompletedAt != nil {
				completedAt = *latest.CompletedAt
			}
			s.completeExecution(ctx, latest, input.ExecutionID, completedAt)
			return &ReportResult{ContractID: latest.ID, Status: latest.Status, DurationMS: latest.DurationMS}, nil
		}
		return nil, fmt.Errorf("%w: status is %s", ErrNotClaimed, latest.Status)
	}
	s.metrics.report(string(status))

	duration := s.completeExecution(ctx, done, input.ExecutionID, now)

	s.logger.Info("contract completed", "contract_id", contractID, "server_id", worker.ID, "status", status, "duration_ms", duration)
	s.publish(domain.EventContractCompleted, *done, now)
	return &ReportResult{ContractID: done.ID, Status: done.Status, DurationMS: done.DurationMS}, nil
}

// completeExecution mirrors the terminal contract onto its execution record.
// Completed executions are left untouched, so a replayed report converges a
// record whose first write failed.
func (s *Service) completeExecution(ctx context.Context, c *domain.Contract, executionID string, at time.Time) int64 {
	var duration int64
	if c.DurationMS != nil {
		duration = *c.DurationMS
	}
	if err := s.store.CompleteExecution(ctx, domain.ExecutionCompletion{
		ID:          strings.TrimSpace(executionID),
		ContractID:  c.ID,
		Status:      c.Status,
		Logs:        c.ExecutionLogs,
		CompletedAt: at,
		DurationMS:  duration,
	}); err != nil {
		s.logger.Warn("complete execution failed", "contract_id", c.ID, "execution_id", executionID, "error", err)
	}
	return duration
}

// Status describes the API.
func (s *Service) Status() StatusInfo {
	return StatusInfo{Status: "ok", Version: APIVersion, Name: APIName}
}

func (s *Service) publish(eventType string, c domain.Contract, at time.Time) {
	if s.events == nil {
		return
	}
	s.events.Publish(domain.NewContractEvent(eventType, c, at))
}

// tail keeps the last limit bytes of s without splitting a UTF-8 sequence.
func tail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	out := s[len(s)-limit:]
	for len(out) > 0 && !utf8.RuneStart(out[0]) {
		out = out[1:]
	}
	return out
}
