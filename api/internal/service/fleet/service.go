// Package fleet manages registered workers: enrolment, contract assignment
// and the liveness sweep.
package fleet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/pkg/config"
)

// TokenPrefix marks worker bearer tokens.
const TokenPrefix = "hfc_"

const (
	defaultSweepInterval = time.Minute
	defaultStaleAfter    = 3 * time.Minute
	sweepTimeout         = 15 * time.Second
)

var (
	ErrNameRequired   = errors.New("server name is required")
	ErrInvalidName    = errors.New("server name must not contain control characters")
	ErrServerRequired = errors.New("server_id is required")
	ErrTokenRequired  = errors.New("missing token parameter")
	ErrInvalidToken   = errors.New("invalid token")
)

// Publisher receives contract lifecycle events.
type Publisher interface {
	Publish(evt domain.ContractEvent)
}

// Store is the persistence the fleet service needs.
type Store interface {
	repository.WorkerRepository
	repository.ContractRepository
}

// Service manages workers.
type Service struct {
	store      Store
	events     Publisher
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
	publicURL  string

	now      func() time.Time
	newToken func() (string, error)
}

// New returns a fleet service.
func New(store Store, events Publisher, logger *slog.Logger, cfg config.APIConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.HealthSweepEvery
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	staleAfter := cfg.WorkerStaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Service{
		store:      store,
		events:     events,
		logger:     logger.With("component", "fleet"),
		interval:   interval,
		staleAfter: staleAfter,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		now:        time.Now,
		newToken:   GenerateToken,
	}
}

// GenerateToken returns a fresh worker bearer token.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(buf), nil
}

// Register enrols a worker. The returned worker carries its token, which is
// only shown once.
func (s *Service) Register(ctx context.Context, name string) (*domain.Worker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return nil, ErrInvalidName
	}
	token, err := s.newToken()
	if err != nil {
		return nil, err
	}
	worker := &domain.Worker{
		ID:        uuid.NewString(),
		Name:      name,
		Token:     token,
		Status:    domain.WorkerStatusOffline,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateWorker(ctx, worker); err != nil {
		return nil, err
	}
	s.logger.Info("worker registered", "server_id", worker.ID, "name", name)
	return worker, nil
}

// List returns every registered worker.
func (s *Service) List(ctx context.Context) ([]domain.Worker, error) {
	return s.store.ListWorkers(ctx)
}

// Assign targets a pending contract at a worker.
func (s *Service) Assign(ctx context.Context, contractID, workerID string) (*domain.Contract, error) {
	contractID = strings.TrimSpace(contractID)
	workerID = strings.TrimSpace(workerID)
	if contractID == "" {
		return nil, repository.ErrInvalidArgument
	}
	if workerID == "" {
		return nil, ErrServerRequired
	}
	c, err := s.store.AssignContract(ctx, contractID, workerID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("contract assigned", "contract_id", c.ID, "server_id", workerID)
	if s.events != nil {
		s.events.Publish(domain.NewContractEvent(domain.EventContractAssigned, *c, s.now()))
	}
	return c, nil
}

// Sweep marks workers offline whose last heartbeat is too old.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.MarkStaleWorkersOffline(ctx, s.now().UTC().Add(-s.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("sweep stale workers: %w", err)
	}
	if n > 0 {
		s.logger.Info("workers marked offline", "count", n)
	}
	return n, nil
}

// Run sweeps on every interval until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("health sweeper started", "interval", s.interval, "stale_after", s.staleAfter)
	s.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("health sweeper stopped")
			return
		case <-ticker.C:
			s.runIteration(ctx)
		}
	}
}

func (s *Service) runIteration(parent context.Context) {
	timeout := sweepTimeout
	if s.interval < timeout {
		timeout = s.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil && parent.Err() == nil {
		s.logger.Warn("health sweep failed", "error", err)
	}
}
