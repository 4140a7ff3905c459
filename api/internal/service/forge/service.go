// Package forge turns a template and operator inputs into a signed, compiled
// contract waiting to be claimed.
package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/pkg/config"
	"github.com/hamayni/forge/pkg/crypto"
	"github.com/hamayni/forge/pkg/hfc"
)

var (
	ErrTemplateRequired = errors.New("template_slug is required")
	ErrTemplateNotFound = errors.New("template not found or not published")
)

// Publisher receives contract lifecycle events.
type Publisher interface {
	Publish(evt domain.ContractEvent)
}

// Store is the persistence the forge writes to.
type Store interface {
	repository.ContractRepository
	repository.ExecutionRepository
	repository.IntentionRepository
	GetWorker(ctx context.Context, id string) (*domain.Worker, error)
}

// ForgeInput is an operator request to forge a contract.
type ForgeInput struct {
	Principal    string
	TemplateSlug string
	Inputs       map[string]any
	ServerID     string
}

// ForgeResult is the forged contract.
type ForgeResult struct {
	ContractID     string
	IntegrityHash  string
	CompiledScript string
	Contract       hfc.Contract
	Record         domain.Contract
}

// Verification reports whether a stored contract still matches its proofs.
type Verification struct {
	ContractID    string `json:"contract_id"`
	IntegrityHash string `json:"integrity_hash"`
	IntegrityOK   bool   `json:"integrity_ok"`
	SignatureOK   bool   `json:"signature_ok"`
}

// Detail is a stored contract with its document and execution history.
type Detail struct {
	Contract   domain.Contract
	Document   json.RawMessage
	Script     string
	Executions []domain.Execution
}

// Service forges contracts.
type Service struct {
	templates  repository.TemplateRepository
	store      Store
	events     Publisher
	logger     *slog.Logger
	signingKey []byte
	inputsKey  string

	now   func() time.Time
	newID func() string
}

// New returns a forge service.
func New(templates repository.TemplateRepository, store Store, events Publisher, logger *slog.Logger, cfg config.APIConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		templates:  templates,
		store:      store,
		events:     events,
		logger:     logger.With("component", "forge"),
		signingKey: crypto.DeriveKey(cfg.SigningSecret, crypto.PurposeSigning),
		inputsKey:  cfg.InputsKey,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Forge resolves the template, signs and compiles the contract and stores it
// as PENDING. Nothing is stored when resolution or validation fails.
func (s *Service) Forge(ctx context.Context, input ForgeInput) (*ForgeResult, error) {
	slug := strings.TrimSpace(input.TemplateSlug)
	if slug == "" {
		return nil, ErrTemplateRequired
	}
	tpl, err := s.templates.GetPublishedTemplate(ctx, slug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, slug)
		}
		return nil, err
	}

	serverID := strings.TrimSpace(input.ServerID)
	if serverID != "" {
		if _, err := s.store.GetWorker(ctx, serverID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown server %s", repository.ErrInvalidArgument, serverID)
			}
			return nil, err
		}
	}

	now := s.now().UTC()
	contractID := s.newID()
	contract, err := hfc.Build(tpl.Content, input.Inputs, hfc.Identity{
		ContractID:      contractID,
		TemplateSlug:    tpl.Slug,
		TemplateVersion: tpl.Version,
		ForgedBy:        input.Principal,
		CreatedAt:       now,
	})
	if err != nil {
		return nil, err
	}
	inputs := input.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	contract, err = hfc.Sign(contract, s.signingKey, now, hfc.SignOptions{Template: tpl.Content, Inputs: inputs})
	if err != nil {
		return nil, err
	}
	script, err := hfc.Compile(contract)
	if err != nil {
		return nil, err
	}
	document, err := json.Marshal(contract)
	if err != nil {
		return nil, fmt.Errorf("encode contract: %w", err)
	}

	rawInputs, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	sealed, err := crypto.Encrypt(s.inputsKey, rawInputs)
	if err != nil {
		return nil, fmt.Errorf("encrypt inputs: %w", err)
	}
	intention := &domain.Intention{
		ID:           s.newID(),
		OperatorID:   input.Principal,
		TemplateSlug: tpl.Slug,
		Inputs:       sealed,
		Status:       domain.IntentionStatusForged,
		CreatedAt:    now,
	}
	if err := s.store.CreateIntention(ctx, intention); err != nil {
		return nil, fmt.Errorf("store intention: %w", err)
	}

	record := domain.Contract{
		ID:              contractID,
		IntentionID:     intention.ID,
		TemplateSlug:    tpl.Slug,
		TemplateVersion: tpl.Version,
		ServerID:        serverID,
		Status:          hfc.StatusPending,
		IntegrityHash:   contract.Proofs.IntegrityHash,
		ForgedBy:        input.Principal,
		Document:        document,
		Script:          script,
		CreatedAt:       now,
	}
	if err := s.store.CreateContract(ctx, &record); err != nil {
		if delErr := s.store.DeleteIntention(context.WithoutCancel(ctx), intention.ID); delErr != nil {
			s.logger.Warn("discard intention failed", "intention_id", intention.ID, "error", delErr)
		}
		return nil, fmt.Errorf("store contract: %w", err)
	}

	s.logger.Info("contract forged", "contract_id", contractID, "template", tpl.Slug, "version", tpl.Version, "server_id", record.ServerID, "forged_by", input.Principal)
	s.publish(domain.EventContractForged, record, now)

	return &ForgeResult{
		ContractID:     contractID,
		IntegrityHash:  contract.Proofs.IntegrityHash,
		CompiledScript: script,
		Contract:       contract,
		Record:         record,
	}, nil
}

// Get returns a stored contract with its executions.
func (s *Service) Get(ctx context.Context, contractID string) (*Detail, error) {
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return nil, repository.ErrInvalidArgument
	}
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	executions, err := s.store.ListExecutions(ctx, contractID)
	if err != nil {
		return nil, err
	}
	return &Detail{Contract: *c, Document: c.Document, Script: c.Script, Executions: executions}, nil
}

// List returns contracts matching filter, newest first.
func (s *Service) List(ctx context.Context, filter domain.ContractFilter) ([]domain.Contract, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", repository.ErrInvalidArgument, filter.Status)
	}
	return s.store.ListContracts(ctx, filter)
}

// Verify recomputes the integrity hash and signature of a stored contract.
func (s *Service) Verify(ctx context.Context, contractID string) (*Verification, error) {
	c, err := s.store.GetContract(ctx, strings.TrimSpace(contractID))
	if err != nil {
		return nil, err
	}
	var doc hfc.Contract
	if err := json.Unmarshal(c.Document, &doc); err != nil {
		return nil, fmt.Errorf("decode stored contract: %w", err)
	}
	result := &Verification{ContractID: c.ID, IntegrityHash: c.IntegrityHash}
	result.IntegrityOK = hfc.Verify(doc) == nil && doc.Proofs.IntegrityHash == c.IntegrityHash
	result.SignatureOK = hfc.VerifySignature(doc, s.signingKey) == nil
	if !result.IntegrityOK || !result.SignatureOK {
		s.logger.Warn("contract verification failed", "contract_id", c.ID, "integrity_ok", result.IntegrityOK, "signature_ok", result.SignatureOK)
	}
	return result, nil
}

// Templates lists published templates.
func (s *Service) Templates(ctx context.Context) ([]domain.Template, error) {
	return s.templates.ListPublishedTemplates(ctx)
}

func (s *Service) publish(eventType string, c domain.Contract, at time.Time) {
	if s.events == nil {
		return
	}
	s.events.Publish(domain.NewContractEvent(eventType, c, at))
}
