package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/pkg/hfc"
)

const contractColumns = `id, intention_id, template_slug, template_version, server_id, status, integrity_hash,
	forged_by, hfc_json, compiled_script, execution_logs, created_at, claimed_at, completed_at, duration_ms`

const contractExists = `SELECT EXISTS (SELECT 1 FROM contracts WHERE id = $1)`

// CreateContract inserts a forged contract.
func (r *Repository) CreateContract(ctx context.Context, contract *domain.Contract) error {
	if contract == nil || strings.TrimSpace(contract.ID) == "" {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO contracts (
		id, intention_id, template_slug, template_version, server_id, status,
		integrity_hash, forged_by, hfc_json, compiled_script, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query,
		contract.ID,
		nullString(contract.IntentionID),
		contract.TemplateSlug,
		contract.TemplateVersion,
		nullString(contract.ServerID),
		string(contract.Status),
		contract.IntegrityHash,
		contract.ForgedBy,
		string(contract.Document),
		contract.Script,
		contract.CreatedAt.UTC(),
	)
	return mapError(err)
}

// GetContract fetches a contract by identifier.
func (r *Repository) GetContract(ctx context.Context, id string) (*domain.Contract, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, strings.TrimSpace(id))
	return scanContract(row)
}

// ListContracts returns contracts newest first.
func (r *Repository) ListContracts(ctx context.Context, filter domain.ContractFilter) ([]domain.Contract, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + contractColumns + ` FROM contracts
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR server_id = $2)
		ORDER BY created_at DESC, id
		LIMIT $3`
	rows, err := r.pool.Query(ctx, query, string(filter.Status), filter.ServerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contracts := make([]domain.Contract, 0)
	for rows.Next() {
		contract, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *contract)
	}
	return contracts, rows.Err()
}

// AssignContract targets a pending contract at a worker.
func (r *Repository) AssignContract(ctx context.Context, contractID, workerID string) (*domain.Contract, error) {
	query := `UPDATE contracts SET server_id = $2
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + contractColumns
	contract, err := scanContract(r.pool.QueryRow(ctx, query, strings.TrimSpace(contractID), strings.TrimSpace(workerID)))
	if err == nil {
		return contract, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	found, existsErr := r.exists(ctx, contractExists, contractID)
	if existsErr != nil {
		return nil, existsErr
	}
	if found {
		return nil, repository.ErrConflict
	}
	return nil, repository.ErrNotFound
}

// ClaimNextContract transitions the oldest pending contract of the worker to
// CLAIMED. SKIP LOCKED lets concurrent claimers pass over a row another
// transaction is already taking; the status predicate on the outer UPDATE
// keeps the transition conditional.
func (r *Repository) ClaimNextContract(ctx context.Context, workerID string, now time.Time) (*domain.Contract, error) {
	query := `UPDATE contracts SET status = 'CLAIMED', claimed_at = $2
		WHERE id = (
			SELECT id FROM contracts
			WHERE server_id = $1 AND status = 'PENDING'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = 'PENDING'
		RETURNING ` + contractColumns
	return scanContract(r.pool.QueryRow(ctx, query, strings.TrimSpace(workerID), now.UTC()))
}

// CompleteContract applies a terminal status to a contract claimed by the worker.
func (r *Repository) CompleteContract(ctx context.Context, update domain.CompletionUpdate) (*domain.Contract, error) {
	if !update.Status.Terminal() {
		return nil, repository.ErrInvalidArgument
	}
	query := `UPDATE contracts SET
			status = $3,
			execution_logs = $4,
			completed_at = $5,
			duration_ms = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($5::timestamptz - claimed_at)) * 1000))::bigint
		WHERE id = $1 AND server_id = $2 AND status = 'CLAIMED'
		RETURNING ` + contractColumns
	contract, err := scanContract(r.pool.QueryRow(ctx, query,
		strings.TrimSpace(update.ContractID),
		strings.TrimSpace(update.WorkerID),
		string(update.Status),
		update.Logs,
		update.CompletedAt.UTC(),
	))
	if err == nil {
		return contract, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	found, existsErr := r.exists(ctx, contractExists, update.ContractID)
	if existsErr != nil {
		return nil, existsErr
	}
	if found {
		return nil, repository.ErrConflict
	}
	return nil, repository.ErrNotFound
}

func scanContract(row pgx.Row) (*domain.Contract, error) {
	var (
		c           domain.Contract
		intentionID sql.NullString
		serverID    sql.NullString
		status      string
		document    []byte
		logs        sql.NullString
		claimedAt   sql.NullTime
		completedAt sql.NullTime
		duration    sql.NullInt64
	)
	if err := row.Scan(
		&c.ID,
		&intentionID,
		&c.TemplateSlug,
		&c.TemplateVersion,
		&serverID,
		&status,
		&c.IntegrityHash,
		&c.ForgedBy,
		&document,
		&c.Script,
		&logs,
		&c.CreatedAt,
		&claimedAt,
		&completedAt,
		&duration,
	); err != nil {
		return nil, mapError(err)
	}
	c.IntentionID = intentionID.String
	c.ServerID = serverID.String
	c.Status = hfc.Status(status)
	c.Document = document
	c.ExecutionLogs = logs.String
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		c.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		c.CompletedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		c.DurationMS = &d
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func nullString(value string) sql.NullString {
	value = strings.TrimSpace(value)
	return sql.NullString{String: value, Valid: value != ""}
}
