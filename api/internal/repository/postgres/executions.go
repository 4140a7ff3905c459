package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/pkg/hfc"
)

const executionColumns = `id, contract_id, server_id, server_name, status, started_at, completed_at, duration_ms, logs`

// CreateExecution records a claim. Re-inserting the same id is a no-op.
func (r *Repository) CreateExecution(ctx context.Context, execution *domain.Execution) error {
	if execution == nil || strings.TrimSpace(execution.ID) == "" {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO contract_executions (id, contract_id, server_id, server_name, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query,
		execution.ID,
		execution.ContractID,
		execution.ServerID,
		execution.ServerName,
		string(execution.Status),
		execution.StartedAt.UTC(),
	)
	return mapError(err)
}

// CompleteExecution closes an open execution. Completing an already closed
// execution is a no-op.
func (r *Repository) CompleteExecution(ctx context.Context, completion domain.ExecutionCompletion) error {
	id := strings.TrimSpace(completion.ID)
	args := []any{
		completion.ContractID,
		string(completion.Status),
		completion.CompletedAt.UTC(),
		completion.DurationMS,
		completion.Logs,
	}
	if id == "" {
		const latestOpen = `UPDATE contract_executions
			SET status = $2, completed_at = $3, duration_ms = $4, logs = $5
			WHERE id = (
				SELECT id FROM contract_executions
				WHERE contract_id = $1 AND completed_at IS NULL
				ORDER BY started_at DESC
				LIMIT 1
			)`
		_, err := r.pool.Exec(ctx, latestOpen, args...)
		return mapError(err)
	}

	const byID = `UPDATE contract_executions
		SET status = $2, completed_at = $3, duration_ms = $4, logs = $5
		WHERE contract_id = $1 AND id = $6 AND completed_at IS NULL`
	tag, err := r.pool.Exec(ctx, byID, append(args, id)...)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	found, err := r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM contract_executions WHERE id = $1 AND contract_id = $2)`, id, completion.ContractID)
	if err != nil {
		return err
	}
	if !found {
		return repository.ErrNotFound
	}
	return nil
}

// ListExecutions returns executions of a contract, oldest first.
func (r *Repository) ListExecutions(ctx context.Context, contractID string) ([]domain.Execution, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+executionColumns+` FROM contract_executions
		WHERE contract_id = $1 ORDER BY started_at, id`, strings.TrimSpace(contractID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	executions := make([]domain.Execution, 0)
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *execution)
	}
	return executions, rows.Err()
}

func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var (
		e           domain.Execution
		status      string
		completedAt sql.NullTime
		duration    sql.NullInt64
		logs        sql.NullString
	)
	if err := row.Scan(&e.ID, &e.ContractID, &e.ServerID, &e.ServerName, &status, &e.StartedAt, &completedAt, &duration, &logs); err != nil {
		return nil, mapError(err)
	}
	e.Status = hfc.Status(status)
	e.StartedAt = e.StartedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		e.CompletedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		e.DurationMS = &d
	}
	e.Logs = logs.String
	return &e, nil
}
