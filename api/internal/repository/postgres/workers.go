package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
)

const workerColumns = `id, name, token, status, hostname, ip_address, last_heartbeat, created_at`

// CreateWorker registers a worker.
func (r *Repository) CreateWorker(ctx context.Context, worker *domain.Worker) error {
	if worker == nil || strings.TrimSpace(worker.ID) == "" || strings.TrimSpace(worker.Token) == "" {
		return repository.ErrInvalidArgument
	}
	status := worker.Status
	if status == "" {
		status = domain.WorkerStatusOffline
	}
	const query = `INSERT INTO workers (id, name, token, status, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.pool.Exec(ctx, query, worker.ID, worker.Name, worker.Token, status, worker.CreatedAt.UTC()); err != nil {
		return mapError(err)
	}
	worker.Status = status
	return nil
}

// GetWorker fetches a worker by identifier.
func (r *Repository) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, strings.TrimSpace(id))
	return scanWorker(row)
}

// GetWorkerByToken resolves the worker owning a bearer token.
func (r *Repository) GetWorkerByToken(ctx context.Context, token string) (*domain.Worker, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, repository.ErrNotFound
	}
	row := r.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE token = $1`, token)
	return scanWorker(row)
}

// ListWorkers returns every worker ordered by name.
func (r *Repository) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workers := make([]domain.Worker, 0)
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *worker)
	}
	return workers, rows.Err()
}

// RecordHeartbeat marks the worker online and refreshes its host details.
func (r *Repository) RecordHeartbeat(ctx context.Context, update domain.HeartbeatUpdate) (*domain.Worker, error) {
	query := `UPDATE workers SET
			status = 'online',
			last_heartbeat = $2,
			hostname = COALESCE(NULLIF($3, ''), hostname),
			ip_address = COALESCE(NULLIF($4, ''), ip_address)
		WHERE id = $1
		RETURNING ` + workerColumns
	row := r.pool.QueryRow(ctx, query,
		strings.TrimSpace(update.WorkerID),
		update.At.UTC(),
		strings.TrimSpace(update.Hostname),
		strings.TrimSpace(update.IPAddress),
	)
	return scanWorker(row)
}

// MarkStaleWorkersOffline flips online workers silent since before.
func (r *Repository) MarkStaleWorkersOffline(ctx context.Context, before time.Time) (int, error) {
	const query = `UPDATE workers SET status = 'offline'
		WHERE status = 'online' AND (last_heartbeat IS NULL OR last_heartbeat < $1)`
	tag, err := r.pool.Exec(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanWorker(row pgx.Row) (*domain.Worker, error) {
	var (
		w         domain.Worker
		hostname  sql.NullString
		ip        sql.NullString
		heartbeat sql.NullTime
	)
	if err := row.Scan(&w.ID, &w.Name, &w.Token, &w.Status, &hostname, &ip, &heartbeat, &w.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	w.Hostname = hostname.String
	w.IPAddress = ip.String
	if heartbeat.Valid {
		t := heartbeat.Time.UTC()
		w.LastHeartbeat = &t
	}
	w.CreatedAt = w.CreatedAt.UTC()
	return &w, nil
}
