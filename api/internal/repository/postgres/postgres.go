package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hamayni/forge/api/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ContractRepository  = (*Repository)(nil)
	_ repository.ExecutionRepository = (*Repository)(nil)
	_ repository.WorkerRepository    = (*Repository)(nil)
	_ repository.IntentionRepository = (*Repository)(nil)
	_ repository.TemplateRepository  = (*Repository)(nil)
	_ repository.TemplateWriter      = (*Repository)(nil)
	_ repository.Store               = (*Repository)(nil)
)

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// mapError translates driver errors into repository sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503", "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func (r *Repository) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
