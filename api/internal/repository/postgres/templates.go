package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
)

const templateColumns = `id, slug, version, name, description, content, is_published, created_at`

// GetPublishedTemplate resolves a published template by slug.
func (r *Repository) GetPublishedTemplate(ctx context.Context, slug string) (*domain.Template, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM template_canons
		WHERE slug = $1 AND is_published`, strings.TrimSpace(slug))
	return scanTemplate(row)
}

// ListPublishedTemplates returns published templates ordered by slug.
func (r *Repository) ListPublishedTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+templateColumns+` FROM template_canons
		WHERE is_published ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := make([]domain.Template, 0)
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *tpl)
	}
	return templates, rows.Err()
}

// UpsertTemplate inserts or replaces a template keyed by slug.
func (r *Repository) UpsertTemplate(ctx context.Context, template *domain.Template) error {
	if template == nil || strings.TrimSpace(template.Slug) == "" || len(template.Content) == 0 {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO template_canons (id, slug, version, name, description, content, is_published, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (slug) DO UPDATE SET
			version = EXCLUDED.version,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			content = EXCLUDED.content,
			is_published = EXCLUDED.is_published`
	_, err := r.pool.Exec(ctx, query,
		template.ID,
		template.Slug,
		template.Version,
		template.Name,
		nullString(template.Description),
		string(template.Content),
		template.Published,
		template.CreatedAt.UTC(),
	)
	return mapError(err)
}

// CreateIntention stores a forge request with its encrypted inputs.
func (r *Repository) CreateIntention(ctx context.Context, intention *domain.Intention) error {
	if intention == nil || strings.TrimSpace(intention.ID) == "" {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO intentions (id, operator_id, template_slug, inputs, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query,
		intention.ID,
		intention.OperatorID,
		intention.TemplateSlug,
		intention.Inputs,
		intention.Status,
		intention.CreatedAt.UTC(),
	)
	return mapError(err)
}

// DeleteIntention removes an intention that never produced a contract.
func (r *Repository) DeleteIntention(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM intentions WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanTemplate(row pgx.Row) (*domain.Template, error) {
	var (
		t           domain.Template
		description sql.NullString
		content     []byte
	)
	if err := row.Scan(&t.ID, &t.Slug, &t.Version, &t.Name, &description, &content, &t.Published, &t.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	t.Description = description.String
	t.Content = content
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}
