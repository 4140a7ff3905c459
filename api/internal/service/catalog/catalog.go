// Package catalog serves published templates from a directory of YAML or
// JSON template documents.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/pkg/hfc"
)

// Dir is a file backed TemplateRepository.
type Dir struct {
	path string
	log  *slog.Logger

	mu        sync.RWMutex
	templates map[string]domain.Template
}

var _ repository.TemplateRepository = (*Dir)(nil)

// Open loads every template under path.
func Open(path string, log *slog.Logger) (*Dir, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Dir{path: path, log: log.With("component", "catalog")}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload rereads the directory. On error the previous set is kept.
func (d *Dir) Reload() error {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return fmt.Errorf("read templates dir: %w", err)
	}
	loaded := make(map[string]domain.Template)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		full := filepath.Join(d.path, entry.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("read template %s: %w", entry.Name(), err)
		}
		doc, err := hfc.ParseTemplate(entry.Name(), data)
		if err != nil {
			return err
		}
		if _, dup := loaded[doc.Slug]; dup {
			return fmt.Errorf("template %s: duplicate slug %q", entry.Name(), doc.Slug)
		}
		var modified time.Time
		if info, err := entry.Info(); err == nil {
			modified = info.ModTime().UTC()
		}
		loaded[doc.Slug] = FromDocument(doc, modified)
	}

	d.mu.Lock()
	d.templates = loaded
	d.mu.Unlock()
	d.log.Info("templates loaded", "dir", d.path, "count", len(loaded))
	return nil
}

// FromDocument converts a parsed document into a stored template. The id is
// derived from the slug so reloads keep it stable.
func FromDocument(doc hfc.TemplateDocument, created time.Time) domain.Template {
	return domain.Template{
		ID:          uuid.NewSHA1(uuid.NameSpaceURL, []byte("hfc-template:"+doc.Slug)).String(),
		Slug:        doc.Slug,
		Version:     doc.Version,
		Name:        doc.Name,
		Description: doc.Description,
		Content:     doc.Content,
		Published:   doc.Published,
		CreatedAt:   created,
	}
}

// GetPublishedTemplate resolves a published template by slug.
func (d *Dir) GetPublishedTemplate(ctx context.Context, slug string) (*domain.Template, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.templates[strings.TrimSpace(slug)]
	if !ok || !t.Published {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

// ListPublishedTemplates returns published templates ordered by slug.
func (d *Dir) ListPublishedTemplates(ctx context.Context) ([]domain.Template, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Template, 0, len(d.templates))
	for _, t := range d.templates {
		if t.Published {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// Sync writes every loaded template into w and returns how many were written.
func (d *Dir) Sync(ctx context.Context, w repository.TemplateWriter) (int, error) {
	d.mu.RLock()
	templates := make([]domain.Template, 0, len(d.templates))
	for _, t := range d.templates {
		templates = append(templates, t)
	}
	d.mu.RUnlock()

	sort.Slice(templates, func(i, j int) bool { return templates[i].Slug < templates[j].Slug })
	for i := range templates {
		if err := w.UpsertTemplate(ctx, &templates[i]); err != nil {
			return i, fmt.Errorf("sync template %s: %w", templates[i].Slug, err)
		}
	}
	return len(templates), nil
}
