package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/api/internal/repository/memory"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestOpenLoadsPublishedTemplates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "slug: hfc.a\ncontent:\n  header: {}\n")
	writeFile(t, dir, "b.json", `{"slug":"hfc.b","published":false,"content":{"header":{}}}`)
	writeFile(t, dir, "notes.txt", "ignored")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cat, err := Open(dir, log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	list, err := cat.ListPublishedTemplates(context.Background())
	if err != nil || len(list) != 1 || list[0].Slug != "hfc.a" {
		t.Fatalf("unexpected templates %+v (%v)", list, err)
	}
	if _, err := cat.GetPublishedTemplate(context.Background(), "hfc.b"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected unpublished template to be hidden, got %v", err)
	}
	tpl, err := cat.GetPublishedTemplate(context.Background(), "hfc.a")
	if err != nil || tpl.Version != "1.0.0" {
		t.Fatalf("unexpected template %+v (%v)", tpl, err)
	}

	store := memory.New()
	n, err := cat.Sync(context.Background(), store)
	if err != nil || n != 2 {
		t.Fatalf("sync: %d (%v)", n, err)
	}
	if _, err := store.GetPublishedTemplate(context.Background(), "hfc.a"); err != nil {
		t.Fatalf("expected synced template: %v", err)
	}
}

func TestOpenRejectsDuplicateSlugs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "slug: hfc.a\ncontent:\n  header: {}\n")
	writeFile(t, dir, "b.yml", "slug: hfc.a\ncontent:\n  header: {}\n")

	if _, err := Open(dir, nil); err == nil {
		t.Fatalf("expected duplicate slug error")
	}
}
