package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/hamayni/forge/api/internal/app/migrate"
	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/pkg/hfc"
)

// newTestRepository connects to HFC_TEST_DATABASE_URL and applies the
// embedded migrations. Tests are skipped when it is unset.
func newTestRepository(t *testing.T) (*Repository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("HFC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("HFC_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	runner, err := migrate.New(pool, dsn, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migrate runner: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return New(pool), pool
}

func seedWorker(t *testing.T, r *Repository, pool *pgxpool.Pool) string {
	t.Helper()
	id := "w-" + uuid.NewString()
	err := r.CreateWorker(context.Background(), &domain.Worker{ID: id, Name: id, Token: "tok-" + id, Status: domain.WorkerStatusOffline, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = pool.Exec(ctx, `DELETE FROM contracts WHERE server_id = $1`, id)
		_, _ = pool.Exec(ctx, `DELETE FROM workers WHERE id = $1`, id)
	})
	return id
}

func seedContract(t *testing.T, r *Repository, workerID string, created time.Time) string {
	t.Helper()
	id := "c-" + uuid.NewString()
	err := r.CreateContract(context.Background(), &domain.Contract{
		ID:              id,
		TemplateSlug:    "hfc.test",
		TemplateVersion: "1.0.0",
		ServerID:        workerID,
		Status:          hfc.StatusPending,
		IntegrityHash:   "hash",
		ForgedBy:        "op",
		Document:        []byte(`{}`),
		Script:          "#!/bin/bash\n",
		CreatedAt:       created,
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return id
}

func TestClaimNextContractConcurrentClaimsAreDisjoint(t *testing.T) {
	r, pool := newTestRepository(t)
	ctx := context.Background()
	worker := seedWorker(t, r, pool)
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	seeded := make(map[string]bool)
	for i := 0; i < 4; i++ {
		seeded[seedContract(t, r, worker, base.Add(time.Duration(i)*time.Second))] = true
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		empty   int
	)
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			c, err := r.ClaimNextContract(ctx, worker, time.Now().UTC())
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, repository.ErrNotFound) {
				empty++
				return nil
			}
			if err != nil {
				return err
			}
			claimed[c.ID]++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 4 || empty != 12 {
		t.Fatalf("expected 4 distinct claims and 12 empty results, got %v and %d", claimed, empty)
	}
	for id, n := range claimed {
		if n != 1 || !seeded[id] {
			t.Fatalf("contract %s claimed %d times", id, n)
		}
	}
}

func TestClaimNextContractOldestFirstAndCompletion(t *testing.T) {
	r, pool := newTestRepository(t)
	ctx := context.Background()
	worker := seedWorker(t, r, pool)
	other := seedWorker(t, r, pool)
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	newer := seedContract(t, r, worker, base.Add(time.Minute))
	older := seedContract(t, r, worker, base)

	claimedAt := base.Add(time.Hour)
	c, err := r.ClaimNextContract(ctx, worker, claimedAt)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c.ID != older || c.Status != hfc.StatusClaimed {
		t.Fatalf("expected oldest contract claimed, got %+v", c)
	}

	update := domain.CompletionUpdate{ContractID: older, WorkerID: other, Status: hfc.StatusSuccess, Logs: "ok", CompletedAt: claimedAt.Add(1500 * time.Millisecond)}
	if _, err := r.CompleteContract(ctx, update); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict for foreign worker, got %v", err)
	}
	if _, err := r.CompleteContract(ctx, domain.CompletionUpdate{ContractID: newer, WorkerID: worker, Status: hfc.StatusSuccess, CompletedAt: claimedAt}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict for pending contract, got %v", err)
	}

	update.WorkerID = worker
	done, err := r.CompleteContract(ctx, update)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != hfc.StatusSuccess || done.DurationMS == nil || *done.DurationMS != 1500 || done.ExecutionLogs != "ok" {
		t.Fatalf("unexpected completion %+v", done)
	}
	if _, err := r.CompleteContract(ctx, update); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict on second completion, got %v", err)
	}
	if _, err := r.CompleteContract(ctx, domain.CompletionUpdate{ContractID: "c-missing", WorkerID: worker, Status: hfc.StatusFailed, CompletedAt: claimedAt}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
