package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hamayni/forge/api/internal/app/migrate"
	"github.com/hamayni/forge/api/internal/repository/postgres"
	"github.com/hamayni/forge/api/internal/service/catalog"
	"github.com/hamayni/forge/pkg/config"
	"github.com/hamayni/forge/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down|templates)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	templatesDir := flag.String("templates", "", "template directory to publish (templates command, or after up)")
	flag.Parse()

	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", slog.LevelInfo)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	switch *command {
	case "up":
		if err := runner.Ensure(ctx); err != nil {
			log.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		if *templatesDir != "" {
			publishTemplates(ctx, pool, *templatesDir, log)
		}
	case "status":
		states, err := runner.Status(ctx)
		if err != nil {
			log.Error("failed to fetch migration status", "error", err)
			os.Exit(1)
		}
		for _, st := range states {
			applied := "pending"
			if st.Applied {
				applied = "applied " + st.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%05d  %-40s %s\n", st.Version, st.Path, applied)
		}
	case "down":
		if err := runner.Down(ctx, *target); err != nil {
			log.Error("failed to roll back migrations", "error", err)
			os.Exit(1)
		}
	case "templates":
		dir := *templatesDir
		if dir == "" {
			dir = cfg.TemplatesDir
		}
		if dir == "" {
			log.Error("templates command needs -templates or TEMPLATES_DIR")
			os.Exit(1)
		}
		publishTemplates(ctx, pool, dir, log)
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}

func publishTemplates(ctx context.Context, pool *pgxpool.Pool, dir string, log *slog.Logger) {
	templates, err := catalog.Open(dir, log)
	if err != nil {
		log.Error("failed to load templates", "dir", dir, "error", err)
		os.Exit(1)
	}
	n, err := templates.Sync(ctx, postgres.New(pool))
	if err != nil {
		log.Error("failed to publish templates", "error", err)
		os.Exit(1)
	}
	log.Info("templates published", "count", n)
}
