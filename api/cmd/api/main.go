package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/hamayni/forge/api/internal/app/migrate"
	httpx "github.com/hamayni/forge/api/internal/http"
	"github.com/hamayni/forge/api/internal/repository"
	"github.com/hamayni/forge/api/internal/repository/memory"
	"github.com/hamayni/forge/api/internal/repository/postgres"
	"github.com/hamayni/forge/api/internal/service/catalog"
	"github.com/hamayni/forge/api/internal/service/fleet"
	"github.com/hamayni/forge/api/internal/service/forge"
	"github.com/hamayni/forge/api/internal/service/runner"
	"github.com/hamayni/forge/api/internal/ws"
	"github.com/hamayni/forge/pkg/config"
	"github.com/hamayni/forge/pkg/jwt"
	"github.com/hamayni/forge/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
)

type store interface {
	repository.Store
	repository.TemplateWriter
	Ping(ctx context.Context) error
}

func main() {
	issueToken := flag.String("issue-token", "", "print an operator token for the given operator id and exit")
	tokenRole := flag.String("token-role", "operator", "role claim for -issue-token")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the token printed by -issue-token")
	flag.Parse()

	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	if *issueToken != "" {
		token, err := jwt.GenerateToken(*issueToken, *tokenRole, cfg.JWTSecret, *tokenTTL)
		if err != nil {
			log.Error("failed to issue token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	if dir := strings.TrimSpace(cfg.TemplatesDir); dir != "" {
		templates, err := catalog.Open(dir, log)
		if err != nil {
			log.Error("failed to load templates", "dir", dir, "error", err)
			os.Exit(1)
		}
		n, err := templates.Sync(ctx, repo)
		if err != nil {
			log.Error("failed to publish templates", "error", err)
			os.Exit(1)
		}
		log.Info("templates published", "count", n)
	}

	hub := ws.NewHub(cfg.EventBuffer, log)
	defer hub.Close()

	forgeSvc := forge.New(repo, repo, hub, log, cfg)
	runnerSvc := runner.New(repo, hub, runner.NewMetrics(prometheus.DefaultRegisterer), log, cfg)
	fleetSvc := fleet.New(repo, hub, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Dependencies{
		Forge:            forgeSvc,
		Runner:           runnerSvc,
		Fleet:            fleetSvc,
		Hub:              hub,
		Limiter:          limiter,
		JWTSecret:        cfg.JWTSecret,
		DBHealth:         repo.Ping,
		RunnerRateLimit:  cfg.RunnerRateLimit,
		RunnerRateWindow: cfg.RunnerRateWindow,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fleetSvc.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("api server stopped")
}

func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreBackend)) {
	case "memory":
		log.Warn("using in-memory store; state is lost on restart")
		return memory.New(), func() {}, nil
	case "", "postgres":
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	migrations, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := migrations.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := migrations.Ensure(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return postgres.New(pool), pool.Close, nil
}
