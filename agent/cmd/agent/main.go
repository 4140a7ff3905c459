package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hamayni/forge/agent/internal/executor"
	"github.com/hamayni/forge/agent/internal/hostinfo"
	httpx "github.com/hamayni/forge/agent/internal/http"
	"github.com/hamayni/forge/agent/internal/loop"
	"github.com/hamayni/forge/agent/internal/workspace"
	"github.com/hamayni/forge/pkg/api/client"
	"github.com/hamayni/forge/pkg/config"
	"github.com/hamayni/forge/pkg/logger"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print the agent version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg := config.LoadAgentConfig()

	logFile, err := logger.RotatingFile(filepath.Join(cfg.Dir, "logs", "agent.log"), cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open agent log: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	log := logger.NewWithWriter(io.MultiWriter(os.Stdout, logFile), "agent", parseLevel(cfg.LogLevel))

	token, err := cfg.ResolveToken()
	if err != nil || token == "" {
		log.Error("agent token unavailable", "token_file", cfg.TokenFile, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws, err := workspace.New(cfg.Dir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "dir", cfg.Dir)
		os.Exit(1)
	}

	api, err := client.New(cfg.APIURL, client.WithTimeout(cfg.RequestTimeout), client.WithUserAgent("hfc-agent/"+version))
	if err != nil {
		log.Error("invalid api url", "url", cfg.APIURL, "error", err)
		os.Exit(1)
	}

	exec := executor.New(ws, log, cfg.LogTailBytes, executor.WithTimeout(cfg.ExecTimeout))
	loopCfg := loop.Config{
		Token:             token,
		Hostname:          hostinfo.Hostname(),
		IP:                hostinfo.PrimaryIPv4(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		ClaimInterval:     cfg.ClaimInterval,
		ReportAttempts:    cfg.ReportAttempts,
	}
	if !cfg.KeepMissionFiles {
		loopCfg.Cleaner = ws
	}
	runner := loop.New(api, exec, loop.NewMetrics(prometheus.DefaultRegisterer), log, loopCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})

	if addr := strings.TrimSpace(cfg.MetricsAddr); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           httpx.New(log, runner, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, 3*cfg.HeartbeatInterval),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("agent metrics server starting", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("graceful shutdown failed", "error", err)
			}
			return nil
		})
	}

	log.Info("agent starting", "api_url", api.BaseURL(), "dir", cfg.Dir, "version", version)
	if err := g.Wait(); err != nil {
		log.Error("agent error", "error", err)
		os.Exit(1)
	}
	log.Info("agent stopped")
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}
