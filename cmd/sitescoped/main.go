package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/cors"

	"sitescope/internal/adapters/agent"
	"sitescope/internal/adapters/browser"
	"sitescope/internal/adapters/duckdb"
	appconfig "sitescope/internal/config"
	"sitescope/internal/core/ports"
	"sitescope/internal/core/services"
	"sitescope/pkg/api"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting sitescoped")

	if err := run(logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	configPath := flag.String("config", os.Getenv("SITESCOPE_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize adapters
	repo, err := duckdb.NewRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	sessions, err := browser.NewManager(logger, cfg.BrowserImage)
	if err != nil {
		return fmt.Errorf("failed to init browser manager: %w", err)
	}

	// Reap browser sessions left behind by a previous run. Jobs they
	// belonged to were already finalized as failed at shutdown, so the
	// containers are pure garbage at this point.
	if err := reapOrphanSessions(ctx, logger, sessions); err != nil {
		return fmt.Errorf("orphan session reaping failed: %w", err)
	}

	// Initialize core services
	eventBus := services.NewEventBus(logger)
	statusStore := services.NewStatusStore()
	agentRunner := agent.NewHTTPRunner(cfg.AgentURL, cfg.AgentAPIKey)

	runner := services.NewRunner(logger, statusStore, eventBus, sessions, agentRunner, repo, repo, cfg.CancelGrace.Std())
	supervisor := services.NewSupervisor(logger, statusStore, eventBus, runner, repo, services.SupervisorConfig{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
	})
	supervisor.Start(ctx)

	// API server
	apiServer := api.NewServer(logger, supervisor, eventBus)
	handler, err := apiServer.Handler()
	if err != nil {
		return fmt.Errorf("failed to build api handler: %w", err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(handler),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// reapOrphanSessions removes browser containers surviving from a previous
// daemon run before any new job can race for their names.
func reapOrphanSessions(ctx context.Context, logger *slog.Logger, sessions ports.BrowserSessions) error {
	orphans, err := sessions.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, s := range orphans {
		logger.Info("reaping orphan browser session", "session_id", s.ID, "job_id", s.JobID)
		if err := sessions.Release(ctx, s.ID); err != nil {
			logger.Warn("failed to reap orphan session", "session_id", s.ID, "error", err)
		}
	}
	if len(orphans) > 0 {
		logger.Info("orphan sessions reaped", "count", len(orphans))
	}
	return nil
}
