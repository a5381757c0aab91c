package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/artpar/dockpilot/internal/shell/api"
	"github.com/artpar/dockpilot/internal/shell/docker"
	"github.com/artpar/dockpilot/internal/shell/health"
	"github.com/artpar/dockpilot/internal/shell/metrics"
	"github.com/artpar/dockpilot/internal/shell/notify"
	"github.com/artpar/dockpilot/internal/shell/store"
	"github.com/artpar/dockpilot/internal/shell/workers"
)

// =============================================================================
// Server
// =============================================================================

// Server is the long-running status server. It exposes health, metrics and
// the deployment ledger, accepts deployment requests and optionally samples
// container telemetry in the background.
type Server struct {
	config     *Config
	httpServer *http.Server
	api        *api.Handler
	ledger     store.Ledger
	docker     docker.Client
	prober     *health.Prober
	notifier   *notify.Notifier
	monitor    *workers.Monitor
	logger     *slog.Logger
}

// NewServer connects the ledger and the engine and wires every component.
func NewServer(ctx context.Context, app *App) (*Server, error) {
	cfg := app.config
	logger := app.logger

	// Open ledger
	s, err := app.ledger()
	if err != nil {
		return nil, err
	}

	// Connect to Docker
	d, err := app.engine(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}

	notifier := notify.New(cfg.Alerts.Channels, logger)
	if err := notifier.Validate(); err != nil {
		notifier.Close()
		d.Close()
		s.Close()
		return nil, &CommandError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	orch, prober := app.orchestrator(d, s, m)

	var monitor *workers.Monitor
	if cfg.Monitor.Background {
		monitor = workers.NewMonitor(d, notifier, m, cfg.monitorConfig(), logger)
	}

	handler := api.NewHandler(api.Config{
		Ledger:   s,
		Engine:   d,
		Deployer: orch,
		Gatherer: registry,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		api:        handler,
		ledger:     s,
		docker:     d,
		prober:     prober,
		notifier:   notifier,
		monitor:    monitor,
		logger:     logger.With("component", "server"),
	}, nil
}

// Start serves until ctx is done or the listener fails, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	if s.monitor != nil {
		s.monitor.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = &CommandError{Op: "serve", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("received shutdown signal")
	}

	s.Shutdown(context.Background())
	return serveErr
}

// Shutdown gracefully shuts down the server. Running deployments are
// cancelled and allowed to roll back before the engine is closed.
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.api.Shutdown()

	if s.monitor != nil {
		s.monitor.Stop()
	}

	if err := s.prober.Close(); err != nil {
		s.logger.Error("prober close error", "error", err)
	}
	if err := s.notifier.Close(); err != nil {
		s.logger.Error("notifier close error", "error", err)
	}

	// Close Docker client
	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}

	// Close ledger
	if err := s.ledger.Close(); err != nil {
		s.logger.Error("ledger close error", "error", err)
	}

	s.logger.Info("shutdown complete")
}
