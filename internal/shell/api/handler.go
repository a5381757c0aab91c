// Package api serves the status API: liveness, metrics, the deployment ledger
// and deployment requests that run in the background.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/shell/deploy"
	"github.com/artpar/dockpilot/internal/shell/store"
)

// maxSpecBytes bounds a deployment document in a request body.
const maxSpecBytes = 1 << 20

// defaultHistoryLimit is used when a history request has no limit.
const defaultHistoryLimit = 10

// =============================================================================
// Dependencies
// =============================================================================

// Deployer runs deployments. Implemented by *deploy.Orchestrator.
type Deployer interface {
	Deploy(ctx context.Context, file domain.DeploymentFile, strategy domain.Strategy) (*deploy.Result, error)
	InFlight(name string) bool
}

// Pinger checks the container engine connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the collaborators of a Handler.
type Config struct {
	Ledger   store.Ledger
	Engine   Pinger
	Deployer Deployer            // optional, deployment routes answer 503 without it
	Gatherer prometheus.Gatherer // optional, /metrics is not mounted without it
	Logger   *slog.Logger
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the status API.
type Handler struct {
	ledger   store.Ledger
	engine   Pinger
	deployer Deployer
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	// deployments outlive the request that started them
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		ledger:   cfg.Ledger,
		engine:   cfg.Engine,
		deployer: cfg.Deployer,
		gatherer: cfg.Gatherer,
		logger:   cfg.Logger.With("component", "api"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.jsonContentType)

		r.Get("/history", h.handleHistory)
		r.Get("/history/{container}", h.handleHistory)

		r.Route("/deployments", func(r chi.Router) {
			r.Post("/", h.handleCreateDeployment)
			r.Get("/{container}", h.handleGetDeployment)
		})
	})

	return r
}

// Shutdown cancels running deployments and waits for them to finish their
// rollback and be recorded.
func (h *Handler) Shutdown() {
	h.cancel()
	h.wg.Wait()
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	ready := true

	if _, err := h.ledger.Count(ctx); err != nil {
		h.logger.Warn("ledger not ready", "error", err)
		checks["ledger"] = "failed"
		ready = false
	} else {
		checks["ledger"] = "ok"
	}

	if err := h.engine.Ping(ctx); err != nil {
		h.logger.Warn("docker not ready", "error", err)
		checks["docker"] = "failed"
		ready = false
	} else {
		checks["docker"] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// History Handlers
// =============================================================================

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer", "validation_error")
			return
		}
		limit = n
	}

	var attempts []domain.Attempt
	var err error
	if container := chi.URLParam(r, "container"); container != "" {
		attempts, err = h.ledger.HistoryForContainer(r.Context(), container, limit)
	} else {
		attempts, err = h.ledger.History(r.Context(), limit)
	}
	if err != nil {
		h.logger.Error("failed to read history", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to read deployment history", "ledger_error")
		return
	}

	if attempts == nil {
		attempts = []domain.Attempt{}
	}
	h.writeJSON(w, http.StatusOK, HistoryResponse{Deployments: attempts, Count: len(attempts)})
}

// =============================================================================
// Deployment Handlers
// =============================================================================

// handleCreateDeployment accepts a YAML deployment document and runs it in
// the background. The outcome is read back from the history.
func (h *Handler) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	if h.deployer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "deployments are not enabled", "unavailable")
		return
	}

	requested := r.URL.Query().Get("strategy")
	if requested == "" {
		requested = string(domain.StrategyRolling)
	}
	strategy, err := domain.ParseStrategy(requested)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpecBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "deployment document exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes", "too_large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "failed to read request body", "validation_error")
		return
	}
	file, err := domain.ParseDeploymentFile(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	name := file.Deployment.ContainerName
	if h.deployer.InFlight(name) {
		h.writeError(w, http.StatusConflict, domain.ErrDeploymentInProgress.Error()+": "+name, "conflict")
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res, err := h.deployer.Deploy(h.ctx, *file, strategy)
		switch {
		case res == nil && errors.Is(err, domain.ErrDeploymentInProgress):
			h.logger.Warn("deployment rejected", "container", name, "error", err)
		case res == nil && err != nil:
			h.logger.Error("deployment not started", "container", name, "error", err)
		}
	}()

	h.writeJSON(w, http.StatusAccepted, DeploymentAcceptedResponse{
		Container: name,
		Strategy:  strategy,
		Status:    "accepted",
	})
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "container")

	resp := DeploymentStatusResponse{Container: name}
	if h.deployer != nil {
		resp.InFlight = h.deployer.InFlight(name)
	}

	latest, err := h.ledger.HistoryForContainer(r.Context(), name, 1)
	if err != nil {
		h.logger.Error("failed to read history", "container", name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to read deployment history", "ledger_error")
		return
	}
	if len(latest) > 0 {
		resp.Latest = &latest[0]
	}

	if !resp.InFlight && resp.Latest == nil {
		h.writeError(w, http.StatusNotFound, "no deployments for "+name, "not_found")
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
