package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/shell/deploy"
)

// =============================================================================
// Test Helpers
// =============================================================================

// stubLedger implements store.Ledger for testing.
type stubLedger struct {
	attempts  []domain.Attempt // most recent first
	err       error
	lastLimit int
}

func (s *stubLedger) Record(ctx context.Context, a *domain.Attempt) error {
	if s.err != nil {
		return s.err
	}
	s.attempts = append([]domain.Attempt{*a}, s.attempts...)
	return nil
}

func (s *stubLedger) History(ctx context.Context, limit int) ([]domain.Attempt, error) {
	s.lastLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	return s.first(limit, func(domain.Attempt) bool { return true }), nil
}

func (s *stubLedger) HistoryForContainer(ctx context.Context, container string, limit int) ([]domain.Attempt, error) {
	s.lastLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	return s.first(limit, func(a domain.Attempt) bool { return a.Spec.ContainerName == container }), nil
}

func (s *stubLedger) Count(ctx context.Context) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return len(s.attempts), nil
}

func (s *stubLedger) Close() error {
	return nil
}

func (s *stubLedger) first(limit int, keep func(domain.Attempt) bool) []domain.Attempt {
	var out []domain.Attempt
	for _, a := range s.attempts {
		if keep(a) && len(out) < limit {
			out = append(out, a)
		}
	}
	return out
}

// stubEngine implements Pinger for testing.
type stubEngine struct {
	err error
}

func (s *stubEngine) Ping(ctx context.Context) error {
	return s.err
}

type deployCall struct {
	file     domain.DeploymentFile
	strategy domain.Strategy
}

// stubDeployer implements Deployer for testing.
type stubDeployer struct {
	mu       sync.Mutex
	inFlight map[string]bool
	calls    chan deployCall
	block    bool // wait for cancellation before returning
	canceled chan struct{}
}

func newStubDeployer() *stubDeployer {
	return &stubDeployer{
		inFlight: make(map[string]bool),
		calls:    make(chan deployCall, 4),
		canceled: make(chan struct{}),
	}
}

func (s *stubDeployer) Deploy(ctx context.Context, file domain.DeploymentFile, strategy domain.Strategy) (*deploy.Result, error) {
	s.calls <- deployCall{file: file, strategy: strategy}
	if s.block {
		<-ctx.Done()
		close(s.canceled)
		return &deploy.Result{}, domain.ErrCanceled
	}
	return &deploy.Result{}, nil
}

func (s *stubDeployer) InFlight(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[name]
}

func newTestHandler() (*Handler, *stubLedger, *stubEngine, *stubDeployer) {
	ledger := &stubLedger{}
	engine := &stubEngine{}
	deployer := newStubDeployer()
	h := NewHandler(Config{
		Ledger:   ledger,
		Engine:   engine,
		Deployer: deployer,
		Logger:   slog.New(slog.DiscardHandler),
	})
	return h, ledger, engine, deployer
}

func attempt(id, container string, outcome domain.Outcome) domain.Attempt {
	finished := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	return domain.Attempt{
		ID:         id,
		Strategy:   domain.StrategyRolling,
		Spec:       domain.DeploymentSpec{ImageTag: container + ":1", ContainerName: container},
		Phase:      domain.PhaseDone,
		StartedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: &finished,
		Outcome:    outcome,
	}
}

func serve(h *Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	return w
}

const specYAML = `
deployment:
  image_tag: web:2
  container_name: web
  port_mapping:
    "80": "8080"
`

// =============================================================================
// Health Tests
// =============================================================================

func TestHealth_Success(t *testing.T) {
	h, _, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestReady_AllHealthy(t *testing.T) {
	h, _, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/ready", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, map[string]string{"ledger": "ok", "docker": "ok"}, resp.Checks)
}

func TestReady_DockerFailed(t *testing.T) {
	h, _, engine, _ := newTestHandler()
	engine.err = errors.New("connection refused")

	w := serve(h, http.MethodGet, "/ready", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "failed", resp.Checks["docker"])
	assert.Equal(t, "ok", resp.Checks["ledger"])
}

func TestReady_LedgerFailed(t *testing.T) {
	h, ledger, _, _ := newTestHandler()
	ledger.err = errors.New("database is locked")

	w := serve(h, http.MethodGet, "/ready", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "failed", resp.Checks["ledger"])
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestMetrics_Exposed(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "dockpilot_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := NewHandler(Config{
		Ledger:   &stubLedger{},
		Engine:   &stubEngine{},
		Gatherer: reg,
		Logger:   slog.New(slog.DiscardHandler),
	})

	w := serve(h, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dockpilot_test_total 1")
}

func TestMetrics_NotMountedWithoutGatherer(t *testing.T) {
	h, _, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// History Tests
// =============================================================================

func TestHistory_ReturnsAttempts(t *testing.T) {
	h, ledger, _, _ := newTestHandler()
	ledger.attempts = []domain.Attempt{
		attempt("deploy_3", "web", domain.OutcomeSucceeded),
		attempt("deploy_2", "api", domain.OutcomeRolledBack),
		attempt("deploy_1", "web", domain.OutcomeFailed),
	}

	w := serve(h, http.MethodGet, "/api/v1/history?limit=2", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, 2, ledger.lastLimit)

	var resp HistoryResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "deploy_3", resp.Deployments[0].ID)
	assert.Equal(t, domain.OutcomeRolledBack, resp.Deployments[1].Outcome)
}

func TestHistory_DefaultLimit(t *testing.T) {
	h, ledger, _, _ := newTestHandler()

	serve(h, http.MethodGet, "/api/v1/history", nil)

	assert.Equal(t, defaultHistoryLimit, ledger.lastLimit)
}

func TestHistory_ForContainer(t *testing.T) {
	h, ledger, _, _ := newTestHandler()
	ledger.attempts = []domain.Attempt{
		attempt("deploy_3", "web", domain.OutcomeSucceeded),
		attempt("deploy_2", "api", domain.OutcomeRolledBack),
		attempt("deploy_1", "web", domain.OutcomeFailed),
	}

	w := serve(h, http.MethodGet, "/api/v1/history/web", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp HistoryResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, 2, resp.Count)
	for _, a := range resp.Deployments {
		assert.Equal(t, "web", a.Spec.ContainerName)
	}
}

func TestHistory_EmptyIsArray(t *testing.T) {
	h, _, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/api/v1/history", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deployments":[]`)
}

func TestHistory_InvalidLimit(t *testing.T) {
	h, _, _, _ := newTestHandler()

	for _, limit := range []string{"abc", "0", "-5"} {
		w := serve(h, http.MethodGet, "/api/v1/history?limit="+limit, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, limit)
	}
}

func TestHistory_LedgerError(t *testing.T) {
	h, ledger, _, _ := newTestHandler()
	ledger.err = errors.New("disk I/O error")

	w := serve(h, http.MethodGet, "/api/v1/history", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ledger_error", resp.Code)
	assert.NotContains(t, resp.Error, "disk")
}

// =============================================================================
// Deployment Tests
// =============================================================================

func TestCreateDeployment_Accepted(t *testing.T) {
	h, _, _, deployer := newTestHandler()

	w := serve(h, http.MethodPost, "/api/v1/deployments?strategy=canary", strings.NewReader(specYAML))

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp DeploymentAcceptedResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "web", resp.Container)
	assert.Equal(t, domain.StrategyCanary, resp.Strategy)

	select {
	case call := <-deployer.calls:
		assert.Equal(t, domain.StrategyCanary, call.strategy)
		assert.Equal(t, "web:2", call.file.Deployment.ImageTag)
		assert.Equal(t, domain.DefaultHealthEndpoint, call.file.Deployment.HealthCheckEndpoint)
	case <-time.After(time.Second):
		t.Fatal("deployment was not started")
	}
	h.Shutdown()
}

func TestCreateDeployment_DefaultsToRolling(t *testing.T) {
	h, _, _, deployer := newTestHandler()

	w := serve(h, http.MethodPost, "/api/v1/deployments", strings.NewReader(specYAML))
	require.Equal(t, http.StatusAccepted, w.Code)

	call := <-deployer.calls
	assert.Equal(t, domain.StrategyRolling, call.strategy)
	h.Shutdown()
}

func TestCreateDeployment_InvalidStrategy(t *testing.T) {
	h, _, _, deployer := newTestHandler()

	w := serve(h, http.MethodPost, "/api/v1/deployments?strategy=shadow", strings.NewReader(specYAML))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, deployer.calls)
}

func TestCreateDeployment_InvalidSpec(t *testing.T) {
	h, _, _, deployer := newTestHandler()

	tests := map[string]string{
		"malformed":     "deployment: [",
		"unknown field": "deployment:\n  image_tag: web:2\n  container_name: web\n  replicas: 3\n",
		"missing image": "deployment:\n  container_name: web\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := serve(h, http.MethodPost, "/api/v1/deployments", strings.NewReader(body))
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, "validation_error", resp.Code)
		})
	}
	assert.Empty(t, deployer.calls)
}

func TestCreateDeployment_BodyTooLarge(t *testing.T) {
	h, _, _, deployer := newTestHandler()

	// A valid document followed by padding past the limit must not be
	// accepted as its truncated prefix.
	body := specYAML + "\n#" + strings.Repeat("x", maxSpecBytes) + "\n"
	w := serve(h, http.MethodPost, "/api/v1/deployments", strings.NewReader(body))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "too_large", resp.Code)
	assert.Empty(t, deployer.calls)
}

func TestCreateDeployment_Conflict(t *testing.T) {
	h, _, _, deployer := newTestHandler()
	deployer.inFlight["web"] = true

	w := serve(h, http.MethodPost, "/api/v1/deployments", strings.NewReader(specYAML))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, deployer.calls)
}

func TestCreateDeployment_NoDeployer(t *testing.T) {
	h := NewHandler(Config{
		Ledger: &stubLedger{},
		Engine: &stubEngine{},
		Logger: slog.New(slog.DiscardHandler),
	})

	w := serve(h, http.MethodPost, "/api/v1/deployments", strings.NewReader(specYAML))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestShutdown_CancelsRunningDeployments(t *testing.T) {
	h, _, _, deployer := newTestHandler()
	deployer.block = true

	w := serve(h, http.MethodPost, "/api/v1/deployments", strings.NewReader(specYAML))
	require.Equal(t, http.StatusAccepted, w.Code)
	<-deployer.calls

	h.Shutdown()

	select {
	case <-deployer.canceled:
	default:
		t.Fatal("Shutdown returned before the deployment observed cancellation")
	}
}

func TestGetDeployment_Latest(t *testing.T) {
	h, ledger, _, _ := newTestHandler()
	ledger.attempts = []domain.Attempt{
		attempt("deploy_2", "web", domain.OutcomeRolledBack),
		attempt("deploy_1", "web", domain.OutcomeSucceeded),
	}

	w := serve(h, http.MethodGet, "/api/v1/deployments/web", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp DeploymentStatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.InFlight)
	require.NotNil(t, resp.Latest)
	assert.Equal(t, "deploy_2", resp.Latest.ID)
	assert.Equal(t, 1, ledger.lastLimit)
}

func TestGetDeployment_InFlight(t *testing.T) {
	h, _, _, deployer := newTestHandler()
	deployer.inFlight["web"] = true

	w := serve(h, http.MethodGet, "/api/v1/deployments/web", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp DeploymentStatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.InFlight)
	assert.Nil(t, resp.Latest)
}

func TestGetDeployment_NotFound(t *testing.T) {
	h, _, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/api/v1/deployments/web", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
