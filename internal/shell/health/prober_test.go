package health

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/dockpilot/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestProber(t *testing.T, opts ...Option) *Prober {
	t.Helper()
	p := NewProber(Config{Host: "127.0.0.1", RetryInterval: 10 * time.Millisecond}, slog.New(slog.DiscardHandler), opts...)
	t.Cleanup(func() { p.Close() })
	return p
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

// flakyServer fails the first failures requests with 503, then answers 200 on /health.
func flakyServer(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// =============================================================================
// Check Tests
// =============================================================================

func TestCheck_ImmediateSuccess(t *testing.T) {
	srv, calls := flakyServer(t, 0)
	p := newTestProber(t)

	ok := p.Check(context.Background(), serverPort(t, srv), "/health", time.Second, 5)
	assert.True(t, ok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheck_SucceedsAfterFailures(t *testing.T) {
	srv, calls := flakyServer(t, 2)
	p := newTestProber(t)

	results := p.CheckDetailed(context.Background(), serverPort(t, srv), "/health", time.Second, 5)
	require.Len(t, results, 3)
	assert.False(t, results[0].Success)
	assert.Equal(t, http.StatusServiceUnavailable, results[0].StatusCode)
	assert.True(t, results[2].Success)
	assert.Equal(t, 3, results[2].Attempt)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCheck_ExhaustsRetries(t *testing.T) {
	srv, calls := flakyServer(t, 100)
	p := newTestProber(t)

	ok := p.Check(context.Background(), serverPort(t, srv), "/health", time.Second, 4)
	assert.False(t, ok)
	assert.Equal(t, int32(4), calls.Load())
}

func TestCheck_Non200IsFailure(t *testing.T) {
	srv, _ := flakyServer(t, 0)
	p := newTestProber(t)

	result := p.ProbeOnce(context.Background(), serverPort(t, srv), "/missing", time.Second)
	assert.False(t, result.Success)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
}

func TestCheck_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	port := serverPort(t, srv)
	srv.Close()

	p := newTestProber(t)
	results := p.CheckDetailed(context.Background(), port, "/health", 200*time.Millisecond, 2)
	require.Len(t, results, 2)
	assert.False(t, results[1].Success)
	assert.NotEmpty(t, results[1].Error)
}

func TestCheck_TimeoutPerAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	p := newTestProber(t)
	start := time.Now()
	ok := p.Check(context.Background(), serverPort(t, srv), "/health", 50*time.Millisecond, 1)

	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheck_NoPauseAfterLastAttempt(t *testing.T) {
	srv, _ := flakyServer(t, 100)
	p := NewProber(Config{Host: "127.0.0.1", RetryInterval: time.Second}, slog.New(slog.DiscardHandler))
	defer p.Close()

	start := time.Now()
	ok := p.Check(context.Background(), serverPort(t, srv), "/health", time.Second, 1)

	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCheck_CanceledContextStopsRetries(t *testing.T) {
	srv, calls := flakyServer(t, 100)
	p := NewProber(Config{Host: "127.0.0.1", RetryInterval: time.Hour}, slog.New(slog.DiscardHandler))
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	ok := p.Check(ctx, serverPort(t, srv), "/health", time.Second, 10)
	assert.False(t, ok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheck_ZeroRetries(t *testing.T) {
	p := newTestProber(t)
	assert.False(t, p.Check(context.Background(), 1, "/health", time.Second, 0))
}

// =============================================================================
// Observer Tests
// =============================================================================

func TestObserver_SeesEveryProbe(t *testing.T) {
	srv, _ := flakyServer(t, 1)

	var seen []domain.HealthProbeResult
	p := newTestProber(t, WithObserver(func(r domain.HealthProbeResult) {
		seen = append(seen, r)
	}))

	require.True(t, p.Check(context.Background(), serverPort(t, srv), "/health", time.Second, 3))
	require.Len(t, seen, 2)
	assert.False(t, seen[0].Success)
	assert.True(t, seen[1].Success)
}

func TestURL(t *testing.T) {
	p := NewProber(DefaultConfig(), nil)
	defer p.Close()

	assert.Equal(t, "http://localhost:8080/health", p.URL(8080, "/health"))
}
