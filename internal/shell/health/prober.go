// Package health provides the HTTP liveness prober used to gate deployments.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"resty.dev/v3"

	"github.com/artpar/dockpilot/internal/core/domain"
)

// =============================================================================
// Configuration
// =============================================================================

// Config controls where and how often probes are sent.
type Config struct {
	Host          string        // probe target host, usually localhost
	RetryInterval time.Duration // pause between failed attempts
}

// DefaultConfig probes localhost with a 3 second pause between attempts.
func DefaultConfig() Config {
	return Config{
		Host:          "localhost",
		RetryInterval: 3 * time.Second,
	}
}

// Observer is notified of every probe result.
type Observer func(result domain.HealthProbeResult)

// =============================================================================
// Prober
// =============================================================================

// Prober issues bounded, retried HTTP GET liveness checks.
// It never returns an error: callers decide what a failed probe means.
type Prober struct {
	client   *resty.Client
	config   Config
	logger   *slog.Logger
	observer Observer
}

// Option configures a Prober.
type Option func(*Prober)

// WithObserver registers a callback for each probe result.
func WithObserver(o Observer) Option {
	return func(p *Prober) {
		p.observer = o
	}
}

// NewProber creates a prober. Retries are driven by the prober itself, so the
// HTTP client is configured without its own retry policy.
func NewProber(config Config, logger *slog.Logger, opts ...Option) *Prober {
	if config.Host == "" {
		config.Host = DefaultConfig().Host
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetRetryCount(0).
		SetHeader("User-Agent", "dockpilot-health-probe")

	p := &Prober{
		client: client,
		config: config,
		logger: logger.With("component", "health_prober"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Close releases idle connections.
func (p *Prober) Close() error {
	return p.client.Close()
}

// URL is the probe target for a port and endpoint.
func (p *Prober) URL(port int, endpoint string) string {
	return "http://" + net.JoinHostPort(p.config.Host, strconv.Itoa(port)) + endpoint
}

// Check performs up to maxRetries GETs and reports whether one returned 200.
func (p *Prober) Check(ctx context.Context, port int, endpoint string, timeout time.Duration, maxRetries int) bool {
	results := p.CheckDetailed(ctx, port, endpoint, timeout, maxRetries)
	return len(results) > 0 && results[len(results)-1].Success
}

// CheckDetailed is Check returning every attempt. It stops at the first success,
// after maxRetries attempts, or when ctx is done. There is no pause after the
// last attempt.
func (p *Prober) CheckDetailed(ctx context.Context, port int, endpoint string, timeout time.Duration, maxRetries int) []domain.HealthProbeResult {
	url := p.URL(port, endpoint)
	results := make([]domain.HealthProbeResult, 0, maxRetries)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return results
		}

		result := p.probe(ctx, url, timeout)
		result.Attempt = attempt
		results = append(results, result)

		if result.Success {
			p.logger.Info("health check passed", "url", url, "attempt", attempt, "latency", result.Latency)
			return results
		}

		p.logger.Warn("health check failed",
			"url", url,
			"attempt", attempt,
			"max_retries", maxRetries,
			"status", result.StatusCode,
			"error", result.Error,
		)

		if attempt == maxRetries {
			break
		}
		if !sleep(ctx, p.config.RetryInterval) {
			return results
		}
	}

	return results
}

// ProbeOnce sends a single GET, used by canary soaks and endpoint tests.
func (p *Prober) ProbeOnce(ctx context.Context, port int, endpoint string, timeout time.Duration) domain.HealthProbeResult {
	result := p.probe(ctx, p.URL(port, endpoint), timeout)
	result.Attempt = 1
	return result
}

func (p *Prober) probe(ctx context.Context, url string, timeout time.Duration) domain.HealthProbeResult {
	start := time.Now()

	req := p.client.R().SetContext(ctx)
	if timeout > 0 {
		req = req.SetTimeout(timeout)
	}
	resp, err := req.Get(url)

	result := domain.HealthProbeResult{Latency: time.Since(start)}
	switch {
	case err != nil:
		result.Error = err.Error()
	case resp.StatusCode() != http.StatusOK:
		result.StatusCode = resp.StatusCode()
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode())
	default:
		result.StatusCode = resp.StatusCode()
		result.Success = true
	}

	if p.observer != nil {
		p.observer(result)
	}
	return result
}

// sleep waits for d or until ctx is done, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
