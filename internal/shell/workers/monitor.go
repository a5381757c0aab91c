// Package workers contains background workers for dockpilot.
package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/time/rate"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/core/telemetry"
	"github.com/artpar/dockpilot/internal/shell/docker"
	"github.com/artpar/dockpilot/internal/shell/metrics"
)

// ErrNoContainers is returned when there is nothing running to monitor.
var ErrNoContainers = errors.New("no running containers found")

// trendWindow is the number of recent CPU readings the trend is computed over.
const trendWindow = 5

// Engine is the part of the container gateway the monitor reads from.
type Engine interface {
	ListContainers(ctx context.Context, opts docker.ListOptions) ([]docker.ContainerInfo, error)
	InspectContainer(ctx context.Context, nameOrID string) (*docker.ContainerInfo, error)
	ContainerStats(ctx context.Context, nameOrID string) (domain.RawStats, error)
}

// AlertSink receives triggered alerts.
type AlertSink interface {
	Notify(ctx context.Context, alert domain.Alert) error
}

// MonitorConfig configures the monitor worker.
type MonitorConfig struct {
	// Interval is the time between polling cycles.
	// Default: 1 second.
	Interval time.Duration

	// Duration bounds Run. Zero runs until the context is done.
	Duration time.Duration

	// History is the number of samples kept per container.
	// Default: 60.
	History int

	// MaxConcurrent is the maximum number of containers polled concurrently.
	// Default: 5.
	MaxConcurrent int

	// StatsTimeout bounds the engine calls for a single container.
	// Default: 10 seconds.
	StatsTimeout time.Duration

	Rules []domain.AlertRule
}

// DefaultMonitorConfig returns the default configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:      time.Second,
		Duration:      300 * time.Second,
		History:       60,
		MaxConcurrent: 5,
		StatsTimeout:  10 * time.Second,
	}
}

// Reading is one container's row of a polling cycle.
type Reading struct {
	Container string
	Status    string                  // engine status, "not found" or "error"
	Sample    *domain.TelemetrySample // nil until a second snapshot exists
	CPUTrend  telemetry.Direction
	Uptime    time.Duration
	Err       error
}

type series struct {
	prev    *domain.RawStats
	samples []domain.TelemetrySample
}

// Monitor polls container resource usage. It only reads from the engine and
// never touches deployment state.
type Monitor struct {
	engine  Engine
	alerts  AlertSink
	metrics *metrics.Metrics
	config  MonitorConfig
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	series map[string]*series

	// Lifecycle management
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. alerts and m may be nil.
func NewMonitor(engine Engine, alerts AlertSink, m *metrics.Metrics, config MonitorConfig, logger *slog.Logger) *Monitor {
	if config.Interval == 0 {
		config.Interval = time.Second
	}
	if config.History == 0 {
		config.History = 60
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 5
	}
	if config.StatsTimeout == 0 {
		config.StatsTimeout = 10 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		engine:  engine,
		alerts:  alerts,
		metrics: m,
		config:  config,
		logger:  logger.With("component", "monitor"),
		now:     time.Now,
		series:  make(map[string]*series),
	}
}

// =============================================================================
// Foreground
// =============================================================================

// Run polls names until Duration elapses or ctx is done, rendering every
// cycle to out when it is not nil. With no names every running container is
// monitored. It returns one summary per container.
func (m *Monitor) Run(ctx context.Context, names []string, out io.Writer) ([]domain.TelemetrySummary, error) {
	if len(names) == 0 {
		running, err := m.running(ctx)
		if err != nil {
			return nil, err
		}
		if len(running) == 0 {
			return nil, ErrNoContainers
		}
		names = running
	}

	if m.config.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.Duration)
		defer cancel()
	}

	m.logger.Info("monitoring containers",
		"count", len(names),
		"interval", m.config.Interval,
		"duration", m.config.Duration,
	)

	start := m.now()
	m.loop(ctx, func(ctx context.Context) {
		readings := m.Cycle(ctx, names)
		if out == nil {
			return
		}
		var remaining time.Duration
		if m.config.Duration > 0 {
			remaining = max(m.config.Duration-m.now().Sub(start), 0)
		}
		if err := Render(out, readings, m.now(), remaining); err != nil {
			m.logger.Warn("failed to render readings", "error", err)
		}
	})

	return m.Summaries(names), nil
}

// =============================================================================
// Background
// =============================================================================

// Start polls every running container in the background, publishing gauges
// and alerts only. The set of containers is refreshed on every cycle.
func (m *Monitor) Start() {
	var ctx context.Context
	ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx, func(ctx context.Context) {
			names, err := m.running(ctx)
			if err != nil {
				m.logger.Error("failed to list containers", "error", err)
				return
			}
			m.prune(names)
			m.Cycle(ctx, names)
		})
	}()

	m.logger.Info("monitor started",
		"interval", m.config.Interval,
		"max_concurrent", m.config.MaxConcurrent,
	)
}

// Stop stops the background loop and waits for the current cycle.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

// loop runs cycle once per interval until ctx is done.
func (m *Monitor) loop(ctx context.Context, cycle func(context.Context)) {
	limiter := rate.NewLimiter(rate.Every(m.config.Interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		cycle(ctx)
	}
}

func (m *Monitor) running(ctx context.Context) ([]string, error) {
	containers, err := m.engine.ListContainers(ctx, docker.ListOptions{})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, c := range containers {
		if c.Running() {
			names = append(names, c.Name)
		}
	}
	return names, nil
}

// =============================================================================
// Polling
// =============================================================================

// Cycle polls every container once, at most MaxConcurrent at a time. Readings
// are returned in the order of names.
func (m *Monitor) Cycle(ctx context.Context, names []string) []Reading {
	readings := make([]Reading, len(names))

	// Use a semaphore to limit concurrent polls
	sem := make(chan struct{}, m.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case <-ctx.Done():
				readings[i] = Reading{Container: name, Status: "error", Err: ctx.Err()}
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			readings[i] = m.poll(ctx, name)
		}()
	}

	wg.Wait()
	return readings
}

// poll reads one container and records its sample.
func (m *Monitor) poll(ctx context.Context, name string) Reading {
	pollCtx, cancel := context.WithTimeout(ctx, m.config.StatsTimeout)
	defer cancel()

	logger := m.logger.With("container", name)

	info, err := m.engine.InspectContainer(pollCtx, name)
	if err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			m.forget(name)
			return Reading{Container: name, Status: "not found", Err: err}
		}
		logger.Warn("failed to inspect container", "error", err)
		return Reading{Container: name, Status: "error", Err: err}
	}

	reading := Reading{
		Container: name,
		Status:    string(info.Status),
		Uptime:    info.Uptime(m.now()),
		CPUTrend:  telemetry.DirectionSteady,
	}
	if !info.Running() {
		return reading
	}

	raw, err := m.engine.ContainerStats(pollCtx, name)
	if err != nil {
		logger.Warn("failed to read stats", "error", err)
		reading.Status = "error"
		reading.Err = err
		return reading
	}

	sample, recentCPU, ok := m.record(name, raw)
	if !ok {
		return reading
	}
	reading.Sample = &sample
	reading.CPUTrend = telemetry.Trend(recentCPU)

	m.metrics.ObserveSample(name, sample)

	for _, alert := range telemetry.EvaluateAlerts(m.config.Rules, sample, name) {
		m.metrics.ObserveAlert(alert)
		logger.Warn(alert.Message, "rule", alert.Rule, "value", alert.Value, "threshold", alert.Threshold)
		if m.alerts == nil {
			continue
		}
		if err := m.alerts.Notify(ctx, alert); err != nil {
			logger.Error("failed to send alert", "rule", alert.Rule, "error", err)
		}
	}

	return reading
}

// record stores raw as the latest snapshot. The first snapshot of a container
// only sets the baseline and yields no sample.
func (m *Monitor) record(name string, raw domain.RawStats) (domain.TelemetrySample, []float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[name]
	if !ok {
		s = &series{}
		m.series[name] = s
	}

	prev := s.prev
	s.prev = &raw
	if prev == nil {
		return domain.TelemetrySample{}, nil, false
	}

	sample := telemetry.Sample(*prev, raw)
	s.samples = append(s.samples, sample)
	if over := len(s.samples) - m.config.History; over > 0 {
		s.samples = slices.Delete(s.samples, 0, over)
	}

	window := s.samples[max(len(s.samples)-trendWindow, 0):]
	recent := make([]float64, len(window))
	for i, w := range window {
		recent[i] = w.CPUPercent
	}
	return sample, recent, true
}

// forget drops the baseline of a container that disappeared. Its samples stay
// for the summary.
func (m *Monitor) forget(name string) {
	m.mu.Lock()
	if s, ok := m.series[name]; ok {
		s.prev = nil
	}
	m.mu.Unlock()
	m.metrics.Forget(name)
}

// prune drops the series and gauges of every container not in keep. The
// background loop uses it so short-lived candidates do not accumulate.
func (m *Monitor) prune(keep []string) {
	var gone []string
	m.mu.Lock()
	for name := range m.series {
		if !slices.Contains(keep, name) {
			delete(m.series, name)
			gone = append(gone, name)
		}
	}
	m.mu.Unlock()

	for _, name := range gone {
		m.metrics.Forget(name)
		m.logger.Debug("container no longer running, dropped its series", "container", name)
	}
}

// =============================================================================
// Results
// =============================================================================

// History returns a copy of the samples kept for a container, oldest first.
func (m *Monitor) History(name string) []domain.TelemetrySample {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.series[name]; ok {
		return slices.Clone(s.samples)
	}
	return nil
}

// Snapshot returns the kept samples of every container.
func (m *Monitor) Snapshot() map[string][]domain.TelemetrySample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]domain.TelemetrySample, len(m.series))
	for name, s := range m.series {
		out[name] = slices.Clone(s.samples)
	}
	return out
}

// Summaries aggregates the kept samples of names, in order.
func (m *Monitor) Summaries(names []string) []domain.TelemetrySummary {
	out := make([]domain.TelemetrySummary, 0, len(names))
	for _, name := range names {
		out = append(out, telemetry.Summarize(name, m.History(name)))
	}
	return out
}

// =============================================================================
// Rendering
// =============================================================================

const bytesPerMB = 1024 * 1024

// Render writes one polling cycle as a table. remaining is omitted when zero.
func Render(w io.Writer, readings []Reading, now time.Time, remaining time.Duration) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTAINER\tSTATUS\tCPU %\tMEMORY\tNET I/O (MB)\tPIDS\tUPTIME")

	for _, r := range readings {
		uptime := "N/A"
		if r.Uptime > 0 {
			uptime = FormatUptime(r.Uptime)
		}

		if r.Sample == nil {
			cpu := "N/A"
			if r.Status == string(docker.ContainerStatusRunning) {
				cpu = "collecting"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\tN/A\tN/A\tN/A\t%s\n", r.Container, r.Status, cpu, uptime)
			continue
		}

		s := r.Sample
		fmt.Fprintf(tw, "%s\t%s\t%.1f%% %s\t%.0fMB (%.1f%%)\t↓%.1f ↑%.1f\t%d\t%s\n",
			r.Container,
			r.Status,
			s.CPUPercent, r.CPUTrend.Symbol(),
			float64(s.MemoryUsage)/bytesPerMB, s.MemoryPercent,
			float64(s.NetworkRx)/bytesPerMB, float64(s.NetworkTx)/bytesPerMB,
			s.ProcessCount,
			uptime,
		)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	footer := now.Format("15:04:05")
	if remaining > 0 {
		footer += fmt.Sprintf(" | remaining %s", remaining.Round(time.Second))
	}
	_, err := fmt.Fprintln(w, footer)
	return err
}

// RenderSummaries writes the end-of-run statistics. Containers without
// samples are skipped.
func RenderSummaries(w io.Writer, summaries []domain.TelemetrySummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTAINER\tAVG CPU %\tMAX CPU %\tAVG MEMORY MB\tMAX MEMORY MB\tDATA POINTS")
	for _, s := range summaries {
		if s.Samples == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%.0f\t%.0f\t%d\n",
			s.Container, s.AvgCPU, s.MaxCPU, s.AvgMemoryMB, s.MaxMemoryMB, s.Samples)
	}
	return tw.Flush()
}

// FormatUptime renders d as "2d 3h", "3h 12m" or "12m".
func FormatUptime(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	hours := int(d/time.Hour) % 24
	minutes := int(d/time.Minute) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
