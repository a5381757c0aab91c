// Package deploy drives rolling, blue-green and canary deployments against a
// container engine, gated by health probes.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/core/rollout"
	"github.com/artpar/dockpilot/internal/shell/docker"
	"github.com/artpar/dockpilot/internal/shell/metrics"
)

// =============================================================================
// Dependencies
// =============================================================================

// Prober is the health prober used to gate candidates.
type Prober interface {
	Check(ctx context.Context, port int, endpoint string, timeout time.Duration, maxRetries int) bool
	ProbeOnce(ctx context.Context, port int, endpoint string, timeout time.Duration) domain.HealthProbeResult
}

// Recorder stores sealed attempts. It is written to, never read, by the orchestrator.
type Recorder interface {
	Record(ctx context.Context, attempt *domain.Attempt) error
}

// Deps are the collaborators of an Orchestrator, built once at startup.
type Deps struct {
	Gateway docker.Client
	Prober  Prober
	Ledger  Recorder         // optional
	Metrics *metrics.Metrics // optional
	Logger  *slog.Logger
	Now     func() time.Time // defaults to time.Now
}

// =============================================================================
// Configuration
// =============================================================================

// ParallelTests are extra endpoints checked against a blue-green candidate before cutover.
type ParallelTests struct {
	Enabled   bool
	Endpoints []string
	Timeout   time.Duration // per request
}

// Config holds the timing and port policy of every strategy.
type Config struct {
	StatusPollInterval  time.Duration // poll for "running" after start
	StartupTimeout      time.Duration // give up waiting for "running"
	GracePeriod         time.Duration // pause after a candidate starts
	CutoverSettle       time.Duration // pause before the final health check
	StopTimeout         time.Duration // engine stop timeout
	BlueGreenPortOffset int           // probe window offset
	CanaryPortOffset    int
	FinalProbeTimeout   time.Duration // per request, on production ports
	FinalProbeRetries   int
	SoakDuration        time.Duration
	SoakInterval        time.Duration
	SoakProbeTimeout    time.Duration
	SoakPolicy          rollout.SoakPolicy
	CleanupRetries      int    // retries for idempotent teardown calls
	LogTail             string // candidate log lines captured on failure
	ParallelTests       ParallelTests
	BuildOutput         io.Writer // build progress, discarded when nil
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		StatusPollInterval:  time.Second,
		StartupTimeout:      30 * time.Second,
		GracePeriod:         5 * time.Second,
		CutoverSettle:       3 * time.Second,
		StopTimeout:         10 * time.Second,
		BlueGreenPortOffset: 1000,
		CanaryPortOffset:    100,
		FinalProbeTimeout:   10 * time.Second,
		FinalProbeRetries:   5,
		SoakDuration:        30 * time.Second,
		SoakInterval:        time.Second,
		SoakProbeTimeout:    2 * time.Second,
		SoakPolicy:          rollout.DefaultSoakPolicy(),
		CleanupRetries:      2,
		LogTail:             "50",
		ParallelTests:       ParallelTests{Endpoints: []string{"/health"}, Timeout: 5 * time.Second},
	}
}

// =============================================================================
// Orchestrator
// =============================================================================

// Result is what a deployment produced. Attempt is always sealed.
type Result struct {
	Attempt *domain.Attempt
	// Slot is the container left serving production, zero unless the attempt succeeded.
	Slot domain.ContainerSlot
}

// strategyHandler runs one strategy and decides the outcome.
type strategyHandler func(ctx context.Context, r *run) (domain.Outcome, error)

// Orchestrator runs deployments. Only one attempt per container name may be in
// flight; attempts for different names are independent.
type Orchestrator struct {
	gateway docker.Client
	prober  Prober
	ledger  Recorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	config  Config

	handlers map[domain.Strategy]strategyHandler

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates an orchestrator.
func New(deps Deps, config Config) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	o := &Orchestrator{
		gateway:  deps.Gateway,
		prober:   deps.Prober,
		ledger:   deps.Ledger,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("component", "orchestrator"),
		now:      deps.Now,
		config:   config,
		inFlight: make(map[string]struct{}),
	}
	o.handlers = map[domain.Strategy]strategyHandler{
		domain.StrategyRolling:   o.runRolling,
		domain.StrategyBlueGreen: o.runBlueGreen,
		domain.StrategyCanary:    o.runCanary,
	}
	return o
}

// Deploy runs strategy against the deployment file. The returned Result is
// nil when the strategy is unknown or another attempt holds the container
// name. Every other attempt, including invalid specs, is sealed and recorded.
// A non-nil error means the attempt did not succeed.
func (o *Orchestrator) Deploy(ctx context.Context, file domain.DeploymentFile, strategy domain.Strategy) (*Result, error) {
	spec := file.Deployment
	spec.ApplyDefaults()

	handler, ok := o.handlers[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", domain.ErrConfiguration, strategy)
	}

	if !o.acquire(spec.ContainerName) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeploymentInProgress, spec.ContainerName)
	}
	defer o.release(spec.ContainerName)

	attempt := domain.NewAttempt(strategy, spec, o.now())
	r := &run{
		attempt:    attempt,
		spec:       attempt.Spec,
		build:      file.Build,
		buildArgs:  file.EffectiveBuildArgs(),
		candidates: make(map[string]struct{}),
		logger: o.logger.With(
			"attempt_id", attempt.ID,
			"strategy", strategy,
			"container", spec.ContainerName,
		),
	}

	r.logger.Info("deployment started", "image", spec.ImageTag)

	outcome, err := o.execute(ctx, r, handler)
	if err != nil {
		o.teardownCandidates(ctx, r)
	}
	return o.finish(ctx, r, outcome, err)
}

// execute validates the spec and runs the handler.
func (o *Orchestrator) execute(ctx context.Context, r *run, handler strategyHandler) (domain.Outcome, error) {
	if err := r.spec.Validate(); err != nil {
		return domain.OutcomeFailed, domain.NewDeployError(domain.PhasePending, domain.ErrConfiguration, err)
	}
	return handler(ctx, r)
}

// finish seals the attempt, records it and publishes metrics. Ledger failures
// are logged, never returned.
func (o *Orchestrator) finish(ctx context.Context, r *run, outcome domain.Outcome, cause error) (*Result, error) {
	if cause == nil {
		outcome = domain.OutcomeSucceeded
	} else if outcome == domain.OutcomeSucceeded || outcome == "" {
		outcome = domain.OutcomeFailed
	}

	if err := r.attempt.Seal(outcome, cause, o.now()); err != nil {
		r.logger.Error("failed to seal attempt", "error", err)
	}

	o.metrics.RecordAttempt(r.attempt.Strategy, r.attempt.Outcome, r.attempt.Duration())

	if o.ledger != nil {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := o.ledger.Record(recordCtx, r.attempt); err != nil {
			r.logger.Error("failed to record deployment", "error", err)
		}
		cancel()
	}

	result := &Result{Attempt: r.attempt}
	if cause != nil {
		level := slog.LevelWarn
		if errors.Is(cause, domain.ErrCutoverFailure) {
			level = slog.LevelError
		}
		r.logger.Log(ctx, level, "deployment did not succeed",
			"outcome", r.attempt.Outcome,
			"failed_phase", r.attempt.FailedPhase,
			"duration", r.attempt.Duration(),
			"error", cause,
		)
		return result, cause
	}

	result.Slot = r.final
	r.logger.Info("deployment completed",
		"duration", r.attempt.Duration(),
		"slot", r.final.Name,
	)
	return result, nil
}

// InFlight reports whether an attempt currently holds the container name.
func (o *Orchestrator) InFlight(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[name]
	return ok
}

func (o *Orchestrator) acquire(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inFlight[name]; ok {
		return false
	}
	o.inFlight[name] = struct{}{}
	return true
}

func (o *Orchestrator) release(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, name)
}

// =============================================================================
// Run State
// =============================================================================

// run is the mutable state of one attempt. It is owned by a single goroutine.
type run struct {
	attempt   *domain.Attempt
	spec      domain.DeploymentSpec
	build     domain.BuildConfig
	buildArgs map[string]string
	logger    *slog.Logger

	// candidates are containers created by this attempt that are not yet committed.
	candidates map[string]struct{}
	final      domain.ContainerSlot
}

func (r *run) track(name string) {
	r.candidates[name] = struct{}{}
}

func (r *run) untrack(name string) {
	delete(r.candidates, name)
}

func (r *run) notice(format string, args ...any) {
	if err := r.attempt.AddNotice(format, args...); err == nil {
		r.logger.Warn(fmt.Sprintf(format, args...))
	}
}
