package deploy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/core/rollout"
	"github.com/artpar/dockpilot/internal/shell/docker"
)

// cleanupTimeout bounds teardown that runs after the caller's context is done.
const cleanupTimeout = 30 * time.Second

// =============================================================================
// Phase Entry
// =============================================================================

// enter moves the attempt to phase. Cancellation is observed here, so an
// interrupt stops further transitions.
func (o *Orchestrator) enter(ctx context.Context, r *run, phase domain.Phase) error {
	if err := ctx.Err(); err != nil {
		return domain.NewDeployError(r.attempt.Phase, domain.ErrCanceled, err)
	}
	if err := r.attempt.Transition(phase); err != nil {
		return domain.NewDeployError(r.attempt.Phase, domain.ErrEngineFailure, err)
	}
	r.logger.Info("entering phase", "phase", phase)
	return nil
}

// =============================================================================
// Build
// =============================================================================

// buildImage produces spec.ImageTag. With build.skip the image must already
// exist locally or be pullable.
func (o *Orchestrator) buildImage(ctx context.Context, r *run) error {
	image := r.spec.ImageTag

	if r.build.Skip {
		exists, err := o.gateway.ImageExists(ctx, image)
		if err != nil {
			return domain.NewDeployError(domain.PhaseBuild, domain.ErrBuildFailure, err)
		}
		if exists {
			r.logger.Info("using existing image", "image", image)
			return nil
		}
		r.logger.Info("pulling image", "image", image)
		if err := o.gateway.PullImage(ctx, image); err != nil {
			return domain.NewDeployError(domain.PhaseBuild, domain.ErrBuildFailure, err)
		}
		return nil
	}

	buildCtx := r.build.Context
	if buildCtx == "" {
		buildCtx = domain.DefaultBuildContext
	}
	// dockerfile_path may name the directory holding the Dockerfile.
	dockerfile := r.build.Dockerfile
	switch {
	case dockerfile == "" || dockerfile == ".":
		dockerfile = domain.DefaultDockerfile
	case strings.HasSuffix(dockerfile, "/"):
		dockerfile = path.Join(dockerfile, domain.DefaultDockerfile)
	}

	r.logger.Info("building image", "image", image, "context", buildCtx, "dockerfile", dockerfile)
	err := o.gateway.BuildImage(ctx, docker.BuildOptions{
		ContextDir: buildCtx,
		Dockerfile: dockerfile,
		Tags:       []string{image},
		BuildArgs:  r.buildArgs,
		NoCache:    r.build.NoCache,
		Pull:       r.build.Pull,
		Output:     o.config.BuildOutput,
	})
	if err != nil {
		return domain.NewDeployError(domain.PhaseBuild, domain.ErrBuildFailure, err)
	}
	return nil
}

// =============================================================================
// Container Lifecycle
// =============================================================================

// lookup finds a container by name; absence is found=false.
func (o *Orchestrator) lookup(ctx context.Context, r *run, name string) (*docker.ContainerInfo, bool, error) {
	info, found, err := o.gateway.LookupContainer(ctx, name)
	if err != nil {
		return nil, false, domain.NewDeployError(r.attempt.Phase, domain.ErrEngineFailure, err)
	}
	return info, found, nil
}

// slotParams describe a container to create for an attempt.
type slotParams struct {
	name     string
	role     domain.SlotRole
	ports    map[string]string // nil means production ports
	extraEnv map[string]string
}

// launch creates and starts a container, waits for it to run and then
// observes the grace period. The container is tracked as a candidate until
// the caller commits it.
func (o *Orchestrator) launch(ctx context.Context, r *run, p slotParams) (domain.ContainerSlot, error) {
	phase := r.attempt.Phase

	plan, err := rollout.BuildContainerPlan(rollout.BuildContainerPlanParams{
		Spec:      r.spec,
		Name:      p.name,
		AttemptID: r.attempt.ID,
		Role:      p.role,
		Ports:     p.ports,
		ExtraEnv:  p.extraEnv,
	})
	if err != nil {
		return domain.ContainerSlot{}, domain.NewDeployError(phase, domain.ErrConfiguration, err)
	}

	id, err := o.gateway.CreateContainer(ctx, docker.SpecFromPlan(plan))
	if err != nil {
		if docker.IsConflict(err) {
			r.logger.Error("container name is taken by a container outside this attempt", "name", p.name)
		}
		return domain.ContainerSlot{}, domain.NewDeployError(phase, domain.ErrEngineFailure, err)
	}
	r.track(p.name)
	r.logger.Info("container created", "name", p.name, "role", p.role, "container_id", shortID(id))

	if err := o.gateway.StartContainer(ctx, id); err != nil {
		if docker.IsConflict(err) {
			r.logger.Error("host port is held by another container", "name", p.name, "ports", plan.Ports)
		}
		o.captureLogs(ctx, r, p.name)
		return domain.ContainerSlot{}, domain.NewDeployError(phase, domain.ErrEngineFailure, err)
	}

	if err := o.waitForRunning(ctx, r, p.name); err != nil {
		o.captureLogs(ctx, r, p.name)
		return domain.ContainerSlot{}, err
	}

	if !sleep(ctx, o.config.GracePeriod) {
		return domain.ContainerSlot{}, domain.NewDeployError(phase, domain.ErrCanceled, ctx.Err())
	}

	ports := p.ports
	if ports == nil {
		ports = maps.Clone(r.spec.PortMapping)
	}
	return domain.ContainerSlot{
		Name:        p.name,
		Role:        p.role,
		ContainerID: id,
		Ports:       ports,
	}, nil
}

// waitForRunning polls the container until the engine reports it running.
func (o *Orchestrator) waitForRunning(ctx context.Context, r *run, name string) error {
	phase := r.attempt.Phase
	deadline := time.Now().Add(o.config.StartupTimeout)

	for {
		info, err := o.gateway.InspectContainer(ctx, name)
		if err != nil {
			return domain.NewDeployError(phase, domain.ErrEngineFailure, err)
		}
		if info.Running() {
			return nil
		}
		if info.Terminated() {
			return domain.NewDeployError(phase, domain.ErrEngineFailure,
				fmt.Errorf("container %s %s with code %d", name, info.Status, info.ExitCode))
		}
		if !time.Now().Before(deadline) {
			return domain.NewDeployError(phase, domain.ErrEngineFailure,
				fmt.Errorf("container %s not running after %s (status %s)", name, o.config.StartupTimeout, info.Status))
		}
		if !sleep(ctx, o.config.StatusPollInterval) {
			return domain.NewDeployError(phase, domain.ErrCanceled, ctx.Err())
		}
	}
}

// captureLogs logs the tail of a candidate's output for diagnosis.
func (o *Orchestrator) captureLogs(ctx context.Context, r *run, name string) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	logs, err := o.gateway.ContainerLogs(logCtx, name, docker.LogOptions{Tail: o.config.LogTail})
	if err != nil {
		r.logger.Warn("could not fetch container logs", "name", name, "error", err)
		return
	}
	r.logger.Error("container logs", "name", name, "logs", strings.TrimSpace(logs))
}

// teardown stops and removes a container. Missing containers are not an
// error. It runs on a context detached from cancellation so an interrupted
// attempt still cleans up.
func (o *Orchestrator) teardown(ctx context.Context, r *run, name string) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var result *multierror.Error

	timeout := o.config.StopTimeout
	err := o.retry(cleanupCtx, func() error {
		return o.gateway.StopContainer(cleanupCtx, name, &timeout)
	})
	if err != nil && !docker.IsGone(err) {
		result = multierror.Append(result, err)
	}

	err = o.retry(cleanupCtx, func() error {
		return o.gateway.RemoveContainer(cleanupCtx, name, docker.RemoveOptions{Force: true})
	})
	if err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		r.logger.Error("failed to remove container", "name", name, "error", err)
		return err
	}

	r.untrack(name)
	r.logger.Info("container removed", "name", name)
	return nil
}

// teardownCandidates removes every uncommitted container of the attempt.
func (o *Orchestrator) teardownCandidates(ctx context.Context, r *run) {
	for name := range maps.Clone(r.candidates) {
		if err := o.teardown(ctx, r, name); err != nil {
			r.notice("candidate %s could not be removed: %v", name, err)
		}
	}
}

// retry runs an idempotent engine call up to CleanupRetries extra times.
func (o *Orchestrator) retry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= o.config.CleanupRetries; i++ {
		err = fn()
		if err == nil || docker.IsGone(err) {
			return err
		}
		if !sleep(ctx, o.config.StatusPollInterval) {
			return err
		}
	}
	return err
}

// =============================================================================
// Probing
// =============================================================================

// probe runs the spec's health check against the primary host port of ports.
// It reports true when nothing is mapped.
func (o *Orchestrator) probe(ctx context.Context, r *run, ports map[string]string, timeout time.Duration, retries int) bool {
	port, ok := rollout.PrimaryHostPort(ports)
	if !ok {
		r.logger.Warn("no ports mapped, skipping health check")
		return true
	}
	r.logger.Info("health checking", "port", port, "endpoint", r.spec.HealthCheckEndpoint, "retries", retries)
	return o.prober.Check(ctx, port, r.spec.HealthCheckEndpoint, timeout, retries)
}

// specProbe uses the deployment's own health check timeout and retries.
func (o *Orchestrator) specProbe(ctx context.Context, r *run, ports map[string]string) bool {
	timeout := time.Duration(r.spec.HealthCheckTimeout) * time.Second
	return o.probe(ctx, r, ports, timeout, r.spec.HealthCheckRetries)
}

// exhausted builds the rollback error for a failed health check.
func exhausted(ctx context.Context, phase domain.Phase, name string) error {
	if err := ctx.Err(); err != nil {
		return domain.NewDeployError(phase, domain.ErrCanceled, err)
	}
	return domain.NewDeployError(phase, domain.ErrHealthCheckExhausted, fmt.Errorf("container %s never became healthy", name))
}

// =============================================================================
// Cutover
// =============================================================================

// cutoverParams describe the replacement of a production container.
type cutoverParams struct {
	finalName string
	role      domain.SlotRole
	previous  *docker.ContainerInfo // nil on a first deployment
}

// cutover releases the previous container's production ports, starts the
// final container on them and confirms it with a health check. The previous
// container is stopped, not removed, until the final check passes, so a
// failed cutover can restart it. The ports are unserved between the stop and
// the final container starting; the attempt carries a notice about it.
func (o *Orchestrator) cutover(ctx context.Context, r *run, p cutoverParams) (domain.Outcome, error) {
	phase := r.attempt.Phase
	prev := p.previous

	var (
		prevName   string
		renamed    bool
		wasRunning bool
	)
	if prev != nil {
		prevName = prev.Name
		wasRunning = prev.Running()

		if wasRunning {
			timeout := o.config.StopTimeout
			if err := o.gateway.StopContainer(ctx, prevName, &timeout); err != nil && !errors.Is(err, docker.ErrContainerNotRunning) {
				// The engine may have stopped it anyway.
				return o.restore(ctx, r, prevName, "", true, domain.NewDeployError(phase, domain.ErrEngineFailure, err))
			}
			if r.spec.HasPorts() {
				r.notice("production ports of %s were unserved during cutover", r.spec.ContainerName)
			}
		}

		if prevName == p.finalName {
			parked := fmt.Sprintf("%s_previous_%s", p.finalName, r.attempt.ID)
			if err := o.gateway.RenameContainer(ctx, prevName, parked); err != nil {
				return o.restore(ctx, r, prevName, "", wasRunning, domain.NewDeployError(phase, domain.ErrEngineFailure, err))
			}
			prevName, renamed = parked, true
		}
	}

	original := ""
	if renamed {
		original = p.finalName
	}

	slot, err := o.launch(ctx, r, slotParams{name: p.finalName, role: p.role})
	if err != nil {
		if tdErr := o.teardown(ctx, r, p.finalName); tdErr != nil {
			return domain.OutcomeFailed, domain.NewDeployError(phase, domain.ErrCutoverFailure, multierror.Append(err, tdErr))
		}
		if prev == nil {
			return domain.OutcomeFailed, err
		}
		return o.restore(ctx, r, prevName, original, wasRunning, err)
	}

	if !sleep(ctx, o.config.CutoverSettle) || !o.probe(ctx, r, r.spec.PortMapping, o.config.FinalProbeTimeout, o.config.FinalProbeRetries) {
		cause := exhausted(ctx, phase, p.finalName)
		o.captureLogs(ctx, r, p.finalName)
		if tdErr := o.teardown(ctx, r, p.finalName); tdErr != nil {
			return domain.OutcomeFailed, domain.NewDeployError(phase, domain.ErrCutoverFailure, multierror.Append(cause, tdErr))
		}
		if prev == nil {
			return domain.OutcomeRolledBack, cause
		}
		return o.restore(ctx, r, prevName, original, wasRunning, cause)
	}

	r.untrack(p.finalName)
	r.final = slot

	if prev != nil {
		if err := o.teardown(ctx, r, prevName); err != nil {
			r.notice("previous container %s could not be removed: %v", prevName, err)
		}
	}
	return domain.OutcomeSucceeded, nil
}

// restore brings the previous container back after a failed cutover. When it
// cannot be brought back the failure is a cutover failure: the previous image
// is not reconstructed automatically.
func (o *Orchestrator) restore(ctx context.Context, r *run, name, originalName string, start bool, cause error) (domain.Outcome, error) {
	restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	phase := r.attempt.Phase
	var result *multierror.Error

	if originalName != "" {
		if err := o.gateway.RenameContainer(restoreCtx, name, originalName); err != nil {
			result = multierror.Append(result, err)
		} else {
			name = originalName
		}
	}
	if start && result.ErrorOrNil() == nil {
		if err := o.gateway.StartContainer(restoreCtx, name); err != nil && !errors.Is(err, docker.ErrContainerAlreadyRunning) {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		r.logger.Error("previous container could not be restored; operator intervention required",
			"name", name, "error", err)
		return domain.OutcomeFailed, domain.NewDeployError(phase, domain.ErrCutoverFailure,
			fmt.Errorf("%w; restoring %s: %w", cause, name, err))
	}

	r.notice("previous container %s was restored after a failed cutover", name)
	return domain.OutcomeRolledBack, cause
}

// =============================================================================
// Helpers
// =============================================================================

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

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
