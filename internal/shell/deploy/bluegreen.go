package deploy

import (
	"context"
	"fmt"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/core/rollout"
	"github.com/artpar/dockpilot/internal/shell/docker"
)

// =============================================================================
// Blue-Green Deployment
// =============================================================================

// runBlueGreen deploys into the inactive slot on probe ports, validates it and
// then recreates it on the production ports. The active slot is only removed
// once the final health check on the production ports passes.
func (o *Orchestrator) runBlueGreen(ctx context.Context, r *run) (domain.Outcome, error) {
	name := r.spec.ContainerName

	active, previous, err := o.discoverActiveSlot(ctx, r)
	if err != nil {
		return abort(err)
	}
	_, target := rollout.ChooseTargetSlot(active == domain.RoleBlue, active == domain.RoleGreen)
	targetName := rollout.SlotName(name, target)

	activeLabel := "none"
	if active != "" {
		activeLabel = string(active)
	}
	r.logger.Info("selected target slot", "active", activeLabel, "target", target)

	if err := o.enter(ctx, r, domain.PhaseBuild); err != nil {
		return abort(err)
	}
	if err := o.buildImage(ctx, r); err != nil {
		return abort(err)
	}

	if err := o.enter(ctx, r, domain.PhaseCleanTargetSlot); err != nil {
		return abort(err)
	}
	if err := o.teardown(ctx, r, targetName); err != nil {
		return abort(domain.NewDeployError(domain.PhaseCleanTargetSlot, domain.ErrEngineFailure, err))
	}

	if err := o.enter(ctx, r, domain.PhaseDeployToTarget); err != nil {
		return abort(err)
	}
	var probePorts map[string]string
	if r.spec.HasPorts() {
		probePorts, err = rollout.OffsetPorts(r.spec.PortMapping, o.config.BlueGreenPortOffset)
		if err != nil {
			return abort(domain.NewDeployError(domain.PhaseDeployToTarget, domain.ErrConfiguration, err))
		}
	}
	candidate, err := o.launch(ctx, r, slotParams{name: targetName, role: target, ports: probePorts})
	if err != nil {
		return abort(err)
	}

	if r.spec.HasPorts() {
		if err := o.enter(ctx, r, domain.PhaseProbe); err != nil {
			return abort(err)
		}
		if !o.specProbe(ctx, r, candidate.Ports) {
			o.captureLogs(ctx, r, targetName)
			return abort(exhausted(ctx, domain.PhaseProbe, targetName))
		}

		if o.config.ParallelTests.Enabled {
			if err := o.enter(ctx, r, domain.PhaseParallelTests); err != nil {
				return abort(err)
			}
			if err := o.runParallelTests(ctx, r, candidate.Ports); err != nil {
				return abort(err)
			}
		}
	} else {
		r.logger.Warn("no ports mapped, skipping health check")
	}

	if err := o.enter(ctx, r, domain.PhaseCutover); err != nil {
		return abort(err)
	}

	if !r.spec.HasPorts() {
		// Nothing to rebind: the candidate is already the final container.
		r.untrack(targetName)
		r.final = candidate
		if previous != nil {
			if err := o.teardown(ctx, r, previous.Name); err != nil {
				r.notice("previous container %s could not be removed: %v", previous.Name, err)
			}
		}
		return domain.OutcomeSucceeded, nil
	}

	if err := o.teardown(ctx, r, targetName); err != nil {
		return abort(domain.NewDeployError(domain.PhaseCutover, domain.ErrEngineFailure, err))
	}
	return o.cutover(ctx, r, cutoverParams{finalName: targetName, role: target, previous: previous})
}

// discoverActiveSlot finds the running slot. Missing slots are not an error.
// With no active slot, a running container under the plain name that holds
// the production ports is treated as the previous deployment.
func (o *Orchestrator) discoverActiveSlot(ctx context.Context, r *run) (domain.SlotRole, *docker.ContainerInfo, error) {
	name := r.spec.ContainerName

	for _, role := range []domain.SlotRole{domain.RoleBlue, domain.RoleGreen} {
		info, found, err := o.lookup(ctx, r, rollout.SlotName(name, role))
		if err != nil {
			return "", nil, err
		}
		if found && info.Running() {
			return role, info, nil
		}
	}

	legacy, found, err := o.lookup(ctx, r, name)
	if err != nil {
		return "", nil, err
	}
	if found && legacy.Running() && rollout.PortsOverlap(legacy.PortMapping(), r.spec.PortMapping) {
		r.logger.Info("existing container holds production ports", "name", legacy.Name)
		return "", legacy, nil
	}
	return "", nil, nil
}

// runParallelTests requires every configured endpoint to answer 200 on the
// candidate's primary port.
func (o *Orchestrator) runParallelTests(ctx context.Context, r *run, ports map[string]string) error {
	port, ok := rollout.PrimaryHostPort(ports)
	if !ok {
		return nil
	}

	endpoints := o.config.ParallelTests.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{r.spec.HealthCheckEndpoint}
	}

	for _, endpoint := range endpoints {
		result := o.prober.ProbeOnce(ctx, port, endpoint, o.config.ParallelTests.Timeout)
		if !result.Success {
			r.logger.Error("parallel test failed", "endpoint", endpoint, "status", result.StatusCode, "error", result.Error)
			if err := ctx.Err(); err != nil {
				return domain.NewDeployError(domain.PhaseParallelTests, domain.ErrCanceled, err)
			}
			return domain.NewDeployError(domain.PhaseParallelTests, domain.ErrHealthCheckExhausted,
				fmt.Errorf("endpoint %s failed: %s", endpoint, result.Error))
		}
		r.logger.Info("parallel test passed", "endpoint", endpoint, "latency", result.Latency)
	}
	return nil
}
