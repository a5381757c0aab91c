package deploy

import (
	"context"
	"errors"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/core/rollout"
)

// =============================================================================
// Rolling Deployment
// =============================================================================

// runRolling builds, stages a candidate under a temporary name, probes it and
// swaps it in for the existing container.
//
// When the running container already holds the production host ports the
// candidate is staged on offset ports instead, and the switch recreates it on
// the production ports with a final health check.
func (o *Orchestrator) runRolling(ctx context.Context, r *run) (domain.Outcome, error) {
	name := r.spec.ContainerName

	if err := o.enter(ctx, r, domain.PhaseBuild); err != nil {
		return abort(err)
	}
	if err := o.buildImage(ctx, r); err != nil {
		return abort(err)
	}

	if err := o.enter(ctx, r, domain.PhaseDiscoverExisting); err != nil {
		return abort(err)
	}
	existing, found, err := o.lookup(ctx, r, name)
	if err != nil {
		return abort(err)
	}
	if found {
		r.logger.Info("found existing container", "status", existing.Status)
	} else {
		r.logger.Info("no existing container, first deployment")
	}

	if err := o.enter(ctx, r, domain.PhaseStage); err != nil {
		return abort(err)
	}
	recreate := found && existing.Running() && r.spec.HasPorts() &&
		rollout.PortsOverlap(existing.PortMapping(), r.spec.PortMapping)

	var stagePorts map[string]string
	if recreate {
		stagePorts, err = rollout.OffsetPorts(r.spec.PortMapping, o.config.BlueGreenPortOffset)
		if err != nil {
			return abort(domain.NewDeployError(domain.PhaseStage, domain.ErrConfiguration, err))
		}
		r.logger.Info("existing container holds production ports, staging on probe ports", "ports", stagePorts)
	}

	temp := rollout.TempName(name, r.attempt.ID)
	staged, err := o.launch(ctx, r, slotParams{name: temp, role: domain.RoleStaging, ports: stagePorts})
	if err != nil {
		return abort(err)
	}

	if r.spec.HasPorts() {
		if err := o.enter(ctx, r, domain.PhaseProbe); err != nil {
			return abort(err)
		}
		if !o.specProbe(ctx, r, staged.Ports) {
			o.captureLogs(ctx, r, temp)
			return abort(exhausted(ctx, domain.PhaseProbe, temp))
		}
	} else {
		r.logger.Info("no port mapping, skipping health check")
	}

	if err := o.enter(ctx, r, domain.PhaseSwitch); err != nil {
		return abort(err)
	}

	if recreate {
		if err := o.teardown(ctx, r, temp); err != nil {
			return abort(domain.NewDeployError(domain.PhaseSwitch, domain.ErrEngineFailure, err))
		}
		return o.cutover(ctx, r, cutoverParams{finalName: name, role: domain.RolePrimary, previous: existing})
	}

	return o.switchByRename(ctx, r, staged, found)
}

// switchByRename removes the previous container and renames the staged one to
// the production name. A rename failure after the previous container is gone
// is not remediated: the staged container is left running for the operator.
func (o *Orchestrator) switchByRename(ctx context.Context, r *run, staged domain.ContainerSlot, hadPrevious bool) (domain.Outcome, error) {
	name := r.spec.ContainerName

	if hadPrevious {
		if err := o.teardown(ctx, r, name); err != nil {
			return abort(domain.NewDeployError(domain.PhaseSwitch, domain.ErrEngineFailure, err))
		}
	}

	if err := o.gateway.RenameContainer(ctx, staged.Name, name); err != nil {
		if !hadPrevious {
			return abort(domain.NewDeployError(domain.PhaseSwitch, domain.ErrEngineFailure, err))
		}
		r.untrack(staged.Name)
		r.notice("new version is running as %s and must be renamed to %s manually", staged.Name, name)
		return domain.OutcomeFailed, domain.NewDeployError(domain.PhaseSwitch, domain.ErrCutoverFailure, err)
	}
	r.untrack(staged.Name)

	r.final = domain.ContainerSlot{
		Name:        name,
		Role:        domain.RolePrimary,
		ContainerID: staged.ContainerID,
		Ports:       staged.Ports,
	}
	return domain.OutcomeSucceeded, nil
}

// abort maps a failure to its outcome. Health check exhaustion and
// cancellation leave the previous container untouched and count as rollbacks.
func abort(err error) (domain.Outcome, error) {
	if errors.Is(err, domain.ErrHealthCheckExhausted) || errors.Is(err, domain.ErrCanceled) {
		return domain.OutcomeRolledBack, err
	}
	return domain.OutcomeFailed, err
}
