package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/core/rollout"
)

// errCanaryNeedsPorts is returned for a canary without a port mapping to probe.
var errCanaryNeedsPorts = errors.New("canary deployment requires a port mapping")

// =============================================================================
// Canary Deployment
// =============================================================================

// runCanary runs a marked replica on offset ports, soaks it with probes and
// either discards it or redeploys the image under the main name. The main
// container is never touched when the canary is discarded.
func (o *Orchestrator) runCanary(ctx context.Context, r *run) (domain.Outcome, error) {
	name := r.spec.ContainerName
	canaryName := rollout.CanaryName(name)

	if !r.spec.HasPorts() {
		return abort(domain.NewDeployError(domain.PhasePending, domain.ErrConfiguration, errCanaryNeedsPorts))
	}

	if err := o.enter(ctx, r, domain.PhaseBuild); err != nil {
		return abort(err)
	}
	if err := o.buildImage(ctx, r); err != nil {
		return abort(err)
	}

	if err := o.enter(ctx, r, domain.PhaseCanaryDeploy); err != nil {
		return abort(err)
	}
	if err := o.teardown(ctx, r, canaryName); err != nil {
		return abort(domain.NewDeployError(domain.PhaseCanaryDeploy, domain.ErrEngineFailure, err))
	}
	canaryPorts, err := rollout.OffsetPorts(r.spec.PortMapping, o.config.CanaryPortOffset)
	if err != nil {
		return abort(domain.NewDeployError(domain.PhaseCanaryDeploy, domain.ErrConfiguration, err))
	}
	canary, err := o.launch(ctx, r, slotParams{
		name:     canaryName,
		role:     domain.RoleCanary,
		ports:    canaryPorts,
		extraEnv: map[string]string{rollout.CanaryMarker: "true"},
	})
	if err != nil {
		return abort(err)
	}

	if err := o.enter(ctx, r, domain.PhaseSoak); err != nil {
		return abort(err)
	}
	tracker, err := o.soak(ctx, r, canary)
	defer o.metrics.Forget(canaryName)
	if err != nil {
		return abort(err)
	}

	if tracker.Verdict() == rollout.VerdictDiscard {
		o.captureLogs(ctx, r, canaryName)
		if err := o.teardown(ctx, r, canaryName); err != nil {
			r.notice("canary %s could not be removed: %v", canaryName, err)
		}
		return domain.OutcomeRolledBack, domain.NewDeployError(domain.PhaseSoak, domain.ErrHealthCheckExhausted,
			fmt.Errorf("canary error rate %.1f%% (%d/%d probes failed)", tracker.ErrorRate()*100, tracker.Failed(), tracker.Total()))
	}

	if err := o.enter(ctx, r, domain.PhasePromote); err != nil {
		return abort(err)
	}
	primary, found, err := o.lookup(ctx, r, name)
	if err != nil {
		return abort(err)
	}
	if err := o.teardown(ctx, r, canaryName); err != nil {
		return abort(domain.NewDeployError(domain.PhasePromote, domain.ErrEngineFailure, err))
	}
	if !found {
		primary = nil
	}
	return o.cutover(ctx, r, cutoverParams{finalName: name, role: domain.RolePrimary, previous: primary})
}

// soak probes the canary at SoakInterval for SoakDuration, stopping early
// once the error rate crosses the abort threshold.
func (o *Orchestrator) soak(ctx context.Context, r *run, canary domain.ContainerSlot) (*rollout.SoakTracker, error) {
	tracker := rollout.NewSoakTracker(o.config.SoakPolicy)
	port, _ := rollout.PrimaryHostPort(canary.Ports)

	limiter := rate.NewLimiter(rate.Every(o.config.SoakInterval), 1)
	deadline := time.Now().Add(o.config.SoakDuration)

	r.logger.Info("soaking canary", "port", port, "duration", o.config.SoakDuration)

	for time.Now().Before(deadline) {
		if err := limiter.Wait(ctx); err != nil {
			return tracker, domain.NewDeployError(domain.PhaseSoak, domain.ErrCanceled, err)
		}
		if !time.Now().Before(deadline) {
			break
		}

		result := o.prober.ProbeOnce(ctx, port, r.spec.HealthCheckEndpoint, o.config.SoakProbeTimeout)
		if err := ctx.Err(); err != nil {
			return tracker, domain.NewDeployError(domain.PhaseSoak, domain.ErrCanceled, err)
		}

		tracker.Record(result.Success)
		o.metrics.SetCanaryErrorRatio(canary.Name, tracker.ErrorRate())

		if tracker.ShouldAbort() {
			r.logger.Error("canary error rate too high",
				"failed", tracker.Failed(),
				"total", tracker.Total(),
			)
			break
		}
	}

	r.logger.Info("canary soak complete",
		"failed", tracker.Failed(),
		"total", tracker.Total(),
		"error_rate", tracker.ErrorRate(),
		"verdict", tracker.Verdict(),
	)
	return tracker, nil
}
