package rollout

import (
	"maps"
	"math"
	"sort"
	"strings"

	"github.com/artpar/dockpilot/internal/core/domain"
)

// =============================================================================
// Container Plan Building Functions
// =============================================================================

// BuildContainerPlan resolves a spec into the container the shell should create.
//
// The function:
//   - Uses params.Ports when set, otherwise the spec's production ports
//   - Merges the spec environment with ExtraEnv (ExtraEnv wins)
//   - Converts cpu_limit to nano CPUs and memory_limit to bytes
//   - Orders volume mounts by target path, marking host paths as binds
//   - Labels the container with service, attempt and role
//
// Example:
//
//	plan, err := BuildContainerPlan(BuildContainerPlanParams{
//	    Spec:      spec,
//	    Name:      CanaryName(spec.ContainerName),
//	    AttemptID: attempt.ID,
//	    Role:      domain.RoleCanary,
//	    Ports:     canaryPorts,
//	    ExtraEnv:  map[string]string{CanaryMarker: "true"},
//	})
func BuildContainerPlan(params BuildContainerPlanParams) (ContainerPlan, error) {
	spec := params.Spec

	mapping := params.Ports
	if mapping == nil {
		mapping = spec.PortMapping
	}
	ports, err := domain.DeploymentSpec{PortMapping: mapping}.Ports()
	if err != nil {
		return ContainerPlan{}, err
	}

	cpus, err := domain.ParseCPULimit(spec.CPULimit)
	if err != nil {
		return ContainerPlan{}, err
	}
	memory, err := domain.ParseMemoryLimit(spec.MemoryLimit)
	if err != nil {
		return ContainerPlan{}, err
	}

	env := make(map[string]string, len(spec.Environment)+len(params.ExtraEnv))
	maps.Copy(env, spec.Environment)
	maps.Copy(env, params.ExtraEnv)

	plan := ContainerPlan{
		Name:  params.Name,
		Image: spec.ImageTag,
		Env:   env,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelService: spec.ContainerName,
			LabelAttempt: params.AttemptID,
			LabelRole:    string(params.Role),
		},
		Ports:         ports,
		Network:       spec.Network,
		RestartPolicy: spec.RestartPolicy,
		Resources: ResourcePlan{
			NanoCPUs:    int64(math.Round(cpus * 1e9)),
			MemoryBytes: memory,
		},
	}

	for source, target := range spec.Volumes {
		readOnly := false
		if t, ok := strings.CutSuffix(target, ":ro"); ok {
			target, readOnly = t, true
		}
		plan.Volumes = append(plan.Volumes, VolumePlan{
			Source:   source,
			Target:   target,
			ReadOnly: readOnly,
			Bind:     domain.IsHostPath(source),
		})
	}
	sort.Slice(plan.Volumes, func(i, j int) bool {
		return plan.Volumes[i].Target < plan.Volumes[j].Target
	})

	return plan, nil
}
