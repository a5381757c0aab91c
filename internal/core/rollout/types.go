package rollout

import "github.com/artpar/dockpilot/internal/core/domain"

// =============================================================================
// Container Plan Types
// =============================================================================

// ContainerPlan is a fully resolved container configuration.
// This is the pure output of planning, ready for the shell to execute.
type ContainerPlan struct {
	Name          string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	Ports         []domain.PortBinding
	Volumes       []VolumePlan
	Network       string
	RestartPolicy domain.RestartPolicy
	Resources     ResourcePlan
}

// VolumePlan is a bind mount when Bind is set, a named volume otherwise.
type VolumePlan struct {
	Source   string
	Target   string
	ReadOnly bool
	Bind     bool
}

// ResourcePlan holds engine-ready resource limits. Zero means unlimited.
type ResourcePlan struct {
	NanoCPUs    int64
	MemoryBytes int64
}

// =============================================================================
// Builder Parameter Types
// =============================================================================

// BuildContainerPlanParams contains all inputs for building a container plan.
type BuildContainerPlanParams struct {
	Spec      domain.DeploymentSpec
	Name      string
	AttemptID string
	Role      domain.SlotRole
	// Ports overrides Spec.PortMapping, e.g. during a probe window. Nil means production ports.
	Ports    map[string]string
	ExtraEnv map[string]string
}

// =============================================================================
// Container Labels
// =============================================================================

// Label keys used to recognise containers created by dockpilot.
const (
	LabelManaged = "com.dockpilot.managed"
	LabelService = "com.dockpilot.service"
	LabelAttempt = "com.dockpilot.attempt"
	LabelRole    = "com.dockpilot.role"
)

// CanaryMarker is set in the canary's environment so the app can tell it apart.
const CanaryMarker = "CANARY"
