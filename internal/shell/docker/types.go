// Package docker provides the container runtime gateway used by the orchestrator.
package docker

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/core/rollout"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortBinding
	Volumes       []VolumeMount
	NetworkMode   string
	RestartPolicy domain.RestartPolicy // empty leaves the engine default
	Resources     ResourceLimits
}

// PortBinding publishes a container port on a host port of all interfaces.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
}

// VolumeMount defines a volume mount.
type VolumeMount struct {
	Source   string // Volume name or host path
	Target   string // Container path
	ReadOnly bool
}

// ResourceLimits defines resource constraints.
type ResourceLimits struct {
	NanoCPUs    int64
	MemoryLimit int64 // Bytes
}

// SpecFromPlan converts a pure container plan into an engine spec.
// Relative host paths are resolved against the working directory.
func SpecFromPlan(plan rollout.ContainerPlan) ContainerSpec {
	spec := ContainerSpec{
		Name:          plan.Name,
		Image:         plan.Image,
		Env:           plan.Env,
		Labels:        plan.Labels,
		NetworkMode:   plan.Network,
		RestartPolicy: plan.RestartPolicy,
		Resources: ResourceLimits{
			NanoCPUs:    plan.Resources.NanoCPUs,
			MemoryLimit: plan.Resources.MemoryBytes,
		},
	}

	for _, p := range plan.Ports {
		spec.Ports = append(spec.Ports, PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
		})
	}

	for _, v := range plan.Volumes {
		source := v.Source
		if v.Bind && !filepath.IsAbs(source) {
			if abs, err := filepath.Abs(source); err == nil {
				source = abs
			}
		}
		spec.Volumes = append(spec.Volumes, VolumeMount{
			Source:   source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	return spec
}

// =============================================================================
// Container Info
// =============================================================================

// ContainerStatus is the engine's state string. Only the states the
// orchestrator reacts to are named.
type ContainerStatus string

const (
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusExited  ContainerStatus = "exited"
	ContainerStatusDead    ContainerStatus = "dead"
)

// ContainerInfo is what the gateway reports about one container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Status    ContainerStatus
	CreatedAt time.Time
	StartedAt *time.Time // nil until the container has run
	Ports     []PortBinding
	Labels    map[string]string
	ExitCode  int
}

// Terminated reports whether the container stopped on its own and will not
// reach running without intervention.
func (c ContainerInfo) Terminated() bool {
	return c.Status == ContainerStatusExited || c.Status == ContainerStatusDead
}

// Running reports whether the engine considers the container running.
func (c ContainerInfo) Running() bool {
	return c.Status == ContainerStatusRunning
}

// PortMapping returns the bindings in spec form ({"80": "8080"}).
func (c ContainerInfo) PortMapping() map[string]string {
	bindings := make([]domain.PortBinding, 0, len(c.Ports))
	for _, p := range c.Ports {
		if p.HostPort == 0 {
			continue
		}
		bindings = append(bindings, domain.PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
		})
	}
	return rollout.HostPortsOf(bindings)
}

// Uptime is the time since the container started, zero when it is not running.
func (c ContainerInfo) Uptime(now time.Time) time.Duration {
	if !c.Running() || c.StartedAt == nil {
		return 0
	}
	return now.Sub(*c.StartedAt)
}

// =============================================================================
// Options
// =============================================================================

// BuildOptions defines an image build.
type BuildOptions struct {
	ContextDir string
	Dockerfile string
	Tags       []string
	BuildArgs  map[string]string
	NoCache    bool
	Pull       bool
	Output     io.Writer // build progress, discarded when nil
}

// RemoveOptions controls container removal. Volumes are always kept.
type RemoveOptions struct {
	Force bool // remove even when running
}

// ListOptions selects containers to list.
type ListOptions struct {
	All bool // include stopped containers
}

// LogOptions selects the log lines captured from a failed candidate.
type LogOptions struct {
	Tail string // "all" or a line count
}

// =============================================================================
// Client Interface
// =============================================================================

// Client is the container runtime gateway. Every call is bounded by ctx.
type Client interface {
	// Image operations
	BuildImage(ctx context.Context, opts BuildOptions) error
	PullImage(ctx context.Context, image string) error
	ImageExists(ctx context.Context, image string) (bool, error)

	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, nameOrID string) error
	StopContainer(ctx context.Context, nameOrID string, timeout *time.Duration) error
	RestartContainer(ctx context.Context, nameOrID string, timeout *time.Duration) error
	PauseContainer(ctx context.Context, nameOrID string) error
	UnpauseContainer(ctx context.Context, nameOrID string) error
	RemoveContainer(ctx context.Context, nameOrID string, opts RemoveOptions) error
	RenameContainer(ctx context.Context, nameOrID, newName string) error
	InspectContainer(ctx context.Context, nameOrID string) (*ContainerInfo, error)
	// LookupContainer reports absence as found=false rather than an error.
	LookupContainer(ctx context.Context, name string) (info *ContainerInfo, found bool, err error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)
	ContainerLogs(ctx context.Context, nameOrID string, opts LogOptions) (string, error)
	ContainerStats(ctx context.Context, nameOrID string) (domain.RawStats, error)

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}
