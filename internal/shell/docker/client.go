package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/moby/go-archive"

	"github.com/artpar/dockpilot/internal/core/domain"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient implements the Client interface using the Docker SDK.
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient creates a new Docker client.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it automatically detects the correct socket.
func NewDockerClient(ctx context.Context, host string) (*DockerClient, error) {
	var opts []client.Opt
	opts = append(opts, client.FromEnv)
	opts = append(opts, client.WithAPIVersionNegotiation())

	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", "", "failed to create client", ErrConnectionFailed)
	}

	if host == "" {
		if _, pingErr := cli.Ping(ctx); pingErr != nil {
			homeDir, _ := os.UserHomeDir()
			dockerDesktopSocket := "unix://" + homeDir + "/.docker/run/docker.sock"

			cli2, err2 := client.NewClientWithOpts(
				client.WithHost(dockerDesktopSocket),
				client.WithAPIVersionNegotiation(),
			)
			if err2 == nil {
				if _, pingErr2 := cli2.Ping(ctx); pingErr2 == nil {
					cli.Close()
					return &DockerClient{cli: cli2}, nil
				}
				cli2.Close()
			}
		}
	}

	return &DockerClient{cli: cli}, nil
}

// Ping checks if Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Image Operations
// =============================================================================

// BuildImage builds an image from a local context directory.
func (d *DockerClient) BuildImage(ctx context.Context, opts BuildOptions) error {
	tag := strings.Join(opts.Tags, ",")

	buildCtx, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{})
	if err != nil {
		return NewDockerError("BuildImage", "image", tag, fmt.Sprintf("failed to archive context %s: %v", opts.ContextDir, err), ErrImageBuild)
	}
	defer buildCtx.Close()

	args := make(map[string]*string, len(opts.BuildArgs))
	for k, v := range opts.BuildArgs {
		args[k] = &v
	}

	resp, err := d.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        opts.Tags,
		Dockerfile:  opts.Dockerfile,
		BuildArgs:   args,
		NoCache:     opts.NoCache,
		PullParent:  opts.Pull,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return NewDockerError("BuildImage", "image", tag, err.Error(), ErrImageBuild)
	}
	defer resp.Body.Close()

	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	// The daemon reports build errors inside the stream, not as an HTTP status.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, nil); err != nil {
		return NewDockerError("BuildImage", "image", tag, err.Error(), ErrImageBuild)
	}
	return nil
}

// PullImage pulls an image from the registry.
func (d *DockerClient) PullImage(ctx context.Context, imageName string) error {
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "not found") ||
			strings.Contains(errStr, "manifest unknown") ||
			strings.Contains(errStr, "repository does not exist") ||
			strings.Contains(errStr, "pull access denied") {
			return NewDockerError("PullImage", "image", imageName, "image not found", ErrImageNotFound)
		}
		return NewDockerError("PullImage", "image", imageName, err.Error(), ErrImagePullFailed)
	}
	defer reader.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return NewDockerError("PullImage", "image", imageName, err.Error(), ErrImagePullFailed)
	}
	return nil
}

// ImageExists checks if an image exists locally.
func (d *DockerClient) ImageExists(ctx context.Context, imageName string) (bool, error) {
	if _, err := d.cli.ImageInspect(ctx, imageName); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, NewDockerError("ImageExists", "image", imageName, err.Error(), err)
	}
	return true, nil
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a new container from the given spec.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config, hostConfig := buildCreateConfig(spec)

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		if strings.Contains(err.Error(), "Conflict") {
			return "", NewDockerError("CreateContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
		}
		return "", NewDockerError("CreateContainer", "container", spec.Name, err.Error(), err)
	}

	return resp.ID, nil
}

// StartContainer starts a stopped container.
func (d *DockerClient) StartContainer(ctx context.Context, nameOrID string) error {
	err := d.cli.ContainerStart(ctx, nameOrID, container.StartOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("StartContainer", "container", nameOrID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "port is already allocated") || strings.Contains(err.Error(), "address already in use") {
			return NewDockerError("StartContainer", "container", nameOrID, err.Error(), ErrPortAlreadyAllocated)
		}
		if strings.Contains(err.Error(), "is already running") {
			return NewDockerError("StartContainer", "container", nameOrID, "container is already running", ErrContainerAlreadyRunning)
		}
		return NewDockerError("StartContainer", "container", nameOrID, err.Error(), err)
	}
	return nil
}

// StopContainer stops a running container.
func (d *DockerClient) StopContainer(ctx context.Context, nameOrID string, timeout *time.Duration) error {
	err := d.cli.ContainerStop(ctx, nameOrID, stopOptions(timeout))
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("StopContainer", "container", nameOrID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is not running") {
			return NewDockerError("StopContainer", "container", nameOrID, "container is not running", ErrContainerNotRunning)
		}
		return NewDockerError("StopContainer", "container", nameOrID, err.Error(), err)
	}
	return nil
}

// RestartContainer restarts a container.
func (d *DockerClient) RestartContainer(ctx context.Context, nameOrID string, timeout *time.Duration) error {
	err := d.cli.ContainerRestart(ctx, nameOrID, stopOptions(timeout))
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("RestartContainer", "container", nameOrID, "container not found", ErrContainerNotFound)
		}
		return NewDockerError("RestartContainer", "container", nameOrID, err.Error(), err)
	}
	return nil
}

// PauseContainer freezes every process of a running container.
func (d *DockerClient) PauseContainer(ctx context.Context, nameOrID string) error {
	if err := d.cli.ContainerPause(ctx, nameOrID); err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("PauseContainer", "container", nameOrID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is not running") {
			return NewDockerError("PauseContainer", "container", nameOrID, "container is not running", ErrContainerNotRunning)
		}
		return NewDockerError("PauseContainer", "container", nameOrID, err.Error(), err)
	}
	return nil
}

// UnpauseContainer resumes a paused container.
func (d *DockerClient) UnpauseContainer(ctx context.Context, nameOrID string) error {
	if err := d.cli.ContainerUnpause(ctx, nameOrID); err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("UnpauseContainer", "container", nameOrID, "container not found", ErrContainerNotFound)
		}
		return NewDockerError("UnpauseContainer", "container", nameOrID, err.Error(), err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerClient) RemoveContainer(ctx context.Context, nameOrID string, opts RemoveOptions) error {
	err := d.cli.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: opts.Force})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("RemoveContainer", "container", nameOrID, "container not found", ErrContainerNotFound)
		}
		return NewDockerError("RemoveContainer", "container", nameOrID, err.Error(), err)
	}
	return nil
}

// RenameContainer gives a container a new name.
func (d *DockerClient) RenameContainer(ctx context.Context, nameOrID, newName string) error {
	if err := d.cli.ContainerRename(ctx, nameOrID, newName); err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("RenameContainer", "container", nameOrID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "Conflict") || strings.Contains(err.Error(), "already in use") {
			return NewDockerError("RenameContainer", "container", nameOrID, "name "+newName+" already in use", ErrContainerAlreadyExists)
		}
		return NewDockerError("RenameContainer", "container", nameOrID, err.Error(), err)
	}
	return nil
}

// InspectContainer returns detailed information about a container.
func (d *DockerClient) InspectContainer(ctx context.Context, nameOrID string) (*ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewDockerError("InspectContainer", "container", nameOrID, "container not found", ErrContainerNotFound)
		}
		return nil, NewDockerError("InspectContainer", "container", nameOrID, err.Error(), err)
	}

	return convertInspect(resp), nil
}

// LookupContainer inspects a container by name, treating absence as a normal result.
func (d *DockerClient) LookupContainer(ctx context.Context, name string) (*ContainerInfo, bool, error) {
	info, err := d.InspectContainer(ctx, name)
	if err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return info, true, nil
}

// ListContainers returns a list of containers matching the given options.
func (d *DockerClient) ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: opts.All})
	if err != nil {
		return nil, NewDockerError("ListContainers", "container", "", err.Error(), err)
	}

	var result []ContainerInfo
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		var ports []PortBinding
		for _, p := range c.Ports {
			ports = append(ports, PortBinding{
				ContainerPort: int(p.PrivatePort),
				HostPort:      int(p.PublicPort),
				Protocol:      p.Type,
			})
		}

		result = append(result, ContainerInfo{
			ID:        c.ID,
			Name:      name,
			Image:     c.Image,
			Status:    ContainerStatus(c.State),
			CreatedAt: time.Unix(c.Created, 0),
			Ports:     ports,
			Labels:    c.Labels,
		})
	}

	return result, nil
}

// ContainerLogs returns demultiplexed stdout and stderr of a container.
func (d *DockerClient) ContainerLogs(ctx context.Context, nameOrID string, opts LogOptions) (string, error) {
	reader, err := d.cli.ContainerLogs(ctx, nameOrID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       opts.Tail,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", NewDockerError("ContainerLogs", "container", nameOrID, "container not found", ErrContainerNotFound)
		}
		return "", NewDockerError("ContainerLogs", "container", nameOrID, err.Error(), err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return buf.String(), NewDockerError("ContainerLogs", "container", nameOrID, err.Error(), err)
	}
	return buf.String(), nil
}

// ContainerStats takes one raw resource snapshot of a container.
func (d *DockerClient) ContainerStats(ctx context.Context, nameOrID string) (domain.RawStats, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return domain.RawStats{}, NewDockerError("ContainerStats", "container", nameOrID, "container not found", ErrContainerNotFound)
		}
		return domain.RawStats{}, NewDockerError("ContainerStats", "container", nameOrID, err.Error(), err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return domain.RawStats{}, NewDockerError("ContainerStats", "container", nameOrID, "failed to decode stats: "+err.Error(), err)
	}

	return toRawStats(&stats), nil
}

// =============================================================================
// Conversion Helpers
// =============================================================================

func stopOptions(timeout *time.Duration) container.StopOptions {
	opts := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		opts.Timeout = &seconds
	}
	return opts
}

// buildCreateConfig translates a ContainerSpec into engine create parameters.
func buildCreateConfig(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	config := &container.Config{
		Image:  spec.Image,
		Labels: spec.Labels,
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	hostConfig := &container.HostConfig{}

	// Port bindings
	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}

		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}

			hostPort := ""
			if p.HostPort != 0 {
				hostPort = strconv.Itoa(p.HostPort)
			}

			portBindings[containerPort] = append(portBindings[containerPort], nat.PortBinding{HostPort: hostPort})
		}

		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	// Volume mounts
	for _, v := range spec.Volumes {
		mountType := mount.TypeVolume
		if strings.HasPrefix(v.Source, "/") {
			mountType = mount.TypeBind
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mountType,
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	// Resource limits
	hostConfig.NanoCPUs = spec.Resources.NanoCPUs
	hostConfig.Memory = spec.Resources.MemoryLimit

	if spec.RestartPolicy != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(spec.RestartPolicy)}
	}

	if spec.NetworkMode != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}

	return config, hostConfig
}

func convertInspect(resp container.InspectResponse) *ContainerInfo {
	info := &ContainerInfo{}
	if resp.ContainerJSONBase == nil {
		return info
	}

	info.ID = resp.ID
	info.Name = strings.TrimPrefix(resp.Name, "/")
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, resp.Created)
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.Labels = resp.Config.Labels
	}

	if st := resp.State; st != nil {
		info.Status = ContainerStatus(st.Status)
		info.ExitCode = st.ExitCode
		if st.StartedAt != "" && st.StartedAt != "0001-01-01T00:00:00Z" {
			if t, err := time.Parse(time.RFC3339Nano, st.StartedAt); err == nil {
				info.StartedAt = &t
			}
		}
	}

	// Prefer live bindings; fall back to configured ones for stopped containers.
	if resp.NetworkSettings != nil && len(resp.NetworkSettings.Ports) > 0 {
		info.Ports = convertPortMap(resp.NetworkSettings.Ports)
	} else if resp.HostConfig != nil {
		info.Ports = convertPortMap(resp.HostConfig.PortBindings)
	}

	return info
}

func convertPortMap(pm nat.PortMap) []PortBinding {
	var ports []PortBinding
	for containerPort, bindings := range pm {
		cp, _ := strconv.Atoi(containerPort.Port())
		for _, b := range bindings {
			hp, _ := strconv.Atoi(b.HostPort)
			ports = append(ports, PortBinding{
				ContainerPort: cp,
				HostPort:      hp,
				Protocol:      containerPort.Proto(),
			})
		}
	}
	return ports
}

// toRawStats keeps the counters the sampler needs from an engine stats response.
func toRawStats(s *container.StatsResponse) domain.RawStats {
	raw := domain.RawStats{
		CPUTotalUsage:  s.CPUStats.CPUUsage.TotalUsage,
		SystemCPUUsage: s.CPUStats.SystemUsage,
		PerCPUUsage:    s.CPUStats.CPUUsage.PercpuUsage,
		OnlineCPUs:     s.CPUStats.OnlineCPUs,
		MemoryUsage:    s.MemoryStats.Usage,
		MemoryLimit:    s.MemoryStats.Limit,
		PIDs:           s.PidsStats.Current,
		ReadAt:         s.Read,
	}

	if len(s.Networks) > 0 {
		raw.Networks = make(map[string]domain.NetworkCounters, len(s.Networks))
		for name, n := range s.Networks {
			raw.Networks[name] = domain.NetworkCounters{RxBytes: n.RxBytes, TxBytes: n.TxBytes}
		}
	}

	return raw
}
