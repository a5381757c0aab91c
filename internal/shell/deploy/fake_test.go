package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/shell/docker"
)

// =============================================================================
// Fake Engine
// =============================================================================

type fakeContainer struct {
	id     string
	spec   docker.ContainerSpec
	status docker.ContainerStatus
}

func (c *fakeContainer) hostPorts() []string {
	out := make([]string, 0, len(c.spec.Ports))
	for _, p := range c.spec.Ports {
		out = append(out, fmt.Sprintf("%d/%s", p.HostPort, p.Protocol))
	}
	return out
}

// fakeGateway is an in-memory engine. Like a real engine it refuses to start a
// container whose host ports are held by another running container.
type fakeGateway struct {
	docker.Client

	mu         sync.Mutex
	containers map[string]*fakeContainer // by name
	nextID     int
	ops        []string
	created    []docker.ContainerSpec
	builds     []docker.BuildOptions
	images     map[string]bool
	logCalls   int

	buildErr    error
	pullErr     error
	renameErr   error
	startErr    map[string]error
	crashImages map[string]bool
	stopErr     map[string]error
	// stopLands makes a failing stop take effect before the error is returned.
	stopLands bool
	onBuild     func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		containers:  make(map[string]*fakeContainer),
		images:      make(map[string]bool),
		crashImages: make(map[string]bool),
		startErr:    make(map[string]error),
		stopErr:     make(map[string]error),
	}
}

// seed adds a container directly, bypassing the operation log.
func (g *fakeGateway) seed(name, image string, ports map[string]string, running bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	spec := docker.ContainerSpec{Name: name, Image: image}
	for cp, hp := range ports {
		c, _ := strconv.Atoi(cp)
		h, _ := strconv.Atoi(hp)
		spec.Ports = append(spec.Ports, docker.PortBinding{ContainerPort: c, HostPort: h, Protocol: "tcp"})
	}
	status := docker.ContainerStatusExited
	if running {
		status = docker.ContainerStatusRunning
	}
	g.containers[name] = &fakeContainer{id: fmt.Sprintf("seed%012d", g.nextID), spec: spec, status: status}
}

func (g *fakeGateway) record(format string, args ...any) {
	g.ops = append(g.ops, fmt.Sprintf(format, args...))
}

func (g *fakeGateway) find(nameOrID string) *fakeContainer {
	if c, ok := g.containers[nameOrID]; ok {
		return c
	}
	for _, c := range g.containers {
		if c.id == nameOrID {
			return c
		}
	}
	return nil
}

func (g *fakeGateway) notFound(op, name string) error {
	return docker.NewDockerError(op, "container", name, "container not found", docker.ErrContainerNotFound)
}

func (g *fakeGateway) BuildImage(ctx context.Context, opts docker.BuildOptions) error {
	if g.onBuild != nil {
		g.onBuild()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.builds = append(g.builds, opts)
	g.record("build %s", opts.Tags[0])
	if g.buildErr != nil {
		return g.buildErr
	}
	g.images[opts.Tags[0]] = true
	return nil
}

func (g *fakeGateway) PullImage(ctx context.Context, image string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("pull %s", image)
	if g.pullErr != nil {
		return g.pullErr
	}
	g.images[image] = true
	return nil
}

func (g *fakeGateway) ImageExists(ctx context.Context, image string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.images[image], nil
}

func (g *fakeGateway) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("create %s", spec.Name)
	if _, ok := g.containers[spec.Name]; ok {
		return "", docker.NewDockerError("CreateContainer", "container", spec.Name, "name in use", docker.ErrContainerAlreadyExists)
	}
	g.nextID++
	id := fmt.Sprintf("c%015d", g.nextID)
	g.containers[spec.Name] = &fakeContainer{id: id, spec: spec, status: docker.ContainerStatusCreated}
	g.created = append(g.created, spec)
	return id, nil
}

func (g *fakeGateway) StartContainer(ctx context.Context, nameOrID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.find(nameOrID)
	if c == nil {
		return g.notFound("StartContainer", nameOrID)
	}
	g.record("start %s", c.spec.Name)
	if err := g.startErr[c.spec.Name]; err != nil {
		return err
	}
	if c.status == docker.ContainerStatusRunning {
		return docker.NewDockerError("StartContainer", "container", nameOrID, "already running", docker.ErrContainerAlreadyRunning)
	}
	for _, other := range g.containers {
		if other == c || other.status != docker.ContainerStatusRunning {
			continue
		}
		for _, hp := range c.hostPorts() {
			if slices.Contains(other.hostPorts(), hp) {
				return docker.NewDockerError("StartContainer", "container", nameOrID, "port is already allocated", docker.ErrPortAlreadyAllocated)
			}
		}
	}
	if g.crashImages[c.spec.Image] {
		c.status = docker.ContainerStatusExited
		return nil
	}
	c.status = docker.ContainerStatusRunning
	return nil
}

func (g *fakeGateway) StopContainer(ctx context.Context, nameOrID string, timeout *time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.find(nameOrID)
	if c == nil {
		return g.notFound("StopContainer", nameOrID)
	}
	g.record("stop %s", c.spec.Name)
	if err := g.stopErr[c.spec.Name]; err != nil {
		if g.stopLands {
			c.status = docker.ContainerStatusExited
		}
		return err
	}
	c.status = docker.ContainerStatusExited
	return nil
}

func (g *fakeGateway) RemoveContainer(ctx context.Context, nameOrID string, opts docker.RemoveOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.find(nameOrID)
	if c == nil {
		return g.notFound("RemoveContainer", nameOrID)
	}
	g.record("remove %s", c.spec.Name)
	delete(g.containers, c.spec.Name)
	return nil
}

func (g *fakeGateway) RenameContainer(ctx context.Context, nameOrID, newName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.find(nameOrID)
	if c == nil {
		return g.notFound("RenameContainer", nameOrID)
	}
	g.record("rename %s %s", c.spec.Name, newName)
	if g.renameErr != nil {
		return g.renameErr
	}
	if _, ok := g.containers[newName]; ok {
		return docker.NewDockerError("RenameContainer", "container", nameOrID, "name in use", docker.ErrContainerAlreadyExists)
	}
	delete(g.containers, c.spec.Name)
	c.spec.Name = newName
	g.containers[newName] = c
	return nil
}

func (g *fakeGateway) InspectContainer(ctx context.Context, nameOrID string) (*docker.ContainerInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.find(nameOrID)
	if c == nil {
		return nil, g.notFound("InspectContainer", nameOrID)
	}
	return &docker.ContainerInfo{
		ID:     c.id,
		Name:   c.spec.Name,
		Image:  c.spec.Image,
		Status: c.status,
		Ports:  slices.Clone(c.spec.Ports),
		Labels: maps.Clone(c.spec.Labels),
	}, nil
}

func (g *fakeGateway) LookupContainer(ctx context.Context, name string) (*docker.ContainerInfo, bool, error) {
	info, err := g.InspectContainer(ctx, name)
	if err != nil {
		return nil, false, nil
	}
	return info, true, nil
}

func (g *fakeGateway) ContainerLogs(ctx context.Context, nameOrID string, opts docker.LogOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logCalls++
	return "listening on :80\n", nil
}

// names returns the container names, sorted.
func (g *fakeGateway) names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := slices.Collect(maps.Keys(g.containers))
	sort.Strings(out)
	return out
}

func (g *fakeGateway) get(name string) *fakeContainer {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.containers[name]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (g *fakeGateway) opsFor(name string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, op := range g.ops {
		if slices.Contains(splitFields(op)[1:], name) {
			out = append(out, op)
		}
	}
	return out
}

// bound returns the running container holding host port.
func (g *fakeGateway) bound(port int) *fakeContainer {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.containers {
		if c.status != docker.ContainerStatusRunning {
			continue
		}
		for _, p := range c.spec.Ports {
			if p.HostPort == port {
				cp := *c
				return &cp
			}
		}
	}
	return nil
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

// =============================================================================
// Fake Prober
// =============================================================================

// fakeProber answers for whichever running container holds the probed port.
type fakeProber struct {
	gw *fakeGateway

	mu    sync.Mutex
	ports []int
	calls int
	// healthy decides for a bound container; nil means every bound container is healthy.
	healthy func(c *fakeContainer, port int, endpoint string) bool
}

func (p *fakeProber) ProbeOnce(ctx context.Context, port int, endpoint string, timeout time.Duration) domain.HealthProbeResult {
	p.mu.Lock()
	p.calls++
	p.ports = append(p.ports, port)
	p.mu.Unlock()

	c := p.gw.bound(port)
	ok := c != nil && (p.healthy == nil || p.healthy(c, port, endpoint))
	result := domain.HealthProbeResult{Attempt: 1, Success: ok}
	if ok {
		result.StatusCode = 200
	} else {
		result.StatusCode = 503
		result.Error = "unexpected status 503"
	}
	return result
}

func (p *fakeProber) Check(ctx context.Context, port int, endpoint string, timeout time.Duration, maxRetries int) bool {
	for range maxRetries {
		if ctx.Err() != nil {
			return false
		}
		if p.ProbeOnce(ctx, port, endpoint, timeout).Success {
			return true
		}
	}
	return false
}

func (p *fakeProber) probedPorts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.ports)
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// =============================================================================
// Fake Ledger
// =============================================================================

type fakeLedger struct {
	mu       sync.Mutex
	attempts []domain.Attempt
	err      error
}

func (l *fakeLedger) Record(ctx context.Context, a *domain.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.attempts = append(l.attempts, *a)
	return nil
}

func (l *fakeLedger) recorded() []domain.Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.attempts)
}

// =============================================================================
// Fixtures
// =============================================================================

type harness struct {
	gw     *fakeGateway
	prober *fakeProber
	ledger *fakeLedger
	orch   *Orchestrator
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StatusPollInterval = time.Millisecond
	cfg.StartupTimeout = 200 * time.Millisecond
	cfg.GracePeriod = 0
	cfg.CutoverSettle = 0
	cfg.StopTimeout = 0
	cfg.CleanupRetries = 0
	cfg.SoakDuration = 40 * time.Millisecond
	cfg.SoakInterval = time.Millisecond
	return cfg
}

func newHarness(cfgs ...func(*Config)) *harness {
	cfg := testConfig()
	for _, fn := range cfgs {
		fn(&cfg)
	}
	gw := newFakeGateway()
	prober := &fakeProber{gw: gw}
	ledger := &fakeLedger{}
	orch := New(Deps{
		Gateway: gw,
		Prober:  prober,
		Ledger:  ledger,
		Logger:  slog.New(slog.DiscardHandler),
	}, cfg)
	return &harness{gw: gw, prober: prober, ledger: ledger, orch: orch}
}

func testFile(name, image string) domain.DeploymentFile {
	return domain.DeploymentFile{
		Deployment: domain.DeploymentSpec{
			ImageTag:           image,
			ContainerName:      name,
			PortMapping:        map[string]string{"80": "8080"},
			Environment:        map[string]string{"MODE": "prod"},
			HealthCheckTimeout: 1,
			HealthCheckRetries: 3,
		},
		Build: domain.BuildConfig{
			Context:    ".",
			Dockerfile: "Dockerfile",
		},
	}
}

// unhealthyImage makes every container running image fail its probes.
func unhealthyImage(image string) func(c *fakeContainer, port int, endpoint string) bool {
	return func(c *fakeContainer, _ int, _ string) bool {
		return c.spec.Image != image
	}
}
