package domain

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Restart Policy
// =============================================================================

type RestartPolicy string

const (
	RestartNo            RestartPolicy = "no"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartAlways        RestartPolicy = "always"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// Valid reports whether the policy is one the engine understands.
func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartNo, RestartOnFailure, RestartAlways, RestartUnlessStopped:
		return true
	}
	return false
}

// =============================================================================
// Defaults
// =============================================================================

const (
	DefaultHealthEndpoint = "/health"
	DefaultHealthTimeout  = 30
	DefaultHealthRetries  = 10
	DefaultNetwork        = "bridge"
	DefaultDockerfile     = "Dockerfile"
	DefaultBuildContext   = "."
)

// =============================================================================
// Deployment Spec
// =============================================================================

// DeploymentSpec describes a single containerized service to deploy.
// It must not be mutated once an attempt has started; use Clone for snapshots.
type DeploymentSpec struct {
	ImageTag            string            `yaml:"image_tag" json:"image_tag"`
	ContainerName       string            `yaml:"container_name" json:"container_name"`
	PortMapping         map[string]string `yaml:"port_mapping,omitempty" json:"port_mapping,omitempty"`
	Environment         map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Volumes             map[string]string `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	RestartPolicy       RestartPolicy     `yaml:"restart_policy" json:"restart_policy"`
	HealthCheckEndpoint string            `yaml:"health_check_endpoint" json:"health_check_endpoint"`
	HealthCheckTimeout  int               `yaml:"health_check_timeout" json:"health_check_timeout"` // seconds per probe request
	HealthCheckRetries  int               `yaml:"health_check_retries" json:"health_check_retries"`
	BuildArgs           map[string]string `yaml:"build_args,omitempty" json:"build_args,omitempty"`
	Network             string            `yaml:"network,omitempty" json:"network,omitempty"`
	CPULimit            string            `yaml:"cpu_limit,omitempty" json:"cpu_limit,omitempty"`
	MemoryLimit         string            `yaml:"memory_limit,omitempty" json:"memory_limit,omitempty"`
}

// BuildConfig controls how the image is produced before a deployment.
type BuildConfig struct {
	Context    string            `yaml:"context" json:"context"`
	Dockerfile string            `yaml:"dockerfile_path" json:"dockerfile_path"`
	NoCache    bool              `yaml:"no_cache" json:"no_cache"`
	Pull       bool              `yaml:"pull" json:"pull"`
	Skip       bool              `yaml:"skip,omitempty" json:"skip,omitempty"` // use an existing or pullable image
	BuildArgs  map[string]string `yaml:"build_args,omitempty" json:"build_args,omitempty"`
}

// MonitoringConfig is carried in the deployment file for the monitor command.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" json:"enabled"`
	MetricsRetentionDays int     `yaml:"metrics_retention_days" json:"metrics_retention_days"`
	AlertCPUThreshold    float64 `yaml:"alert_cpu_threshold" json:"alert_cpu_threshold"`
	AlertMemoryThreshold float64 `yaml:"alert_memory_threshold" json:"alert_memory_threshold"`
}

// AlertRules turns the configured thresholds into alert rules. Unset
// thresholds produce no rule.
func (m MonitoringConfig) AlertRules() []AlertRule {
	var rules []AlertRule
	if m.AlertCPUThreshold > 0 {
		rules = append(rules, AlertRule{
			Name:      "high_cpu",
			Condition: fmt.Sprintf("%s > %g", MetricCPUPercent, m.AlertCPUThreshold),
			Severity:  "warning",
			Message:   "CPU usage is high",
		})
	}
	if m.AlertMemoryThreshold > 0 {
		rules = append(rules, AlertRule{
			Name:      "high_memory",
			Condition: fmt.Sprintf("%s > %g", MetricMemoryPercent, m.AlertMemoryThreshold),
			Severity:  "warning",
			Message:   "Memory usage is high",
		})
	}
	return rules
}

// DeploymentFile is the on-disk deployment document.
type DeploymentFile struct {
	Deployment DeploymentSpec   `yaml:"deployment" json:"deployment"`
	Build      BuildConfig      `yaml:"build" json:"build"`
	Monitoring MonitoringConfig `yaml:"monitoring,omitempty" json:"monitoring,omitempty"`
}

// PortBinding is a parsed entry of DeploymentSpec.PortMapping.
type PortBinding struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	Protocol      string `json:"protocol"` // tcp, udp
}

// ApplyDefaults fills unset fields with the documented defaults.
func (s *DeploymentSpec) ApplyDefaults() {
	if s.RestartPolicy == "" {
		s.RestartPolicy = RestartUnlessStopped
	}
	if s.HealthCheckEndpoint == "" {
		s.HealthCheckEndpoint = DefaultHealthEndpoint
	}
	if s.HealthCheckTimeout == 0 {
		s.HealthCheckTimeout = DefaultHealthTimeout
	}
	if s.HealthCheckRetries == 0 {
		s.HealthCheckRetries = DefaultHealthRetries
	}
	if s.Network == "" {
		s.Network = DefaultNetwork
	}
}

// Validate checks the spec before any side effect. Every problem found is
// returned, each wrapping ErrConfiguration.
func (s DeploymentSpec) Validate() error {
	var errs []error

	if strings.TrimSpace(s.ImageTag) == "" {
		errs = append(errs, configErrorf("image_tag", "is required"))
	}
	if strings.TrimSpace(s.ContainerName) == "" {
		errs = append(errs, configErrorf("container_name", "is required"))
	}
	if !s.RestartPolicy.Valid() {
		errs = append(errs, configErrorf("restart_policy", "unknown policy %q", s.RestartPolicy))
	}
	if !strings.HasPrefix(s.HealthCheckEndpoint, "/") {
		errs = append(errs, configErrorf("health_check_endpoint", "must start with /"))
	}
	if s.HealthCheckTimeout <= 0 {
		errs = append(errs, configErrorf("health_check_timeout", "must be positive"))
	}
	if s.HealthCheckRetries <= 0 {
		errs = append(errs, configErrorf("health_check_retries", "must be positive"))
	}
	if _, err := s.Ports(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseCPULimit(s.CPULimit); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseMemoryLimit(s.MemoryLimit); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, s.validateVolumes()...)

	return errors.Join(errs...)
}

func (s DeploymentSpec) validateVolumes() []error {
	var errs []error
	for _, source := range slices.Sorted(maps.Keys(s.Volumes)) {
		target := strings.TrimSuffix(s.Volumes[source], ":ro")
		switch {
		case strings.TrimSpace(source) == "":
			errs = append(errs, configErrorf("volumes", "empty source for %q", target))
		case strings.HasPrefix(source, "~"):
			errs = append(errs, configErrorf("volumes", "%q: home directory expansion is not supported", source))
		case !strings.HasPrefix(target, "/"):
			errs = append(errs, configErrorf("volumes", "%q: container path %q must be absolute", source, target))
		}
	}
	return errs
}

// IsHostPath reports whether a volume source names a host directory rather
// than a named volume. Relative paths count and are resolved against the
// working directory when the container is created.
func IsHostPath(source string) bool {
	return strings.HasPrefix(source, ".") || strings.ContainsRune(source, '/')
}

// Ports parses the port mapping, sorted by container port.
// Keys may carry a protocol suffix ("8080/udp"); tcp is assumed otherwise.
func (s DeploymentSpec) Ports() ([]PortBinding, error) {
	bindings := make([]PortBinding, 0, len(s.PortMapping))
	seen := make(map[string]string, len(s.PortMapping))

	for key, value := range s.PortMapping {
		portStr, proto, _ := strings.Cut(key, "/")
		if proto == "" {
			proto = "tcp"
		}
		if proto != "tcp" && proto != "udp" {
			return nil, configErrorf("port_mapping", "unsupported protocol %q", proto)
		}
		containerPort, err := parsePort(portStr)
		if err != nil {
			return nil, configErrorf("port_mapping", "container port %q: %v", key, err)
		}
		hostPort, err := parsePort(value)
		if err != nil {
			return nil, configErrorf("port_mapping", "host port %q: %v", value, err)
		}
		hostKey := fmt.Sprintf("%d/%s", hostPort, proto)
		if other, dup := seen[hostKey]; dup {
			return nil, configErrorf("port_mapping", "host port %d bound by both %s and %s", hostPort, other, key)
		}
		seen[hostKey] = key

		bindings = append(bindings, PortBinding{
			ContainerPort: containerPort,
			HostPort:      hostPort,
			Protocol:      proto,
		})
	}

	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].ContainerPort != bindings[j].ContainerPort {
			return bindings[i].ContainerPort < bindings[j].ContainerPort
		}
		return bindings[i].Protocol < bindings[j].Protocol
	})
	return bindings, nil
}

// HasPorts reports whether the service publishes any port.
func (s DeploymentSpec) HasPorts() bool {
	return len(s.PortMapping) > 0
}

// Clone returns a deep copy so attempts can keep an immutable snapshot.
func (s DeploymentSpec) Clone() DeploymentSpec {
	out := s
	out.PortMapping = maps.Clone(s.PortMapping)
	out.Environment = maps.Clone(s.Environment)
	out.Volumes = maps.Clone(s.Volumes)
	out.BuildArgs = maps.Clone(s.BuildArgs)
	return out
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not a number")
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("out of range")
	}
	return p, nil
}

// =============================================================================
// Resource Limits
// =============================================================================

// ParseCPULimit converts "1.5" into cores. Empty means unlimited (0).
func ParseCPULimit(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, configErrorf("cpu_limit", "invalid value %q", s)
	}
	return v, nil
}

// ParseMemoryLimit converts "1g", "512m", "64k" or a plain byte count into bytes.
// Empty means unlimited (0).
func ParseMemoryLimit(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "k")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, configErrorf("memory_limit", "invalid value %q", s)
	}
	return int64(v * float64(multiplier)), nil
}

// =============================================================================
// Deployment File
// =============================================================================

// ParseDeploymentFile decodes a deployment document, rejecting unknown fields,
// applies defaults and validates the spec.
func ParseDeploymentFile(data []byte) (*DeploymentFile, error) {
	var file DeploymentFile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, configErrorf("deployment", "file is empty")
		}
		return nil, &ConfigError{Field: "file", Reason: err.Error()}
	}

	file.Deployment.ApplyDefaults()
	if file.Build.Context == "" {
		file.Build.Context = DefaultBuildContext
	}
	if file.Build.Dockerfile == "" {
		file.Build.Dockerfile = DefaultDockerfile
	}

	if err := file.Deployment.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// EffectiveBuildArgs merges build-section args with deployment args; the latter win.
func (f DeploymentFile) EffectiveBuildArgs() map[string]string {
	out := make(map[string]string, len(f.Build.BuildArgs)+len(f.Deployment.BuildArgs))
	maps.Copy(out, f.Build.BuildArgs)
	maps.Copy(out, f.Deployment.BuildArgs)
	return out
}

// DefaultDeploymentFile is the starter template written by the init command.
func DefaultDeploymentFile() DeploymentFile {
	return DeploymentFile{
		Deployment: DeploymentSpec{
			ImageTag:      "myapp:latest",
			ContainerName: "myapp",
			PortMapping:   map[string]string{"80": "8080"},
			Environment: map[string]string{
				"ENV":       "production",
				"LOG_LEVEL": "info",
			},
			Volumes:             map[string]string{"./data": "/app/data"},
			RestartPolicy:       RestartUnlessStopped,
			HealthCheckEndpoint: DefaultHealthEndpoint,
			HealthCheckTimeout:  DefaultHealthTimeout,
			HealthCheckRetries:  DefaultHealthRetries,
			Network:             DefaultNetwork,
			CPULimit:            "1.0",
			MemoryLimit:         "1g",
		},
		Build: BuildConfig{
			Context:    DefaultBuildContext,
			Dockerfile: DefaultDockerfile,
			Pull:       true,
		},
		Monitoring: MonitoringConfig{
			Enabled:              true,
			MetricsRetentionDays: 30,
			AlertCPUThreshold:    80,
			AlertMemoryThreshold: 85,
		},
	}
}

// MarshalDeploymentFile renders a deployment document as YAML.
func MarshalDeploymentFile(f DeploymentFile) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("encode deployment file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode deployment file: %w", err)
	}
	return buf.Bytes(), nil
}
