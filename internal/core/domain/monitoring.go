// Package domain contains the core domain types for dockpilot.
package domain

import "time"

// =============================================================================
// Container Slots
// =============================================================================

// SlotRole tags what a container is doing during an attempt.
type SlotRole string

const (
	RolePrimary SlotRole = "primary"
	RoleStaging SlotRole = "staging"
	RoleBlue    SlotRole = "blue"
	RoleGreen   SlotRole = "green"
	RoleCanary  SlotRole = "canary"
)

// ContainerSlot is a named instantiation of a spec. Its ports may differ from
// the spec's production ports while it is being probed.
type ContainerSlot struct {
	Name        string            `json:"name"`
	Role        SlotRole          `json:"role"`
	ContainerID string            `json:"container_id,omitempty"`
	Ports       map[string]string `json:"ports,omitempty"`
}

// =============================================================================
// Health Probe Types
// =============================================================================

// HealthProbeResult is the outcome of one HTTP liveness request.
type HealthProbeResult struct {
	Attempt    int           `json:"attempt"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// =============================================================================
// Stats Types
// =============================================================================

// NetworkCounters are cumulative byte counters for one interface.
type NetworkCounters struct {
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
}

// RawStats is a single engine resource snapshot.
type RawStats struct {
	CPUTotalUsage  uint64                     `json:"cpu_total_usage"`
	SystemCPUUsage uint64                     `json:"system_cpu_usage"`
	PerCPUUsage    []uint64                   `json:"per_cpu_usage,omitempty"`
	OnlineCPUs     uint32                     `json:"online_cpus"`
	MemoryUsage    uint64                     `json:"memory_usage"`
	MemoryLimit    uint64                     `json:"memory_limit"`
	Networks       map[string]NetworkCounters `json:"networks,omitempty"`
	PIDs           uint64                     `json:"pids"`
	ReadAt         time.Time                  `json:"read_at"`
}

// TelemetrySample is derived from two snapshots. It is never stored as a source
// of truth, only summarized.
type TelemetrySample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsage   uint64    `json:"memory_usage"`
	MemoryLimit   uint64    `json:"memory_limit"`
	MemoryPercent float64   `json:"memory_percent"`
	NetworkRx     uint64    `json:"network_rx"`
	NetworkTx     uint64    `json:"network_tx"`
	ProcessCount  uint64    `json:"process_count"`
	SampledAt     time.Time `json:"sampled_at"`
}

// TelemetrySummary aggregates a window of samples for one container.
type TelemetrySummary struct {
	Container     string  `json:"container"`
	Samples       int     `json:"samples"`
	AvgCPU        float64 `json:"avg_cpu"`
	MaxCPU        float64 `json:"max_cpu"`
	AvgMemoryMB   float64 `json:"avg_memory_mb"`
	MaxMemoryMB   float64 `json:"max_memory_mb"`
	LastNetworkRx uint64  `json:"last_network_rx"`
	LastNetworkTx uint64  `json:"last_network_tx"`
}

// =============================================================================
// Alert Types
// =============================================================================

// AlertMetric names the sample field a rule compares.
type AlertMetric string

const (
	MetricCPUPercent    AlertMetric = "cpu_percent"
	MetricMemoryPercent AlertMetric = "memory_percent"
)

// AlertRule fires when its condition holds, e.g. "cpu_percent > 80".
type AlertRule struct {
	Name      string `mapstructure:"name" yaml:"name" json:"name"`
	Condition string `mapstructure:"condition" yaml:"condition" json:"condition"`
	Severity  string `mapstructure:"severity" yaml:"severity" json:"severity"`
	Message   string `mapstructure:"message" yaml:"message" json:"message"`
}

// Alert is a triggered rule for a container.
type Alert struct {
	Rule      string      `json:"rule"`
	Severity  string      `json:"severity,omitempty"`
	Container string      `json:"container"`
	Metric    AlertMetric `json:"metric"`
	Value     float64     `json:"value"`
	Threshold float64     `json:"threshold"`
	Message   string      `json:"message"`
	FiredAt   time.Time   `json:"fired_at"`
}
