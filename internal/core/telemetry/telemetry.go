// Package telemetry provides pure functions for container resource telemetry.
// This package contains NO I/O: it turns raw engine snapshots into samples,
// trends, summaries and alerts.
package telemetry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/artpar/dockpilot/internal/core/domain"
)

// =============================================================================
// Sampling (Pure Functions)
// =============================================================================

// Sample derives normalized metrics from two successive snapshots.
//
// cpu_percent = (cpu_delta / system_delta) * online_cpus * 100 when the system
// delta is positive and the cpu delta is not negative, otherwise 0. online_cpus
// is the per-CPU entry count, falling back to the reported online count, then 1.
func Sample(prev, curr domain.RawStats) domain.TelemetrySample {
	sample := domain.TelemetrySample{
		MemoryUsage:  curr.MemoryUsage,
		MemoryLimit:  curr.MemoryLimit,
		ProcessCount: curr.PIDs,
		SampledAt:    curr.ReadAt,
	}

	// Deltas in float64 so a counter reset reads as negative instead of wrapping.
	cpuDelta := float64(curr.CPUTotalUsage) - float64(prev.CPUTotalUsage)
	systemDelta := float64(curr.SystemCPUUsage) - float64(prev.SystemCPUUsage)
	if systemDelta > 0 && cpuDelta >= 0 {
		sample.CPUPercent = (cpuDelta / systemDelta) * float64(onlineCPUs(curr)) * 100.0
	}

	if curr.MemoryLimit > 0 {
		sample.MemoryPercent = float64(curr.MemoryUsage) / float64(curr.MemoryLimit) * 100.0
	}

	for _, n := range curr.Networks {
		sample.NetworkRx += n.RxBytes
		sample.NetworkTx += n.TxBytes
	}

	return sample
}

func onlineCPUs(s domain.RawStats) int {
	if n := len(s.PerCPUUsage); n > 0 {
		return n
	}
	if s.OnlineCPUs > 0 {
		return int(s.OnlineCPUs)
	}
	return 1
}

// =============================================================================
// Trend (Pure Functions)
// =============================================================================

// Direction is the short-term movement of a metric.
type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionSteady Direction = "steady"
)

// TrendThreshold is the point difference that counts as movement.
const TrendThreshold = 5.0

// Symbol is the dashboard glyph for the direction.
func (d Direction) Symbol() string {
	switch d {
	case DirectionUp:
		return "↗"
	case DirectionDown:
		return "↘"
	default:
		return "→"
	}
}

// Trend compares the average of the last two values with the average of the
// ones before them. Fewer than two values is steady.
func Trend(values []float64) Direction {
	if len(values) < 2 {
		return DirectionSteady
	}

	n := len(values)
	recent := (values[n-1] + values[n-2]) / 2

	older := values[0]
	if n > 2 {
		older = mean(values[:n-2])
	}

	switch diff := recent - older; {
	case diff > TrendThreshold:
		return DirectionUp
	case diff < -TrendThreshold:
		return DirectionDown
	default:
		return DirectionSteady
	}
}

// =============================================================================
// Summary (Pure Functions)
// =============================================================================

const bytesPerMB = 1024 * 1024

// Summarize aggregates samples for one container. An empty window yields a
// zero summary carrying only the name.
func Summarize(container string, samples []domain.TelemetrySample) domain.TelemetrySummary {
	summary := domain.TelemetrySummary{Container: container, Samples: len(samples)}
	if len(samples) == 0 {
		return summary
	}

	var cpuSum, memSum float64
	for _, s := range samples {
		memMB := float64(s.MemoryUsage) / bytesPerMB
		cpuSum += s.CPUPercent
		memSum += memMB
		summary.MaxCPU = max(summary.MaxCPU, s.CPUPercent)
		summary.MaxMemoryMB = max(summary.MaxMemoryMB, memMB)
	}
	summary.AvgCPU = cpuSum / float64(len(samples))
	summary.AvgMemoryMB = memSum / float64(len(samples))

	last := samples[len(samples)-1]
	summary.LastNetworkRx = last.NetworkRx
	summary.LastNetworkTx = last.NetworkTx
	return summary
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// =============================================================================
// Alerts (Pure Functions)
// =============================================================================

// ParseCondition parses "<metric> > <threshold>".
func ParseCondition(condition string) (domain.AlertMetric, float64, error) {
	left, right, ok := strings.Cut(condition, ">")
	if !ok {
		return "", 0, fmt.Errorf("condition %q: expected \"<metric> > <threshold>\"", condition)
	}

	metric := domain.AlertMetric(strings.TrimSpace(left))
	switch metric {
	case domain.MetricCPUPercent, domain.MetricMemoryPercent:
	default:
		return "", 0, fmt.Errorf("condition %q: unsupported metric %q", condition, metric)
	}

	threshold, err := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if err != nil {
		return "", 0, fmt.Errorf("condition %q: invalid threshold", condition)
	}
	return metric, threshold, nil
}

// EvaluateAlerts returns the rules the sample violates. Rules whose condition
// cannot be parsed never fire.
func EvaluateAlerts(rules []domain.AlertRule, sample domain.TelemetrySample, container string) []domain.Alert {
	var alerts []domain.Alert

	for _, rule := range rules {
		metric, threshold, err := ParseCondition(rule.Condition)
		if err != nil {
			continue
		}

		var value float64
		var label string
		switch metric {
		case domain.MetricCPUPercent:
			value, label = sample.CPUPercent, "CPU"
		case domain.MetricMemoryPercent:
			value, label = sample.MemoryPercent, "Memory"
		}
		if value <= threshold {
			continue
		}

		alerts = append(alerts, domain.Alert{
			Rule:      rule.Name,
			Severity:  rule.Severity,
			Container: container,
			Metric:    metric,
			Value:     value,
			Threshold: threshold,
			Message: fmt.Sprintf("ALERT: %s - Container: %s - %s: %.1f%% - %s",
				rule.Name, container, label, value, rule.Message),
			FiredAt: sample.SampledAt,
		})
	}

	return alerts
}
