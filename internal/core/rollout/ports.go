package rollout

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/artpar/dockpilot/internal/core/domain"
)

// =============================================================================
// Port Functions
// =============================================================================

// OffsetPorts shifts every host port by offset, keeping container ports.
// Used for probe windows (blue-green +1000) and canaries (+100).
//
// Example:
//
//	OffsetPorts(map[string]string{"80": "8080"}, 1000) // {"80": "9080"}
func OffsetPorts(mapping map[string]string, offset int) (map[string]string, error) {
	bindings, err := parseMapping(mapping)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(bindings))
	for key, b := range bindings {
		shifted := b.HostPort + offset
		if shifted < 1 || shifted > 65535 {
			return nil, fmt.Errorf("%w: host port %d shifted by %d is out of range", domain.ErrConfiguration, b.HostPort, offset)
		}
		out[key] = strconv.Itoa(shifted)
	}
	return out, nil
}

// PrimaryHostPort returns the host port bound to the lowest container port.
// The health probe targets this port. ok is false when nothing is mapped.
func PrimaryHostPort(mapping map[string]string) (port int, ok bool) {
	ports, err := domain.DeploymentSpec{PortMapping: mapping}.Ports()
	if err != nil || len(ports) == 0 {
		return 0, false
	}
	return ports[0].HostPort, true
}

// PortsOverlap reports whether two mappings bind any common host port and protocol.
func PortsOverlap(a, b map[string]string) bool {
	left, err := parseMapping(a)
	if err != nil {
		return false
	}
	right, err := parseMapping(b)
	if err != nil {
		return false
	}

	used := make(map[string]bool, len(left))
	for _, p := range left {
		used[hostKey(p)] = true
	}
	for _, p := range right {
		if used[hostKey(p)] {
			return true
		}
	}
	return false
}

// HostPortsOf converts engine-reported bindings back into a spec-style mapping.
func HostPortsOf(bindings []domain.PortBinding) map[string]string {
	out := make(map[string]string, len(bindings))
	for _, b := range bindings {
		key := strconv.Itoa(b.ContainerPort)
		if b.Protocol != "" && b.Protocol != "tcp" {
			key += "/" + b.Protocol
		}
		out[key] = strconv.Itoa(b.HostPort)
	}
	return out
}

func parseMapping(mapping map[string]string) (map[string]domain.PortBinding, error) {
	out := make(map[string]domain.PortBinding, len(mapping))
	for key, value := range mapping {
		ports, err := domain.DeploymentSpec{PortMapping: map[string]string{key: value}}.Ports()
		if err != nil {
			return nil, err
		}
		out[key] = ports[0]
	}
	return out, nil
}

func hostKey(b domain.PortBinding) string {
	return strings.Join([]string{strconv.Itoa(b.HostPort), b.Protocol}, "/")
}
