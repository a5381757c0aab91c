package rollout

import (
	"fmt"

	"github.com/artpar/dockpilot/internal/core/domain"
)

// =============================================================================
// Container Naming Functions
// =============================================================================

// TempName is the staging name used by a rolling deployment.
// Pattern: {name}_new_{attemptID}
//
// Example:
//
//	TempName("web", "deploy_1700000000") // returns "web_new_deploy_1700000000"
func TempName(name, attemptID string) string {
	return fmt.Sprintf("%s_new_%s", name, attemptID)
}

// SlotName is the container name of a blue-green slot.
// Pattern: {name}_{role}
//
// Example:
//
//	SlotName("web", domain.RoleGreen) // returns "web_green"
func SlotName(name string, role domain.SlotRole) string {
	return fmt.Sprintf("%s_%s", name, role)
}

// CanaryName is the container name of the canary replica.
func CanaryName(name string) string {
	return SlotName(name, domain.RoleCanary)
}
