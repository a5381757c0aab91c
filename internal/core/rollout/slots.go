package rollout

import "github.com/artpar/dockpilot/internal/core/domain"

// =============================================================================
// Blue-Green Slot Selection
// =============================================================================

// ChooseTargetSlot returns the active slot ("" when none is running) and the
// slot the new version should go to. Blue wins when both report running.
func ChooseTargetSlot(blueRunning, greenRunning bool) (active, target domain.SlotRole) {
	switch {
	case blueRunning:
		return domain.RoleBlue, domain.RoleGreen
	case greenRunning:
		return domain.RoleGreen, domain.RoleBlue
	default:
		return "", domain.RoleBlue
	}
}
