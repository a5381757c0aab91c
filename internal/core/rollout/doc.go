// Package rollout provides pure functions for deployment planning.
//
// Nothing in this package performs I/O. The orchestrator in
// internal/shell/deploy asks it what to name things, which ports to bind,
// which blue-green slot to target and whether a canary soak should continue,
// then executes the answer against the container engine.
//
// # Functions
//
//   - Naming: TempName, SlotName, CanaryName
//   - Ports: OffsetPorts, PrimaryHostPort, PortsOverlap
//   - Plans: BuildContainerPlan turns a spec into a concrete container plan
//   - Slots: ChooseTargetSlot picks the inactive blue-green slot
//   - Soak: SoakTracker keeps the running canary error rate
//
// # Usage
//
//	temp := rollout.TempName(spec.ContainerName, attempt.ID)
//	probePorts, err := rollout.OffsetPorts(spec.PortMapping, 1000)
//	plan, err := rollout.BuildContainerPlan(rollout.BuildContainerPlanParams{...})
package rollout
