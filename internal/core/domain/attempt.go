package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Strategy
// =============================================================================

type Strategy string

const (
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue-green"
	StrategyCanary    Strategy = "canary"
)

// Strategies lists every supported strategy in a stable order.
var Strategies = []Strategy{StrategyRolling, StrategyBlueGreen, StrategyCanary}

// ParseStrategy accepts the strategy names used on the command line.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyRolling:
		return StrategyRolling, nil
	case StrategyBlueGreen, "bluegreen", "blue_green":
		return StrategyBlueGreen, nil
	case StrategyCanary:
		return StrategyCanary, nil
	}
	return "", configErrorf("strategy", "unknown strategy %q", s)
}

// IDPrefix is the prefix of attempt IDs created with this strategy.
func (s Strategy) IDPrefix() string {
	switch s {
	case StrategyBlueGreen:
		return "bg_deploy"
	case StrategyCanary:
		return "canary"
	default:
		return "deploy"
	}
}

// =============================================================================
// Phases
// =============================================================================

type Phase string

const (
	PhasePending          Phase = "pending"
	PhaseBuild            Phase = "build"
	PhaseDiscoverExisting Phase = "discover_existing"
	PhaseStage            Phase = "stage"
	PhaseProbe            Phase = "probe"
	PhaseSwitch           Phase = "switch"
	PhaseCleanTargetSlot  Phase = "clean_target_slot"
	PhaseDeployToTarget   Phase = "deploy_to_target"
	PhaseParallelTests    Phase = "parallel_tests"
	PhaseCutover          Phase = "cutover"
	PhaseCanaryDeploy     Phase = "canary_deploy"
	PhaseSoak             Phase = "soak"
	PhasePromote          Phase = "promote"
	PhaseDone             Phase = "done"
	PhaseFailed           Phase = "failed"
	PhaseRolledBack       Phase = "rolled_back"
)

// IsTerminal reports whether the phase is absorbing.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseRolledBack
}

// phaseTransitions defines the forward edges of each strategy's state machine.
// FAILED and ROLLED_BACK are reachable from any non-terminal phase through Seal.
var phaseTransitions = map[Strategy]map[Phase][]Phase{
	StrategyRolling: {
		PhasePending:          {PhaseBuild},
		PhaseBuild:            {PhaseDiscoverExisting},
		PhaseDiscoverExisting: {PhaseStage},
		PhaseStage:            {PhaseProbe, PhaseSwitch},
		PhaseProbe:            {PhaseSwitch},
		PhaseSwitch:           {PhaseDone},
	},
	StrategyBlueGreen: {
		PhasePending:         {PhaseBuild},
		PhaseBuild:           {PhaseCleanTargetSlot},
		PhaseCleanTargetSlot: {PhaseDeployToTarget},
		PhaseDeployToTarget:  {PhaseProbe, PhaseParallelTests, PhaseCutover},
		PhaseProbe:           {PhaseParallelTests, PhaseCutover},
		PhaseParallelTests:   {PhaseCutover},
		PhaseCutover:         {PhaseDone},
	},
	StrategyCanary: {
		PhasePending:      {PhaseBuild},
		PhaseBuild:        {PhaseCanaryDeploy},
		PhaseCanaryDeploy: {PhaseSoak},
		PhaseSoak:         {PhasePromote},
		PhasePromote:      {PhaseDone},
	},
}

// ValidatePhaseTransition checks a forward edge for the given strategy.
func ValidatePhaseTransition(strategy Strategy, from, to Phase) error {
	edges, ok := phaseTransitions[strategy]
	if !ok {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidTransition, strategy)
	}
	if slices.Contains(edges[from], to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, from, to, strategy)
}

// =============================================================================
// Outcome
// =============================================================================

type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeRolledBack Outcome = "rolled-back"
)

func (o Outcome) terminalPhase() Phase {
	switch o {
	case OutcomeSucceeded:
		return PhaseDone
	case OutcomeRolledBack:
		return PhaseRolledBack
	default:
		return PhaseFailed
	}
}

// =============================================================================
// Attempt
// =============================================================================

// Attempt is one invocation of a strategy against a spec. It is sealed once its
// outcome is known and must not change afterwards.
type Attempt struct {
	ReferenceID  string         `json:"reference_id"`
	ID           string         `json:"id"`
	Strategy     Strategy       `json:"type"`
	Spec         DeploymentSpec `json:"spec"`
	Phase        Phase          `json:"phase"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Outcome      Outcome        `json:"outcome,omitempty"`
	FailedPhase  Phase          `json:"failed_phase,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Notices      []string       `json:"notices,omitempty"`

	sealed bool
}

// NewAttempt starts an attempt with an ID derived from the start timestamp.
func NewAttempt(strategy Strategy, spec DeploymentSpec, now time.Time) *Attempt {
	now = now.UTC()
	return &Attempt{
		ReferenceID: uuid.New().String(),
		ID:          fmt.Sprintf("%s_%d", strategy.IDPrefix(), now.Unix()),
		Strategy:    strategy,
		Spec:        spec.Clone(),
		Phase:       PhasePending,
		StartedAt:   now,
	}
}

// RestoreAttempt marks an attempt loaded from storage as sealed.
func RestoreAttempt(a Attempt) Attempt {
	a.sealed = true
	return a
}

// Transition moves the attempt forward along its strategy's state machine.
func (a *Attempt) Transition(to Phase) error {
	if a.sealed {
		return ErrAttemptSealed
	}
	if err := ValidatePhaseTransition(a.Strategy, a.Phase, to); err != nil {
		return err
	}
	a.Phase = to
	return nil
}

// AddNotice records a caller-visible remark, such as a dual-absence window.
func (a *Attempt) AddNotice(format string, args ...any) error {
	if a.sealed {
		return ErrAttemptSealed
	}
	a.Notices = append(a.Notices, fmt.Sprintf(format, args...))
	return nil
}

// Seal fixes the outcome. A failing cause is recorded with the phase it
// happened in; DeployError phases take precedence over the current phase.
func (a *Attempt) Seal(outcome Outcome, cause error, now time.Time) error {
	if a.sealed {
		return ErrAttemptSealed
	}

	finished := now.UTC()
	a.FinishedAt = &finished
	a.Outcome = outcome

	if outcome != OutcomeSucceeded {
		a.FailedPhase = a.Phase
		var de *DeployError
		if errors.As(cause, &de) && de.Phase != "" {
			a.FailedPhase = de.Phase
		}
		if cause != nil {
			a.ErrorMessage = cause.Error()
		}
	}

	a.Phase = outcome.terminalPhase()
	a.sealed = true
	return nil
}

// Sealed reports whether the outcome is fixed.
func (a *Attempt) Sealed() bool {
	return a.sealed
}

// Succeeded reports whether the attempt committed.
func (a *Attempt) Succeeded() bool {
	return a.Outcome == OutcomeSucceeded
}

// Duration is zero until the attempt is sealed.
func (a *Attempt) Duration() time.Duration {
	if a.FinishedAt == nil {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}
