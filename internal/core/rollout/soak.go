package rollout

// =============================================================================
// Canary Soak
// =============================================================================

// SoakVerdict is the decision at the end of a canary soak.
type SoakVerdict string

const (
	VerdictPromote SoakVerdict = "promote"
	VerdictDiscard SoakVerdict = "discard"
)

// SoakPolicy holds the canary thresholds.
type SoakPolicy struct {
	MinProbes    int     // probes required before the abort rule applies
	AbortRatio   float64 // abort when the error rate exceeds this
	PromoteRatio float64 // promote only when the error rate is below this
}

// DefaultSoakPolicy aborts above 10% after 10 probes and promotes below 5%.
func DefaultSoakPolicy() SoakPolicy {
	return SoakPolicy{
		MinProbes:    10,
		AbortRatio:   0.10,
		PromoteRatio: 0.05,
	}
}

// SoakTracker keeps the running error rate of a canary soak.
// It is not safe for concurrent use.
type SoakTracker struct {
	policy SoakPolicy
	total  int
	failed int
}

// NewSoakTracker creates a tracker for the given policy.
func NewSoakTracker(policy SoakPolicy) *SoakTracker {
	return &SoakTracker{policy: policy}
}

// Record adds one probe result.
func (t *SoakTracker) Record(ok bool) {
	t.total++
	if !ok {
		t.failed++
	}
}

// Total is the number of probes recorded.
func (t *SoakTracker) Total() int { return t.total }

// Failed is the number of failed probes recorded.
func (t *SoakTracker) Failed() int { return t.failed }

// ErrorRate is failed/total, 0 before any probe.
func (t *SoakTracker) ErrorRate() float64 {
	if t.total == 0 {
		return 0
	}
	return float64(t.failed) / float64(t.total)
}

// ShouldAbort reports whether the soak must stop early.
func (t *SoakTracker) ShouldAbort() bool {
	return t.total >= t.policy.MinProbes && t.ErrorRate() > t.policy.AbortRatio
}

// Verdict decides the soak. A soak without any probe is discarded.
func (t *SoakTracker) Verdict() SoakVerdict {
	if t.total == 0 || t.ShouldAbort() {
		return VerdictDiscard
	}
	if t.ErrorRate() < t.policy.PromoteRatio {
		return VerdictPromote
	}
	return VerdictDiscard
}
