package models

// OutcomeKind is the terminal state of a review or auto-resolve session.
type OutcomeKind string

const (
	OutcomeClean        OutcomeKind = "clean"
	OutcomeLimitReached OutcomeKind = "limit_reached"
	OutcomeAborted      OutcomeKind = "aborted"
)

// Abort reasons surfaced to the user.
const (
	ReasonStaleBase     = "stale base"
	ReasonNoOpFix       = "no-op fix"
	ReasonEpochAdvanced = "epoch advanced"
	ReasonLockBusy      = "lock busy"
	ReasonCancelled     = "cancelled"
	ReasonFailed        = "failed"
)

// Outcome is Clean, LimitReached or Aborted(reason).
type Outcome struct {
	Kind   OutcomeKind `json:"kind" yaml:"kind"`
	Reason string      `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func Clean() Outcome        { return Outcome{Kind: OutcomeClean} }
func LimitReached() Outcome { return Outcome{Kind: OutcomeLimitReached} }

func Aborted(reason string) Outcome {
	return Outcome{Kind: OutcomeAborted, Reason: reason}
}

func (o Outcome) String() string {
	if o.Kind == OutcomeAborted {
		return "aborted(" + o.Reason + ")"
	}
	return string(o.Kind)
}

// Caller identifies which call site requested a review.
type Caller string

const (
	CallerInteractive Caller = "interactive"
	CallerHeadless    Caller = "headless"
	CallerAutoDrive   Caller = "auto-drive"
)
