package autoresolve

import (
	"time"

	"github.com/pders01/revguard/internal/lock"
	"github.com/pders01/revguard/internal/models"
)

// Phase is a state of the auto-resolve session.
type Phase string

const (
	// PhaseStarting: no snapshot has been captured yet.
	PhaseStarting Phase = "starting"
	// PhasePendingFix: findings are waiting for a fix request.
	PhasePendingFix Phase = "pending_fix"
	// PhaseAwaitingFix: a fix has been requested and not yet applied.
	PhaseAwaitingFix Phase = "awaiting_fix"
	// PhaseWaitingForReview: the fix is applied and a fresh snapshot is due.
	PhaseWaitingForReview Phase = "waiting_for_review"
	// PhaseReviewing: a snapshot is captured and its review is due.
	PhaseReviewing Phase = "reviewing"
	PhaseDone      Phase = "done"
)

// Transition is reported to the Observer after every phase change.
type Transition struct {
	SessionID string
	From      Phase
	To        Phase
	// Outcome is set when To is PhaseDone.
	Outcome  *models.Outcome
	Attempt  int
	Epoch    uint64
	Snapshot string
	At       time.Time
}

// Observer receives transitions synchronously, in order.
type Observer func(Transition)

// StepResult describes what one Step did.
type StepResult struct {
	From     Phase
	To       Phase
	Deferred bool
	// Holder is the lock record that caused a deferral, when known.
	Holder  *lock.Record
	Done    bool
	Outcome models.Outcome
}
