package coord

import (
	"time"

	"github.com/pders01/revguard/internal/autoresolve"
	"github.com/pders01/revguard/internal/lock"
	"github.com/pders01/revguard/internal/models"
)

// Kind tells a single review apart from an auto-resolve run.
type Kind string

const (
	KindReview      Kind = "review"
	KindAutoResolve Kind = "auto-resolve"
)

// Status is the coarse result of an entry point.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusAborted   Status = "aborted"
	StatusFailed    Status = "failed"
)

// Result is what an entry point reports back to its caller, and what gets
// recorded in history.
type Result struct {
	SessionID   string            `json:"session_id" yaml:"session_id"`
	Kind        Kind              `json:"kind" yaml:"kind"`
	Caller      models.Caller     `json:"caller" yaml:"caller"`
	Repo        string            `json:"repo" yaml:"repo"`
	Status      Status            `json:"status" yaml:"status"`
	Reason      string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	Outcome     *models.Outcome   `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Findings    []models.Finding  `json:"findings" yaml:"findings"`
	Correctness string            `json:"overall_correctness,omitempty" yaml:"overall_correctness,omitempty"`
	Attempts    int               `json:"attempts" yaml:"attempts"`
	Reviews     int               `json:"reviews" yaml:"reviews"`
	Recaptures  int               `json:"recaptures,omitempty" yaml:"recaptures,omitempty"`
	Deferrals   int               `json:"deferrals,omitempty" yaml:"deferrals,omitempty"`
	Snapshots   []models.Snapshot `json:"snapshots" yaml:"snapshots"`
	EpochStart  uint64            `json:"epoch_start" yaml:"epoch_start"`
	EpochEnd    uint64            `json:"epoch_end" yaml:"epoch_end"`
	Holder      *lock.Record      `json:"holder,omitempty" yaml:"holder,omitempty"`
	Error       string            `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at" yaml:"started_at"`
	EndedAt     time.Time         `json:"ended_at" yaml:"ended_at"`
	DurationMS  int64             `json:"duration_ms" yaml:"duration_ms"`
}

// Clean reports whether the run ended without open findings.
func (r *Result) Clean() bool {
	if r.Outcome != nil {
		return r.Outcome.Kind == models.OutcomeClean
	}
	return r.Status == StatusCompleted && len(r.Findings) == 0
}

// Duration is the wall time between start and end.
func (r *Result) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

func (r *Result) end(now time.Time) {
	r.EndedAt = now
	r.DurationMS = now.Sub(r.StartedAt).Milliseconds()
	if r.Findings == nil {
		r.Findings = []models.Finding{}
	}
	if r.Snapshots == nil {
		r.Snapshots = []models.Snapshot{}
	}
}

// statusFor maps a session outcome onto a Status.
func statusFor(o models.Outcome) Status {
	switch {
	case o.Kind != models.OutcomeAborted:
		return StatusCompleted
	case o.Reason == models.ReasonFailed:
		return StatusFailed
	case o.Reason == models.ReasonLockBusy:
		return StatusSkipped
	default:
		return StatusAborted
	}
}

func fromReport(rep autoresolve.Report, repo string) *Result {
	r := &Result{
		SessionID: rep.SessionID,
		Kind:      KindAutoResolve,
		Caller:    rep.Caller,
		Repo:      repo,
		Attempts:  rep.AttemptCount,
		Reviews:   rep.Reviews,
		Deferrals: rep.Deferrals,
		Snapshots: rep.Snapshots,
		EpochEnd:  rep.Epoch,
		Error:     rep.Error,
		StartedAt: rep.StartedAt,
		Outcome:   rep.Outcome,
		Status:    StatusAborted,
	}
	if rep.Outcome != nil {
		r.Status = statusFor(*rep.Outcome)
		r.Reason = rep.Outcome.Reason
	}
	if rep.BaseSnapshot != nil {
		r.EpochStart = rep.BaseSnapshot.EpochAtCapture
	}
	if rep.LastReview != nil {
		r.Findings = rep.LastReview.Findings
		r.Correctness = rep.LastReview.OverallCorrectness
	}
	if rep.EndedAt != nil {
		r.end(*rep.EndedAt)
	}
	return r
}
