package autoresolve

import (
	"time"

	"github.com/pders01/revguard/internal/models"
)

// Report is a point-in-time summary of a session.
type Report struct {
	SessionID    string               `json:"session_id" yaml:"session_id"`
	Caller       models.Caller        `json:"caller" yaml:"caller"`
	Phase        Phase                `json:"phase" yaml:"phase"`
	Outcome      *models.Outcome      `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Error        string               `json:"error,omitempty" yaml:"error,omitempty"`
	AttemptCount int                  `json:"attempt_count" yaml:"attempt_count"`
	AttemptLimit int                  `json:"attempt_limit" yaml:"attempt_limit"`
	Reviews      int                  `json:"reviews" yaml:"reviews"`
	Deferrals    int                  `json:"deferrals" yaml:"deferrals"`
	Epoch        uint64               `json:"epoch" yaml:"epoch"`
	BaseSnapshot *models.Snapshot     `json:"base_snapshot,omitempty" yaml:"base_snapshot,omitempty"`
	Snapshots    []models.Snapshot    `json:"snapshots" yaml:"snapshots"`
	LastReview   *models.ReviewOutput `json:"last_review,omitempty" yaml:"last_review,omitempty"`
	StartedAt    time.Time            `json:"started_at" yaml:"started_at"`
	EndedAt      *time.Time           `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
}

func (s *Session) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Report{
		SessionID:    s.id,
		Caller:       s.cfg.Caller,
		Phase:        s.phase,
		AttemptCount: s.attempts,
		AttemptLimit: s.cfg.AttemptLimit,
		Reviews:      s.reviews,
		Deferrals:    s.deferrals,
		Epoch:        s.expected,
		Snapshots:    append([]models.Snapshot(nil), s.snapshots...),
		LastReview:   s.last,
		StartedAt:    s.startedAt,
	}
	if s.base != nil {
		base := *s.base
		r.BaseSnapshot = &base
	}
	if s.phase == PhaseDone {
		o := s.outcome
		r.Outcome = &o
		ended := s.endedAt
		r.EndedAt = &ended
	}
	if s.err != nil {
		r.Error = s.err.Error()
	}
	return r
}
