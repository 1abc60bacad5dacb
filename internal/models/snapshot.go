package models

import (
	"fmt"
	"time"
)

// Snapshot is a ghost commit of the working tree. It never moves a branch and
// is never mutated after it has been stamped; later captures supersede it.
type Snapshot struct {
	CommitID       string    `json:"commit_id" yaml:"commit_id"`
	TreeID         string    `json:"tree_id" yaml:"tree_id"`
	EpochAtCapture uint64    `json:"epoch_at_capture" yaml:"epoch_at_capture"`
	BaseRef        string    `json:"base_ref" yaml:"base_ref"`
	BaseCommit     string    `json:"base_commit" yaml:"base_commit"`
	Parent         string    `json:"parent" yaml:"parent"`
	Message        string    `json:"message,omitempty" yaml:"message,omitempty"`
	CapturedAt     time.Time `json:"captured_at" yaml:"captured_at"`
}

// Stamped returns a copy of s carrying the epoch produced by the bump that
// followed its capture.
func (s Snapshot) Stamped(epoch uint64) Snapshot {
	s.EpochAtCapture = epoch
	return s
}

// Stale reports whether the epoch has moved since s was stamped.
func (s Snapshot) Stale(current uint64) bool {
	return s.EpochAtCapture != current
}

// SameTree reports whether two snapshots captured byte-identical trees.
func (s Snapshot) SameTree(other Snapshot) bool {
	return s.TreeID != "" && s.TreeID == other.TreeID
}

// Short returns an abbreviated commit id for display.
func (s Snapshot) Short() string {
	return ShortID(s.CommitID)
}

// ScopeHint formats the snapshot as "commit abc1234 (parent def5678)".
func (s Snapshot) ScopeHint() string {
	return fmt.Sprintf("commit %s (parent %s)", ShortID(s.CommitID), ShortID(s.Parent))
}

// ShortID truncates a git object id to 7 characters.
func ShortID(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}
