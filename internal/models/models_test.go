package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotStamped(t *testing.T) {
	s := Snapshot{CommitID: "abcdef0123456789", TreeID: "t1"}
	stamped := s.Stamped(7)

	assert.Equal(t, uint64(0), s.EpochAtCapture, "original must not change")
	assert.Equal(t, uint64(7), stamped.EpochAtCapture)
	assert.False(t, stamped.Stale(7))
	assert.True(t, stamped.Stale(8))
}

func TestSnapshotSameTree(t *testing.T) {
	a := Snapshot{TreeID: "t1"}
	assert.True(t, a.SameTree(Snapshot{TreeID: "t1"}))
	assert.False(t, a.SameTree(Snapshot{TreeID: "t2"}))
	assert.False(t, Snapshot{}.SameTree(Snapshot{}))
}

func TestScopeHint(t *testing.T) {
	s := Snapshot{CommitID: "1234567890", Parent: "abcdefabcdef"}
	assert.Equal(t, "commit 1234567 (parent abcdefa)", s.ScopeHint())
	assert.Equal(t, "abc", ShortID("abc"))
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{Clean(), "clean"},
		{LimitReached(), "limit_reached"},
		{Aborted(ReasonNoOpFix), "aborted(no-op fix)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.outcome.String())
	}
}

func TestReviewOutputSummary(t *testing.T) {
	var nilOut *ReviewOutput
	assert.True(t, nilOut.Clean())
	assert.Equal(t, "no issues reported", nilOut.Summary())

	out := &ReviewOutput{Findings: []Finding{{Title: " nil deref "}, {Title: "race"}}}
	assert.False(t, out.Clean())
	assert.Equal(t, "2 issue(s): nil deref; race", out.Summary())
}

func TestFindingLocation(t *testing.T) {
	f := Finding{CodeLocation: CodeLocation{AbsoluteFilePath: "/r/a.go", LineRange: LineRange{Start: 3, End: 9}}}
	assert.Equal(t, "/r/a.go:3-9", f.Location())
}
