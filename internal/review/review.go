// Package review defines the reviewer and fixer boundaries plus the prompts
// and patch checks shared by every backend.
package review

import (
	"context"

	"github.com/pders01/revguard/internal/models"
)

// DefaultPrompt is used when the caller gives no review instructions.
const DefaultPrompt = "Review the code changes for bugs and regressions introduced by them. " +
	"Report each problem as a finding with a precise file path and line range."

// Request asks a reviewer to look at one snapshot.
type Request struct {
	RepoRoot string
	Snapshot models.Snapshot
	// Paths are the files changed in the snapshot relative to its parent.
	Paths  []string
	Prompt string
}

// Reviewer runs a review and returns structured findings.
type Reviewer interface {
	Review(ctx context.Context, req Request) (*models.ReviewOutput, error)
}

// FixRequest asks a fixer for a patch resolving the previous review.
type FixRequest struct {
	RepoRoot string
	Snapshot models.Snapshot
	Review   *models.ReviewOutput
	Prompt   string
}

// Fixer returns a unified diff against the working tree. An empty diff means
// the fixer had nothing to change.
type Fixer interface {
	Fix(ctx context.Context, req FixRequest) (string, error)
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(ctx context.Context, req Request) (*models.ReviewOutput, error)

func (f ReviewerFunc) Review(ctx context.Context, req Request) (*models.ReviewOutput, error) {
	return f(ctx, req)
}

// FixerFunc adapts a function to Fixer.
type FixerFunc func(ctx context.Context, req FixRequest) (string, error)

func (f FixerFunc) Fix(ctx context.Context, req FixRequest) (string, error) {
	return f(ctx, req)
}
