package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pders01/revguard/internal/git"
	"github.com/pders01/revguard/internal/models"
)

// ErrSnapshot matches every *Error.
var ErrSnapshot = errors.New("snapshot failed")

// Error reports that a ghost commit could not be constructed. Callers abort
// the review start; it is not retried.
type Error struct {
	BaseRef string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to capture snapshot of %s: %v", e.BaseRef, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrSnapshot, e.Err}
}

// Capturer creates ghost snapshots of a working tree. It does not touch the
// epoch: the caller bumps it after Capture returns and stamps the snapshot
// with the bumped value.
type Capturer struct {
	repo *git.Repo
	now  func() time.Time
}

func NewCapturer(repo *git.Repo) *Capturer {
	return &Capturer{repo: repo, now: time.Now}
}

// Capture snapshots the working tree relative to baseRef ("HEAD" when empty).
// The ghost commit is parented on parent when given, otherwise on the commit
// baseRef resolves to. EpochAtCapture is left zero.
func (c *Capturer) Capture(ctx context.Context, baseRef, parent string) (models.Snapshot, error) {
	if baseRef == "" {
		baseRef = "HEAD"
	}

	baseCommit, err := c.repo.RevParse(ctx, baseRef)
	if err != nil {
		return models.Snapshot{}, &Error{BaseRef: baseRef, Err: err}
	}
	if parent == "" {
		parent = baseCommit
	}

	message := fmt.Sprintf("revguard snapshot of %s (%s)", baseRef, models.ShortID(baseCommit))
	ghost, err := c.repo.CreateGhostCommit(ctx, git.GhostOptions{Parent: parent, Message: message})
	if err != nil {
		return models.Snapshot{}, &Error{BaseRef: baseRef, Err: err}
	}

	snap := models.Snapshot{
		CommitID:   ghost.ID,
		TreeID:     ghost.Tree,
		BaseRef:    baseRef,
		BaseCommit: baseCommit,
		Parent:     ghost.Parent,
		Message:    message,
		CapturedAt: c.now().UTC(),
	}
	slog.Debug("captured snapshot", "commit", snap.Short(), "base", baseRef, "parent", models.ShortID(snap.Parent))
	return snap, nil
}
