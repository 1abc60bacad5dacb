package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ErrMutationFailed matches every *MutationError.
var ErrMutationFailed = errors.New("git mutation failed")

// MutationError reports a mutating git command that exited non-zero. The
// epoch is not bumped when one is returned.
type MutationError struct {
	Verb     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *MutationError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("git %s failed (exit %d): %s", e.Verb, e.ExitCode, msg)
}

func (e *MutationError) Unwrap() []error {
	return []error{ErrMutationFailed, e.Err}
}

// mutate runs a mutating git command and bumps the epoch once it has exited
// successfully. It returns the epoch value produced by that bump.
func (r *Repo) mutate(ctx context.Context, verb string, stdin io.Reader, args ...string) (uint64, error) {
	if _, err := r.run(ctx, nil, stdin, args...); err != nil {
		merr := &MutationError{Verb: verb, Args: args, ExitCode: -1, Err: err}
		var cerr *CommandError
		if errors.As(err, &cerr) {
			merr.ExitCode = cerr.ExitCode
			merr.Stderr = cerr.Stderr
			merr.Err = cerr.Err
		}
		slog.Debug("git mutation failed", "verb", verb, "dir", r.Dir, "exit_code", merr.ExitCode)
		return 0, merr
	}

	e := r.Epoch.Bump()
	slog.Debug("git mutation", "verb", verb, "dir", r.Dir, "epoch", e)
	return e, nil
}

// Pull fetches and integrates remote changes
func (r *Repo) Pull(ctx context.Context, remote, branch string) (uint64, error) {
	args := []string{"pull", "--no-edit"}
	if remote != "" {
		args = append(args, remote)
		if branch != "" {
			args = append(args, branch)
		}
	}
	return r.mutate(ctx, "pull", nil, args...)
}

// Checkout checks out a ref
func (r *Repo) Checkout(ctx context.Context, ref string) (uint64, error) {
	return r.mutate(ctx, "checkout", nil, "checkout", ref)
}

// Merge merges ref into the current branch
func (r *Repo) Merge(ctx context.Context, ref string) (uint64, error) {
	return r.mutate(ctx, "merge", nil, "merge", "--no-edit", ref)
}

// Apply applies a unified diff to the working tree
func (r *Repo) Apply(ctx context.Context, patch string) (uint64, error) {
	return r.mutate(ctx, "apply", strings.NewReader(patch), "apply", "--whitespace=nowarn", "-")
}

// WorktreeAdd creates a worktree at path. With newBranch set, the branch is
// created from ref; otherwise ref is checked out detached.
func (r *Repo) WorktreeAdd(ctx context.Context, path, ref, newBranch string) (uint64, error) {
	args := []string{"worktree", "add"}
	if newBranch != "" {
		args = append(args, "-b", newBranch, path, ref)
	} else {
		args = append(args, "--detach", path, ref)
	}
	return r.mutate(ctx, "worktree add", nil, args...)
}

// WorktreeRemove removes a worktree (force handles untracked files)
func (r *Repo) WorktreeRemove(ctx context.Context, path string, force bool) (uint64, error) {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	return r.mutate(ctx, "worktree remove", nil, args...)
}

// WorktreePrune drops registrations of worktrees whose directories are gone
func (r *Repo) WorktreePrune(ctx context.Context) (uint64, error) {
	return r.mutate(ctx, "worktree prune", nil, "worktree", "prune")
}

// RemoteAdd registers a remote
func (r *Repo) RemoteAdd(ctx context.Context, name, url string) (uint64, error) {
	return r.mutate(ctx, "remote add", nil, "remote", "add", name, url)
}

// RemoteUpdate fetches the named remote, or all remotes when name is empty
func (r *Repo) RemoteUpdate(ctx context.Context, name string) (uint64, error) {
	args := []string{"remote", "update"}
	if name != "" {
		args = append(args, name)
	}
	return r.mutate(ctx, "remote update", nil, args...)
}
