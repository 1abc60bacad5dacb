package git

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/pders01/revguard/internal/epoch"
)

// Repo runs git against one working tree. Read-only queries live in this
// file; everything that changes refs, the index or the working tree lives in
// mutate.go and bumps Epoch after success.
type Repo struct {
	Dir   string
	Epoch *epoch.Counter
	// Env is appended to the environment of every git invocation.
	Env []string
}

// New returns a Repo rooted at dir. A nil counter gets a fresh one.
func New(dir string, counter *epoch.Counter) *Repo {
	if counter == nil {
		counter = epoch.New()
	}
	return &Repo{Dir: dir, Epoch: counter}
}

// CommandError describes a failed read-only git invocation.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("git %s (exit %d): %s", strings.Join(e.Args, " "), e.ExitCode, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

func (r *Repo) run(ctx context.Context, env []string, stdin io.Reader, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	cmd.Env = append(append(os.Environ(), r.Env...), env...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return stdout.String(), &CommandError{Args: args, ExitCode: code, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

func (r *Repo) output(ctx context.Context, args ...string) (string, error) {
	out, err := r.run(ctx, nil, nil, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsRepo checks if Dir is inside a git repository
func (r *Repo) IsRepo(ctx context.Context) bool {
	_, err := r.output(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// Toplevel returns the absolute path of the working tree root
func (r *Repo) Toplevel(ctx context.Context) (string, error) {
	out, err := r.output(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("failed to resolve repository root: %w", err)
	}
	return out, nil
}

// Head returns the current commit hash
func (r *Repo) Head(ctx context.Context) (string, error) {
	out, err := r.output(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current commit: %w", err)
	}
	return out, nil
}

// CurrentBranch returns the current branch name ("HEAD" when detached)
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.output(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return out, nil
}

// RevParse resolves rev to a full commit hash
func (r *Repo) RevParse(ctx context.Context, rev string) (string, error) {
	out, err := r.output(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	return out, nil
}

// StatusPorcelain returns `git status --porcelain` including untracked files
func (r *Repo) StatusPorcelain(ctx context.Context) (string, error) {
	out, err := r.output(ctx, "status", "--porcelain=v1", "--untracked-files=all")
	if err != nil {
		return "", fmt.Errorf("failed to check git status: %w", err)
	}
	return out, nil
}

// HasUncommittedChanges checks if there are uncommitted changes
func (r *Repo) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := r.StatusPorcelain(ctx)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// DiffNameOnly lists paths that differ between two commits
func (r *Repo) DiffNameOnly(ctx context.Context, from, to string) ([]string, error) {
	out, err := r.output(ctx, "diff", "--name-only", from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", from, to, err)
	}
	return splitNonEmpty(out), nil
}

// Worktree is one entry of `git worktree list`.
type Worktree struct {
	Path     string
	Head     string
	Branch   string
	Detached bool
	Prunable bool
}

// WorktreeList returns the repository's registered worktrees
func (r *Repo) WorktreeList(ctx context.Context) ([]Worktree, error) {
	out, err := r.output(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []Worktree {
	var (
		list []Worktree
		cur  *Worktree
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			cur = nil
		case strings.HasPrefix(line, "worktree "):
			list = append(list, Worktree{Path: strings.TrimPrefix(line, "worktree ")})
			cur = &list[len(list)-1]
		case cur == nil:
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached":
			cur.Detached = true
		case strings.HasPrefix(line, "prunable"):
			cur.Prunable = true
		}
	}
	return list
}

// Fingerprint hashes HEAD, the status listing, the working tree diff and the
// contents of untracked files. It changes whenever the reviewable state of
// the checkout changes.
func (r *Repo) Fingerprint(ctx context.Context) (string, error) {
	head, err := r.Head(ctx)
	if err != nil {
		return "", err
	}
	status, err := r.StatusPorcelain(ctx)
	if err != nil {
		return "", err
	}
	diff, err := r.output(ctx, "diff", "HEAD", "--binary")
	if err != nil {
		return "", fmt.Errorf("failed to read diff: %w", err)
	}
	// The diff does not cover untracked files, so hash their contents too.
	untracked, err := r.run(ctx, nil, nil, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return "", fmt.Errorf("failed to list untracked files: %w", err)
	}
	var blobs string
	if strings.TrimSpace(untracked) != "" {
		blobs, err = r.run(ctx, nil, strings.NewReader(untracked), "hash-object", "--stdin-paths")
		if err != nil {
			return "", fmt.Errorf("failed to hash untracked files: %w", err)
		}
	}

	h := sha256.New()
	for _, part := range []string{head, status, diff, blobs} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func splitNonEmpty(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	sort.Strings(lines)
	return lines
}
