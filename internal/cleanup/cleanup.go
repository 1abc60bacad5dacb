// Package cleanup removes worktrees without racing reviews. A removal only
// happens while holding the review lock; when the lock stays busy the path is
// queued and retried later, never forced.
package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/afero"

	"github.com/pders01/revguard/internal/git"
	"github.com/pders01/revguard/internal/lock"
)

// PendingFile is the queue of deferred removals, kept next to the lock.
const PendingFile = "pending-cleanup.json"

const (
	DefaultMaxAttempts = 5
	DefaultInitialWait = 200 * time.Millisecond
	DefaultMaxWait     = 2 * time.Second
)

// Status is what happened to one path.
type Status string

const (
	StatusRemoved  Status = "removed"
	StatusDeferred Status = "deferred"
	StatusMissing  Status = "missing"
	StatusFailed   Status = "failed"
)

// Result reports the fate of one path.
type Result struct {
	Path   string `json:"path" yaml:"path"`
	Status Status `json:"status" yaml:"status"`
	Epoch  uint64 `json:"epoch,omitempty" yaml:"epoch,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Worktrees is the subset of git.Repo cleanup needs.
type Worktrees interface {
	WorktreeList(ctx context.Context) ([]git.Worktree, error)
	WorktreeRemove(ctx context.Context, path string, force bool) (uint64, error)
	WorktreePrune(ctx context.Context) (uint64, error)
}

// Options tune a Coordinator.
type Options struct {
	// Fs holds the pending queue; it should be the lock's filesystem.
	Fs afero.Fs
	// QueuePath is the pending queue file.
	QueuePath string
	// MaxAttempts bounds lock acquisition per call.
	MaxAttempts int
	// BackOff builds the wait policy between acquisition attempts.
	BackOff func() backoff.BackOff
	// ManagedRoot marks worktrees revguard created; only those are
	// candidates. Empty means every linked worktree.
	ManagedRoot string
	// RemoveDirty passes --force to git worktree remove, discarding
	// uncommitted changes in the worktree. It never forces the lock.
	RemoveDirty bool
	Now         func() time.Time
	Observer    func(Status)
}

// PendingEntry is one queued removal.
type PendingEntry struct {
	Path      string    `json:"path" yaml:"path"`
	QueuedAt  time.Time `json:"queued_at" yaml:"queued_at"`
	Attempts  int       `json:"attempts" yaml:"attempts"`
	LastError string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

type queue struct {
	Entries []PendingEntry `json:"entries"`
}

type Coordinator struct {
	lock lock.DistributedLock
	repo Worktrees
	opts Options
}

// New builds a Coordinator for the lock of one repository. When opts.Fs and
// opts.QueuePath are unset they are taken from a *lock.FileLock.
func New(l lock.DistributedLock, repo Worktrees, opts Options) *Coordinator {
	if fl, ok := l.(*lock.FileLock); ok {
		if opts.Fs == nil {
			opts.Fs = fl.Fs()
		}
		if opts.QueuePath == "" {
			opts.QueuePath = filepath.Join(fl.Dir(), PendingFile)
		}
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackOff == nil {
		opts.BackOff = func() backoff.BackOff {
			return lock.ExponentialBackOff(DefaultInitialWait, DefaultMaxWait)
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{lock: l, repo: repo, opts: opts}
}

// CleanupWorktree removes the worktree at path under the review lock. If the
// lock stays busy the path is queued and a StatusDeferred result is returned
// with a nil error.
func (c *Coordinator) CleanupWorktree(ctx context.Context, path string) (Result, error) {
	path = canonical(path)
	h, err := c.acquire(ctx, "cleanup worktree "+path)
	if errors.Is(err, lock.ErrBusy) {
		if qerr := c.enqueue(path, ""); qerr != nil {
			return Result{Path: path, Status: StatusFailed, Error: qerr.Error()}, qerr
		}
		slog.Info("worktree cleanup deferred, review lock busy", "path", path)
		return c.observe(Result{Path: path, Status: StatusDeferred}), nil
	}
	if err != nil {
		return Result{Path: path, Status: StatusFailed, Error: err.Error()}, err
	}
	defer c.release(ctx, h)

	res, err := c.remove(ctx, path)
	if err != nil {
		if qerr := c.enqueue(path, err.Error()); qerr != nil {
			slog.Warn("failed to queue worktree cleanup", "path", path, "error", qerr)
		}
		return res, err
	}
	if err := c.dequeue(path); err != nil {
		slog.Warn("failed to update cleanup queue", "path", path, "error", err)
	}
	return res, nil
}

// CleanupPending retries every queued removal under a single lock
// acquisition. When the lock is still busy everything stays queued.
func (c *Coordinator) CleanupPending(ctx context.Context) ([]Result, error) {
	entries, err := c.Pending()
	if err != nil || len(entries) == 0 {
		return nil, err
	}

	h, err := c.acquire(ctx, fmt.Sprintf("cleanup %d pending worktree(s)", len(entries)))
	if errors.Is(err, lock.ErrBusy) {
		results := make([]Result, 0, len(entries))
		for _, e := range entries {
			results = append(results, c.observe(Result{Path: e.Path, Status: StatusDeferred}))
		}
		return results, nil
	}
	if err != nil {
		return nil, err
	}
	defer c.release(ctx, h)

	var (
		results []Result
		keep    []PendingEntry
		errs    []error
	)
	for _, e := range entries {
		if ctx.Err() != nil {
			keep = append(keep, e)
			continue
		}
		res, err := c.remove(ctx, e.Path)
		results = append(results, res)
		if err != nil {
			e.Attempts++
			e.LastError = err.Error()
			keep = append(keep, e)
			errs = append(errs, err)
		}
	}
	if err := c.writeQueue(queue{Entries: keep}); err != nil {
		errs = append(errs, err)
	}
	return results, errors.Join(errs...)
}

// Prune drops registrations of worktrees whose directories are gone. It
// needs the lock like any other removal but is never queued.
func (c *Coordinator) Prune(ctx context.Context) (Result, error) {
	h, err := c.acquire(ctx, "prune worktrees")
	if errors.Is(err, lock.ErrBusy) {
		return c.observe(Result{Status: StatusDeferred}), nil
	}
	if err != nil {
		return Result{Status: StatusFailed, Error: err.Error()}, err
	}
	defer c.release(ctx, h)

	epoch, err := c.repo.WorktreePrune(ctx)
	if err != nil {
		return c.observe(Result{Status: StatusFailed, Error: err.Error()}), err
	}
	return c.observe(Result{Status: StatusRemoved, Epoch: epoch}), nil
}

// Pending returns the queued removals, oldest first.
func (c *Coordinator) Pending() ([]PendingEntry, error) {
	q, err := c.readQueue()
	if err != nil {
		return nil, err
	}
	return q.Entries, nil
}

// Candidates lists linked worktrees that revguard manages. The main worktree
// is never a candidate.
func (c *Coordinator) Candidates(ctx context.Context) ([]git.Worktree, error) {
	list, err := c.repo.WorktreeList(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) > 0 {
		list = list[1:]
	}

	root := ""
	if c.opts.ManagedRoot != "" {
		root = canonical(c.opts.ManagedRoot) + string(filepath.Separator)
	}
	var out []git.Worktree
	for _, wt := range list {
		if root == "" || strings.HasPrefix(canonical(wt.Path)+string(filepath.Separator), root) {
			out = append(out, wt)
		}
	}
	return out, nil
}

func (c *Coordinator) acquire(ctx context.Context, intent string) (*lock.Handle, error) {
	return lock.AcquireWithRetries(ctx, c.lock, lock.NewOwner(intent), c.opts.MaxAttempts, c.opts.BackOff())
}

func (c *Coordinator) release(ctx context.Context, h *lock.Handle) {
	err := lock.ReleaseWithRetries(context.WithoutCancel(ctx), c.lock, h, 3, backoff.NewConstantBackOff(50*time.Millisecond))
	if err != nil && !errors.Is(err, lock.ErrNotHeld) {
		slog.Warn("failed to release review lock after cleanup", "error", err)
	}
}

// remove runs with the lock held.
func (c *Coordinator) remove(ctx context.Context, path string) (Result, error) {
	list, err := c.repo.WorktreeList(ctx)
	if err != nil {
		return c.observe(Result{Path: path, Status: StatusFailed, Error: err.Error()}), err
	}
	var found *git.Worktree
	for i := 1; i < len(list); i++ {
		if canonical(list[i].Path) == path {
			found = &list[i]
			break
		}
	}
	if found == nil {
		slog.Debug("worktree already gone", "path", path)
		return c.observe(Result{Path: path, Status: StatusMissing}), nil
	}

	var epoch uint64
	if found.Prunable {
		// The directory is gone; only the registration is left.
		epoch, err = c.repo.WorktreePrune(ctx)
	} else {
		epoch, err = c.repo.WorktreeRemove(ctx, path, c.opts.RemoveDirty)
	}
	if err != nil {
		return c.observe(Result{Path: path, Status: StatusFailed, Error: err.Error()}), err
	}
	slog.Info("removed worktree", "path", path, "epoch", epoch)
	return c.observe(Result{Path: path, Status: StatusRemoved, Epoch: epoch}), nil
}

func (c *Coordinator) observe(r Result) Result {
	if c.opts.Observer != nil {
		c.opts.Observer(r.Status)
	}
	return r
}

func (c *Coordinator) readQueue() (queue, error) {
	var q queue
	data, err := afero.ReadFile(c.opts.Fs, c.opts.QueuePath)
	if errors.Is(err, os.ErrNotExist) {
		return q, nil
	}
	if err != nil {
		return q, fmt.Errorf("failed to read cleanup queue: %w", err)
	}
	if err := json.Unmarshal(data, &q); err != nil {
		return q, fmt.Errorf("failed to parse cleanup queue %s: %w", c.opts.QueuePath, err)
	}
	return q, nil
}

func (c *Coordinator) writeQueue(q queue) error {
	if len(q.Entries) == 0 {
		err := c.opts.Fs.Remove(c.opts.QueuePath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to clear cleanup queue: %w", err)
		}
		return nil
	}
	sort.SliceStable(q.Entries, func(i, j int) bool { return q.Entries[i].QueuedAt.Before(q.Entries[j].QueuedAt) })
	data, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return err
	}
	if err := c.opts.Fs.MkdirAll(filepath.Dir(c.opts.QueuePath), 0o755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	return lock.WriteFileAtomic(c.opts.Fs, c.opts.QueuePath, data, 0o644)
}

// enqueue adds path once; a repeated request keeps the original queue time.
func (c *Coordinator) enqueue(path, lastErr string) error {
	q, err := c.readQueue()
	if err != nil {
		return err
	}
	for i := range q.Entries {
		if q.Entries[i].Path == path {
			q.Entries[i].Attempts++
			if lastErr != "" {
				q.Entries[i].LastError = lastErr
			}
			return c.writeQueue(q)
		}
	}
	q.Entries = append(q.Entries, PendingEntry{Path: path, QueuedAt: c.opts.Now(), Attempts: 1, LastError: lastErr})
	return c.writeQueue(q)
}

func (c *Coordinator) dequeue(path string) error {
	q, err := c.readQueue()
	if err != nil {
		return err
	}
	kept := q.Entries[:0]
	for _, e := range q.Entries {
		if e.Path != path {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(q.Entries) && len(kept) > 0 {
		return nil
	}
	q.Entries = kept
	return c.writeQueue(q)
}

// canonical resolves symlinks where possible so paths compare equal to the
// ones git reports.
func canonical(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(path)); err == nil {
		return filepath.Join(dir, filepath.Base(path))
	}
	return filepath.Clean(path)
}
