// Package coord holds the entry points that start reviews. Every entry point
// takes the review lock before it touches review state, and leaves the lock
// released when it returns.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pders01/revguard/internal/autoresolve"
	"github.com/pders01/revguard/internal/epoch"
	"github.com/pders01/revguard/internal/lock"
	"github.com/pders01/revguard/internal/models"
	"github.com/pders01/revguard/internal/review"
)

var (
	// ErrStaleSnapshot means the epoch moved while a snapshot was being reviewed.
	ErrStaleSnapshot = errors.New("stale snapshot")

	// ErrLockLost means another owner took the review lock while a review
	// was running. The review result is discarded.
	ErrLockLost = errors.New("review lock lost during review")
)

const (
	DefaultMaxRecaptures = 2
	DefaultPollInterval  = 2 * time.Second
)

// Recorder receives every terminal result.
type Recorder interface {
	Record(ctx context.Context, r *Result) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, r *Result) error

func (f RecorderFunc) Record(ctx context.Context, r *Result) error { return f(ctx, r) }

// Waker signals that the lock may have become free.
type Waker interface {
	Released() <-chan struct{}
}

// Deps are shared by every review the coordinator starts.
type Deps struct {
	Epoch     *epoch.Counter
	Workspace autoresolve.Workspace
	Graph     autoresolve.Graph
	Capturer  autoresolve.Capturer
	Lock      lock.DistributedLock
	Reviewer  review.Reviewer
	Fixer     review.Fixer
	Recorders []Recorder
	// Waker is optional; without it deferred runs only poll.
	Waker Waker
	Now   func() time.Time
}

// Options tune the coordinator.
type Options struct {
	RepoRoot             string
	MaxRecaptures        int
	PollInterval         time.Duration
	Patience             time.Duration
	ReleaseBetweenPhases bool
	Observer             autoresolve.Observer
	// Heartbeat is how often a held lease is refreshed during model calls.
	// Zero means a third of the lock's lease.
	Heartbeat time.Duration
}

// Request describes one review to start.
type Request struct {
	Caller  models.Caller
	BaseRef string
	Prompt  string
}

type Coordinator struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) (*Coordinator, error) {
	if deps.Epoch == nil || deps.Workspace == nil || deps.Graph == nil || deps.Capturer == nil ||
		deps.Lock == nil || deps.Reviewer == nil {
		return nil, errors.New("review coordinator is missing a dependency")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.MaxRecaptures < 0 {
		opts.MaxRecaptures = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Coordinator{deps: deps, opts: opts}, nil
}

func (req Request) withDefaults() Request {
	if req.Caller == "" {
		req.Caller = models.CallerHeadless
	}
	if req.BaseRef == "" {
		req.BaseRef = "HEAD"
	}
	if req.Prompt == "" {
		req.Prompt = review.DefaultPrompt
	}
	return req
}

// StartReview runs a single review under the lock. A busy lock skips the
// review. When the epoch moves during the review, the snapshot is captured
// again and re-reviewed, at most MaxRecaptures times.
func (c *Coordinator) StartReview(ctx context.Context, req Request) (*Result, error) {
	req = req.withDefaults()
	owner := lock.NewOwner(fmt.Sprintf("%s review", req.Caller))
	owner.SnapshotEpoch = c.deps.Epoch.Current()
	if head, err := c.deps.Workspace.Head(ctx); err == nil {
		owner.GitHead = head
	}

	res := &Result{
		SessionID:  owner.ID,
		Kind:       KindReview,
		Caller:     req.Caller,
		Repo:       c.opts.RepoRoot,
		EpochStart: owner.SnapshotEpoch,
		StartedAt:  c.deps.Now(),
	}

	h, err := c.deps.Lock.TryAcquire(ctx, owner)
	if err != nil {
		var busy *lock.BusyError
		if !errors.As(err, &busy) {
			return c.fail(ctx, res, fmt.Errorf("acquiring review lock: %w", err))
		}
		slog.Info("review skipped, lock busy", "caller", req.Caller, "holder", busy.Holder)
		res.Status = StatusSkipped
		res.Reason = models.ReasonLockBusy
		res.Holder = busy.Holder
		return c.finish(ctx, res), nil
	}
	defer func() {
		if err := c.deps.Lock.Release(h); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			slog.Warn("failed to release review lock", "error", err)
		}
	}()

	for {
		out, err := c.reviewOnce(ctx, h, req, res)
		switch {
		case err == nil:
			res.Status = StatusCompleted
			res.Findings = out.Findings
			res.Correctness = out.OverallCorrectness
			return c.finish(ctx, res), nil
		case errors.Is(err, ErrStaleSnapshot) && res.Recaptures < c.opts.MaxRecaptures:
			res.Recaptures++
			slog.Info("epoch advanced during review, capturing again", "recapture", res.Recaptures)
		case errors.Is(err, ErrLockLost):
			holder, _ := c.deps.Lock.Holder()
			slog.Warn("review lock taken over during review", "caller", req.Caller, "holder", holder)
			res.Status = StatusAborted
			res.Reason = models.ReasonLockBusy
			res.Holder = holder
			res.Error = err.Error()
			return c.finish(ctx, res), nil
		case errors.Is(err, ErrStaleSnapshot):
			res.Status = StatusAborted
			res.Reason = models.ReasonEpochAdvanced
			res.Error = err.Error()
			return c.finish(ctx, res), nil
		case ctx.Err() != nil:
			res.Status = StatusAborted
			res.Reason = models.ReasonCancelled
			return c.finish(ctx, res), nil
		default:
			return c.fail(ctx, res, err)
		}
	}
}

// reviewOnce captures, stamps and reviews a snapshot, keeping the lease of h
// alive while the reviewer runs. It returns ErrStaleSnapshot when the epoch
// moved before the review came back and ErrLockLost when h no longer owns
// the lock.
func (c *Coordinator) reviewOnce(ctx context.Context, h *lock.Handle, req Request, res *Result) (*models.ReviewOutput, error) {
	snap, err := c.deps.Capturer.Capture(ctx, req.BaseRef, "")
	if err != nil {
		return nil, err
	}
	snap = snap.Stamped(c.deps.Epoch.Bump())
	res.Snapshots = append(res.Snapshots, snap)

	paths, err := c.deps.Graph.ChangedPaths(snap.Parent, snap.CommitID)
	if err != nil {
		return nil, err
	}
	stop := lock.Heartbeat(c.deps.Lock, h, c.opts.Heartbeat)
	out, err := c.deps.Reviewer.Review(ctx, review.Request{
		RepoRoot: c.opts.RepoRoot,
		Snapshot: snap,
		Paths:    paths,
		Prompt:   review.ScopePrompt(req.Prompt, snap, paths),
	})
	_ = stop()
	if err != nil {
		return nil, fmt.Errorf("review failed: %w", err)
	}
	res.Reviews++
	if err := c.deps.Lock.Refresh(h); err != nil {
		if errors.Is(err, lock.ErrNotHeld) {
			return nil, ErrLockLost
		}
		return nil, fmt.Errorf("refreshing review lock: %w", err)
	}
	if cur := c.deps.Epoch.Current(); snap.Stale(cur) {
		return nil, fmt.Errorf("%w: captured at epoch %d, now %d", ErrStaleSnapshot, snap.EpochAtCapture, cur)
	}
	if out == nil {
		out = &models.ReviewOutput{}
	}
	return out, nil
}

// NewSession builds an auto-resolve session for step-wise callers. The
// caller owns the session and must Close it.
func (c *Coordinator) NewSession(req Request, attemptLimit int) (*autoresolve.Session, error) {
	if c.deps.Fixer == nil {
		return nil, errors.New("auto-resolve needs a fixer")
	}
	req = req.withDefaults()
	return autoresolve.New(autoresolve.Config{
		RepoRoot:             c.opts.RepoRoot,
		BaseRef:              req.BaseRef,
		Prompt:               req.Prompt,
		AttemptLimit:         attemptLimit,
		Patience:             c.opts.Patience,
		ReleaseBetweenPhases: c.opts.ReleaseBetweenPhases,
		Caller:               req.Caller,
		Heartbeat:            c.opts.Heartbeat,
	}, autoresolve.Deps{
		Epoch:     c.deps.Epoch,
		Workspace: c.deps.Workspace,
		Graph:     c.deps.Graph,
		Capturer:  c.deps.Capturer,
		Lock:      c.deps.Lock,
		Reviewer:  c.deps.Reviewer,
		Fixer:     c.deps.Fixer,
		Observer:  c.opts.Observer,
		Now:       c.deps.Now,
	})
}

// StartAutoResolve runs a session to a terminal state. While the lock is
// busy it waits for the next poll tick or a release notification.
func (c *Coordinator) StartAutoResolve(ctx context.Context, req Request, attemptLimit int) (*Result, error) {
	s, err := c.NewSession(req, attemptLimit)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	runErr := c.Drive(ctx, s)
	return c.Complete(ctx, s), runErr
}

// Drive steps s until it is done. Deferred steps wait for a tick or a
// release notification; a cancelled context cancels the session.
func (c *Coordinator) Drive(ctx context.Context, s *autoresolve.Session) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if c.deps.Waker != nil {
		wake = c.deps.Waker.Released()
	}

	for !s.Done() {
		res, err := s.Step(ctx)
		if err != nil {
			return err
		}
		if !res.Deferred {
			continue
		}
		select {
		case <-ctx.Done():
			return s.Cancel()
		case <-ticker.C:
		case <-wake:
		}
	}
	return nil
}

// Summarize converts the current state of s into a Result.
func (c *Coordinator) Summarize(s *autoresolve.Session) *Result {
	res := fromReport(s.Report(), c.opts.RepoRoot)
	if res.EndedAt.IsZero() {
		res.end(c.deps.Now())
	}
	return res
}

// Complete summarizes a finished session and records the result.
func (c *Coordinator) Complete(ctx context.Context, s *autoresolve.Session) *Result {
	return c.finish(ctx, c.Summarize(s))
}

func (c *Coordinator) fail(ctx context.Context, res *Result, err error) (*Result, error) {
	res.Status = StatusFailed
	res.Reason = models.ReasonFailed
	res.Error = err.Error()
	return c.finish(ctx, res), err
}

func (c *Coordinator) finish(ctx context.Context, res *Result) *Result {
	if res.EndedAt.IsZero() {
		res.end(c.deps.Now())
	}
	res.EpochEnd = c.deps.Epoch.Current()
	// Recording must survive a cancelled run.
	rctx := context.WithoutCancel(ctx)
	for _, r := range c.deps.Recorders {
		if err := r.Record(rctx, res); err != nil {
			slog.Warn("failed to record review result", "session", res.SessionID, "error", err)
		}
	}
	slog.Info("review finished", "kind", res.Kind, "status", res.Status, "reason", res.Reason,
		"reviews", res.Reviews, "attempts", res.Attempts)
	return res
}
