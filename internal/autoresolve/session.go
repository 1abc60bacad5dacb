package autoresolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pders01/revguard/internal/epoch"
	"github.com/pders01/revguard/internal/lock"
	"github.com/pders01/revguard/internal/models"
	"github.com/pders01/revguard/internal/review"
)

// DefaultPatience is how long a session keeps deferring on a busy lock
// before it gives up with Aborted("lock busy").
const DefaultPatience = 10 * time.Minute

// Workspace is the working tree the session fixes.
type Workspace interface {
	Head(ctx context.Context) (string, error)
	// Apply applies a unified diff and returns the epoch produced by it.
	Apply(ctx context.Context, patch string) (uint64, error)
}

// Graph answers commit graph questions.
type Graph interface {
	IsAncestor(ancestor, descendant string) (bool, error)
	ChangedPaths(from, to string) ([]string, error)
}

// Capturer creates ghost snapshots. It must not bump the epoch.
type Capturer interface {
	Capture(ctx context.Context, baseRef, parent string) (models.Snapshot, error)
}

// Deps are the collaborators of a session.
type Deps struct {
	Epoch     *epoch.Counter
	Workspace Workspace
	Graph     Graph
	Capturer  Capturer
	Lock      lock.DistributedLock
	Reviewer  review.Reviewer
	Fixer     review.Fixer
	Observer  Observer
	Now       func() time.Time
}

// Config controls one session.
type Config struct {
	RepoRoot string
	BaseRef  string
	Prompt   string
	// AttemptLimit is the number of fix cycles allowed. Zero means review
	// once and report.
	AttemptLimit int
	Patience     time.Duration
	// ReleaseBetweenPhases gives the lock up after every review and every
	// applied fix instead of holding it for the whole session.
	ReleaseBetweenPhases bool
	Caller               models.Caller
	// Heartbeat is how often the lease is refreshed while a model call is
	// in flight. Zero means a third of the lock's lease.
	Heartbeat time.Duration
}

// Session drives one review through fix and re-review cycles. All methods
// are safe for concurrent use. A Step in progress is cancelled through its
// context or by Cancel.
type Session struct {
	id   string
	cfg  Config
	deps Deps

	halt context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	phase     Phase
	outcome   models.Outcome
	err       error
	handle    *lock.Handle
	expected  uint64
	base      *models.Snapshot
	active    *models.Snapshot
	reviewed  *models.Snapshot
	prompt    string
	paths     []string
	last      *models.ReviewOutput
	fixReq    *review.FixRequest
	attempts  int
	reviews   int
	deferrals int
	waitSince time.Time
	snapshots []models.Snapshot
	startedAt time.Time
	endedAt   time.Time
}

// New creates a session in PhaseStarting. Nothing is locked or captured until
// the first Step.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.AttemptLimit < 0 {
		return nil, fmt.Errorf("attempt limit must be >= 0, got %d", cfg.AttemptLimit)
	}
	if deps.Epoch == nil || deps.Workspace == nil || deps.Graph == nil || deps.Capturer == nil ||
		deps.Lock == nil || deps.Reviewer == nil || deps.Fixer == nil {
		return nil, errors.New("auto-resolve session is missing a dependency")
	}
	if cfg.BaseRef == "" {
		cfg.BaseRef = "HEAD"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = review.DefaultPrompt
	}
	if cfg.Patience <= 0 {
		cfg.Patience = DefaultPatience
	}
	if cfg.Caller == "" {
		cfg.Caller = models.CallerHeadless
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = lock.HeartbeatInterval(deps.Lock)
	}

	halt, stop := context.WithCancel(context.Background())
	return &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		deps:      deps,
		halt:      halt,
		stop:      stop,
		phase:     PhaseStarting,
		startedAt: deps.Now(),
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done reports whether the session reached a terminal state.
func (s *Session) Done() bool {
	return s.Phase() == PhaseDone
}

func (s *Session) Outcome() models.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Err is the failure behind Aborted("failed"), if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start takes the session through its initial capture and review. It stops
// early on a deferral.
func (s *Session) Start(ctx context.Context) (StepResult, error) {
	res, err := s.Step(ctx)
	if err != nil || res.Deferred || res.Done {
		return res, err
	}
	return s.Step(ctx)
}

// Step performs exactly one transition, or records a deferral when the
// review lock is busy.
func (s *Session) Step(ctx context.Context) (StepResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(s.halt, cancel)
	defer unhook()

	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.phase
	if from == PhaseDone {
		return s.result(from), nil
	}
	if ctx.Err() != nil {
		s.finish(models.Aborted(models.ReasonCancelled))
		return s.result(from), nil
	}

	var err error
	switch from {
	case PhaseStarting:
		err = s.begin(ctx)
	case PhaseReviewing:
		err = s.runReview(ctx)
	case PhasePendingFix:
		err = s.requestFix(ctx)
	case PhaseAwaitingFix:
		err = s.applyFix(ctx)
	case PhaseWaitingForReview:
		err = s.recapture(ctx)
	}

	var busy *deferral
	switch {
	case errors.As(err, &busy):
		return s.deferStep(from, busy.holder), nil
	case err != nil && ctx.Err() != nil:
		s.finish(models.Aborted(models.ReasonCancelled))
		return s.result(from), nil
	case err != nil:
		s.err = err
		s.finish(models.Aborted(models.ReasonFailed))
		return s.result(from), err
	}
	return s.result(from), nil
}

type deferral struct {
	holder *lock.Record
}

func (d *deferral) Error() string { return models.ReasonLockBusy }

func (s *Session) result(from Phase) StepResult {
	return StepResult{From: from, To: s.phase, Done: s.phase == PhaseDone, Outcome: s.outcome}
}

func (s *Session) deferStep(from Phase, holder *lock.Record) StepResult {
	now := s.deps.Now()
	if s.waitSince.IsZero() {
		s.waitSince = now
	}
	s.deferrals++
	if now.Sub(s.waitSince) > s.cfg.Patience {
		slog.Info("auto-resolve gave up waiting for review lock", "session", s.id, "deferrals", s.deferrals)
		s.finish(models.Aborted(models.ReasonLockBusy))
		return s.result(from)
	}
	slog.Debug("auto-resolve deferred, review lock busy", "session", s.id, "phase", from)
	res := s.result(from)
	res.Deferred = true
	res.Holder = holder
	return res
}

// Cancel releases the lock and then ends the session with
// Aborted("cancelled"). A Step in progress has its context cancelled and
// Cancel returns once that Step does. Cancelling a finished session does
// nothing.
func (s *Session) Cancel() error {
	s.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseDone {
		return nil
	}
	err := s.releaseLock()
	s.finish(models.Aborted(models.ReasonCancelled))
	return err
}

// Pause gives up the lock until the next transition that needs it.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLock()
}

// Close cancels an unfinished session and guarantees the lock is released.
// It is meant to be deferred right after New.
func (s *Session) Close() error {
	s.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.releaseLock()
	if s.phase != PhaseDone {
		s.finish(models.Aborted(models.ReasonCancelled))
	}
	return err
}

// HoldsLock reports whether the session currently owns the review lock.
func (s *Session) HoldsLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

func (s *Session) setPhase(to Phase) {
	from := s.phase
	s.phase = to
	t := Transition{
		SessionID: s.id,
		From:      from,
		To:        to,
		Attempt:   s.attempts,
		Epoch:     s.expected,
		At:        s.deps.Now(),
	}
	if s.active != nil {
		t.Snapshot = s.active.CommitID
	}
	if to == PhaseDone {
		o := s.outcome
		t.Outcome = &o
	}
	slog.Debug("auto-resolve transition", "session", s.id, "from", from, "to", to, "attempt", s.attempts)
	if s.deps.Observer != nil {
		s.deps.Observer(t)
	}
}

// finish moves to Done and releases the lock. It is the only way into Done.
func (s *Session) finish(outcome models.Outcome) {
	if s.phase == PhaseDone {
		return
	}
	if err := s.releaseLock(); err != nil {
		slog.Warn("failed to release review lock", "session", s.id, "error", err)
	}
	s.outcome = outcome
	s.endedAt = s.deps.Now()
	s.setPhase(PhaseDone)
	slog.Info("auto-resolve finished", "session", s.id, "outcome", outcome.String(),
		"attempts", s.attempts, "reviews", s.reviews)
}

func (s *Session) releaseLock() error {
	if s.handle == nil {
		return nil
	}
	err := s.deps.Lock.Release(s.handle)
	s.handle = nil
	if errors.Is(err, lock.ErrNotHeld) {
		return nil
	}
	return err
}

// ensureLock makes sure the session holds the lock, refreshing the lease of
// a lock it already holds. A busy lock is returned as *deferral.
func (s *Session) ensureLock(ctx context.Context) error {
	if s.handle != nil {
		var lost *deferral
		if err := s.confirmLock(); !errors.As(err, &lost) {
			return err
		}
	}

	owner := lock.Owner{
		ID:            s.id,
		Intent:        fmt.Sprintf("%s auto-resolve", s.cfg.Caller),
		SnapshotEpoch: s.deps.Epoch.Current(),
	}
	if head, err := s.deps.Workspace.Head(ctx); err == nil {
		owner.GitHead = head
	}

	h, err := s.deps.Lock.TryAcquire(ctx, owner)
	if err != nil {
		var busy *lock.BusyError
		if errors.As(err, &busy) {
			return &deferral{holder: busy.Holder}
		}
		return fmt.Errorf("acquiring review lock: %w", err)
	}
	s.handle = h
	s.waitSince = time.Time{}
	return nil
}

// confirmLock refreshes the lease and fails unless the session still owns
// the lock. Losing it to another owner is a *deferral: whatever the session
// produced while it thought it held the lock is dropped and the phase runs
// again once the lock is back.
func (s *Session) confirmLock() error {
	err := s.deps.Lock.Refresh(s.handle)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lock.ErrNotHeld):
		slog.Warn("review lock was taken over", "session", s.id, "phase", s.phase)
		s.handle = nil
		holder, _ := s.deps.Lock.Holder()
		return &deferral{holder: holder}
	default:
		return fmt.Errorf("refreshing review lock: %w", err)
	}
}

// withHeartbeat runs a model call while keeping the lease alive. A failed
// heartbeat is only logged here; confirmLock decides what it means.
func (s *Session) withHeartbeat(call func() error) error {
	stop := lock.Heartbeat(s.deps.Lock, s.handle, s.cfg.Heartbeat)
	err := call()
	if herr := stop(); herr != nil {
		slog.Debug("review lock heartbeat stopped early", "session", s.id, "error", herr)
	}
	return err
}

// epochMoved aborts the session if anything bumped the epoch since the
// active snapshot (or the last applied fix) was stamped.
func (s *Session) epochMoved() bool {
	if cur := s.deps.Epoch.Current(); cur != s.expected {
		slog.Info("epoch advanced under auto-resolve", "session", s.id, "expected", s.expected, "current", cur)
		s.finish(models.Aborted(models.ReasonEpochAdvanced))
		return true
	}
	return false
}

func (s *Session) capture(ctx context.Context, parent string) (models.Snapshot, error) {
	snap, err := s.deps.Capturer.Capture(ctx, s.cfg.BaseRef, parent)
	if err != nil {
		return models.Snapshot{}, err
	}
	snap = snap.Stamped(s.deps.Epoch.Bump())
	s.snapshots = append(s.snapshots, snap)
	return snap, nil
}

// Starting -> Reviewing: lock, capture and stamp the base snapshot.
func (s *Session) begin(ctx context.Context) error {
	if err := s.ensureLock(ctx); err != nil {
		return err
	}

	snap, err := s.capture(ctx, "")
	if err != nil {
		return err
	}
	paths, err := s.deps.Graph.ChangedPaths(snap.Parent, snap.CommitID)
	if err != nil {
		return err
	}

	s.base = &snap
	s.active = &snap
	s.expected = snap.EpochAtCapture
	s.prompt = review.ScopePrompt(s.cfg.Prompt, snap, paths)
	s.paths = paths
	s.setPhase(PhaseReviewing)
	return nil
}

// Reviewing -> PendingFix | Done(LimitReached) | Done(Clean).
func (s *Session) runReview(ctx context.Context) error {
	if s.epochMoved() {
		return nil
	}
	if err := s.ensureLock(ctx); err != nil {
		return err
	}

	var out *models.ReviewOutput
	err := s.withHeartbeat(func() (err error) {
		out, err = s.deps.Reviewer.Review(ctx, review.Request{
			RepoRoot: s.cfg.RepoRoot,
			Snapshot: *s.active,
			Paths:    s.paths,
			Prompt:   s.prompt,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("review failed: %w", err)
	}
	if err := s.confirmLock(); err != nil {
		return err
	}
	if s.epochMoved() {
		return nil
	}

	s.reviews++
	s.last = out
	s.reviewed = s.active

	switch {
	case out.Clean():
		s.finish(models.Clean())
	case s.attempts >= s.cfg.AttemptLimit:
		s.finish(models.LimitReached())
	default:
		if s.cfg.ReleaseBetweenPhases {
			if err := s.releaseLock(); err != nil {
				return err
			}
		}
		s.setPhase(PhasePendingFix)
	}
	return nil
}

// PendingFix -> AwaitingFix: count the attempt and build the fix request.
func (s *Session) requestFix(ctx context.Context) error {
	if s.epochMoved() {
		return nil
	}
	if err := s.ensureLock(ctx); err != nil {
		return err
	}

	s.attempts++
	s.fixReq = &review.FixRequest{
		RepoRoot: s.cfg.RepoRoot,
		Snapshot: *s.reviewed,
		Review:   s.last,
		Prompt:   review.FixPrompt(s.last),
	}
	s.setPhase(PhaseAwaitingFix)
	return nil
}

// AwaitingFix -> WaitingForReview: obtain the patch and apply it.
func (s *Session) applyFix(ctx context.Context) error {
	if s.epochMoved() {
		return nil
	}
	if err := s.ensureLock(ctx); err != nil {
		return err
	}

	var patch string
	err := s.withHeartbeat(func() (err error) {
		patch, err = s.deps.Fixer.Fix(ctx, *s.fixReq)
		return err
	})
	if err != nil {
		return fmt.Errorf("fix request failed: %w", err)
	}
	if s.epochMoved() {
		return nil
	}

	if _, err := review.ValidatePatch(patch); err != nil {
		if !errors.Is(err, review.ErrEmptyPatch) {
			return fmt.Errorf("fixer returned an unusable patch: %w", err)
		}
		// Nothing to apply; the next capture will see an identical tree.
		slog.Info("fixer proposed no change", "session", s.id, "attempt", s.attempts)
	} else {
		if err := s.confirmLock(); err != nil {
			return err
		}
		applied, err := s.deps.Workspace.Apply(ctx, patch)
		if err != nil {
			return err
		}
		if applied != s.expected+1 {
			slog.Info("another mutation interleaved with the fix", "session", s.id,
				"expected", s.expected+1, "got", applied)
			s.finish(models.Aborted(models.ReasonEpochAdvanced))
			return nil
		}
		s.expected = applied
	}

	if s.cfg.ReleaseBetweenPhases {
		if err := s.releaseLock(); err != nil {
			return err
		}
	}
	s.fixReq = nil
	s.setPhase(PhaseWaitingForReview)
	return nil
}

// WaitingForReview -> Reviewing, guarded by lock, epoch, ancestry and the
// identical-snapshot check.
func (s *Session) recapture(ctx context.Context) error {
	if err := s.ensureLock(ctx); err != nil {
		return err
	}
	if s.epochMoved() {
		return nil
	}

	head, err := s.deps.Workspace.Head(ctx)
	if err != nil {
		return err
	}
	ok, err := s.deps.Graph.IsAncestor(head, s.base.CommitID)
	if err != nil {
		return fmt.Errorf("checking ancestry of %s: %w", models.ShortID(head), err)
	}
	if !ok {
		slog.Info("base moved under auto-resolve", "session", s.id, "head", models.ShortID(head),
			"base", s.base.Short())
		s.finish(models.Aborted(models.ReasonStaleBase))
		return nil
	}

	snap, err := s.capture(ctx, s.base.CommitID)
	if err != nil {
		return err
	}
	s.expected = snap.EpochAtCapture
	if snap.SameTree(*s.reviewed) {
		s.finish(models.Aborted(models.ReasonNoOpFix))
		return nil
	}

	paths, err := s.deps.Graph.ChangedPaths(s.base.CommitID, snap.CommitID)
	if err != nil {
		return err
	}
	s.active = &snap
	s.paths = paths
	s.prompt = review.FollowUpPrompt(s.cfg.Prompt, snap, paths, s.last)
	s.setPhase(PhaseReviewing)
	return nil
}
