package coord

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/revguard/internal/epoch"
	"github.com/pders01/revguard/internal/git"
	"github.com/pders01/revguard/internal/lock"
	"github.com/pders01/revguard/internal/models"
	"github.com/pders01/revguard/internal/review"
	"github.com/pders01/revguard/internal/snapshot"
	"github.com/pders01/revguard/internal/testutil"
)

type fixture struct {
	tr       *testutil.TempGitRepo
	counter  *epoch.Counter
	repo     *git.Repo
	lock     *lock.FileLock
	mu       sync.Mutex
	recorded []*Result
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tr := testutil.NewTempGitRepo(t)
	tr.CreateFile("main.go", "package main\n")
	counter := epoch.New()
	return &fixture{
		tr:      tr,
		counter: counter,
		repo:    git.New(tr.Path, counter),
		lock: lock.NewFileLock("/state", tr.Path, lock.Options{
			Fs:    afero.NewMemMapFs(),
			Alive: func(int) bool { return true },
		}),
	}
}

func (f *fixture) coordinator(t *testing.T, r review.Reviewer, fx review.Fixer, opts Options, waker Waker) *Coordinator {
	t.Helper()
	opts.RepoRoot = f.tr.Path
	c, err := New(Deps{
		Epoch:     f.counter,
		Workspace: f.repo,
		Graph:     git.NewInspector(f.tr.Path),
		Capturer:  snapshot.NewCapturer(f.repo),
		Lock:      f.lock,
		Reviewer:  r,
		Fixer:     fx,
		Recorders: []Recorder{RecorderFunc(f.record)},
		Waker:     waker,
	}, opts)
	require.NoError(t, err)
	return c
}

func (f *fixture) record(_ context.Context, r *Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, r)
	return nil
}

func (f *fixture) lockFree(t *testing.T) bool {
	rec, err := f.lock.Holder()
	require.NoError(t, err)
	return rec == nil
}

func reviewWith(findings ...string) review.Reviewer {
	return review.ReviewerFunc(func(context.Context, review.Request) (*models.ReviewOutput, error) {
		out := &models.ReviewOutput{OverallCorrectness: "patch is correct"}
		for _, title := range findings {
			out.Findings = append(out.Findings, models.Finding{Title: title})
			out.OverallCorrectness = "patch is incorrect"
		}
		return out, nil
	})
}

func TestStartReviewCompletes(t *testing.T) {
	f := newFixture(t)
	var req review.Request
	reviewer := review.ReviewerFunc(func(ctx context.Context, r review.Request) (*models.ReviewOutput, error) {
		req = r
		return reviewWith("nil map write").Review(ctx, r)
	})
	c := f.coordinator(t, reviewer, nil, Options{}, nil)

	res, err := c.StartReview(context.Background(), Request{Caller: models.CallerInteractive})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, KindReview, res.Kind)
	assert.Equal(t, models.CallerInteractive, res.Caller)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "nil map write", res.Findings[0].Title)
	assert.Equal(t, 1, res.Reviews)
	require.Len(t, res.Snapshots, 1)
	assert.Equal(t, uint64(1), res.Snapshots[0].EpochAtCapture)
	assert.Equal(t, uint64(0), res.EpochStart)
	assert.Equal(t, uint64(1), res.EpochEnd)
	assert.False(t, res.Clean())

	assert.Equal(t, []string{"main.go"}, req.Paths)
	assert.Contains(t, req.Prompt, "Review scope:")
	assert.True(t, f.lockFree(t))
	require.Len(t, f.recorded, 1)
	assert.Same(t, res, f.recorded[0])
}

func TestStartReviewSkipsWhenBusy(t *testing.T) {
	f := newFixture(t)
	_, err := f.lock.TryAcquire(context.Background(), lock.Owner{ID: "other", Intent: "auto-drive auto-resolve"})
	require.NoError(t, err)

	var called atomic.Bool
	reviewer := review.ReviewerFunc(func(context.Context, review.Request) (*models.ReviewOutput, error) {
		called.Store(true)
		return &models.ReviewOutput{}, nil
	})
	c := f.coordinator(t, reviewer, nil, Options{}, nil)

	res, err := c.StartReview(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, models.ReasonLockBusy, res.Reason)
	require.NotNil(t, res.Holder)
	assert.Equal(t, "auto-drive auto-resolve", res.Holder.Intent)
	assert.False(t, called.Load())
	assert.Equal(t, uint64(0), f.counter.Current(), "nothing captured while skipped")

	rec, err := f.lock.Holder()
	require.NoError(t, err)
	assert.Equal(t, "other", rec.OwnerID, "a skipped review leaves the holder alone")
}

func TestStartReviewRecapturesOnEpochAdvance(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	reviewer := review.ReviewerFunc(func(context.Context, review.Request) (*models.ReviewOutput, error) {
		if calls.Add(1) == 1 {
			f.counter.Bump()
		}
		return &models.ReviewOutput{}, nil
	})
	c := f.coordinator(t, reviewer, nil, Options{MaxRecaptures: 2}, nil)

	res, err := c.StartReview(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Recaptures)
	assert.Equal(t, 2, res.Reviews)
	require.Len(t, res.Snapshots, 2)
	assert.Less(t, res.Snapshots[0].EpochAtCapture, res.Snapshots[1].EpochAtCapture)
	assert.True(t, res.Clean())
}

func TestStartReviewAbortsAfterRecaptureLimit(t *testing.T) {
	f := newFixture(t)
	reviewer := review.ReviewerFunc(func(context.Context, review.Request) (*models.ReviewOutput, error) {
		f.counter.Bump()
		return &models.ReviewOutput{}, nil
	})
	c := f.coordinator(t, reviewer, nil, Options{MaxRecaptures: 1}, nil)

	res, err := c.StartReview(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, res.Status)
	assert.Equal(t, models.ReasonEpochAdvanced, res.Reason)
	assert.Contains(t, res.Error, ErrStaleSnapshot.Error())
	assert.Equal(t, 2, res.Reviews)
	assert.True(t, f.lockFree(t))
}

func TestStartReviewFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("model backend unreachable")
	reviewer := review.ReviewerFunc(func(context.Context, review.Request) (*models.ReviewOutput, error) {
		return nil, boom
	})
	c := f.coordinator(t, reviewer, nil, Options{}, nil)

	res, err := c.StartReview(context.Background(), Request{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "model backend unreachable")
	assert.True(t, f.lockFree(t))
	assert.Len(t, f.recorded, 1)
}

func TestStartReviewDiscardedWhenLockTakenOver(t *testing.T) {
	f := newFixture(t)
	reviewer := review.ReviewerFunc(func(ctx context.Context, _ review.Request) (*models.ReviewOutput, error) {
		// The lease lapsed mid-review and another process cleared it.
		require.NoError(t, f.lock.ForceRelease())
		_, err := f.lock.TryAcquire(ctx, lock.Owner{ID: "other", Intent: "interactive review"})
		require.NoError(t, err)
		return reviewWith("nil map write").Review(ctx, review.Request{})
	})
	c := f.coordinator(t, reviewer, nil, Options{}, nil)

	res, err := c.StartReview(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, res.Status)
	assert.Equal(t, models.ReasonLockBusy, res.Reason)
	assert.Empty(t, res.Findings, "a review finished without the lock is not reported")
	require.NotNil(t, res.Holder)
	assert.Equal(t, "other", res.Holder.OwnerID)

	rec, err := f.lock.Holder()
	require.NoError(t, err)
	assert.Equal(t, "other", rec.OwnerID, "the new holder keeps the lock")
}

func TestStartReviewKeepsLeaseDuringSlowReview(t *testing.T) {
	f := newFixture(t)
	fs := afero.NewMemMapFs()
	f.lock = lock.NewFileLock("/state", f.tr.Path, lock.Options{
		Fs: fs, TTL: 150 * time.Millisecond, Alive: func(int) bool { return true }, PID: 100,
	})
	rival := lock.NewFileLock("/state", f.tr.Path, lock.Options{
		Fs: fs, TTL: 150 * time.Millisecond, Alive: func(int) bool { return true }, PID: 200,
	})

	var rivalErr error
	reviewer := review.ReviewerFunc(func(ctx context.Context, _ review.Request) (*models.ReviewOutput, error) {
		time.Sleep(400 * time.Millisecond)
		_, rivalErr = rival.TryAcquire(ctx, lock.NewOwner("interactive review"))
		return &models.ReviewOutput{}, nil
	})
	c := f.coordinator(t, reviewer, nil, Options{}, nil)

	res, err := c.StartReview(context.Background(), Request{})
	require.NoError(t, err)
	assert.ErrorIs(t, rivalErr, lock.ErrBusy, "the lease outlived its TTL while refreshed")
	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, f.lockFree(t))
}

func TestStartAutoResolveFixesAndRecords(t *testing.T) {
	f := newFixture(t)
	var reviews atomic.Int32
	reviewer := review.ReviewerFunc(func(context.Context, review.Request) (*models.ReviewOutput, error) {
		if reviews.Add(1) == 1 {
			return &models.ReviewOutput{Findings: []models.Finding{{Title: "missing func main"}}}, nil
		}
		return &models.ReviewOutput{}, nil
	})
	fixer := review.FixerFunc(func(context.Context, review.FixRequest) (string, error) {
		return "diff --git a/main.go b/main.go\n--- a/main.go\n+++ b/main.go\n" +
			"@@ -1 +1,3 @@\n package main\n+\n+func main() {}\n", nil
	})
	c := f.coordinator(t, reviewer, fixer, Options{}, nil)

	res, err := c.StartAutoResolve(context.Background(), Request{Caller: models.CallerHeadless}, 3)
	require.NoError(t, err)

	assert.Equal(t, KindAutoResolve, res.Kind)
	assert.Equal(t, StatusCompleted, res.Status)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, models.Clean(), *res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 2, res.Reviews)
	assert.Len(t, res.Snapshots, 2)
	assert.Equal(t, uint64(1), res.EpochStart)
	assert.Equal(t, uint64(3), res.EpochEnd)
	assert.False(t, res.EndedAt.IsZero())
	assert.Equal(t, "package main\n\nfunc main() {}\n", f.tr.ReadFile("main.go"))
	assert.True(t, f.lockFree(t))
	assert.Len(t, f.recorded, 1)
}

type chanWaker chan struct{}

func (w chanWaker) Released() <-chan struct{} { return w }

func TestStartAutoResolveWakesOnRelease(t *testing.T) {
	f := newFixture(t)
	other, err := f.lock.TryAcquire(context.Background(), lock.Owner{ID: "other"})
	require.NoError(t, err)

	wake := make(chanWaker, 1)
	c := f.coordinator(t, reviewWith(), review.FixerFunc(func(context.Context, review.FixRequest) (string, error) {
		return "", nil
	}), Options{PollInterval: time.Hour}, wake)

	go func() {
		time.Sleep(50 * time.Millisecond)
		assert.NoError(t, f.lock.Release(other))
		wake <- struct{}{}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := c.StartAutoResolve(ctx, Request{}, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, models.Clean(), *res.Outcome)
}

func TestStartAutoResolveCancelledWhileDeferred(t *testing.T) {
	f := newFixture(t)
	_, err := f.lock.TryAcquire(context.Background(), lock.Owner{ID: "other"})
	require.NoError(t, err)

	c := f.coordinator(t, reviewWith("x"), review.FixerFunc(func(context.Context, review.FixRequest) (string, error) {
		return "", nil
	}), Options{PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	res, err := c.StartAutoResolve(ctx, Request{}, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, res.Status)
	assert.Equal(t, models.ReasonCancelled, res.Reason)
	assert.Positive(t, res.Deferrals)

	rec, err := f.lock.Holder()
	require.NoError(t, err)
	assert.Equal(t, "other", rec.OwnerID)
}

func TestNewSessionNeedsFixer(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, reviewWith(), nil, Options{}, nil)
	_, err := c.NewSession(Request{}, 1)
	assert.Error(t, err)

	_, err = New(Deps{}, Options{})
	assert.Error(t, err)
}
