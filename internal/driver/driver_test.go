package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/revguard/internal/coord"
	"github.com/pders01/revguard/internal/epoch"
	"github.com/pders01/revguard/internal/git"
	"github.com/pders01/revguard/internal/lock"
	"github.com/pders01/revguard/internal/models"
	"github.com/pders01/revguard/internal/review"
	"github.com/pders01/revguard/internal/snapshot"
	"github.com/pders01/revguard/internal/testutil"
)

type rig struct {
	tr      *testutil.TempGitRepo
	repo    *git.Repo
	lock    *lock.FileLock
	coord   *coord.Coordinator
	mu      sync.Mutex
	results []*coord.Result
}

func newRig(t *testing.T) *rig {
	t.Helper()
	tr := testutil.NewTempGitRepo(t)
	tr.CreateFile("app.go", "package app\n")
	counter := epoch.New()
	r := &rig{
		tr:   tr,
		repo: git.New(tr.Path, counter),
		lock: lock.NewFileLock("/state", tr.Path, lock.Options{
			Fs:    afero.NewMemMapFs(),
			Alive: func(int) bool { return true },
		}),
	}
	c, err := coord.New(coord.Deps{
		Epoch:     counter,
		Workspace: r.repo,
		Graph:     git.NewInspector(tr.Path),
		Capturer:  snapshot.NewCapturer(r.repo),
		Lock:      r.lock,
		Reviewer: review.ReviewerFunc(func(context.Context, review.Request) (*models.ReviewOutput, error) {
			return &models.ReviewOutput{}, nil
		}),
		Fixer: review.FixerFunc(func(context.Context, review.FixRequest) (string, error) {
			return "", nil
		}),
	}, coord.Options{RepoRoot: tr.Path})
	require.NoError(t, err)
	r.coord = c
	return r
}

func (r *rig) loop(interval time.Duration) *Loop {
	return New(r.coord, r.repo, nil, Options{
		Interval:     interval,
		AttemptLimit: 2,
		OnResult: func(res *coord.Result) {
			r.mu.Lock()
			r.results = append(r.results, res)
			r.mu.Unlock()
		},
	})
}

func tickUntilResult(t *testing.T, l *Loop) Tick {
	t.Helper()
	for i := 0; i < 20; i++ {
		tick, err := l.Tick(context.Background())
		require.NoError(t, err)
		if tick.Result != nil {
			return tick
		}
	}
	t.Fatal("session never finished")
	return Tick{}
}

func TestLoopStartsOnlyWhenCheckoutChanges(t *testing.T) {
	r := newRig(t)
	l := r.loop(time.Hour)

	first, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Started)

	done := tickUntilResult(t, l)
	assert.Equal(t, coord.StatusCompleted, done.Result.Status)
	assert.Equal(t, models.CallerAutoDrive, done.Result.Caller)
	assert.Nil(t, l.Active())

	idle, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, idle.Idle, "unchanged checkout must not start another session")

	r.tr.CreateFile("app.go", "package app\n\nvar Version = 2\n")
	again, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, again.Started)
	tickUntilResult(t, l)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.results, 2)
}

func TestLoopKeepsDeferredSession(t *testing.T) {
	r := newRig(t)
	h, err := r.lock.TryAcquire(context.Background(), lock.Owner{ID: "human"})
	require.NoError(t, err)
	l := r.loop(time.Hour)

	tick, err := l.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tick.Step)
	assert.True(t, tick.Step.Deferred)
	active := l.Active()
	require.NotNil(t, active)

	tick, err = l.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, tick.Started)
	assert.Same(t, active, l.Active())

	require.NoError(t, r.lock.Release(h))
	done := tickUntilResult(t, l)
	assert.Equal(t, active.ID(), done.Result.SessionID)
}

func TestRunCancelsActiveSessionOnExit(t *testing.T) {
	r := newRig(t)
	_, err := r.lock.TryAcquire(context.Background(), lock.Owner{ID: "human"})
	require.NoError(t, err)
	l := r.loop(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Run(ctx))

	assert.Nil(t, l.Active())
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.results, 1)
	assert.Equal(t, models.ReasonCancelled, r.results[0].Reason)

	rec, err := r.lock.Holder()
	require.NoError(t, err)
	assert.Equal(t, "human", rec.OwnerID)
}
