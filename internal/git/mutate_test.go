package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/revguard/internal/epoch"
	"github.com/pders01/revguard/internal/testutil"
)

func TestApplyBumpsEpoch(t *testing.T) {
	tr := testutil.NewTempGitRepo(t)
	ctx := context.Background()
	counter := epoch.New()
	repo := New(tr.Path, counter)

	tr.CreateFile("README.md", "# Test Repository\nsecond line\n")
	patch := tr.Git("diff")
	tr.Git("checkout", "--", "README.md")
	require.Empty(t, tr.Status())

	e, err := repo.Apply(ctx, patch+"\n")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e)
	assert.Equal(t, uint64(1), counter.Current())
	assert.Equal(t, "# Test Repository\nsecond line\n", tr.ReadFile("README.md"))
}

func TestFailedMutationLeavesEpoch(t *testing.T) {
	tr := testutil.NewTempGitRepo(t)
	counter := epoch.New()
	repo := New(tr.Path, counter)

	_, err := repo.Checkout(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMutationFailed))

	var merr *MutationError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, "checkout", merr.Verb)
	assert.NotZero(t, merr.ExitCode)
	assert.NotEmpty(t, merr.Stderr)
	assert.Equal(t, uint64(0), counter.Current())
}

func TestApplyRejectsGarbage(t *testing.T) {
	tr := testutil.NewTempGitRepo(t)
	counter := epoch.New()

	_, err := New(tr.Path, counter).Apply(context.Background(), "this is not a patch\n")
	assert.ErrorIs(t, err, ErrMutationFailed)
	assert.Equal(t, uint64(0), counter.Current())
}

func TestEachMutationBumpsOnce(t *testing.T) {
	tr := testutil.NewTempGitRepo(t)
	ctx := context.Background()
	counter := epoch.New()
	repo := New(tr.Path, counter)

	tr.Git("branch", "feature")

	steps := []func() (uint64, error){
		func() (uint64, error) { return repo.Checkout(ctx, "feature") },
		func() (uint64, error) { return repo.Checkout(ctx, "-") },
		func() (uint64, error) { return repo.Merge(ctx, "feature") },
		func() (uint64, error) { return repo.RemoteAdd(ctx, "origin", tr.Path) },
		func() (uint64, error) { return repo.RemoteUpdate(ctx, "origin") },
	}
	for i, step := range steps {
		e, err := step()
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, uint64(i+1), e)
	}
	assert.Equal(t, uint64(len(steps)), counter.Current())
}

func TestWorktreeLifecycle(t *testing.T) {
	tr := testutil.NewTempGitRepo(t)
	ctx := context.Background()
	counter := epoch.New()
	repo := New(tr.Path, counter)

	wtPath := filepath.Join(t.TempDir(), "review-wt")
	_, err := repo.WorktreeAdd(ctx, wtPath, "HEAD", "review/topic")
	require.NoError(t, err)
	assert.True(t, tr.BranchExists("review/topic"))

	_, err = repo.WorktreeRemove(ctx, wtPath, true)
	require.NoError(t, err)
	_, statErr := os.Stat(wtPath)
	assert.True(t, os.IsNotExist(statErr))

	_, err = repo.WorktreePrune(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), counter.Current())
}
