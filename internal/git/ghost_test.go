package git

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/revguard/internal/epoch"
	"github.com/pders01/revguard/internal/testutil"
)

func TestCreateGhostCommitCapturesWorkingTree(t *testing.T) {
	tr := testutil.NewTempGitRepo(t)
	ctx := context.Background()
	counter := epoch.New()
	repo := New(tr.Path, counter)

	head := tr.Head()
	refs := tr.RefCount()
	tr.CreateFile("README.md", "# edited\n")
	tr.CreateFile("new.txt", "untracked\n")
	tr.CreateFile(".gitignore", "ignored.log\n")
	tr.CreateFile("ignored.log", "noise\n")
	statusBefore := tr.Status()

	ghost, err := repo.CreateGhostCommit(ctx, GhostOptions{Message: "snapshot"})
	require.NoError(t, err)

	assert.Equal(t, head, ghost.Parent)
	assert.Len(t, ghost.ID, 40)
	assert.Equal(t, "# edited", tr.GetFileContent(ghost.ID, "README.md"))
	assert.Equal(t, "untracked", tr.GetFileContent(ghost.ID, "new.txt"))
	assert.False(t, tr.TryGit("cat-file", "-e", ghost.ID+":ignored.log"))

	assert.Equal(t, head, tr.Head(), "HEAD must not move")
	assert.Equal(t, refs, tr.RefCount(), "no refs are created")
	assert.Equal(t, statusBefore, tr.Status(), "index and working tree are untouched")
	assert.Equal(t, uint64(0), counter.Current(), "snapshots are not mutations")
}

func TestGhostCommitTreeIsStable(t *testing.T) {
	tr := testutil.NewTempGitRepo(t)
	ctx := context.Background()
	repo := New(tr.Path, nil)

	tr.CreateFile("a.txt", "a\n")
	first, err := repo.CreateGhostCommit(ctx, GhostOptions{})
	require.NoError(t, err)
	second, err := repo.CreateGhostCommit(ctx, GhostOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.Tree, second.Tree)

	tr.CreateFile("a.txt", "b\n")
	third, err := repo.CreateGhostCommit(ctx, GhostOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Tree, third.Tree)
}

func TestGhostCommitOnExplicitParent(t *testing.T) {
	tr := testutil.NewTempGitRepo(t)
	ctx := context.Background()
	repo := New(tr.Path, nil)

	base, err := repo.CreateGhostCommit(ctx, GhostOptions{})
	require.NoError(t, err)

	tr.CreateFile("fix.txt", "fixed\n")
	followUp, err := repo.CreateGhostCommit(ctx, GhostOptions{Parent: base.ID})
	require.NoError(t, err)
	assert.Equal(t, base.ID, followUp.Parent)

	paths, err := repo.DiffNameOnly(ctx, base.ID, followUp.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"fix.txt"}, paths)
}

func TestGhostCommitBadParent(t *testing.T) {
	tr := testutil.NewTempGitRepo(t)
	_, err := New(tr.Path, nil).CreateGhostCommit(context.Background(), GhostOptions{Parent: "nope"})
	assert.Error(t, err)
}
