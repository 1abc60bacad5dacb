package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GhostOptions configures CreateGhostCommit.
type GhostOptions struct {
	// Parent is the commit the snapshot is parented on. Defaults to HEAD.
	Parent  string
	Message string
}

// GhostCommit is a commit object of the working tree that no ref points at.
type GhostCommit struct {
	ID     string
	Tree   string
	Parent string
}

var ghostIdentity = []string{
	"GIT_AUTHOR_NAME=revguard",
	"GIT_AUTHOR_EMAIL=revguard@localhost",
	"GIT_COMMITTER_NAME=revguard",
	"GIT_COMMITTER_EMAIL=revguard@localhost",
}

// CreateGhostCommit writes the current working tree (tracked and untracked,
// honouring .gitignore) into the object store as a commit. It works on a
// throwaway index, so HEAD, branches and the user's staging area are untouched.
func (r *Repo) CreateGhostCommit(ctx context.Context, opts GhostOptions) (*GhostCommit, error) {
	parent := opts.Parent
	if parent == "" {
		parent = "HEAD"
	}
	parentID, err := r.RevParse(ctx, parent)
	if err != nil {
		return nil, err
	}
	message := opts.Message
	if message == "" {
		message = "revguard snapshot"
	}

	tmpDir, err := os.MkdirTemp("", "revguard-index-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary index dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	env := append([]string{"GIT_INDEX_FILE=" + filepath.Join(tmpDir, "index")}, ghostIdentity...)

	if _, err := r.run(ctx, env, nil, "read-tree", parentID); err != nil {
		return nil, fmt.Errorf("failed to seed snapshot index: %w", err)
	}
	if _, err := r.run(ctx, env, nil, "add", "--all"); err != nil {
		return nil, fmt.Errorf("failed to stage working tree: %w", err)
	}
	tree, err := r.run(ctx, env, nil, "write-tree")
	if err != nil {
		return nil, fmt.Errorf("failed to write snapshot tree: %w", err)
	}
	tree = strings.TrimSpace(tree)

	id, err := r.run(ctx, env, nil, "commit-tree", tree, "-p", parentID, "-m", message)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot commit: %w", err)
	}

	return &GhostCommit{ID: strings.TrimSpace(id), Tree: tree, Parent: parentID}, nil
}
