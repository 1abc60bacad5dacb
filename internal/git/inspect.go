package git

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	fdiff "github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Inspector answers object-graph questions without spawning git. The
// repository is reopened on every call so objects written by the CLI in the
// meantime are visible.
type Inspector struct {
	dir string
}

func NewInspector(dir string) *Inspector {
	return &Inspector{dir: dir}
}

func (i *Inspector) open() (*gogit.Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(i.dir, &gogit.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", i.dir, err)
	}
	return repo, nil
}

func commit(repo *gogit.Repository, id string) (*object.Commit, error) {
	c, err := repo.CommitObject(plumbing.NewHash(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load commit %s: %w", id, err)
	}
	return c, nil
}

// IsAncestor reports whether ancestor is reachable from descendant. A commit
// is its own ancestor.
func (i *Inspector) IsAncestor(ancestor, descendant string) (bool, error) {
	repo, err := i.open()
	if err != nil {
		return false, err
	}
	a, err := commit(repo, ancestor)
	if err != nil {
		return false, err
	}
	d, err := commit(repo, descendant)
	if err != nil {
		return false, err
	}
	return a.IsAncestor(d)
}

// TreeID returns the root tree hash of a commit
func (i *Inspector) TreeID(id string) (string, error) {
	repo, err := i.open()
	if err != nil {
		return "", err
	}
	c, err := commit(repo, id)
	if err != nil {
		return "", err
	}
	return c.TreeHash.String(), nil
}

// ChangedPaths lists the paths that differ between the trees of two commits
func (i *Inspector) ChangedPaths(from, to string) ([]string, error) {
	repo, err := i.open()
	if err != nil {
		return nil, err
	}
	fromCommit, err := commit(repo, from)
	if err != nil {
		return nil, err
	}
	toCommit, err := commit(repo, to)
	if err != nil {
		return nil, err
	}
	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree of %s: %w", from, err)
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree of %s: %w", to, err)
	}

	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	seen := make(map[string]bool)
	var paths []string
	for _, ch := range changes {
		for _, name := range []string{ch.From.Name, ch.To.Name} {
			if name != "" && !seen[name] {
				seen[name] = true
				paths = append(paths, name)
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// FileAt returns the content of path in a commit
func (i *Inspector) FileAt(id, path string) (string, error) {
	repo, err := i.open()
	if err != nil {
		return "", err
	}
	c, err := commit(repo, id)
	if err != nil {
		return "", err
	}
	f, err := c.File(path)
	if err != nil {
		return "", fmt.Errorf("failed to find %s in %s: %w", path, id, err)
	}
	return f.Contents()
}

type singlePatch struct {
	fp fdiff.FilePatch
}

func (p singlePatch) FilePatches() []fdiff.FilePatch { return []fdiff.FilePatch{p.fp} }
func (p singlePatch) Message() string                { return "" }

// FileDiffs returns one unified diff per changed path between two commits.
func (i *Inspector) FileDiffs(ctx context.Context, from, to string) (map[string]string, error) {
	repo, err := i.open()
	if err != nil {
		return nil, err
	}
	fromCommit, err := commit(repo, from)
	if err != nil {
		return nil, err
	}
	toCommit, err := commit(repo, to)
	if err != nil {
		return nil, err
	}

	patch, err := fromCommit.PatchContext(ctx, toCommit)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", from, to, err)
	}

	diffs := make(map[string]string)
	for _, fp := range patch.FilePatches() {
		src, dst := fp.Files()
		var name string
		switch {
		case dst != nil:
			name = dst.Path()
		case src != nil:
			name = src.Path()
		default:
			continue
		}

		var buf bytes.Buffer
		if err := fdiff.NewUnifiedEncoder(&buf, fdiff.DefaultContextLines).Encode(singlePatch{fp: fp}); err != nil {
			return nil, fmt.Errorf("failed to encode diff for %s: %w", name, err)
		}
		diffs[name] = buf.String()
	}
	return diffs, nil
}
