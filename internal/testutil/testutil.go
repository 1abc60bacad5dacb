package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TempGitRepo is a throwaway git repository with one initial commit
type TempGitRepo struct {
	Path string
	T    *testing.T
}

// NewTempGitRepo creates a new temporary git repository. It is removed when
// the test finishes.
func NewTempGitRepo(t *testing.T) *TempGitRepo {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	r := &TempGitRepo{Path: dir, T: t}

	r.Git("init", "--quiet")
	r.Git("config", "user.name", "Test User")
	r.Git("config", "user.email", "test@example.com")
	r.Git("config", "commit.gpgsign", "false")

	r.CreateFile("README.md", "# Test Repository\n")
	r.Commit("Initial commit")
	return r
}

// Git runs a git command in the repository and returns trimmed stdout. Any
// failure aborts the test.
func (r *TempGitRepo) Git(args ...string) string {
	r.T.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = r.Path
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.T.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// TryGit runs a git command and reports whether it succeeded.
func (r *TempGitRepo) TryGit(args ...string) bool {
	r.T.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = r.Path
	return cmd.Run() == nil
}

// CreateFile creates a file in the repository
func (r *TempGitRepo) CreateFile(name, content string) {
	r.T.Helper()
	path := filepath.Join(r.Path, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		r.T.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		r.T.Fatalf("failed to create file: %v", err)
	}
}

// ReadFile returns a working tree file's content
func (r *TempGitRepo) ReadFile(name string) string {
	r.T.Helper()
	data, err := os.ReadFile(filepath.Join(r.Path, name))
	if err != nil {
		r.T.Fatalf("failed to read file: %v", err)
	}
	return string(data)
}

// RemoveFile deletes a file from the working tree
func (r *TempGitRepo) RemoveFile(name string) {
	r.T.Helper()
	if err := os.Remove(filepath.Join(r.Path, name)); err != nil {
		r.T.Fatalf("failed to remove file: %v", err)
	}
}

// Commit stages and commits all changes
func (r *TempGitRepo) Commit(message string) string {
	r.T.Helper()
	r.Git("add", "--all")
	r.Git("commit", "--quiet", "-m", message)
	return r.Head()
}

// Head returns the full hash of HEAD
func (r *TempGitRepo) Head() string {
	r.T.Helper()
	return r.Git("rev-parse", "HEAD")
}

// Status returns `git status --porcelain`
func (r *TempGitRepo) Status() string {
	r.T.Helper()
	return r.Git("status", "--porcelain")
}

// BranchExists checks if a branch exists
func (r *TempGitRepo) BranchExists(branch string) bool {
	r.T.Helper()
	return r.TryGit("rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
}

// RefCount returns how many refs the repository has
func (r *TempGitRepo) RefCount() int {
	r.T.Helper()
	out := r.Git("for-each-ref", "--format=%(refname)")
	if out == "" {
		return 0
	}
	return len(strings.Split(out, "\n"))
}

// GetFileContent retrieves file content from a specific revision
func (r *TempGitRepo) GetFileContent(rev, file string) string {
	r.T.Helper()
	return r.Git("show", rev+":"+file)
}
