package git

import (
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	gitExec = regexp.MustCompile(`exec\.Command(Context)?\([^)]*"git"`)

	mutatingVerb = regexp.MustCompile(`"(pull|checkout|switch|merge|apply|reset|rebase|push|commit|stash|cherry-pick|update-ref|clean)"|` +
		`"worktree",\s*"(add|remove|prune|move)"|"remote",\s*"(add|update|remove|set-url|rename)"`)
)

// Packages outside internal/git that may spawn git. testutil only builds
// fixture repositories for tests.
var gitExecAllowed = map[string]bool{
	"internal/testutil": true,
}

func moduleRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		require.NotEqual(t, parent, dir, "go.mod not found")
		dir = parent
	}
}

func sourceFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "testdata" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".go") && !strings.HasSuffix(path, "_test.go") {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestNoGitInvocationsOutsideGitPackage(t *testing.T) {
	root := moduleRoot(t)
	var offenders []string
	for _, path := range sourceFiles(t, root) {
		rel, _ := filepath.Rel(root, path)
		pkg := filepath.ToSlash(filepath.Dir(rel))
		if pkg == "internal/git" || gitExecAllowed[pkg] {
			continue
		}
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		if gitExec.Match(data) {
			offenders = append(offenders, rel)
		}
	}
	require.Empty(t, offenders, "git must be invoked through internal/git")
}

func TestMutatingVerbsOnlyInMutateFile(t *testing.T) {
	root := moduleRoot(t)
	var offenders []string
	for _, path := range sourceFiles(t, filepath.Join(root, "internal", "git")) {
		if filepath.Base(path) == "mutate.go" {
			continue
		}
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		if loc := mutatingVerb.Find(data); loc != nil {
			offenders = append(offenders, filepath.Base(path)+": "+string(loc))
		}
	}
	require.Empty(t, offenders, "mutating git commands belong in mutate.go")
}

func TestMutationHelpersBumpEpoch(t *testing.T) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filepath.Join(moduleRoot(t), "internal", "git", "mutate.go"), nil, 0)
	require.NoError(t, err)

	calls := func(body *ast.BlockStmt, name string) bool {
		found := false
		ast.Inspect(body, func(n ast.Node) bool {
			if sel, ok := n.(*ast.SelectorExpr); ok && sel.Sel.Name == name {
				found = true
			}
			return !found
		})
		return found
	}

	helpers := 0
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv == nil || fn.Body == nil {
			continue
		}
		recv := fn.Recv.List[0].Type
		if star, ok := recv.(*ast.StarExpr); ok {
			recv = star.X
		}
		if ident, ok := recv.(*ast.Ident); !ok || ident.Name != "Repo" {
			continue
		}
		switch {
		case fn.Name.Name == "mutate":
			require.True(t, calls(fn.Body, "Bump"), "mutate must bump the epoch")
		case fn.Name.IsExported():
			helpers++
			require.True(t, calls(fn.Body, "mutate"), "%s must go through mutate", fn.Name.Name)
		}
	}
	require.NotZero(t, helpers)
}
