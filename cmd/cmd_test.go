package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"

	"github.com/pders01/revguard/internal/config"
	"github.com/pders01/revguard/internal/models"
	"github.com/pders01/revguard/internal/review"
	"github.com/pders01/revguard/internal/testutil"
)

const mainFix = "diff --git a/main.go b/main.go\n--- a/main.go\n+++ b/main.go\n" +
	"@@ -1 +1,3 @@\n package main\n+\n+func main() {}\n"

// setupCmd chdirs into a fresh repository with an untracked main.go, points
// the state directory at a temp dir and captures stdout.
func setupCmd(t *testing.T) (*testutil.TempGitRepo, *bytes.Buffer) {
	t.Helper()

	repo := testutil.NewTempGitRepo(t)
	repo.CreateFile("main.go", "package main\n")
	t.Chdir(repo.Path)

	viper.Reset()
	config.SetDefaults()
	state := t.TempDir()
	viper.Set("lock.state_dir", state)
	viper.Set("history.path", filepath.Join(state, "history.db"))
	viper.Set("review.poll_interval", "10ms")
	viper.Set("ollama.url", "http://127.0.0.1:1")
	t.Cleanup(viper.Reset)

	repoDir = ""

	var buf bytes.Buffer
	oldStdout := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = oldStdout })

	return repo, &buf
}

// useBackend replaces the Ollama backend for one test.
func useBackend(t *testing.T, r review.Reviewer, f review.Fixer) {
	t.Helper()
	old := newBackend
	newBackend = func(string) (review.Reviewer, review.Fixer, error) { return r, f, nil }
	t.Cleanup(func() { newBackend = old })
}

// missingMain reports a finding until main.go declares func main.
func missingMain(repoRoot string) review.Reviewer {
	return review.ReviewerFunc(func(context.Context, review.Request) (*models.ReviewOutput, error) {
		content, err := os.ReadFile(filepath.Join(repoRoot, "main.go"))
		if err != nil {
			return nil, err
		}
		if bytes.Contains(content, []byte("func main")) {
			return &models.ReviewOutput{OverallCorrectness: "patch is correct"}, nil
		}
		return &models.ReviewOutput{
			Findings: []models.Finding{{
				Title: "missing func main",
				Body:  "package main needs an entry point",
				CodeLocation: models.CodeLocation{
					AbsoluteFilePath: filepath.Join(repoRoot, "main.go"),
					LineRange:        models.LineRange{Start: 1, End: 1},
				},
			}},
			OverallCorrectness: "patch is incorrect",
		}, nil
	})
}

func fixMain() review.Fixer {
	return review.FixerFunc(func(context.Context, review.FixRequest) (string, error) {
		return mainFix, nil
	})
}
