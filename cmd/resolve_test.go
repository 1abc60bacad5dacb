package cmd

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pders01/revguard/internal/coord"
	"github.com/pders01/revguard/internal/models"
)

func resetResolveFlags() {
	resolveBase = ""
	resolvePrompt = ""
	resolveAttempts = -1
	resolveRelease = false
	resolveOutput = outputFormat{}
}

func TestResolveFixesFindings(t *testing.T) {
	repo, out := setupCmd(t)
	useBackend(t, missingMain(repo.Path), fixMain())
	resetResolveFlags()
	resolveOutput.json = true

	if err := runResolve(nil, []string{}); err != nil {
		t.Fatalf("resolve command failed: %v", err)
	}

	var res coord.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if res.Outcome == nil || res.Outcome.Kind != models.OutcomeClean {
		t.Fatalf("expected a clean outcome, got %+v", res.Outcome)
	}
	if res.Attempts != 1 || res.Reviews != 2 {
		t.Errorf("expected 1 attempt and 2 reviews, got %d and %d", res.Attempts, res.Reviews)
	}
	if res.Caller != models.CallerHeadless {
		t.Errorf("expected headless caller, got %s", res.Caller)
	}
	if got := repo.ReadFile("main.go"); !strings.Contains(got, "func main() {}") {
		t.Errorf("fix was not applied: %q", got)
	}
}

func TestResolveZeroAttemptsOnlyReviews(t *testing.T) {
	repo, out := setupCmd(t)
	useBackend(t, missingMain(repo.Path), fixMain())
	resetResolveFlags()
	resolveAttempts = 0

	if err := runResolve(nil, []string{}); err != nil {
		t.Fatalf("resolve command failed: %v", err)
	}
	if !strings.Contains(out.String(), "limit") {
		t.Errorf("expected the attempt limit to be reported, got:\n%s", out.String())
	}
	if got := repo.ReadFile("main.go"); got != "package main\n" {
		t.Errorf("no fix should be applied with zero attempts: %q", got)
	}
}

func TestResolveReleaseBetweenPhases(t *testing.T) {
	repo, out := setupCmd(t)
	useBackend(t, missingMain(repo.Path), fixMain())
	resetResolveFlags()
	resolveRelease = true

	if err := runResolve(nil, []string{}); err != nil {
		t.Fatalf("resolve command failed: %v", err)
	}
	if !strings.Contains(out.String(), "Attempts:  1") {
		t.Errorf("expected one attempt, got:\n%s", out.String())
	}
}
