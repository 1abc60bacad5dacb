package ollama

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pders01/revguard/internal/review"
)

const fixSystemPrompt = `You fix code review findings. Reply with a single unified diff in git format
(diff --git a/<path> b/<path>, ---/+++ headers and @@ hunks) against the files shown.
Paths are relative to the repository root. Reply with nothing else. If no change is needed, reply with an empty message.`

// Fixer asks the model for a patch resolving review findings.
type Fixer struct {
	client *Client
	source Source
}

var _ review.Fixer = (*Fixer)(nil)

func NewFixer(client *Client, source Source) *Fixer {
	return &Fixer{client: client, source: source}
}

// Fix sends the fix prompt together with the current content of every file
// named by a finding and returns the model's diff.
func (f *Fixer) Fix(ctx context.Context, req review.FixRequest) (string, error) {
	var b strings.Builder
	b.WriteString(req.Prompt)

	for _, path := range findingPaths(req) {
		content, err := f.source.FileAt(req.Snapshot.CommitID, path)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n\nCurrent content of %s:\n```\n%s\n```", path, strings.TrimRight(content, "\n"))
	}

	content, err := f.client.chat(ctx, fixSystemPrompt, b.String(), false)
	if err != nil {
		return "", err
	}
	patch := strings.TrimSpace(stripFence(content))
	if patch == "" {
		return "", nil
	}
	return patch + "\n", nil
}

// findingPaths returns the repository-relative files the findings point at.
func findingPaths(req review.FixRequest) []string {
	if req.Review == nil {
		return nil
	}
	seen := make(map[string]bool)
	var paths []string
	for _, finding := range req.Review.Findings {
		p := finding.CodeLocation.AbsoluteFilePath
		if p == "" {
			continue
		}
		if filepath.IsAbs(p) && req.RepoRoot != "" {
			rel, err := filepath.Rel(req.RepoRoot, p)
			if err != nil || !filepath.IsLocal(rel) {
				continue
			}
			p = rel
		}
		p = filepath.ToSlash(p)
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}
