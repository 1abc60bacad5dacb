package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/pders01/revguard/internal/models"
	"github.com/pders01/revguard/internal/review"
)

// DefaultConcurrency bounds parallel per-file review requests.
const DefaultConcurrency = 4

const reviewSystemPrompt = `You are a meticulous code reviewer. You receive a unified diff of one file.
Report only real problems introduced by the change. Respond with a JSON object:
{"findings":[{"title":"...","body":"...","confidence_score":0.0,"priority":0,
"code_location":{"absolute_file_path":"<path from the diff>","line_range":{"start":1,"end":1}}}],
"overall_explanation":"..."}
Use an empty findings array when the change is fine. Priority 0 is most urgent, 3 least.`

// Source supplies snapshot content to the model backend.
type Source interface {
	FileDiffs(ctx context.Context, from, to string) (map[string]string, error)
	FileAt(commit, path string) (string, error)
}

// Reviewer reviews a snapshot one file at a time, in parallel.
type Reviewer struct {
	client      *Client
	source      Source
	concurrency int
}

var _ review.Reviewer = (*Reviewer)(nil)

func NewReviewer(client *Client, source Source, concurrency int) *Reviewer {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Reviewer{client: client, source: source, concurrency: concurrency}
}

// Review diffs the snapshot against its parent and asks the model about each
// changed file. Any failed request fails the whole review.
func (r *Reviewer) Review(ctx context.Context, req review.Request) (*models.ReviewOutput, error) {
	diffs, err := r.source.FileDiffs(ctx, req.Snapshot.Parent, req.Snapshot.CommitID)
	if err != nil {
		return nil, err
	}

	paths := req.Paths
	if len(paths) == 0 {
		for p := range diffs {
			paths = append(paths, p)
		}
		sort.Strings(paths)
	}

	prompt := req.Prompt
	if prompt == "" {
		prompt = review.ScopePrompt(review.DefaultPrompt, req.Snapshot, paths)
	}

	p := pool.NewWithResults[[]models.Finding]().
		WithContext(ctx).
		WithCancelOnError().
		WithMaxGoroutines(r.concurrency)

	for _, path := range paths {
		d, ok := diffs[path]
		if !ok {
			continue
		}
		p.Go(func(ctx context.Context) ([]models.Finding, error) {
			return r.reviewFile(ctx, req.RepoRoot, prompt, path, d)
		})
	}

	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	out := &models.ReviewOutput{Findings: []models.Finding{}}
	for _, fs := range results {
		out.Findings = append(out.Findings, fs...)
	}
	sortFindings(out.Findings)
	if out.Clean() {
		out.OverallCorrectness = "patch is correct"
	} else {
		out.OverallCorrectness = "patch is incorrect"
	}
	out.OverallExplanation = out.Summary()
	return out, nil
}

func (r *Reviewer) reviewFile(ctx context.Context, root, prompt, path, diff string) ([]models.Finding, error) {
	user := fmt.Sprintf("%s\n\nFile: %s\n```diff\n%s\n```", prompt, path, strings.TrimRight(diff, "\n"))
	content, err := r.client.chat(ctx, reviewSystemPrompt, user, true)
	if err != nil {
		return nil, fmt.Errorf("reviewing %s: %w", path, err)
	}

	out, err := parseReview(content)
	if err != nil {
		return nil, fmt.Errorf("reviewing %s: %w", path, err)
	}

	for i := range out.Findings {
		loc := &out.Findings[i].CodeLocation
		if loc.AbsoluteFilePath == "" {
			loc.AbsoluteFilePath = path
		}
		if !filepath.IsAbs(loc.AbsoluteFilePath) && root != "" {
			loc.AbsoluteFilePath = filepath.Join(root, strings.TrimPrefix(loc.AbsoluteFilePath, "b/"))
		}
		if loc.LineRange.End < loc.LineRange.Start {
			loc.LineRange.End = loc.LineRange.Start
		}
	}
	slog.Debug("reviewed file", "path", path, "findings", len(out.Findings))
	return out.Findings, nil
}

// parseReview accepts the model's JSON, tolerating a surrounding code fence.
func parseReview(content string) (*models.ReviewOutput, error) {
	body := strings.TrimSpace(stripFence(content))
	if body == "" {
		return &models.ReviewOutput{}, nil
	}
	var out models.ReviewOutput
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("failed to parse review JSON: %w", err)
	}
	return &out, nil
}

func sortFindings(fs []models.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.CodeLocation.AbsoluteFilePath != b.CodeLocation.AbsoluteFilePath {
			return a.CodeLocation.AbsoluteFilePath < b.CodeLocation.AbsoluteFilePath
		}
		return a.CodeLocation.LineRange.Start < b.CodeLocation.LineRange.Start
	})
}

// stripFence removes a single ``` fenced block wrapper if present.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = s[3:]
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return s
}
