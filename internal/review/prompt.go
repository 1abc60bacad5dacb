package review

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pders01/revguard/internal/models"
)

// FollowUpMarker ends every re-review prompt issued by auto-resolve.
const FollowUpMarker = "This is a follow-up review after automated fixes. " +
	"Confirm whether the previously reported findings are resolved and report any new issues."

const scopePrefix = "Review scope:"

// ScopePrompt pins prompt to a snapshot commit and lists the changed files.
// Any scope lines from an earlier snapshot are dropped first.
func ScopePrompt(prompt string, snap models.Snapshot, paths []string) string {
	var b strings.Builder
	if base := StripScope(prompt); base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "%s changes captured in commit %s (parent %s).", scopePrefix, snap.CommitID, snap.Parent)
	if len(paths) > 0 {
		b.WriteString("\nFiles changed in this snapshot:\n")
		for _, p := range paths {
			b.WriteString("- ")
			b.WriteString(p)
			b.WriteString("\n")
		}
	}
	return b.String()
}

const recapHeader = "Previously reported findings to re-validate:"

// StripScope removes scope lines, the changed-file list and any follow-up
// trailer so a prompt can be re-scoped to a newer snapshot.
func StripScope(prompt string) string {
	base := prompt
	for _, cut := range []string{FollowUpMarker, recapHeader, "Files changed in this snapshot:"} {
		if idx := strings.Index(base, cut); idx >= 0 {
			base = base[:idx]
		}
	}

	var kept []string
	for _, line := range strings.Split(base, "\n") {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), scopePrefix) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimRight(strings.Join(kept, "\n"), " \t\n")
}

// FollowUpPrompt scopes a re-review to the newest snapshot and asks the
// reviewer to re-validate what it reported last time.
func FollowUpPrompt(prompt string, snap models.Snapshot, paths []string, last *models.ReviewOutput) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(ScopePrompt(prompt, snap, paths), "\n"))
	if last != nil {
		if recap := FormatFindings(last.Findings); recap != "" {
			b.WriteString("\n\n" + recapHeader + "\n")
			b.WriteString(recap)
		}
	}
	b.WriteString("\n\n")
	b.WriteString(FollowUpMarker)
	return b.String()
}

// FormatFindings renders findings as a numbered list:
//
//	1. title
//	path: file:start-end
//	body
func FormatFindings(findings []models.Finding) string {
	parts := make([]string, 0, len(findings))
	for i, f := range findings {
		title := strings.TrimSpace(f.Title)
		body := strings.TrimSpace(f.Body)
		entry := fmt.Sprintf("%d. %s\npath: %s", i+1, title, f.Location())
		if body != "" {
			entry += "\n" + body
		}
		parts = append(parts, entry)
	}
	return strings.Join(parts, "\n\n")
}

// FixPrompt builds the request sent to the fixer after a review with
// findings. The raw review JSON is included so file paths and line ranges
// survive verbatim.
func FixPrompt(out *models.ReviewOutput) string {
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		raw = []byte("{}")
	}

	var b strings.Builder
	b.WriteString("Is this a real issue introduced by our changes? If so, please fix and resolve all similar issues.\n\n")
	b.WriteString("You are continuing an automated review resolution loop. Decide whether the listed findings are real " +
		"issues introduced by our changes. If they are, fix them along with any similar issues before responding.")
	if out != nil {
		if summary := FormatFindings(out.Findings); summary != "" {
			b.WriteString("\n\nFindings:\n")
			b.WriteString(summary)
		}
	}
	b.WriteString("\n\nFull review JSON (includes file paths and line ranges):\n")
	b.Write(raw)
	return b.String()
}
