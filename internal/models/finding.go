package models

import (
	"fmt"
	"strings"
)

// LineRange is an inclusive range of lines in a file.
type LineRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// CodeLocation points a finding at a file region.
type CodeLocation struct {
	AbsoluteFilePath string    `json:"absolute_file_path" yaml:"absolute_file_path"`
	LineRange        LineRange `json:"line_range" yaml:"line_range"`
}

// Finding is a single structured review finding.
type Finding struct {
	Title           string       `json:"title" yaml:"title"`
	Body            string       `json:"body" yaml:"body"`
	ConfidenceScore float64      `json:"confidence_score" yaml:"confidence_score"`
	Priority        int          `json:"priority" yaml:"priority"`
	CodeLocation    CodeLocation `json:"code_location" yaml:"code_location"`
}

// Location renders "path:start-end".
func (f Finding) Location() string {
	return fmt.Sprintf("%s:%d-%d", f.CodeLocation.AbsoluteFilePath,
		f.CodeLocation.LineRange.Start, f.CodeLocation.LineRange.End)
}

// ReviewOutput is what a reviewer returns for one review run.
type ReviewOutput struct {
	Findings           []Finding `json:"findings" yaml:"findings"`
	OverallCorrectness string    `json:"overall_correctness,omitempty" yaml:"overall_correctness,omitempty"`
	OverallExplanation string    `json:"overall_explanation,omitempty" yaml:"overall_explanation,omitempty"`
}

// Clean reports whether the review produced no findings.
func (o *ReviewOutput) Clean() bool {
	return o == nil || len(o.Findings) == 0
}

// Summary is a one-line description of the output.
func (o *ReviewOutput) Summary() string {
	if o.Clean() {
		return "no issues reported"
	}
	titles := make([]string, 0, len(o.Findings))
	for _, f := range o.Findings {
		titles = append(titles, strings.TrimSpace(f.Title))
	}
	return fmt.Sprintf("%d issue(s): %s", len(o.Findings), strings.Join(titles, "; "))
}
