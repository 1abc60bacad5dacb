package review

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

var (
	// ErrEmptyPatch means the fixer proposed no change.
	ErrEmptyPatch = errors.New("empty patch")

	ErrInvalidPatch = errors.New("invalid patch")
)

// PatchStats summarises a validated patch.
type PatchStats struct {
	Files        []string `json:"files" yaml:"files"`
	LinesAdded   int      `json:"lines_added" yaml:"lines_added"`
	LinesRemoved int      `json:"lines_removed" yaml:"lines_removed"`
}

// ValidatePatch parses a unified diff and checks that every path stays inside
// the working tree and outside .git.
func ValidatePatch(patch string) (*PatchStats, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, ErrEmptyPatch
	}

	fileDiffs, err := diff.ParseMultiFileDiff([]byte(patch))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if len(fileDiffs) == 0 {
		return nil, fmt.Errorf("%w: no file changes found", ErrInvalidPatch)
	}

	stats := &PatchStats{}
	for _, fd := range fileDiffs {
		if isNull(fd.OrigName) && isNull(fd.NewName) {
			return nil, fmt.Errorf("%w: file change without a path", ErrInvalidPatch)
		}
		for _, name := range []string{fd.OrigName, fd.NewName} {
			if isNull(name) {
				continue
			}
			path := stripPrefix(name)
			if err := checkPath(path); err != nil {
				return nil, err
			}
		}

		path := stripPrefix(fd.NewName)
		if isNull(fd.NewName) {
			path = stripPrefix(fd.OrigName)
		}
		stats.Files = append(stats.Files, path)

		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					stats.LinesAdded++
				case strings.HasPrefix(line, "-"):
					stats.LinesRemoved++
				}
			}
		}
	}
	return stats, nil
}

func isNull(name string) bool {
	return name == "" || name == "/dev/null"
}

func stripPrefix(name string) string {
	name = strings.TrimPrefix(name, "a/")
	return strings.TrimPrefix(name, "b/")
}

func checkPath(path string) error {
	clean := filepath.ToSlash(filepath.Clean(path))
	if !filepath.IsLocal(path) {
		return fmt.Errorf("%w: path %q escapes the working tree", ErrInvalidPatch, path)
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return fmt.Errorf("%w: path %q touches git metadata", ErrInvalidPatch, path)
	}
	return nil
}
