package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/alpkeskin/gotoon"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// stdout receives human and machine output; tests swap it.
var stdout io.Writer = os.Stdout

type outputFormat struct {
	json bool
	yaml bool
	toon bool
}

func addOutputFlags(cmd *cobra.Command, f *outputFormat) {
	cmd.Flags().BoolVar(&f.json, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&f.yaml, "yaml", false, "Output as YAML")
	cmd.Flags().BoolVar(&f.toon, "toon", false, "Output in LLM-friendly toon format")
	cmd.MarkFlagsMutuallyExclusive("json", "yaml", "toon")
}

// render writes v in the selected machine format, or calls human.
func (f outputFormat) render(v any, human func(w io.Writer)) error {
	switch {
	case f.json:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(stdout, string(data))
	case f.yaml:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Fprint(stdout, string(data))
	case f.toon:
		output, err := gotoon.Encode(v)
		if err != nil {
			return fmt.Errorf("failed to encode toon: %w", err)
		}
		fmt.Fprintln(stdout, output)
	default:
		human(stdout)
	}
	return nil
}

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
	titleStyle = lipgloss.NewStyle().Bold(true)
)

// colorful reports whether stdout is a terminal.
func colorful() bool {
	f, ok := stdout.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func paint(style lipgloss.Style, s string) string {
	if !colorful() {
		return s
	}
	return style.Render(s)
}

// statusText colors a status word by how good it is.
func statusText(s string) string {
	switch s {
	case "completed", "clean", "removed", "free":
		return paint(okStyle, s)
	case "skipped", "deferred", "limit_reached", "aborted", "missing", "held":
		return paint(warnStyle, s)
	case "failed", "stale":
		return paint(errStyle, s)
	default:
		return s
	}
}
