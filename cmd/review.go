package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pders01/revguard/internal/config"
	"github.com/pders01/revguard/internal/coord"
	"github.com/pders01/revguard/internal/models"
)

var (
	reviewBase   string
	reviewPrompt string
	reviewCaller string
	reviewOutput outputFormat
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review a ghost snapshot of the working tree",
	Long: `Capture a ghost snapshot of the working tree and review it once.

The review runs under the repository's review lock. If another review, fix or
cleanup holds the lock, the review is skipped and the holder is reported.
If a git mutation lands while the review is running, the snapshot is captured
again and re-reviewed.

Examples:
  revguard review
  revguard review --base main --prompt "Focus on error handling"
  revguard review --json`,
	Args: cobra.NoArgs,
	RunE: runReview,
}

func init() {
	rootCmd.AddCommand(reviewCmd)

	reviewCmd.Flags().StringVar(&reviewBase, "base", "", "Base ref the snapshot is parented on (default from config)")
	reviewCmd.Flags().StringVar(&reviewPrompt, "prompt", "", "Review prompt (default from config)")
	reviewCmd.Flags().StringVar(&reviewCaller, "caller", string(models.CallerInteractive), "Caller recorded with the review")
	addOutputFlags(reviewCmd, &reviewOutput)
}

func reviewRequest(base, prompt, caller string) coord.Request {
	if base == "" {
		base = config.GetBaseRef()
	}
	if prompt == "" {
		prompt = config.GetPrompt()
	}
	return coord.Request{Caller: models.Caller(caller), BaseRef: base, Prompt: prompt}
}

func runReview(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.coordinator(coord.Options{})
	if err != nil {
		return err
	}

	res, runErr := c.StartReview(ctx, reviewRequest(reviewBase, reviewPrompt, reviewCaller))
	if res != nil {
		if err := reviewOutput.render(res, func(w io.Writer) { printResult(w, res) }); err != nil {
			return err
		}
	}
	return runErr
}

func printResult(w io.Writer, res *coord.Result) {
	status := string(res.Status)
	if res.Outcome != nil {
		status = string(res.Outcome.Kind)
	}
	fmt.Fprintf(w, "%s %s", paint(titleStyle, string(res.Kind)+":"), statusText(status))
	if res.Reason != "" {
		fmt.Fprintf(w, " (%s)", res.Reason)
	}
	fmt.Fprintln(w)

	if res.Holder != nil {
		fmt.Fprintf(w, "  Lock held by pid %d on %s", res.Holder.PID, res.Holder.Hostname)
		if res.Holder.Intent != "" {
			fmt.Fprintf(w, " (%s)", res.Holder.Intent)
		}
		fmt.Fprintln(w)
	}
	if n := len(res.Snapshots); n > 0 {
		fmt.Fprintf(w, "  Snapshot:  %s\n", res.Snapshots[n-1].ScopeHint())
	}
	if res.Kind == coord.KindAutoResolve {
		fmt.Fprintf(w, "  Attempts:  %d\n", res.Attempts)
	}
	fmt.Fprintf(w, "  Reviews:   %d\n", res.Reviews)
	if res.Recaptures > 0 {
		fmt.Fprintf(w, "  Recaptured: %d time(s)\n", res.Recaptures)
	}
	fmt.Fprintf(w, "  Epoch:     %d -> %d\n", res.EpochStart, res.EpochEnd)
	fmt.Fprintf(w, "  Duration:  %s\n", res.Duration())
	if res.Error != "" {
		fmt.Fprintf(w, "  Error:     %s\n", res.Error)
	}

	if len(res.Findings) == 0 {
		if res.Status == coord.StatusCompleted {
			fmt.Fprintln(w, "\n"+paint(okStyle, "✓ No issues found"))
		}
		return
	}
	fmt.Fprintf(w, "\nFindings (%d):\n\n", len(res.Findings))
	for i, f := range res.Findings {
		fmt.Fprintf(w, "  %d. %s\n", i+1, paint(titleStyle, strings.TrimSpace(f.Title)))
		fmt.Fprintf(w, "     %s\n", paint(dimStyle, f.Location()))
		if body := strings.TrimSpace(f.Body); body != "" {
			for _, line := range strings.Split(body, "\n") {
				fmt.Fprintf(w, "     %s\n", line)
			}
		}
		fmt.Fprintln(w)
	}
}
