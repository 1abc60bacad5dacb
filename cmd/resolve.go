package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/pders01/revguard/internal/config"
	"github.com/pders01/revguard/internal/coord"
	"github.com/pders01/revguard/internal/models"
)

var (
	resolveBase     string
	resolvePrompt   string
	resolveAttempts int
	resolveRelease  bool
	resolveOutput   outputFormat
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Review, fix and re-review until clean or out of attempts",
	Long: `Run an auto-resolve session: review a ghost snapshot, apply the fixer's
patch for any findings, capture a fresh snapshot and review again.

The session ends when:
  - a review comes back clean
  - the attempt limit is reached (--attempts 0 reviews once and reports)
  - HEAD moves off the reviewed base (stale base)
  - a fix changes nothing (no-op fix)
  - another git mutation lands mid-session (epoch advanced)
  - the review lock stays busy past the configured patience

Examples:
  revguard resolve
  revguard resolve --attempts 3 --base main
  revguard resolve --release-between-phases --json`,
	Args: cobra.NoArgs,
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVar(&resolveBase, "base", "", "Base ref the snapshots are parented on (default from config)")
	resolveCmd.Flags().StringVar(&resolvePrompt, "prompt", "", "Review prompt (default from config)")
	resolveCmd.Flags().IntVar(&resolveAttempts, "attempts", -1, "Fix cycles allowed (default from config)")
	resolveCmd.Flags().BoolVar(&resolveRelease, "release-between-phases", false, "Give the lock up after every review and applied fix")
	addOutputFlags(resolveCmd, &resolveOutput)
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.coordinator(coord.Options{
		ReleaseBetweenPhases: resolveRelease || config.ReleaseBetweenPhases(),
	})
	if err != nil {
		return err
	}

	limit := resolveAttempts
	if limit < 0 {
		limit = config.GetAttemptLimit()
	}
	req := reviewRequest(resolveBase, resolvePrompt, string(models.CallerHeadless))

	res, runErr := c.StartAutoResolve(ctx, req, limit)
	if res != nil {
		if err := resolveOutput.render(res, func(w io.Writer) { printResult(w, res) }); err != nil {
			return err
		}
	}
	return runErr
}
