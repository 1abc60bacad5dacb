package cmd

import (
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/pders01/revguard/internal/config"
	"github.com/pders01/revguard/internal/coord"
	"github.com/pders01/revguard/internal/driver"
)

var (
	driveBase     string
	drivePrompt   string
	driveAttempts int
	driveInterval time.Duration
	driveOutput   outputFormat
)

var driveCmd = &cobra.Command{
	Use:   "drive",
	Short: "Run auto-resolve sessions whenever the checkout changes",
	Long: `Watch the checkout and run an auto-resolve session each time its
reviewable state (HEAD, tracked changes, untracked files) changes.

Sessions advance one phase per tick. The lock is given up between phases so
interactive reviews and worktree cleanup can interleave; a release wakes the
loop early. Stop with Ctrl-C: an unfinished session is cancelled, its lock
released and its result recorded.

Examples:
  revguard drive
  revguard drive --interval 30s --attempts 2`,
	Args: cobra.NoArgs,
	RunE: runDrive,
}

func init() {
	rootCmd.AddCommand(driveCmd)

	driveCmd.Flags().StringVar(&driveBase, "base", "", "Base ref the snapshots are parented on (default from config)")
	driveCmd.Flags().StringVar(&drivePrompt, "prompt", "", "Review prompt (default from config)")
	driveCmd.Flags().IntVar(&driveAttempts, "attempts", -1, "Fix cycles allowed per session (default from config)")
	driveCmd.Flags().DurationVar(&driveInterval, "interval", 0, "Tick interval (default from config)")
	addOutputFlags(driveCmd, &driveOutput)
}

func runDrive(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.coordinator(coord.Options{ReleaseBetweenPhases: true})
	if err != nil {
		return err
	}

	interval := driveInterval
	if interval <= 0 {
		interval = config.GetDriveInterval()
	}
	limit := driveAttempts
	if limit < 0 {
		limit = config.GetAttemptLimit()
	}
	req := reviewRequest(driveBase, drivePrompt, "")

	loop := driver.New(c, a.repo, a.waker(), driver.Options{
		Interval:     interval,
		AttemptLimit: limit,
		BaseRef:      req.BaseRef,
		Prompt:       req.Prompt,
		OnResult: func(res *coord.Result) {
			if err := driveOutput.render(res, func(w io.Writer) { printResult(w, res) }); err != nil {
				slog.Warn("failed to render result", "error", err)
			}
		},
	})
	return loop.Run(ctx)
}
