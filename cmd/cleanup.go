package cmd

import (
	"fmt"
	"io"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	"github.com/pders01/revguard/internal/cleanup"
	"github.com/pders01/revguard/internal/config"
	"github.com/pders01/revguard/internal/lock"
	"github.com/pders01/revguard/internal/models"
)

var (
	cleanupForce   bool
	cleanupPending bool
	cleanupOutput  outputFormat
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [path...]",
	Short: "Remove managed worktrees without racing reviews",
	Long: `Remove worktrees while holding the review lock.

Without paths, every managed worktree (under cleanup.worktree_root in
~/.config/revguard/config.toml) is a candidate. If a review holds the lock for
longer than the retry budget, the path is queued and retried by a later
"revguard cleanup --pending"; the lock is never forced.

Examples:
  revguard cleanup                   # Show what would be removed
  revguard cleanup --force           # Remove every managed worktree
  revguard cleanup ../wt-feature     # Remove one worktree
  revguard cleanup --pending         # Retry deferred removals`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "Remove the listed candidates instead of showing them")
	cleanupCmd.Flags().BoolVar(&cleanupPending, "pending", false, "Retry removals deferred by a busy lock")
	addOutputFlags(cleanupCmd, &cleanupOutput)
}

func newCleanup(a *app) *cleanup.Coordinator {
	initial, max := config.GetCleanupBackoff()
	return cleanup.New(a.lock, a.repo, cleanup.Options{
		MaxAttempts: config.GetCleanupMaxAttempts(),
		BackOff:     func() backoff.BackOff { return lock.ExponentialBackOff(initial, max) },
		ManagedRoot: config.GetWorktreeRoot(),
		RemoveDirty: config.CleanupRemoveDirty(),
		Observer:    func(s cleanup.Status) { a.metrics.ObserveCleanup(string(s)) },
	})
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	c := newCleanup(a)

	if cleanupPending {
		results, err := c.CleanupPending(ctx)
		if rerr := renderCleanup(results); rerr != nil {
			return rerr
		}
		return err
	}

	paths := args
	if len(paths) == 0 {
		candidates, err := c.Candidates(ctx)
		if err != nil {
			return fmt.Errorf("failed to list worktrees: %w", err)
		}
		for _, wt := range candidates {
			paths = append(paths, wt.Path)
		}
		if len(paths) == 0 {
			fmt.Fprintln(stdout, "No managed worktrees found")
			return nil
		}
		if !cleanupForce {
			return cleanupOutput.render(candidates, func(w io.Writer) {
				fmt.Fprintf(w, "Worktrees to remove (%d):\n\n", len(candidates))
				for _, wt := range candidates {
					fmt.Fprintf(w, "  %s\n", wt.Path)
					switch {
					case wt.Branch != "":
						fmt.Fprintf(w, "    Branch: %s\n", wt.Branch)
					case wt.Detached:
						fmt.Fprintf(w, "    Detached at %s\n", models.ShortID(wt.Head))
					}
					if wt.Prunable {
						fmt.Fprintln(w, "    Directory is gone, only the registration is left")
					}
				}
				fmt.Fprintln(w, "\nRun with --force to remove them.")
			})
		}
	}

	var results []cleanup.Result
	var firstErr error
	for _, p := range paths {
		res, err := c.CleanupWorktree(ctx, p)
		results = append(results, res)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := renderCleanup(results); err != nil {
		return err
	}
	return firstErr
}

func renderCleanup(results []cleanup.Result) error {
	return cleanupOutput.render(results, func(w io.Writer) {
		if len(results) == 0 {
			fmt.Fprintln(w, "Nothing to clean up")
			return
		}
		for _, r := range results {
			fmt.Fprintf(w, "  %-8s %s\n", statusText(string(r.Status)), r.Path)
			if r.Error != "" {
				fmt.Fprintf(w, "           %s\n", paint(dimStyle, r.Error))
			}
		}
	})
}
