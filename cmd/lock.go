package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/pders01/revguard/internal/config"
	"github.com/pders01/revguard/internal/lock"
)

var (
	lockForce  bool
	lockOutput outputFormat
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or free the repository's review lock",
	Long: `The review lock serializes reviews, fixes and worktree cleanup for one
repository. Its record lives under the state directory and names the holder's
pid, host, intent and lease expiry.`,
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the review lock",
	Long: `Show the review lock record.

Examples:
  revguard lock status
  revguard lock status --json`,
	Args: cobra.NoArgs,
	RunE: runLockStatus,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Free the review lock if its holder is gone",
	Long: `Free the review lock when its holder is stale (lease expired, or its
process is dead on this host). A live holder is left alone unless --force is
given; forcing can let two reviews race.

Examples:
  revguard lock release
  revguard lock release --force`,
	Args: cobra.NoArgs,
	RunE: runLockRelease,
}

var lockClearStaleCmd = &cobra.Command{
	Use:   "clear-stale",
	Short: "Remove the lock record only if it is stale",
	Args:  cobra.NoArgs,
	RunE:  runLockClearStale,
}

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockStatusCmd, lockReleaseCmd, lockClearStaleCmd)

	addOutputFlags(lockStatusCmd, &lockOutput)
	lockReleaseCmd.Flags().BoolVar(&lockForce, "force", false, "Release even if the holder looks alive")
}

type lockStatus struct {
	Path   string       `json:"path" yaml:"path"`
	State  string       `json:"state" yaml:"state"`
	Holder *lock.Record `json:"holder,omitempty" yaml:"holder,omitempty"`
}

func openLock(cmd *cobra.Command) (*lock.FileLock, error) {
	repo, err := openRepo(commandContext(cmd))
	if err != nil {
		return nil, err
	}
	return lock.NewFileLock(config.GetStateDir(), repo.Dir, lock.Options{TTL: config.GetLockTTL()}), nil
}

func runLockStatus(cmd *cobra.Command, args []string) error {
	l, err := openLock(cmd)
	if err != nil {
		return err
	}
	rec, err := l.Holder()
	if err != nil {
		return fmt.Errorf("failed to read lock record: %w", err)
	}

	st := lockStatus{Path: l.Path(), State: "free", Holder: rec}
	if rec != nil {
		st.State = "held"
		if l.Stale(rec) {
			st.State = "stale"
		}
	}

	return lockOutput.render(st, func(w io.Writer) {
		fmt.Fprintf(w, "Review lock: %s\n", statusText(st.State))
		fmt.Fprintf(w, "  Path:     %s\n", paint(dimStyle, st.Path))
		if rec == nil {
			return
		}
		fmt.Fprintf(w, "  Owner:    %s\n", rec.OwnerID)
		fmt.Fprintf(w, "  Process:  pid %d on %s\n", rec.PID, rec.Hostname)
		if rec.Intent != "" {
			fmt.Fprintf(w, "  Intent:   %s\n", rec.Intent)
		}
		if rec.GitHead != "" {
			fmt.Fprintf(w, "  HEAD:     %s\n", rec.GitHead)
		}
		fmt.Fprintf(w, "  Epoch:    %d\n", rec.SnapshotEpoch)
		fmt.Fprintf(w, "  Acquired: %s (%s ago)\n", rec.AcquiredAt.Local().Format("2006-01-02 15:04:05"),
			formatDuration(time.Since(rec.AcquiredAt)))
		if !rec.ExpiresAt.IsZero() {
			fmt.Fprintf(w, "  Expires:  %s\n", rec.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
		}
	})
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	l, err := openLock(cmd)
	if err != nil {
		return err
	}
	rec, err := l.Holder()
	if err != nil && !lockForce {
		return fmt.Errorf("failed to read lock record: %w", err)
	}
	if rec == nil && err == nil {
		fmt.Fprintln(stdout, "Review lock is not held")
		return nil
	}

	if lockForce {
		if err := l.ForceRelease(); err != nil {
			return err
		}
		fmt.Fprintln(stdout, paint(warnStyle, "✓ Review lock force released"))
		return nil
	}

	cleared, err := l.ClearStale()
	if err != nil {
		return err
	}
	if !cleared {
		return fmt.Errorf("review lock is held by live pid %d on %s (%s); use --force to release anyway",
			rec.PID, rec.Hostname, rec.Intent)
	}
	fmt.Fprintln(stdout, paint(okStyle, "✓ Released stale review lock"))
	return nil
}

func runLockClearStale(cmd *cobra.Command, args []string) error {
	l, err := openLock(cmd)
	if err != nil {
		return err
	}
	cleared, err := l.ClearStale()
	if err != nil {
		return err
	}
	if cleared {
		fmt.Fprintln(stdout, paint(okStyle, "✓ Cleared stale review lock"))
	} else {
		fmt.Fprintln(stdout, "No stale review lock")
	}
	return nil
}

// formatDuration renders a duration at a human granularity.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
