package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pders01/revguard/internal/cleanup"
	"github.com/pders01/revguard/internal/config"
)

var (
	worktreeRef    string
	worktreeBranch string
)

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Manage worktrees through the epoch-bumping helpers",
}

var worktreeAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Add a worktree",
	Long: `Add a worktree. A relative path is placed under cleanup.worktree_root when
that is configured, so "revguard cleanup" can find it later.

Examples:
  revguard worktree add wt-experiment
  revguard worktree add wt-fix --ref main -b fix/flaky-test`,
	Args: cobra.ExactArgs(1),
	RunE: runWorktreeAdd,
}

var worktreeRemoveCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Remove a worktree under the review lock",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorktreeRemove,
}

var worktreePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop registrations of worktrees whose directories are gone",
	Args:  cobra.NoArgs,
	RunE:  runWorktreePrune,
}

func init() {
	rootCmd.AddCommand(worktreeCmd)
	worktreeCmd.AddCommand(worktreeAddCmd, worktreeRemoveCmd, worktreePruneCmd)

	worktreeAddCmd.Flags().StringVar(&worktreeRef, "ref", "HEAD", "Commit-ish to check out")
	worktreeAddCmd.Flags().StringVarP(&worktreeBranch, "branch", "b", "", "Create this branch (default: detached)")
}

func worktreePath(arg string) string {
	if filepath.IsAbs(arg) {
		return arg
	}
	if root := config.GetWorktreeRoot(); root != "" {
		return filepath.Join(root, arg)
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return arg
	}
	return abs
}

func runWorktreeAdd(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	repo, err := openRepo(ctx)
	if err != nil {
		return err
	}

	path := worktreePath(args[0])
	epoch, err := repo.WorktreeAdd(ctx, path, worktreeRef, worktreeBranch)
	if err != nil {
		return fmt.Errorf("failed to add worktree: %w", err)
	}
	fmt.Fprintf(stdout, "✓ Added worktree %s (epoch %d)\n", path, epoch)
	return nil
}

func runWorktreeRemove(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := newCleanup(a).CleanupWorktree(ctx, worktreePath(args[0]))
	if err != nil {
		return err
	}
	switch res.Status {
	case cleanup.StatusDeferred:
		fmt.Fprintf(stdout, "%s %s: review lock busy, queued for \"revguard cleanup --pending\"\n",
			statusText(string(res.Status)), res.Path)
	case cleanup.StatusMissing:
		fmt.Fprintf(stdout, "%s %s is not a registered worktree\n", statusText(string(res.Status)), res.Path)
	default:
		fmt.Fprintf(stdout, "✓ Removed worktree %s (epoch %d)\n", res.Path, res.Epoch)
	}
	return nil
}

func runWorktreePrune(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := newCleanup(a).Prune(ctx)
	if err != nil {
		return err
	}
	if res.Status == cleanup.StatusDeferred {
		fmt.Fprintln(stdout, "Review lock busy, nothing pruned")
		return nil
	}
	fmt.Fprintln(stdout, "✓ Pruned stale worktree registrations")
	return nil
}
