package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pders01/revguard/internal/config"
	"github.com/pders01/revguard/internal/git"
	"github.com/pders01/revguard/internal/models"
	"github.com/pders01/revguard/internal/snapshot"
)

var (
	snapshotBase   string
	snapshotParent string
	snapshotOutput outputFormat
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture a ghost snapshot of the working tree",
	Long: `Capture the working tree, including untracked files, as a ghost commit.

The commit is written to the object database only. No branch, index or HEAD
is moved, so the snapshot can be inspected with "git show <commit>" and is
garbage collected once nothing refers to it.

Examples:
  revguard snapshot
  revguard snapshot --base main
  revguard snapshot --json`,
	Args: cobra.NoArgs,
	RunE: runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().StringVar(&snapshotBase, "base", "", "Base ref (default from config)")
	snapshotCmd.Flags().StringVar(&snapshotParent, "parent", "", "Parent commit for the ghost commit (default: the base)")
	addOutputFlags(snapshotCmd, &snapshotOutput)
}

type snapshotView struct {
	models.Snapshot `yaml:",inline"`
	ChangedPaths    []string `json:"changed_paths" yaml:"changed_paths"`
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	repo, err := openRepo(ctx)
	if err != nil {
		return err
	}

	base := snapshotBase
	if base == "" {
		base = config.GetBaseRef()
	}

	snap, err := snapshot.NewCapturer(repo).Capture(ctx, base, snapshotParent)
	if err != nil {
		return err
	}
	snap = snap.Stamped(repo.Epoch.Bump())

	paths, err := git.NewInspector(repo.Dir).ChangedPaths(snap.Parent, snap.CommitID)
	if err != nil {
		return fmt.Errorf("failed to list changed paths: %w", err)
	}
	if paths == nil {
		paths = []string{}
	}

	view := snapshotView{Snapshot: snap, ChangedPaths: paths}
	return snapshotOutput.render(view, func(w io.Writer) { printSnapshot(w, view) })
}

func printSnapshot(w io.Writer, v snapshotView) {
	fmt.Fprintf(w, "%s %s\n", paint(okStyle, "✓ Captured"), v.CommitID)
	fmt.Fprintf(w, "  Tree:    %s\n", v.TreeID)
	fmt.Fprintf(w, "  Base:    %s (%s)\n", v.BaseRef, models.ShortID(v.BaseCommit))
	fmt.Fprintf(w, "  Parent:  %s\n", models.ShortID(v.Parent))
	fmt.Fprintf(w, "  Epoch:   %d\n", v.EpochAtCapture)

	if len(v.ChangedPaths) == 0 {
		fmt.Fprintln(w, "\n"+paint(dimStyle, "No changes relative to the parent"))
		return
	}
	fmt.Fprintf(w, "\nChanged (%d):\n", len(v.ChangedPaths))
	for _, p := range v.ChangedPaths {
		fmt.Fprintf(w, "  %s\n", p)
	}
}
