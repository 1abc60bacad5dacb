package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pders01/revguard/internal/history"
)

var reportCmd = &cobra.Command{
	Use:   "report <template>",
	Short: "Generate pre-defined reports from the run history",
	Long: `Generate formatted reports from the run history of this repository.

Available templates:
  daily   - Today's runs with summary stats
  weekly  - The last seven days of runs with summary stats

Examples:
  revguard report daily
  revguard report weekly --all-repos`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

var reportAllRepos bool

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().BoolVar(&reportAllRepos, "all-repos", false, "Include every repository")
}

func runReport(cmd *cobra.Command, args []string) error {
	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch args[0] {
	case "daily":
		return generateReport(cmd, "Daily Review Report", today)
	case "weekly":
		return generateReport(cmd, "Weekly Review Report", today.AddDate(0, 0, -6))
	default:
		return fmt.Errorf("unknown report template: %s (available: daily, weekly)", args[0])
	}
}

func generateReport(cmd *cobra.Command, title string, since time.Time) error {
	f := history.Filter{Since: since}
	if !reportAllRepos {
		repo, err := openRepo(commandContext(cmd))
		if err != nil {
			return fmt.Errorf("%w (use --all-repos outside a repository)", err)
		}
		f.Repo = repo.Dir
	}

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := commandContext(cmd)
	st, err := store.Stats(ctx, f)
	if err != nil {
		return err
	}
	entries, err := store.List(ctx, f)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, title)
	fmt.Fprintln(stdout, "═════════════════════")
	fmt.Fprintf(stdout, "Since %s\n\n", since.Format("2006-01-02"))

	fmt.Fprintln(stdout, "Summary")
	fmt.Fprintln(stdout, "───────")
	printStats(stdout, st)

	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Runs")
	fmt.Fprintln(stdout, "────")
	printHistory(stdout, entries, reportAllRepos)
	return nil
}
