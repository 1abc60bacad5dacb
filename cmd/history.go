package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/pders01/revguard/internal/config"
	"github.com/pders01/revguard/internal/history"
	"github.com/pders01/revguard/internal/models"
)

var (
	historyLimit     int
	historyStatus    string
	historyKind      string
	historySince     string
	historyAllRepos  bool
	historyOlderThan time.Duration
	historyOutput    outputFormat
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect recorded reviews and auto-resolve runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	Long: `List recorded runs for this repository, newest first.

Examples:
  revguard history list
  revguard history list --status skipped --since 2025-10-01
  revguard history list --kind auto-resolve --all-repos --json`,
	Args: cobra.NoArgs,
	RunE: runHistoryList,
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recorded runs",
	Args:  cobra.NoArgs,
	RunE:  runHistoryStats,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete runs older than --older-than",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyStatsCmd, historyPruneCmd)

	for _, c := range []*cobra.Command{historyListCmd, historyStatsCmd} {
		c.Flags().StringVar(&historyStatus, "status", "", "Filter by status: completed|skipped|aborted|failed")
		c.Flags().StringVar(&historyKind, "kind", "", "Filter by kind: review|auto-resolve")
		c.Flags().StringVar(&historySince, "since", "", "Only runs started since date (YYYY-MM-DD)")
		c.Flags().BoolVar(&historyAllRepos, "all-repos", false, "Include every repository")
		addOutputFlags(c, &historyOutput)
	}
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs (0 for all)")
	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 30*24*time.Hour, "Age of the runs to delete")
}

func openHistory() (*history.Store, error) {
	if !config.HistoryEnabled() {
		return nil, errors.New("history is disabled (history.enabled = false)")
	}
	return history.Open(config.GetHistoryPath())
}

func historyFilter(cmd *cobra.Command) (history.Filter, error) {
	f := history.Filter{Status: historyStatus, Kind: historyKind}
	if historySince != "" {
		since, err := time.ParseInLocation("2006-01-02", historySince, time.Local)
		if err != nil {
			return f, fmt.Errorf("invalid --since date format (use YYYY-MM-DD): %w", err)
		}
		f.Since = since
	}
	if !historyAllRepos {
		repo, err := openRepo(commandContext(cmd))
		if err != nil {
			return f, fmt.Errorf("%w (use --all-repos outside a repository)", err)
		}
		f.Repo = repo.Dir
	}
	return f, nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	f, err := historyFilter(cmd)
	if err != nil {
		return err
	}
	f.Limit = historyLimit

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(commandContext(cmd), f)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return historyOutput.render(entries, func(w io.Writer) { printHistory(w, entries, historyAllRepos) })
}

func printHistory(w io.Writer, entries []history.Entry, showRepo bool) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	fmt.Fprintf(w, "Found %d run(s):\n\n", len(entries))
	for _, e := range entries {
		status := e.Status
		if e.Outcome != "" {
			status = e.Outcome
		}
		fmt.Fprintf(w, "  %s  %-12s %s", e.StartedAt.Local().Format("2006-01-02 15:04"), e.Kind, statusText(status))
		if e.Reason != "" && e.Outcome == "" {
			fmt.Fprintf(w, " (%s)", e.Reason)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "    %s", paint(dimStyle, fmt.Sprintf("%s by %s, %d finding(s), %d attempt(s), %s",
			models.ShortID(e.SessionID), e.Caller, e.Findings, e.Attempts, time.Duration(e.DurationMS)*time.Millisecond)))
		fmt.Fprintln(w)
		if showRepo {
			fmt.Fprintf(w, "    %s\n", e.Repo)
		}
		if e.Error != "" {
			fmt.Fprintf(w, "    %s\n", paint(errStyle, e.Error))
		}
	}
}

func runHistoryStats(cmd *cobra.Command, args []string) error {
	f, err := historyFilter(cmd)
	if err != nil {
		return err
	}

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(commandContext(cmd), f)
	if err != nil {
		return err
	}
	return historyOutput.render(st, func(w io.Writer) { printStats(w, st) })
}

func printStats(w io.Writer, st *history.Stats) {
	fmt.Fprintln(w, paint(titleStyle, "Run Statistics"))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Total runs: %d\n", st.Total)
	if st.Total == 0 {
		return
	}
	if st.FirstRun != nil && st.LastRun != nil {
		fmt.Fprintf(w, "Date range: %s to %s\n", st.FirstRun.Local().Format("2006-01-02"), st.LastRun.Local().Format("2006-01-02"))
	}
	fmt.Fprintf(w, "Findings:   %d\n", st.TotalFindings)
	fmt.Fprintf(w, "Attempts:   %.1f avg\n", st.AvgAttempts)
	fmt.Fprintf(w, "Duration:   %s avg\n", (time.Duration(st.AvgDurationMS) * time.Millisecond).Round(time.Millisecond))

	printCounts(w, "By kind", st.ByKind)
	printCounts(w, "By status", st.ByStatus)
	printCounts(w, "By reason", st.ByReason)
}

// printCounts lists a breakdown, largest first.
func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	fmt.Fprintf(w, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %d\n", k, counts[k])
	}
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(commandContext(cmd), time.Now().Add(-historyOlderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "✓ Deleted %d run(s) older than %s\n", n, formatDuration(historyOlderThan))
	return nil
}
