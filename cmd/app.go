package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pders01/revguard/internal/autoresolve"
	"github.com/pders01/revguard/internal/config"
	"github.com/pders01/revguard/internal/coord"
	"github.com/pders01/revguard/internal/git"
	"github.com/pders01/revguard/internal/history"
	"github.com/pders01/revguard/internal/lock"
	"github.com/pders01/revguard/internal/metrics"
	"github.com/pders01/revguard/internal/ollama"
	"github.com/pders01/revguard/internal/review"
	"github.com/pders01/revguard/internal/snapshot"
)

// newBackend builds the reviewer and fixer for a repository. Tests replace
// it with fakes.
var newBackend = func(repoRoot string) (review.Reviewer, review.Fixer, error) {
	httpClient := &http.Client{Timeout: config.GetOllamaTimeout()}
	reviewClient, err := ollama.NewClient(config.GetOllamaURL(), config.GetReviewModel(), httpClient)
	if err != nil {
		return nil, nil, err
	}
	fixClient, err := ollama.NewClient(config.GetOllamaURL(), config.GetFixModel(), httpClient)
	if err != nil {
		return nil, nil, err
	}
	source := git.NewInspector(repoRoot)
	return ollama.NewReviewer(reviewClient, source, config.GetReviewConcurrency()),
		ollama.NewFixer(fixClient, source), nil
}

// commandContext tolerates the nil command tests pass in.
func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// openRepo resolves --repo (or the working directory) to a repository root.
func openRepo(ctx context.Context) (*git.Repo, error) {
	dir := repoDir
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	probe := git.New(abs, nil)
	if !probe.IsRepo(ctx) {
		return nil, errors.New("not a git repository")
	}
	root, err := probe.Toplevel(ctx)
	if err != nil {
		return nil, err
	}
	return git.New(root, probe.Epoch), nil
}

// app holds what the review commands share for one invocation.
type app struct {
	repo     *git.Repo
	lock     *lock.FileLock
	history  *history.Store
	metrics  *metrics.Recorder
	notifier *lock.Notifier
}

func openApp(ctx context.Context) (*app, error) {
	repo, err := openRepo(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{
		repo:    repo,
		lock:    lock.NewFileLock(config.GetStateDir(), repo.Dir, lock.Options{TTL: config.GetLockTTL()}),
		metrics: metrics.NewRecorder(),
	}
	if config.HistoryEnabled() {
		store, err := history.Open(config.GetHistoryPath())
		if err != nil {
			slog.Warn("history disabled", "error", err)
		} else {
			a.history = store
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.notifier != nil {
		a.notifier.Close()
	}
	if path := config.GetMetricsTextfile(); path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			slog.Warn("failed to write metrics", "error", err)
		}
	}
	if a.history != nil {
		a.history.Close()
	}
}

// waker watches the lock record for releases. It returns nil when watching
// is not possible.
func (a *app) waker() coord.Waker {
	if a.notifier == nil {
		n, err := lock.NewNotifier(a.lock.Path())
		if err != nil {
			slog.Debug("lock release notifications unavailable", "error", err)
			return nil
		}
		a.notifier = n
	}
	return a.notifier
}

// observer logs transitions and counts them.
func (a *app) observer() autoresolve.Observer {
	return func(t autoresolve.Transition) {
		a.metrics.ObserveTransition(t)
		attrs := []any{"session", t.SessionID, "from", t.From, "to", t.To, "attempt", t.Attempt, "epoch", t.Epoch}
		if t.Outcome != nil {
			attrs = append(attrs, "outcome", t.Outcome.String())
		}
		slog.Info("auto-resolve", attrs...)
	}
}

// coordinator wires the review stack. Fixing needs a fixer; plain reviews
// do not.
func (a *app) coordinator(opts coord.Options) (*coord.Coordinator, error) {
	reviewer, fixer, err := newBackend(a.repo.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to set up review backend: %w", err)
	}

	recorders := []coord.Recorder{a.metrics}
	if a.history != nil {
		recorders = append(recorders, a.history)
	}

	opts.RepoRoot = a.repo.Dir
	if opts.MaxRecaptures == 0 {
		opts.MaxRecaptures = config.GetMaxRecaptures()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = config.GetPollInterval()
	}
	if opts.Patience == 0 {
		opts.Patience = config.GetPatience()
	}
	if opts.Observer == nil {
		opts.Observer = a.observer()
	}

	return coord.New(coord.Deps{
		Epoch:     a.repo.Epoch,
		Workspace: a.repo,
		Graph:     git.NewInspector(a.repo.Dir),
		Capturer:  snapshot.NewCapturer(a.repo),
		Lock:      a.lock,
		Reviewer:  reviewer,
		Fixer:     fixer,
		Recorders: recorders,
		Waker:     a.waker(),
	}, opts)
}
