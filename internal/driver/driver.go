// Package driver runs auto-resolve sessions unattended: it watches the
// checkout and starts a session whenever its reviewable state changes.
package driver

import (
	"context"
	"log/slog"
	"time"

	"github.com/pders01/revguard/internal/autoresolve"
	"github.com/pders01/revguard/internal/coord"
	"github.com/pders01/revguard/internal/models"
)

const DefaultInterval = 5 * time.Second

// Fingerprinter identifies the reviewable state of a checkout.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

type Options struct {
	Interval     time.Duration
	AttemptLimit int
	BaseRef      string
	Prompt       string
	// OnResult is called after every terminal session.
	OnResult func(*coord.Result)
}

// Tick describes what one iteration did.
type Tick struct {
	Idle    bool
	Started bool
	Step    *autoresolve.StepResult
	Result  *coord.Result
}

// Loop steps at most one session at a time, one transition per tick.
type Loop struct {
	coord *coord.Coordinator
	fp    Fingerprinter
	waker coord.Waker
	opts  Options

	active *autoresolve.Session
	// settled is the fingerprint taken after the last terminal session.
	settled string
}

// New builds a loop. waker may be nil.
func New(c *coord.Coordinator, fp Fingerprinter, waker coord.Waker, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Loop{coord: c, fp: fp, waker: waker, opts: opts}
}

// Run ticks until ctx is done. An unfinished session is cancelled and
// recorded on the way out.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if l.waker != nil {
		wake = l.waker.Released()
	}

	slog.Info("auto-drive started", "interval", l.opts.Interval, "attempt_limit", l.opts.AttemptLimit)
	for {
		if _, err := l.Tick(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("auto-drive tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			l.stop(ctx)
			slog.Info("auto-drive stopped")
			return nil
		case <-ticker.C:
		case <-wake:
			slog.Debug("review lock released, waking auto-drive")
		}
	}
}

// Tick performs one iteration: start a session if the checkout changed and
// none is active, then step the active session once.
func (l *Loop) Tick(ctx context.Context) (Tick, error) {
	var t Tick
	if l.active == nil {
		fp, err := l.fp.Fingerprint(ctx)
		if err != nil {
			return t, err
		}
		if fp == l.settled {
			t.Idle = true
			return t, nil
		}
		s, err := l.coord.NewSession(coord.Request{
			Caller:  models.CallerAutoDrive,
			BaseRef: l.opts.BaseRef,
			Prompt:  l.opts.Prompt,
		}, l.opts.AttemptLimit)
		if err != nil {
			return t, err
		}
		slog.Info("auto-drive starting session", "session", s.ID())
		l.active = s
		t.Started = true
	}

	res, stepErr := l.active.Step(ctx)
	t.Step = &res
	if !res.Done {
		return t, stepErr
	}

	t.Result = l.complete(ctx)
	return t, stepErr
}

func (l *Loop) complete(ctx context.Context) *coord.Result {
	s := l.active
	l.active = nil
	_ = s.Close()
	res := l.coord.Complete(ctx, s)

	// Fixes change the checkout; only changes made after this point should
	// start another session.
	if fp, err := l.fp.Fingerprint(context.WithoutCancel(ctx)); err == nil {
		l.settled = fp
	} else {
		slog.Warn("failed to fingerprint checkout", "error", err)
	}
	if l.opts.OnResult != nil {
		l.opts.OnResult(res)
	}
	return res
}

func (l *Loop) stop(ctx context.Context) {
	if l.active == nil {
		return
	}
	if err := l.active.Cancel(); err != nil {
		slog.Warn("failed to cancel auto-drive session", "error", err)
	}
	l.complete(ctx)
}

// Active returns the session being driven, if any.
func (l *Loop) Active() *autoresolve.Session {
	return l.active
}
