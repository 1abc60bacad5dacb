// Package metrics records review coordination metrics in a private
// Prometheus registry. revguard is a CLI, so metrics are exported to a
// node_exporter textfile rather than served.
package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pders01/revguard/internal/autoresolve"
	"github.com/pders01/revguard/internal/coord"
)

// Recorder implements coord.Recorder and can observe session transitions.
type Recorder struct {
	registry    *prometheus.Registry
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	fixAttempts *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	deferrals   prometheus.Counter
	recaptures  prometheus.Counter
	cleanups    *prometheus.CounterVec
	epoch       prometheus.Gauge
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revguard_runs_total",
				Help: "Finished reviews and auto-resolve runs by kind, status and reason",
			},
			[]string{"kind", "status", "reason"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "revguard_run_duration_seconds",
				Help:    "Wall time of finished runs",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"kind"},
		),
		fixAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "revguard_fix_attempts",
				Help:    "Fix cycles used by auto-resolve runs",
				Buckets: prometheus.LinearBuckets(0, 1, 8),
			},
			[]string{"outcome"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revguard_session_transitions_total",
				Help: "Auto-resolve phase transitions",
			},
			[]string{"from", "to"},
		),
		deferrals: factory.NewCounter(prometheus.CounterOpts{
			Name: "revguard_lock_deferrals_total",
			Help: "Steps deferred because the review lock was busy",
		}),
		recaptures: factory.NewCounter(prometheus.CounterOpts{
			Name: "revguard_snapshot_recaptures_total",
			Help: "Snapshots captured again because the epoch advanced during a review",
		}),
		cleanups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revguard_cleanups_total",
				Help: "Worktree cleanup requests by result",
			},
			[]string{"result"},
		),
		epoch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "revguard_snapshot_epoch",
			Help: "Snapshot epoch at the end of the last run",
		}),
	}
}

// Registry exposes the private registry, mostly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Record implements coord.Recorder.
func (r *Recorder) Record(_ context.Context, res *coord.Result) error {
	r.runsTotal.WithLabelValues(string(res.Kind), string(res.Status), res.Reason).Inc()
	r.runDuration.WithLabelValues(string(res.Kind)).Observe(res.Duration().Seconds())
	r.deferrals.Add(float64(res.Deferrals))
	r.recaptures.Add(float64(res.Recaptures))
	r.epoch.Set(float64(res.EpochEnd))
	if res.Kind == coord.KindAutoResolve && res.Outcome != nil {
		r.fixAttempts.WithLabelValues(string(res.Outcome.Kind)).Observe(float64(res.Attempts))
	}
	return nil
}

// ObserveTransition counts a phase change. It has the autoresolve.Observer
// signature.
func (r *Recorder) ObserveTransition(t autoresolve.Transition) {
	r.transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
}

// ObserveCleanup counts a cleanup request ("removed", "deferred", "failed").
func (r *Recorder) ObserveCleanup(result string) {
	r.cleanups.WithLabelValues(result).Inc()
}

// WriteTextfile writes the registry in the text exposition format. The file
// is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

