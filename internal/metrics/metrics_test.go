package metrics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/revguard/internal/autoresolve"
	"github.com/pders01/revguard/internal/coord"
	"github.com/pders01/revguard/internal/models"
)

func TestRecordCountsRuns(t *testing.T) {
	r := NewRecorder()
	clean := models.Clean()
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, &coord.Result{
		Kind:       coord.KindAutoResolve,
		Status:     coord.StatusCompleted,
		Outcome:    &clean,
		Attempts:   2,
		Deferrals:  3,
		EpochEnd:   7,
		DurationMS: 2500,
	}))
	require.NoError(t, r.Record(ctx, &coord.Result{
		Kind:       coord.KindReview,
		Status:     coord.StatusSkipped,
		Reason:     models.ReasonLockBusy,
		Recaptures: 1,
	}))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("auto-resolve", "completed", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("review", "skipped", "lock busy")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.deferrals))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.recaptures))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.epoch), "gauge tracks the last run")
	assert.Equal(t, 1, testutil.CollectAndCount(r.fixAttempts))
}

func TestObserveTransitionAndCleanup(t *testing.T) {
	r := NewRecorder()
	var observe autoresolve.Observer = r.ObserveTransition
	observe(autoresolve.Transition{From: autoresolve.PhaseReviewing, To: autoresolve.PhasePendingFix, At: time.Now()})
	observe(autoresolve.Transition{From: autoresolve.PhaseReviewing, To: autoresolve.PhasePendingFix})
	r.ObserveCleanup("deferred")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("reviewing", "pending_fix")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cleanups.WithLabelValues("deferred")))
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.ObserveCleanup("removed")
	path := filepath.Join(t.TempDir(), "textfile", "revguard.prom")

	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `revguard_cleanups_total{result="removed"} 1`))
	assert.Contains(t, string(data), "# HELP revguard_lock_deferrals_total")
}
