package cmd

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pders01/revguard/internal/config"
	"github.com/pders01/revguard/internal/lock"
)

func holdLock(t *testing.T, repoPath string, opts lock.Options) *lock.FileLock {
	t.Helper()
	l := lock.NewFileLock(config.GetStateDir(), repoPath, opts)
	if _, err := l.TryAcquire(context.Background(), lock.NewOwner("headless review")); err != nil {
		t.Fatalf("failed to take lock: %v", err)
	}
	return l
}

// expiredLease backdates the clock so the record's lease is already over.
func expiredLease() lock.Options {
	return lock.Options{TTL: time.Minute, Now: func() time.Time { return time.Now().Add(-time.Hour) }}
}

func TestLockStatusFree(t *testing.T) {
	_, out := setupCmd(t)
	lockOutput = outputFormat{json: true}
	defer func() { lockOutput = outputFormat{} }()

	if err := runLockStatus(nil, []string{}); err != nil {
		t.Fatalf("lock status failed: %v", err)
	}
	var st lockStatus
	if err := json.Unmarshal(out.Bytes(), &st); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if st.State != "free" || st.Holder != nil {
		t.Errorf("expected a free lock, got %+v", st)
	}
}

func TestLockStatusHeld(t *testing.T) {
	repo, out := setupCmd(t)
	holdLock(t, repo.Path, lock.Options{})
	lockOutput = outputFormat{}

	if err := runLockStatus(nil, []string{}); err != nil {
		t.Fatalf("lock status failed: %v", err)
	}
	output := out.String()
	if !strings.Contains(output, "held") || !strings.Contains(output, "headless review") {
		t.Errorf("expected the holder to be shown, got:\n%s", output)
	}
}

func TestLockReleaseRefusesLiveHolder(t *testing.T) {
	repo, _ := setupCmd(t)
	l := holdLock(t, repo.Path, lock.Options{})
	lockForce = false

	if err := runLockRelease(nil, []string{}); err == nil {
		t.Fatal("expected release of a live holder to fail")
	}
	if rec, _ := l.Holder(); rec == nil {
		t.Error("live holder was released")
	}
}

func TestLockReleaseForce(t *testing.T) {
	repo, _ := setupCmd(t)
	l := holdLock(t, repo.Path, lock.Options{})
	lockForce = true
	defer func() { lockForce = false }()

	if err := runLockRelease(nil, []string{}); err != nil {
		t.Fatalf("forced release failed: %v", err)
	}
	if rec, _ := l.Holder(); rec != nil {
		t.Errorf("lock still held by %+v", rec)
	}
}

func TestLockClearStale(t *testing.T) {
	repo, out := setupCmd(t)
	l := holdLock(t, repo.Path, expiredLease())

	if err := runLockClearStale(nil, []string{}); err != nil {
		t.Fatalf("clear-stale failed: %v", err)
	}
	if !strings.Contains(out.String(), "Cleared") {
		t.Errorf("expected the stale lock to be cleared, got:\n%s", out.String())
	}
	if rec, _ := l.Holder(); rec != nil {
		t.Errorf("stale record left behind: %+v", rec)
	}
}

func TestLockClearStaleKeepsLiveHolder(t *testing.T) {
	repo, out := setupCmd(t)
	l := holdLock(t, repo.Path, lock.Options{})

	if err := runLockClearStale(nil, []string{}); err != nil {
		t.Fatalf("clear-stale failed: %v", err)
	}
	if !strings.Contains(out.String(), "No stale review lock") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if rec, _ := l.Holder(); rec == nil {
		t.Error("live holder was cleared")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{5 * time.Minute, "5m"},
		{90 * time.Minute, "1h30m"},
		{72 * time.Hour, "3d"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
