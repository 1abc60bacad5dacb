package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	// FileName is the lock record inside a repository's state directory.
	FileName = "review.lock"

	DefaultTTL = 30 * time.Minute
)

// RepoDir returns the per-repository state directory under stateDir. The
// repository root is hashed so every checkout gets its own lock.
func RepoDir(stateDir, repoRoot string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(repoRoot)))
	return filepath.Join(stateDir, "review", "repo-"+hex.EncodeToString(sum[:])[:16])
}

// Options configures a FileLock. Zero values pick the defaults.
type Options struct {
	Fs       afero.Fs
	TTL      time.Duration
	Now      func() time.Time
	Alive    func(pid int) bool
	Hostname string
	PID      int
}

// FileLock is a DistributedLock backed by a record file created with
// O_EXCL. A record is stale when its lease expired, when it was written on
// this host by a process that no longer exists, or when it cannot be parsed
// and is older than the lease.
type FileLock struct {
	fs       afero.Fs
	dir      string
	path     string
	repo     string
	ttl      time.Duration
	now      func() time.Time
	alive    func(pid int) bool
	hostname string
	pid      int

	mu sync.Mutex
}

var _ DistributedLock = (*FileLock)(nil)

// NewFileLock returns the review lock for repoRoot, stored under stateDir.
func NewFileLock(stateDir, repoRoot string, opts Options) *FileLock {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Alive == nil {
		opts.Alive = IsProcessAlive
	}
	if opts.Hostname == "" {
		opts.Hostname, _ = os.Hostname()
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}

	dir := RepoDir(stateDir, repoRoot)
	return &FileLock{
		fs:       opts.Fs,
		dir:      dir,
		path:     filepath.Join(dir, FileName),
		repo:     repoRoot,
		ttl:      opts.TTL,
		now:      opts.Now,
		alive:    opts.Alive,
		hostname: opts.Hostname,
		pid:      opts.PID,
	}
}

// Dir is the per-repository state directory holding the record.
func (l *FileLock) Dir() string { return l.dir }

// Path is the record file.
func (l *FileLock) Path() string { return l.path }

func (l *FileLock) Fs() afero.Fs { return l.fs }

func (l *FileLock) TTL() time.Duration { return l.ttl }

func (l *FileLock) TryAcquire(ctx context.Context, owner Owner) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if owner.ID == "" {
		return nil, errors.New("lock owner id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fs.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", l.dir, err)
	}

	// One takeover of a stale record, then the create must win or report busy.
	for attempt := 0; attempt < 2; attempt++ {
		h, err := l.create(owner)
		if err == nil {
			slog.Debug("acquired review lock", "repo", l.repo, "owner", owner.ID, "intent", owner.Intent)
			return h, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		rec, stale, reason := l.inspect()
		if !stale {
			return nil, &BusyError{Holder: rec}
		}
		if err := l.takeover(rec, reason); err != nil {
			return nil, err
		}
	}

	rec, _, _ := l.inspect()
	return nil, &BusyError{Holder: rec}
}

func (l *FileLock) create(owner Owner) (*Handle, error) {
	now := l.now().UTC()
	rec := Record{
		OwnerID:       owner.ID,
		PID:           l.pid,
		Hostname:      l.hostname,
		Intent:        owner.Intent,
		Repo:          l.repo,
		GitHead:       owner.GitHead,
		SnapshotEpoch: owner.SnapshotEpoch,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(l.ttl),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding lock record: %w", err)
	}

	f, err := l.fs.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = l.fs.Remove(l.path)
		return nil, fmt.Errorf("writing lock record: %w", werr)
	}
	return &Handle{OwnerID: owner.ID, Record: rec}, nil
}

// inspect reads the record and classifies it. A nil record with stale=false
// means the lock is free or the record is a fresh partial write.
func (l *FileLock) inspect() (*Record, bool, string) {
	rec, err := l.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, ""
		}
		info, statErr := l.fs.Stat(l.path)
		if statErr != nil {
			return nil, false, ""
		}
		if l.now().Sub(info.ModTime()) > l.ttl {
			return nil, true, "unreadable record"
		}
		return nil, false, ""
	}
	stale, reason := l.staleReason(rec)
	return rec, stale, reason
}

func (l *FileLock) staleReason(rec *Record) (bool, string) {
	if rec.Expired(l.now()) {
		return true, "lease expired"
	}
	if rec.Hostname == l.hostname && rec.PID > 0 && rec.PID != l.pid && !l.alive(rec.PID) {
		return true, "holder process exited"
	}
	return false, ""
}

// Stale reports whether rec would be cleared by ClearStale.
func (l *FileLock) Stale(rec *Record) bool {
	stale, _ := l.staleReason(rec)
	return stale
}

// takeover moves a stale record aside. If the record changed between the
// staleness check and the rename, the newcomer is put back.
func (l *FileLock) takeover(judged *Record, reason string) error {
	tomb := fmt.Sprintf("%s.stale-%d", l.path, l.now().UnixNano())
	if err := l.fs.Rename(l.path, tomb); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("moving stale lock record aside: %w", err)
	}

	moved, err := readRecord(l.fs, tomb)
	if l.replaced(judged, moved, err, tomb) {
		if _, statErr := l.fs.Stat(l.path); errors.Is(statErr, os.ErrNotExist) {
			_ = l.fs.Rename(tomb, l.path)
		}
		return &BusyError{Holder: moved}
	}

	_ = l.fs.Remove(tomb)
	attrs := []any{"repo", l.repo, "reason", reason}
	if judged != nil {
		attrs = append(attrs, "old_pid", judged.PID, "old_owner", judged.OwnerID)
	}
	slog.Info("cleared stale review lock", attrs...)
	return nil
}

// replaced reports whether the file moved aside by takeover is a newcomer
// rather than the record that was judged stale. A judged record of nil means
// the stale file could not be parsed, so any live record found is new.
func (l *FileLock) replaced(judged, moved *Record, readErr error, tomb string) bool {
	if readErr != nil {
		// Unreadable and fresh: another owner is still writing it.
		info, err := l.fs.Stat(tomb)
		return err == nil && l.now().Sub(info.ModTime()) <= l.ttl
	}
	if judged != nil && moved.OwnerID == judged.OwnerID {
		return false
	}
	return !l.Stale(moved)
}

func (l *FileLock) read() (*Record, error) {
	return readRecord(l.fs, l.path)
}

func readRecord(fs afero.Fs, path string) (*Record, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing lock record %s: %w", path, err)
	}
	return &rec, nil
}

// Release removes the record if h still owns it. Releasing an already free
// lock is not an error.
func (l *FileLock) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading lock record: %w", err)
	}
	if rec.OwnerID != h.OwnerID {
		return fmt.Errorf("%w: held by %s", ErrNotHeld, rec.OwnerID)
	}
	if err := l.fs.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock record: %w", err)
	}
	slog.Debug("released review lock", "repo", l.repo, "owner", h.OwnerID)
	return nil
}

// Refresh extends the lease held by h.
func (l *FileLock) Refresh(h *Handle) error {
	if h == nil {
		return ErrNotHeld
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotHeld
		}
		return fmt.Errorf("reading lock record: %w", err)
	}
	if rec.OwnerID != h.OwnerID {
		return ErrNotHeld
	}

	rec.ExpiresAt = l.now().UTC().Add(l.ttl)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding lock record: %w", err)
	}
	if err := WriteFileAtomic(l.fs, l.path, data, 0o644); err != nil {
		return fmt.Errorf("refreshing lock record: %w", err)
	}
	h.Record = *rec
	return nil
}

func (l *FileLock) Holder() (*Record, error) {
	rec, err := l.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (l *FileLock) ClearStale() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, stale, reason := l.inspect()
	if !stale {
		return false, nil
	}
	if err := l.takeover(rec, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (l *FileLock) ForceRelease() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fs.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock record: %w", err)
	}
	slog.Warn("force released review lock", "repo", l.repo)
	return nil
}

// WriteFileAtomic writes data to a temporary sibling and renames it over path.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fs.Chmod(tmpName, perm); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
