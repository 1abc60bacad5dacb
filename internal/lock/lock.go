package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusy matches every *BusyError.
	ErrBusy = errors.New("review lock busy")

	// ErrNotHeld is returned when a handle no longer owns the lock record.
	ErrNotHeld = errors.New("review lock not held by this owner")
)

// DistributedLock is the review lock capability. TryAcquire never blocks:
// a held lock is reported as *BusyError straight away.
type DistributedLock interface {
	TryAcquire(ctx context.Context, owner Owner) (*Handle, error)
	Release(h *Handle) error
	Refresh(h *Handle) error
	// Holder returns the current record, or nil when the lock is free.
	Holder() (*Record, error)
	// ClearStale frees the lock if its holder is stale and reports whether
	// it did.
	ClearStale() (bool, error)
	// ForceRelease frees the lock regardless of who holds it.
	ForceRelease() error
}

// Owner identifies who is asking for the lock and why.
type Owner struct {
	ID            string
	Intent        string
	GitHead       string
	SnapshotEpoch uint64
}

// NewOwner returns an owner with a fresh random id.
func NewOwner(intent string) Owner {
	return Owner{ID: uuid.NewString(), Intent: intent}
}

// Record is the persisted lock marker.
type Record struct {
	OwnerID       string    `json:"owner_id" yaml:"owner_id"`
	PID           int       `json:"pid" yaml:"pid"`
	Hostname      string    `json:"hostname" yaml:"hostname"`
	Intent        string    `json:"intent,omitempty" yaml:"intent,omitempty"`
	Repo          string    `json:"repo" yaml:"repo"`
	GitHead       string    `json:"git_head,omitempty" yaml:"git_head,omitempty"`
	SnapshotEpoch uint64    `json:"snapshot_epoch" yaml:"snapshot_epoch"`
	AcquiredAt    time.Time `json:"acquired_at" yaml:"acquired_at"`
	ExpiresAt     time.Time `json:"expires_at" yaml:"expires_at"`
}

// Expired reports whether the lease has run out at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Handle is proof of ownership returned by TryAcquire.
type Handle struct {
	OwnerID string
	Record  Record
}

// BusyError reports a lock held by someone else.
type BusyError struct {
	Holder *Record
}

func (e *BusyError) Error() string {
	if e.Holder == nil {
		return ErrBusy.Error()
	}
	msg := fmt.Sprintf("%s: held by pid %d on %s since %s",
		ErrBusy, e.Holder.PID, e.Holder.Hostname, e.Holder.AcquiredAt.Format(time.RFC3339))
	if e.Holder.Intent != "" {
		msg += " (" + e.Holder.Intent + ")"
	}
	return msg
}

func (e *BusyError) Unwrap() error { return ErrBusy }
