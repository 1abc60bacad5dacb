package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLock fails TryAcquire/Release with the queued errors, then succeeds.
type scriptedLock struct {
	*FileLock
	acquireErrs []error
	releaseErrs []error
	acquires    int
	releases    int
}

func (s *scriptedLock) TryAcquire(ctx context.Context, owner Owner) (*Handle, error) {
	s.acquires++
	if len(s.acquireErrs) > 0 {
		err := s.acquireErrs[0]
		s.acquireErrs = s.acquireErrs[1:]
		return nil, err
	}
	return s.FileLock.TryAcquire(ctx, owner)
}

func (s *scriptedLock) Release(h *Handle) error {
	s.releases++
	if len(s.releaseErrs) > 0 {
		err := s.releaseErrs[0]
		s.releaseErrs = s.releaseErrs[1:]
		return err
	}
	return s.FileLock.Release(h)
}

func newScripted(t *testing.T) *scriptedLock {
	return &scriptedLock{FileLock: newTestLock(t, afero.NewMemMapFs(), &fakeClock{now: time.Now()}, 1, allAlive)}
}

func zero() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestAcquireWithRetriesEventuallySucceeds(t *testing.T) {
	s := newScripted(t)
	s.acquireErrs = []error{&BusyError{}, &BusyError{}}

	h, err := AcquireWithRetries(context.Background(), s, Owner{ID: "a"}, 5, zero())
	require.NoError(t, err)
	assert.Equal(t, "a", h.OwnerID)
	assert.Equal(t, 3, s.acquires)
}

func TestAcquireWithRetriesGivesUp(t *testing.T) {
	s := newScripted(t)
	s.acquireErrs = []error{&BusyError{}, &BusyError{}, &BusyError{}, &BusyError{}}

	_, err := AcquireWithRetries(context.Background(), s, Owner{ID: "a"}, 3, zero())
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 3, s.acquires)
}

func TestAcquireWithRetriesStopsOnOtherErrors(t *testing.T) {
	s := newScripted(t)
	boom := errors.New("disk on fire")
	s.acquireErrs = []error{boom}

	_, err := AcquireWithRetries(context.Background(), s, Owner{ID: "a"}, 5, zero())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.acquires)
}

func TestReleaseWithRetries(t *testing.T) {
	s := newScripted(t)
	h, err := s.TryAcquire(context.Background(), Owner{ID: "a"})
	require.NoError(t, err)

	s.releaseErrs = []error{errors.New("transient"), errors.New("transient")}
	require.NoError(t, ReleaseWithRetries(context.Background(), s, h, 5, zero()))
	assert.Equal(t, 3, s.releases)

	rec, err := s.Holder()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReleaseWithRetriesNotHeldIsFinal(t *testing.T) {
	s := newScripted(t)
	_, err := s.TryAcquire(context.Background(), Owner{ID: "a"})
	require.NoError(t, err)

	err = ReleaseWithRetries(context.Background(), s, &Handle{OwnerID: "b"}, 5, zero())
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.Equal(t, 1, s.releases)
}

func TestExponentialBackOffHasNoJitter(t *testing.T) {
	b := ExponentialBackOff(10*time.Millisecond, 40*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 15*time.Millisecond, b.NextBackOff())
}
