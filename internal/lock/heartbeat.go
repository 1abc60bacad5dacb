package lock

import (
	"log/slog"
	"sync"
	"time"
)

// HeartbeatInterval is a third of the lease l hands out, so two refreshes
// can fail before the lease runs out.
func HeartbeatInterval(l DistributedLock) time.Duration {
	ttl := DefaultTTL
	if t, ok := l.(interface{ TTL() time.Duration }); ok && t.TTL() > 0 {
		ttl = t.TTL()
	}
	return ttl / 3
}

// Heartbeat refreshes h every interval until stop is called. The first
// failed refresh ends the heartbeat and is what stop returns; a lost lock
// comes back as ErrNotHeld.
func Heartbeat(l DistributedLock, h *Handle, interval time.Duration) (stop func() error) {
	if h == nil {
		return func() error { return nil }
	}
	if interval <= 0 {
		interval = HeartbeatInterval(l)
	}

	done := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				result <- nil
				return
			case <-ticker.C:
				if err := l.Refresh(h); err != nil {
					slog.Warn("review lock heartbeat failed", "owner", h.OwnerID, "error", err)
					result <- err
					return
				}
			}
		}
	}()

	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() {
			close(done)
			err = <-result
		})
		return err
	}
}
