package lock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Notifier signals when a lock record disappears from disk, so deferred
// callers can retry right away instead of waiting for their next tick.
type Notifier struct {
	watcher  *fsnotify.Watcher
	path     string
	released chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewNotifier watches the directory containing the record at path. The
// directory is created if needed. Only meaningful for locks on the OS
// filesystem.
func NewNotifier(path string) (*Notifier, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	n := &Notifier{
		watcher:  watcher,
		path:     filepath.Clean(path),
		released: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go n.loop()
	return n, nil
}

// Released receives a value after the record is removed or renamed away.
// Notifications coalesce: several releases between reads produce one value.
func (n *Notifier) Released() <-chan struct{} {
	return n.released
}

func (n *Notifier) Close() error {
	var err error
	n.once.Do(func() {
		err = n.watcher.Close()
		<-n.done
	})
	return err
}

func (n *Notifier) loop() {
	defer close(n.done)
	for {
		select {
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != n.path {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				select {
				case n.released <- struct{}{}:
				default:
				}
			}
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("lock watcher error", "error", err)
		}
	}
}
