//go:build unix

package lock

import (
	"errors"
	"os"
	"syscall"
)

// IsProcessAlive reports whether pid refers to a running process.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks existence; EPERM means it exists but is not ours.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
