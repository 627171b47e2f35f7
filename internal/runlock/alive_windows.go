//go:build windows

package runlock

import (
	"os"
	"syscall"
)

// FindProcess always succeeds on Windows; probe it with a zero signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
