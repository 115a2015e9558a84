package registry

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	lockStaleDuration = 30 * time.Second
	lockTimeout       = 10 * time.Second
	lockPollInterval  = 8 * time.Millisecond
)

// ErrLockTimeout is returned when the registry lock cannot be acquired in time.
var ErrLockTimeout = errors.New("timed out acquiring registry lock")

// withFileLock runs fn while holding a lock directory shared by every controller on the host.
func withFileLock(lock string, fn func() error) error {
	deadline := time.Now().Add(lockTimeout)
	for {
		err := os.Mkdir(lock, 0755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("creating lock %q: %w", lock, err)
		}
		// break locks left behind by crashed controllers
		if info, statErr := os.Stat(lock); statErr == nil && time.Since(info.ModTime()) > lockStaleDuration {
			_ = os.RemoveAll(lock)
			continue
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
	defer func() {
		_ = os.RemoveAll(lock)
	}()
	return fn()
}
