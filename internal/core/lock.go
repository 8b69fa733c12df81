package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// lockStaleAfter is how old a lock file may be before it is treated as a
// leftover from a crashed invocation and taken over.
const lockStaleAfter = 6 * time.Hour

// CycleLock guards against overlapping engine invocations. The OS wake-up
// scheduler should only ever start one instance at a time, but a long task
// can outlive the gap to the next wake-up, so the engine takes an explicit
// pid lock file under the state directory.
type CycleLock struct {
	path string
}

// NewCycleLock returns a lock rooted in the given state directory.
func NewCycleLock(stateDir string) *CycleLock {
	return &CycleLock{path: filepath.Join(stateDir, "cycle.lock")}
}

// Acquire takes the lock, returning ErrLocked when a live invocation holds
// it. A lock file older than lockStaleAfter is removed and retaken.
func (l *CycleLock) Acquire() error {
	if err := l.tryCreate(); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("create lock file: %w", err)
	}

	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Holder released between our attempts.
			if cerr := l.tryCreate(); cerr == nil {
				return nil
			}
			return ErrLocked
		}
		return fmt.Errorf("stat lock file: %w", err)
	}
	if time.Since(info.ModTime()) < lockStaleAfter {
		return ErrLocked
	}

	// Stale lock from a crashed run.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	if err := l.tryCreate(); err != nil {
		if os.IsExist(err) {
			return ErrLocked
		}
		return fmt.Errorf("create lock file: %w", err)
	}
	return nil
}

func (l *CycleLock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}

// Release drops the lock. Releasing an already-released lock is a no-op.
func (l *CycleLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
