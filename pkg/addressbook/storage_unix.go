//go:build !windows

package addressbook

import (
	"fmt"
	"os"
	"syscall"
)

// acquireFileLock takes an exclusive flock on the lock file, blocking until
// other processes release it.
func (s *storage) acquireFileLock() (*os.File, error) {
	lockFile, err := openLockFile(s.lockPath)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("failed to acquire file lock: %w", err)
	}
	return lockFile, nil
}

func (s *storage) releaseFileLock(lockFile *os.File) {
	if lockFile == nil {
		return
	}
	_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
	lockFile.Close()
}
