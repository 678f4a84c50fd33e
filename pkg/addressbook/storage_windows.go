//go:build windows

package addressbook

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// acquireFileLock takes an exclusive LockFileEx lock on the first byte of
// the lock file, blocking until other processes release it.
func (s *storage) acquireFileLock() (*os.File, error) {
	lockFile, err := openLockFile(s.lockPath)
	if err != nil {
		return nil, err
	}
	var overlapped windows.Overlapped
	err = windows.LockFileEx(windows.Handle(lockFile.Fd()), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, &overlapped)
	if err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("failed to acquire file lock: %w", err)
	}
	return lockFile, nil
}

func (s *storage) releaseFileLock(lockFile *os.File) {
	if lockFile == nil {
		return
	}
	var overlapped windows.Overlapped
	_ = windows.UnlockFileEx(windows.Handle(lockFile.Fd()), 0, 1, 0, &overlapped)
	lockFile.Close()
}
