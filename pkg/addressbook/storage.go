package addressbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ErrUnsupportedVersion is returned when the file was written by a newer
// format version.
var ErrUnsupportedVersion = errors.New("addressbook: unsupported file version")

const (
	// currentVersion is the current address book format version.
	currentVersion = 1

	// tempFileSuffix is appended to the file path for atomic writes.
	tempFileSuffix = ".tmp"

	// backupFileSuffix is appended when backing up corrupted files.
	backupFileSuffix = ".bak"

	// lockFileSuffix is appended to create a lock file for inter-process synchronization.
	lockFileSuffix = ".lock"
)

// storage handles file persistence for the address book.
type storage struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

// newStorage creates a new storage instance for the given file path.
func newStorage(path string) *storage {
	return &storage{
		path:     path,
		lockPath: path + lockFileSuffix,
	}
}

// load reads the address book from disk. A missing or empty file yields an
// empty book; a corrupted one is moved aside to the backup path.
func (s *storage) load() (*bookData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockFile, err := s.acquireFileLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for load: %w", err)
	}
	defer s.releaseFileLock(lockFile)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyBook(), nil
		}
		return nil, fmt.Errorf("failed to read address book: %w", err)
	}

	if len(data) == 0 {
		return emptyBook(), nil
	}

	var book bookData
	if err := json.Unmarshal(data, &book); err != nil {
		// File is corrupted, backup and return empty
		backupPath := s.path + backupFileSuffix
		if backupErr := os.Rename(s.path, backupPath); backupErr != nil {
			return nil, fmt.Errorf("failed to parse address book and backup failed: parse error: %w, backup error: %v", err, backupErr)
		}
		return emptyBook(), nil
	}
	if book.Version > currentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, book.Version)
	}

	if book.Peers == nil {
		book.Peers = make(map[uuid.UUID]*PeerEntry)
	}
	for id, entry := range book.Peers {
		// The map key is authoritative.
		if entry == nil {
			delete(book.Peers, id)
			continue
		}
		entry.ID = id
	}
	book.Version = currentVersion
	return &book, nil
}

// save writes the address book atomically: temporary file, fsync, rename.
func (s *storage) save(book *bookData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockFile, err := s.acquireFileLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock for save: %w", err)
	}
	defer s.releaseFileLock(lockFile)

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(book, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal address book: %w", err)
	}

	tempPath := s.path + tempFileSuffix
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	// Sync to disk to ensure durability before rename
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, s.path); err != nil {
		// Clean up temp file on failure
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}

func openLockFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return f, nil
}
