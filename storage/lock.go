package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const LockFileName = "LOCK"

// DirLock is an exclusive advisory lock on a data directory. It keeps two broker
// processes from opening the same store.
type DirLock struct {
	file *os.File
}

// LockDir takes a non-blocking exclusive flock on <dir>/LOCK.
func LockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dir, LockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("data directory %s is locked by another process", dir)
		}
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}

	// Record the owner for operators; failure here is harmless.
	_ = file.Truncate(0)
	_, _ = fmt.Fprintf(file, "%d\n", os.Getpid())

	return &DirLock{file: file}, nil
}

func (l *DirLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	defer func() { l.file = nil }()

	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("failed to unlock data directory: %w", err)
	}
	return l.file.Close()
}
