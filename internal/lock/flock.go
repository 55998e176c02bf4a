// Package lock wraps flock(2) for the two locks snapline needs: the lineage
// lock that orders workspace opens against finalization, and the pid lock that
// keeps a single server per data directory.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Mode selects a shared or exclusive flock.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) how() int {
	if m == Exclusive {
		return unix.LOCK_EX
	}
	return unix.LOCK_SH
}

// ErrBusy is returned by TryAcquire when another holder owns the lock.
var ErrBusy = errors.New("lock is held by another process")

const pollInterval = 20 * time.Millisecond

// FileLock is an open descriptor holding a flock. The lock lives as long as
// the descriptor stays open.
type FileLock struct {
	path string
	f    *os.File
}

func openLockFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// TryAcquire takes the lock without blocking.
func TryAcquire(path string, mode Mode) (*FileLock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), mode.how()|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrBusy)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return &FileLock{path: path, f: f}, nil
}

// Acquire blocks until the lock is granted or ctx is done.
func Acquire(ctx context.Context, path string, mode Mode) (*FileLock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), mode.how()|unix.LOCK_NB)
		if err == nil {
			return &FileLock{path: path, f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = f.Close()
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *FileLock) Path() string { return l.path }

// Release drops the flock and closes the descriptor. Safe on nil.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
