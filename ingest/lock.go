package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrStoreLocked means another ingest process already owns the store.
var ErrStoreLocked = errors.New("store is locked by another process")

// ProcessLock is an advisory flock guarding single-writer access to one
// store. The lock file lives outside the store so read-only observers can
// open the database freely; its name is derived from the resolved store
// path, so two processes pointed at different stores never contend.
type ProcessLock struct {
	f    *os.File
	path string
}

// AcquireLock takes the exclusive lock for the given store path without
// blocking. ErrStoreLocked is returned when a live process holds it.
func AcquireLock(storePath string) (*ProcessLock, error) {
	abs, err := filepath.Abs(storePath)
	if err != nil {
		return nil, err
	}

	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	name := fmt.Sprintf("ailog-spooler-%s.lock", hashContent([]byte(abs))[:12])
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w (lock file %s)", ErrStoreLocked, path)
		}
		return nil, err
	}

	// The pid is informational, for operators inspecting a stale lock file.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	return &ProcessLock{f: f, path: path}, nil
}

func (l *ProcessLock) Path() string { return l.path }

// Close releases the lock. The lock file itself is left in place; the flock
// is what guards access, and the kernel drops it when the process exits even
// if Close is never called.
func (l *ProcessLock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
