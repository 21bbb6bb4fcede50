// Package lock provides the per-root exclusive lock that serializes update
// operations.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the lock file created inside an installation root.
const FileName = ".relsyncd.lock"

// ErrLocked is returned when the lock is still held by someone else after
// the configured wait.
var ErrLocked = errors.New("lock is held by another operation")

const defaultPollEvery = 100 * time.Millisecond

// Locker acquires the exclusive lock for an installation root. The returned
// release function must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, root string) (release func(), err error)
}

// FileLocker locks <root>/.relsyncd.lock with an OS advisory lock, so it
// also excludes other processes.
type FileLocker struct {
	// Wait is how long to keep polling a held lock. Zero means a single
	// attempt.
	Wait time.Duration
	// PollEvery is the polling interval while waiting.
	PollEvery time.Duration
}

// Acquire implements Locker.
func (l *FileLocker) Acquire(ctx context.Context, root string) (func(), error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root %s: %w", root, err)
	}
	path := filepath.Join(root, FileName)
	f, err := openLockFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	err = poll(ctx, l.Wait, l.PollEvery, func() (bool, error) {
		return tryLockFile(f)
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unlockFile(f)
			_ = f.Close()
		})
	}, nil
}

// LocalLocker is an in-process Locker keyed by root path. It is used when
// the installation lives on a filesystem without OS-level locking, such as
// an in-memory one.
type LocalLocker struct {
	Wait      time.Duration
	PollEvery time.Duration

	mu    sync.Mutex
	roots map[string]*sync.Mutex
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, root string) (func(), error) {
	m := l.mutexFor(filepath.Clean(root))

	err := poll(ctx, l.Wait, l.PollEvery, func() (bool, error) {
		return m.TryLock(), nil
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(m.Unlock)
	}, nil
}

func (l *LocalLocker) mutexFor(root string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.roots == nil {
		l.roots = make(map[string]*sync.Mutex)
	}
	m, ok := l.roots[root]
	if !ok {
		m = &sync.Mutex{}
		l.roots[root] = m
	}
	return m
}

// poll calls try until it succeeds, fails, the wait elapses or ctx is done.
func poll(ctx context.Context, wait, every time.Duration, try func() (bool, error)) error {
	if every <= 0 {
		every = defaultPollEvery
	}
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLocked
		}

		timer := time.NewTimer(every)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
