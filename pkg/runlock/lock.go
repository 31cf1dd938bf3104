// Package runlock enforces at-most-one active run per definition file.
package runlock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockBusy indicates the definition is already locked by a running task.
// Acquire never queues; the dispatcher decides whether to retry.
var ErrLockBusy = errors.New("definition file is locked by another run")

// Locker hands out per-definition exclusivity tokens. At most one Handle per
// name is outstanding at any time system-wide.
type Locker interface {
	Acquire(ctx context.Context, name string) (*Handle, error)
}

// Handle is an acquired run lock. Release is idempotent; the dispatcher
// defers it around the whole execution so it runs exactly once per acquire on
// every exit path.
type Handle struct {
	name    string
	release func()
	once    sync.Once
}

// Name returns the definition the handle locks.
func (h *Handle) Name() string {
	return h.name
}

// Release returns the lock. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(h.release)
}

// MemoryLocker is the in-process implementation used by single-node
// deployments and tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]struct{}),
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, name string) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[name]; busy {
		return nil, ErrLockBusy
	}

	l.held[name] = struct{}{}

	return &Handle{
		name: name,
		release: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, name)
		},
	}, nil
}

// IsBusy checks if an error indicates a held run lock.
func IsBusy(err error) bool {
	return errors.Is(err, ErrLockBusy)
}
