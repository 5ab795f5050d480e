package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/container"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
)

// flockPollInterval is how often a contended advisory lock is re-probed.
// flock(2) has no native deadline, so the bounded wait is a poll loop.
const flockPollInterval = 25 * time.Millisecond

// lockTable hands out one semaphore per container name for in-process
// exclusivity. Cross-process exclusivity is layered on top with flock.
type lockTable struct {
	mu    sync.Mutex
	names map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{names: make(map[string]chan struct{})}
}

func (t *lockTable) get(name string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.names[name]
	if !ok {
		ch = make(chan struct{}, 1)
		t.names[name] = ch
	}
	return ch
}

// Lock acquires the per-container exclusive lock for name, blocking up to the
// store's lock timeout (or ctx cancellation, whichever is sooner). On success
// it returns an unlock function; on timeout it fails with ErrBusy. Locks on
// different names are fully independent.
//
// The lock has two layers: an in-process semaphore, and an advisory flock on
// a per-container lock file so that separate processes sharing the registry
// directory serialize as well.
func (s *Store) Lock(ctx context.Context, name string) (func(), error) {
	// Names become path components below; reject anything else before a
	// single path is built.
	if !container.ValidName(name) {
		return nil, fmt.Errorf("%w: name %q must match [a-zA-Z0-9_-]{1,64}",
			hakoerr.ErrInvalidConfig, name)
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	sem := s.locks.get(name)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, s.lockWaitError(parent, name)
	}

	f, err := os.OpenFile(s.lockPath(name), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		<-sem
		return nil, fmt.Errorf("%w: open lock file for %q: %v", hakoerr.ErrIO, name, err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			f.Close()
			<-sem
			return nil, fmt.Errorf("%w: flock %q: %v", hakoerr.ErrIO, name, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			<-sem
			return nil, s.lockWaitError(parent, name)
		case <-time.After(flockPollInterval):
		}
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		<-sem
	}, nil
}

// lockWaitError classifies an abandoned lock wait: the caller's own
// cancellation propagates as-is (not retryable), only a true timeout is
// reported as transient ErrBusy.
func (s *Store) lockWaitError(parent context.Context, name string) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("lock %q: %w", name, err)
	}
	return fmt.Errorf("%w: %q lock not acquired within %s",
		hakoerr.ErrBusy, name, s.lockTimeout)
}
