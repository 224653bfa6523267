// Package lock serializes test runs against one system under test with an
// advisory lock file. Exclusive holders drive the machine; shared holders
// only observe it.
package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/logger"
)

const retryDelay = 250 * time.Millisecond

// RunLock is an advisory lock on a lock file
type RunLock struct {
	f   *flock.Flock
	log logger.Interface
}

// New returns the lock for path. Nothing is acquired yet.
func New(path string, log logger.Interface) *RunLock {
	if log == nil {
		log = logger.Nop()
	}
	return &RunLock{f: flock.New(path), log: log.With("lock")}
}

// ForSystem returns the lock file path used for the system named name
func ForSystem(dir, name string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "optest-"+name+".lock")
}

// Path returns the lock file path
func (l *RunLock) Path() string { return l.f.Path() }

// Lock takes the exclusive lock, waiting at most wait. A zero wait tries once.
func (l *RunLock) Lock(ctx context.Context, wait time.Duration) error {
	return l.acquire(ctx, wait, "exclusive", l.f.TryLock, l.f.TryLockContext)
}

// RLock takes the shared lock, waiting at most wait. A zero wait tries once.
func (l *RunLock) RLock(ctx context.Context, wait time.Duration) error {
	return l.acquire(ctx, wait, "shared", l.f.TryRLock, l.f.TryRLockContext)
}

func (l *RunLock) acquire(ctx context.Context, wait time.Duration, kind string, once func() (bool, error), try func(context.Context, time.Duration) (bool, error)) error {
	if err := os.MkdirAll(filepath.Dir(l.f.Path()), 0o755); err != nil {
		return oerrors.Wrap(err, oerrors.ErrConfiguration, "create lock directory")
	}

	var ok bool
	var err error
	if wait <= 0 {
		ok, err = once()
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		l.log.Debug("waiting up to %s for %s lock %s", wait, kind, l.f.Path())
		ok, err = try(waitCtx, retryDelay)
		if !ok && ctx.Err() != nil {
			return oerrors.Wrapf(ctx.Err(), oerrors.ErrCancelled, "waiting for %s lock %s", kind, l.f.Path())
		}
	}
	if ok {
		l.log.Info("holding %s lock %s", kind, l.f.Path())
		return nil
	}
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return oerrors.WithContext(
			oerrors.Newf(oerrors.ErrLocked, "%s lock %s still held after %s", kind, l.f.Path(), wait),
			map[string]interface{}{"path": l.f.Path()},
		)
	}
	return oerrors.Wrapf(err, oerrors.ErrLocked, "take %s lock %s", kind, l.f.Path())
}

// Unlock releases whichever lock is held
func (l *RunLock) Unlock() error {
	if !l.f.Locked() && !l.f.RLocked() {
		return nil
	}
	l.log.Debug("releasing %s", l.f.Path())
	return l.f.Unlock()
}

// Locked reports whether the exclusive lock is held by this RunLock
func (l *RunLock) Locked() bool { return l.f.Locked() }

// RLocked reports whether the shared lock is held by this RunLock
func (l *RunLock) RLocked() bool { return l.f.RLocked() }
