package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryInterval = 50 * time.Millisecond

// WithExclusiveLock runs fn while holding the store's writer lock.
// Mutations of session logs, the chunk logs, and the index must go
// through this.
func (s *Store) WithExclusiveLock(ctx context.Context, fn func() error) error {
	return s.withLock(ctx, fn, true)
}

// WithSharedLock runs fn while holding the store's reader lock.
func (s *Store) WithSharedLock(ctx context.Context, fn func() error) error {
	return s.withLock(ctx, fn, false)
}

func (s *Store) withLock(ctx context.Context, fn func() error, exclusive bool) error {
	lock := flock.New(filepath.Join(s.root, ".lock"))
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = lock.TryLockContext(ctx, lockRetryInterval)
	} else {
		ok, err = lock.TryRLockContext(ctx, lockRetryInterval)
	}
	if err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("acquire store lock: not granted")
	}
	defer lock.Unlock()
	return fn()
}
