package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLockUnavailable is returned when a lock cannot be acquired within
// the acquisition timeout. The critical section never ran.
var ErrLockUnavailable = errors.New("lock unavailable")

// lockPollInterval is how often contenders re-attempt acquisition.
const lockPollInterval = 100 * time.Millisecond

// Locker provides named, leased mutual exclusion across processes,
// implemented as a SET NX claim with a server-side expiry. The lease is
// the deadlock guard: a crashed holder loses the lock automatically.
type Locker struct {
	store  Store
	logger *zap.Logger
}

func NewLocker(store Store, logger *zap.Logger) *Locker {
	return &Locker{store: store, logger: logger.Named("state.lock")}
}

// WithLock runs fn while holding the named lock. It blocks up to
// acquireTimeout waiting for contention to clear; on failure it returns
// ErrLockUnavailable and fn never runs. The lock is released on every
// exit path; a release that finds the lease already expired is logged
// only — the caller may have lost mutual exclusion during the critical
// section, which is why critical sections must stay short relative to
// leaseTimeout.
//
// There is no reentrancy: a holder re-acquiring the same name blocks
// like any other contender.
func (l *Locker) WithLock(ctx context.Context, name string, acquireTimeout, leaseTimeout time.Duration, fn func(ctx context.Context) error) error {
	token := uuid.New().String()
	deadline := time.Now().Add(acquireTimeout)

	for {
		ok, err := l.store.SetNX(ctx, name, token, leaseTimeout)
		if err != nil {
			return fmt.Errorf("acquire lock %q: %w", name, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s (waited %s)", ErrLockUnavailable, name, acquireTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	l.logger.Debug("lock acquired", zap.String("name", name))

	defer func() {
		// Release must run even when ctx is already cancelled.
		released, err := l.store.ReleaseToken(context.WithoutCancel(ctx), name, token)
		switch {
		case err != nil:
			l.logger.Warn("lock release failed", zap.String("name", name), zap.Error(err))
		case !released:
			l.logger.Warn("lock lease expired before release", zap.String("name", name))
		default:
			l.logger.Debug("lock released", zap.String("name", name))
		}
	}()

	return fn(ctx)
}
