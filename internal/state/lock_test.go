package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLocker() *Locker {
	return NewLocker(NewMemoryStore(), zap.NewNop())
}

func TestWithLockRunsCriticalSection(t *testing.T) {
	l := newTestLocker()

	ran := false
	err := l.WithLock(context.Background(), "job", time.Second, time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockContention(t *testing.T) {
	l := newTestLocker()
	ctx := context.Background()

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(ctx, "job", time.Second, time.Minute, func(context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	// A short acquisition window cannot outwait the holder.
	err := l.WithLock(ctx, "job", 50*time.Millisecond, time.Minute, func(context.Context) error {
		t.Fatal("critical section must not run")
		return nil
	})
	require.ErrorIs(t, err, ErrLockUnavailable)

	close(release)
}

func TestWithLockReleasedAfterError(t *testing.T) {
	l := newTestLocker()
	ctx := context.Background()

	boom := errors.New("boom")
	err := l.WithLock(ctx, "job", time.Second, time.Minute, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The failed section released the lock.
	err = l.WithLock(ctx, "job", 50*time.Millisecond, time.Minute, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestWithLockMutualExclusion(t *testing.T) {
	l := newTestLocker()
	ctx := context.Background()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, "shared", 5*time.Second, time.Minute, func(context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

func TestWithLockCancelledWhileWaiting(t *testing.T) {
	l := newTestLocker()

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "job", time.Second, time.Minute, func(context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := l.WithLock(ctx, "job", 10*time.Second, time.Minute, func(context.Context) error {
		t.Fatal("critical section must not run")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
