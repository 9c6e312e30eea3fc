// Package lock defines the mutual-exclusion primitives used to serialize token refreshes, pushes and
// pulls. The redis package provides the distributed implementation; MemoryLocker serves
// single-process runs and tests.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
	ErrNotHeld     = errors.New("lock not held")
)

type Lock interface {
	Release(ctx context.Context) error
}

type Locker interface {
	// Acquire takes the lock without waiting. ErrNotAcquired means someone else holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	// TryAcquire retries Acquire until timeout elapses.
	TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error)
}

// Retry polls acquire with capped exponential backoff until it succeeds, fails with an error other
// than ErrNotAcquired, or timeout elapses.
func Retry(ctx context.Context, timeout time.Duration, acquire func() (Lock, error)) (Lock, error) {
	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond

	for {
		l, err := acquire()
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 500*time.Millisecond {
				backoff = 500 * time.Millisecond
			}
		}
	}
}

// Keys used across the service.
func PushKey(appointmentID, provider string) string {
	return "push:" + appointmentID + ":" + provider
}

func PullKey(userID, provider string) string {
	return "pull:" + userID + ":" + provider
}

func RefreshKey(userID, provider string) string {
	return "refresh:" + userID + ":" + provider
}

type memoryEntry struct {
	token   uint64
	expires time.Time
}

// MemoryLocker is an in-process Locker with TTL semantics.
type MemoryLocker struct {
	mu    sync.Mutex
	next  uint64
	locks map[string]memoryEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryEntry)}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if held, ok := m.locks[key]; ok && now.Before(held.expires) {
		return nil, ErrNotAcquired
	}

	m.next++
	m.locks[key] = memoryEntry{token: m.next, expires: now.Add(ttl)}
	return &memoryLock{owner: m, key: key, token: m.next}, nil
}

func (m *MemoryLocker) TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error) {
	return Retry(ctx, timeout, func() (Lock, error) {
		return m.Acquire(ctx, key, ttl)
	})
}

type memoryLock struct {
	owner *MemoryLocker
	key   string
	token uint64
}

func (l *memoryLock) Release(ctx context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()

	held, ok := l.owner.locks[l.key]
	if !ok || held.token != l.token {
		return ErrNotHeld
	}
	delete(l.owner.locks, l.key)
	return nil
}
