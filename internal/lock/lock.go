// Package lock provides per-key mutual exclusion. Trades, joins and
// settlement lock "player:{id}" and "game:{id}" keys so no two operations
// observe or apply against the same document mid-update.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// context expired.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker acquires an exclusive lock on key. The returned unlock func must be
// called exactly once on every exit path.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// PlayerKey is the lock key for a player's portfolio.
func PlayerKey(id string) string { return "player:" + id }

// GameKey is the lock key for a game.
func GameKey(id string) string { return "game:" + id }

// Local is an in-process keyed mutex. Each key holds a one-slot channel;
// entries are reference counted and dropped once nobody holds or waits.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// held reports how many keys are tracked. Used by tests.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
