package medicines

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// userLocks serialises scheduling passes per user. A pass reads the live
// triggers, cancels and schedules, then records the result; two passes for
// the same user must not interleave or a trigger ends up unowned.
type userLocks struct {
	mu   sync.Mutex
	held map[string]*userLock
}

type userLock struct {
	sem  *semaphore.Weighted
	refs int
}

// lock blocks until the user's lock is free or ctx is done. The returned
// func releases it.
func (l *userLocks) lock(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	if l.held == nil {
		l.held = make(map[string]*userLock)
	}
	ul, ok := l.held[userID]
	if !ok {
		ul = &userLock{sem: semaphore.NewWeighted(1)}
		l.held[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	if err := ul.sem.Acquire(ctx, 1); err != nil {
		l.drop(userID, ul)
		return nil, err
	}
	return func() {
		ul.sem.Release(1)
		l.drop(userID, ul)
	}, nil
}

func (l *userLocks) drop(userID string, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.held, userID)
	}
}
