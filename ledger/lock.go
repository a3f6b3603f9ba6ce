package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Locker serializes writers per account. Lock blocks until the account is
// free or ctx is done; a deadline surfaces as ErrLedgerBusy.
type Locker interface {
	Lock(ctx context.Context, userID UserID) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker with one exclusive slot per user.
// Entries are reference counted and removed when nobody holds or waits.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[UserID]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[UserID]*slot)}
}

func (k *KeyedMutex) Lock(ctx context.Context, userID UserID) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[userID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[userID] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				k.release(userID, s)
			})
		}, nil
	case <-ctx.Done():
		k.release(userID, s)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: lock wait for user %s timed out", ErrLedgerBusy, userID)
		}
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) release(userID UserID, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, userID)
	}
}

// held returns the number of users with a live slot.
func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
