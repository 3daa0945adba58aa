package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUserBusy means another operation for the same user did not finish in time.
var ErrUserBusy = errors.New("another operation for this user is in progress")

// UserLocks serializes operations per user address within this process.
// Operations for different users proceed concurrently.
type UserLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewUserLocks() *UserLocks {
	return &UserLocks{slots: make(map[string]chan struct{})}
}

// Acquire blocks until the user's slot is free or ctx is done. The returned
// release func is safe to call more than once.
func (l *UserLocks) Acquire(ctx context.Context, user common.Address) (func(), error) {
	slot := l.slot(user)
	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrUserBusy, user.Hex(), ctx.Err())
	}
}

func (l *UserLocks) slot(user common.Address) chan struct{} {
	key := strings.ToLower(user.Hex())
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	return slot
}
