package reminder

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrLockNotHeld = errors.New("lock not held by token")

// Locker hands out per-key ownership tokens. TryLock never blocks: ok is
// false when another owner holds the key.
type Locker interface {
	TryLock(ctx context.Context, key string) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

func itemLockKey(id uuid.UUID) string {
	return "lock:reminder:item:" + id.String()
}

// MemoryLocker is the single-process Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{owners: make(map[string]string)}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.owners[key]; held {
		return "", false, nil
	}
	token := uuid.NewString()
	l.owners[key] = token
	return token, true, nil
}

func (l *MemoryLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[key] != token {
		return ErrLockNotHeld
	}
	delete(l.owners, key)
	return nil
}
