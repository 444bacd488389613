package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

var (
	ErrLockNotAcquired = errors.New("appointment lock not acquired")
)

// AppointmentLocker guards critical sections per appointment across API
// replicas.
type AppointmentLocker interface {
	WithAppointmentLock(ctx context.Context, appointmentID uuid.UUID, fn func(ctx context.Context) error) error
}

// TokenLocker is a Redis-backed reminder.Locker and AppointmentLocker. Every
// key holds a random token so only the owner can release it.
type TokenLocker struct {
	client *redis.Client
	ttl    time.Duration
}

var _ reminder.Locker = (*TokenLocker)(nil)

func NewTokenLocker(client *redis.Client, ttl time.Duration) *TokenLocker {
	return &TokenLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *TokenLocker) TryLock(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *TokenLocker) Unlock(ctx context.Context, key, token string) error {
	n, err := unlockScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if n == 0 {
		return reminder.ErrLockNotHeld
	}
	return nil
}

func (l *TokenLocker) WithAppointmentLock(ctx context.Context, appointmentID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:appointment:%s", appointmentID.String())

	token, ok, err := l.TryLock(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.Unlock(context.WithoutCancel(ctx), key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// localLocker runs fn without cross-process coordination. Used when Redis is
// disabled.
type localLocker struct {
	tokens *reminder.MemoryLocker
}

func NewLocalAppointmentLocker() AppointmentLocker {
	return &localLocker{tokens: reminder.NewMemoryLocker()}
}

func (l *localLocker) WithAppointmentLock(ctx context.Context, appointmentID uuid.UUID, fn func(ctx context.Context) error) error {
	key := "lock:appointment:" + appointmentID.String()
	token, ok, _ := l.tokens.TryLock(ctx, key)
	if !ok {
		return ErrLockNotAcquired
	}
	defer func() { _ = l.tokens.Unlock(ctx, key, token) }()
	return fn(ctx)
}
