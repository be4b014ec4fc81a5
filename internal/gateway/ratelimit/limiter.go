package ratelimit

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/llmops/inference-gateway/internal/shared/models"
)

const (
	lockTTL    = 10 * time.Second
	counterTTL = 24 * time.Hour
)

// CounterStore is the shared counter store backing the limiter,
// implemented by the redis client in production and by an in-memory
// fake in tests.
type CounterStore interface {
	GetInt(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Error is the typed rejection carrying the key's configured limit so
// the gateway can report it back to the caller.
type Error struct {
	AllowedRPM int
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded: allowed %d requests per minute", e.AllowedRPM)
}

// Limiter enforces a per-key fixed one-minute window. A counter lives
// at rate_limit:<token>:<unix/60>; the window is not sliding, so a
// client can burst up to twice its limit across a minute boundary.
type Limiter struct {
	store CounterStore
	now   func() time.Time
}

// New creates a Limiter on top of the given counter store.
func New(store CounterStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

func (l *Limiter) counterKey(key *models.APIKey) string {
	return fmt.Sprintf("rate_limit:%s:%d", key.APIKey, l.now().Unix()/60)
}

// Allow reports whether one more request fits in the key's current
// minute bucket. An absent counter reads as zero.
func (l *Limiter) Allow(ctx context.Context, key *models.APIKey) (bool, error) {
	count, err := l.store.GetInt(ctx, l.counterKey(key))
	if err != nil {
		return false, err
	}
	return count < int64(key.AllowedRPM), nil
}

// IncrementUsage bumps the key's counter for the current minute under
// a short-lived lock, and refreshes the 24h expiry so abandoned
// counters self-clean.
func (l *Limiter) IncrementUsage(ctx context.Context, key *models.APIKey) error {
	counterKey := l.counterKey(key)

	lockCtx, cancel := context.WithTimeout(ctx, lockTTL)
	defer cancel()
	release, err := l.store.Lock(lockCtx, "lock:"+counterKey, lockTTL)
	if err != nil {
		return err
	}
	defer release()

	if _, err := l.store.Incr(ctx, counterKey); err != nil {
		return err
	}
	if err := l.store.Expire(ctx, counterKey, counterTTL); err != nil {
		log.WithError(err).WithField("key", counterKey).Warn("failed to set counter expiry")
	}
	return nil
}
