// Package lock provides a Redis-backed mutual exclusion lock with token-checked release.
package lock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"tablealloc/internal/errs"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrNotHeld is returned by Release when the token no longer owns the key.
	ErrNotHeld = errs.New("lock not held")
)

// releaseScript deletes the key only if it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config tunes acquisition behaviour.
type Config struct {
	// WaitTimeout caps how long Acquire keeps retrying.
	WaitTimeout time.Duration
	// InitialBackoff is the first retry delay; it doubles up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the default acquisition settings.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:    3 * time.Second,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     400 * time.Millisecond,
	}
}

// Observer receives acquisition outcomes, typically for metrics.
type Observer interface {
	ObserveLockWait(result string, wait time.Duration)
}

// Locker acquires and releases keys in a shared Redis.
type Locker struct {
	client   redis.UniversalClient
	config   Config
	observer Observer
	logger   zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a Locker over an injected Redis client.
func New(client redis.UniversalClient, cfg Config, logger *zerolog.Logger) *Locker {
	def := DefaultConfig()
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "lock").Logger()
	}
	return &Locker{
		client: client,
		config: cfg,
		logger: l,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithObserver attaches an outcome observer.
func (l *Locker) WithObserver(o Observer) *Locker {
	l.observer = o
	return l
}

// Acquire blocks until it owns key or gives up. It returns the ownership token
// that must be passed to Release. Timeouts and caller deadlines are reported
// as errs.ErrLockTimeout; Redis failures as errs.ErrStoreUnavailable.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errs.Markf(errs.ErrConfiguration, "lock ttl must be positive")
	}

	token := uuid.NewString()
	started := time.Now()
	deadline := started.Add(l.config.WaitTimeout)
	backoff := l.config.InitialBackoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			l.observe("cancelled", started)
			return "", errs.Mark(fmt.Errorf("acquire %s: %w", key, err), errs.ErrLockTimeout)
		}

		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				l.observe("cancelled", started)
				return "", errs.Mark(fmt.Errorf("acquire %s: %w", key, ctx.Err()), errs.ErrLockTimeout)
			}
			l.observe("error", started)
			return "", errs.Mark(fmt.Errorf("acquire %s: %w", key, err), errs.ErrStoreUnavailable)
		}
		if ok {
			l.observe("acquired", started)
			l.logger.Debug().Str("key", key).Int("attempt", attempt).Dur("waited", time.Since(started)).Msg("lock acquired")
			return token, nil
		}

		wait := l.jitter(backoff)
		if remaining := time.Until(deadline); remaining <= 0 {
			l.observe("timeout", started)
			return "", errs.Markf(errs.ErrLockTimeout, "acquire %s: contested after %d attempts", key, attempt)
		} else if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.observe("cancelled", started)
			return "", errs.Mark(fmt.Errorf("acquire %s: %w", key, ctx.Err()), errs.ErrLockTimeout)
		case <-timer.C:
		}

		backoff *= 2
		if backoff > l.config.MaxBackoff {
			backoff = l.config.MaxBackoff
		}
	}
}

// Release removes key only while token still owns it.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		return errs.Mark(fmt.Errorf("release %s: %w", key, err), errs.ErrStoreUnavailable)
	}
	if n == 0 {
		l.logger.Warn().Str("key", key).Msg("lock expired or taken over before release")
		return ErrNotHeld
	}
	return nil
}

// jitter spreads a delay over [d/2, d].
func (l *Locker) jitter(d time.Duration) time.Duration {
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	l.mu.Lock()
	n := l.rng.Int63n(half + 1)
	l.mu.Unlock()
	return time.Duration(half + n)
}

func (l *Locker) observe(result string, started time.Time) {
	if l.observer != nil {
		l.observer.ObserveLockWait(result, time.Since(started))
	}
}

// Key builds the allocation lock key from restaurant, minute-rounded start
// time and party-size bucket. bucketWidth <= 1 uses the exact party size.
func Key(restaurantID int64, at time.Time, partySize, bucketWidth int) string {
	return fmt.Sprintf("lock:alloc:%d:%s:%d",
		restaurantID,
		at.UTC().Truncate(time.Minute).Format("2006-01-02T15:04"),
		Bucket(partySize, bucketWidth),
	)
}

// Bucket maps a party size onto its lock bucket: with width 2, sizes 1-2 are
// bucket 0, 3-4 bucket 1 and so on.
func Bucket(partySize, width int) int {
	if width <= 1 {
		return partySize
	}
	if partySize < 1 {
		return 0
	}
	return (partySize - 1) / width
}
