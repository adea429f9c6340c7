// Package guard serialises callbacks that race on one session.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/metrics"
	"github.com/kostush/purchase-gateway-sub005/internal/repository"
)

// LockStore is the slice of the session store the guard needs.
type LockStore interface {
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Config bounds lock acquisition.
type Config struct {
	Attempts int
	Interval time.Duration
	// TTL expires a lock whose holder died.
	TTL time.Duration
}

func DefaultConfig() Config {
	return Config{Attempts: 30, Interval: time.Second, TTL: 60 * time.Second}
}

// Guard is a per-session mutual exclusion built on SETNX.
type Guard struct {
	store  LockStore
	cfg    Config
	logger *slog.Logger
}

func New(store LockStore, cfg Config, logger *slog.Logger) *Guard {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &Guard{store: store, cfg: cfg, logger: logger}
}

// WithLock runs fn while holding the session lock. It gives up with a
// LOCK_TIMEOUT error after cfg.Attempts failed claims. The lock is released
// on every exit path, including a panic in fn.
func (g *Guard) WithLock(ctx context.Context, sid domain.SessionID, fn func(ctx context.Context) error) error {
	key := repository.LockKey(sid)
	start := time.Now()

	if err := g.acquire(ctx, sid, key); err != nil {
		return err
	}
	metrics.LockWait.Observe(time.Since(start).Seconds())

	defer func() {
		// The request context may already be canceled.
		if err := g.store.Delete(context.Background(), key); err != nil {
			g.logger.ErrorContext(ctx, "failed to release session lock",
				slog.String("session_id", sid.String()),
				slog.String("error", err.Error()),
			)
		}
	}()

	return fn(ctx)
}

func (g *Guard) acquire(ctx context.Context, sid domain.SessionID, key string) error {
	for attempt := 1; ; attempt++ {
		ok, err := g.store.SetIfAbsent(ctx, key, g.cfg.TTL)
		if err != nil {
			return fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			if attempt > 1 {
				g.logger.InfoContext(ctx, "session lock acquired after waiting",
					slog.String("session_id", sid.String()),
					slog.Int("attempts", attempt),
				)
			}
			return nil
		}
		if attempt >= g.cfg.Attempts {
			metrics.LockTimeouts.Inc()
			g.logger.WarnContext(ctx, "session lock timeout",
				slog.String("session_id", sid.String()),
				slog.Int("attempts", attempt),
			)
			return domain.LockTimeout(sid, attempt)
		}

		t := time.NewTimer(g.cfg.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("wait for session lock: %w", ctx.Err())
		case <-t.C:
		}
	}
}
