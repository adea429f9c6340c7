package guard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/repository"
	redisrepo "github.com/kostush/purchase-gateway-sub005/internal/repository/redis"
	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

func newTestGuard(t *testing.T, cfg Config) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := redisrepo.NewSessionStore(client, time.Hour)
	return New(store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestWithLock_MutualExclusion(t *testing.T) {
	g, mr := newTestGuard(t, Config{Attempts: 500, Interval: 2 * time.Millisecond, TTL: time.Minute})
	sid := domain.NewSessionID()

	const workers = 8
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
		runs    atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.WithLock(context.Background(), sid, func(context.Context) error {
				n := inside.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(3 * time.Millisecond)
				inside.Add(-1)
				runs.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, int32(workers), runs.Load())
	assert.False(t, mr.Exists(repository.LockKey(sid)))
}

func TestWithLock_Timeout(t *testing.T) {
	g, mr := newTestGuard(t, Config{Attempts: 3, Interval: time.Millisecond, TTL: time.Minute})
	sid := domain.NewSessionID()
	require.NoError(t, mr.Set(repository.LockKey(sid), "held"))

	called := false
	err := g.WithLock(context.Background(), sid, func(context.Context) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Equal(t, domain.CodeLockTimeout, apperrors.CodeOf(err))
	assert.True(t, mr.Exists(repository.LockKey(sid)), "a lock held by someone else must survive")
}

func TestWithLock_ReleasesOnErrorAndPanic(t *testing.T) {
	g, mr := newTestGuard(t, DefaultConfig())
	sid := domain.NewSessionID()
	boom := errors.New("boom")

	err := g.WithLock(context.Background(), sid, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(repository.LockKey(sid)))

	assert.Panics(t, func() {
		_ = g.WithLock(context.Background(), sid, func(context.Context) error { panic("handler bug") })
	})
	assert.False(t, mr.Exists(repository.LockKey(sid)))
}

func TestWithLock_ReleasesAfterCancel(t *testing.T) {
	g, mr := newTestGuard(t, DefaultConfig())
	sid := domain.NewSessionID()
	ctx, cancel := context.WithCancel(context.Background())

	err := g.WithLock(ctx, sid, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, mr.Exists(repository.LockKey(sid)))
}

func TestWithLock_CanceledWhileWaiting(t *testing.T) {
	g, mr := newTestGuard(t, Config{Attempts: 30, Interval: time.Second, TTL: time.Minute})
	sid := domain.NewSessionID()
	require.NoError(t, mr.Set(repository.LockKey(sid), "held"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := g.WithLock(ctx, sid, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithLock_LockCarriesTTL(t *testing.T) {
	g, mr := newTestGuard(t, Config{Attempts: 1, Interval: time.Millisecond, TTL: 45 * time.Second})
	sid := domain.NewSessionID()

	err := g.WithLock(context.Background(), sid, func(context.Context) error {
		assert.Equal(t, 45*time.Second, mr.TTL(repository.LockKey(sid)))
		return nil
	})
	require.NoError(t, err)
}
