package crawlers

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, cfg models.PoolConfig, sel *fakeSelector, fac *fakeFactory, attempts int) *SessionPool {
	t.Helper()
	pool := NewSessionPool(cfg, sel, fac, WithPoolBackoff(noDelayBackoff()))
	require.NoError(t, pool.Start(context.Background(), attempts))
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool
}

// 池上限3,提交5次创建:恰好3个成功,另外2个获取者阻塞直到有会话归还
func TestPoolStartBoundAndBlockingAcquire(t *testing.T) {
	fac := &fakeFactory{delay: 10 * time.Millisecond}
	cfg := testPoolConfig(3)
	cfg.AcquireTimeout = 5 * time.Second
	pool := newTestPool(t, cfg, newFakeSelector("p1", "p2", "p3", "p4"), fac, 5)

	st := pool.Stats()
	assert.Equal(t, 3, st.Ready)
	assert.Equal(t, 3, st.Created)
	assert.Equal(t, 3, fac.launchCount())

	ctx := context.Background()
	held := make([]*Session, 0, 3)
	for i := 0; i < 3; i++ {
		s, err := pool.Acquire(ctx, AcquireOptions{})
		require.NoError(t, err)
		held = append(held, s)
	}

	got := make(chan *Session, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := pool.Acquire(ctx, AcquireOptions{})
			if err == nil {
				got <- s
			}
		}()
	}

	select {
	case <-got:
		t.Fatal("池已满时获取不应返回")
	case <-time.After(100 * time.Millisecond):
	}

	pool.Release(held[0], models.Success("ok"))
	select {
	case s := <-got:
		assert.Equal(t, held[0].ID, s.ID)
	case <-time.After(time.Second):
		t.Fatal("归还后阻塞的获取者应拿到会话")
	}

	select {
	case <-got:
		t.Fatal("第二个获取者应继续阻塞")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(held[1], models.Success("ok"))
	select {
	case s := <-got:
		assert.Equal(t, held[1].ID, s.ID)
	case <-time.After(time.Second):
		t.Fatal("第二次归还后应拿到会话")
	}
}

func TestPoolStartNoSessions(t *testing.T) {
	fac := &fakeFactory{fail: func(string, int) bool { return true }}
	pool := NewSessionPool(testPoolConfig(2), newFakeSelector("p1"), fac)
	err := pool.Start(context.Background(), 2)
	assert.True(t, errors.Is(err, models.ErrNoSessions))
	assert.Equal(t, 2, pool.Stats().CreateFailed)
	assert.Zero(t, pool.Stats().Live())
}

func TestPoolStartTolerantOfPartialFailure(t *testing.T) {
	fac := &fakeFactory{fail: func(proxy string, _ int) bool { return proxy == "bad" }}
	pool := NewSessionPool(testPoolConfig(3), newFakeSelector("bad", "good1", "good2"), fac)
	require.NoError(t, pool.Start(context.Background(), 3))
	defer pool.Shutdown(context.Background())

	st := pool.Stats()
	assert.Equal(t, 2, st.Ready)
	assert.Equal(t, 1, st.CreateFailed)
}

func TestAcquireTimeout(t *testing.T) {
	cfg := testPoolConfig(1)
	cfg.AcquireTimeout = 50 * time.Millisecond
	pool := newTestPool(t, cfg, newFakeSelector("p1"), &fakeFactory{}, 1)

	_, err := pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Acquire(context.Background(), AcquireOptions{})
	assert.True(t, errors.Is(err, models.ErrPoolExhausted))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireRotatesAfterRequestThreshold(t *testing.T) {
	cfg := testPoolConfig(1)
	cfg.MaxRequestsBeforeRotation = 2
	fac := &fakeFactory{}
	pool := newTestPool(t, cfg, newFakeSelector("p1", "p2"), fac, 1)

	s, err := pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	first := s.Proxy().Address
	oldDriver := s.Driver().(*fakeDriver)
	s.CountRequest()
	s.MarkWarmedUp()
	pool.Release(s, models.Success("ok"))

	// 1次请求,未达到阈值
	s, err = pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, s.Proxy().Address)
	s.CountRequest()
	pool.Release(s, models.Success("ok"))

	s, err = pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first, s.Proxy().Address)
	assert.Equal(t, 2, s.Generation())
	assert.Zero(t, s.RequestsServed())
	assert.False(t, s.WarmedUp())
	assert.True(t, oldDriver.isClosed())
	assert.Equal(t, 1, pool.Stats().Rotations)
	pool.Release(s, models.Success("ok"))
}

func TestAcquireRotatesOnRetry(t *testing.T) {
	sel := newFakeSelector("p1", "p2", "p3")
	pool := newTestPool(t, testPoolConfig(1), sel, &fakeFactory{}, 1)

	s, err := pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	failed := s.Proxy().Address
	pool.Release(s, models.Transient(errors.New("timeout")))

	s, err = pool.Acquire(context.Background(), AcquireOptions{
		Retry:   true,
		Context: models.SelectionContext{Retry: 1, LastProxy: failed},
	})
	require.NoError(t, err)
	assert.NotEqual(t, failed, s.Proxy().Address)
	assert.Equal(t, 2, s.Generation())
	pool.Release(s, models.Success("ok"))
}

func TestAcquireKeepsProxyWhenNoAlternative(t *testing.T) {
	t.Run("按请求数轮换保留当前代理", func(t *testing.T) {
		fac := &fakeFactory{}
		cfg := testPoolConfig(1)
		cfg.MaxRequestsBeforeRotation = 1
		pool := newTestPool(t, cfg, newFakeSelector("only"), fac, 1)

		s, err := pool.Acquire(context.Background(), AcquireOptions{})
		require.NoError(t, err)
		s.CountRequest()
		pool.Release(s, models.Success("ok"))

		s, err = pool.Acquire(context.Background(), AcquireOptions{})
		require.NoError(t, err)
		assert.Equal(t, "only", s.Proxy().Address)
		assert.Equal(t, 1, s.Generation())
		assert.Zero(t, s.RequestsServed())
		assert.Equal(t, 1, fac.launchCount())
		pool.Release(s, models.Success("ok"))
	})

	t.Run("重试没有其他代理时失败并归还会话", func(t *testing.T) {
		fac := &fakeFactory{}
		pool := newTestPool(t, testPoolConfig(1), newFakeSelector("only"), fac, 1)

		s, err := pool.Acquire(context.Background(), AcquireOptions{})
		require.NoError(t, err)
		id := s.ID
		pool.Release(s, models.Success("ok"))

		_, err = pool.Acquire(context.Background(), AcquireOptions{Retry: true})
		assert.ErrorIs(t, err, models.ErrNoProxyAvailable)
		assert.Equal(t, 1, pool.Stats().Ready)
		assert.Zero(t, pool.Stats().InUse)

		// 会话仍可被普通请求取出
		s, err = pool.Acquire(context.Background(), AcquireOptions{})
		require.NoError(t, err)
		assert.Equal(t, id, s.ID)
		assert.Equal(t, "only", s.Proxy().Address)
		assert.Equal(t, 1, fac.launchCount())
		pool.Release(s, models.Success("ok"))
	})
}

func TestRotationLaunchFailureReplacesSession(t *testing.T) {
	// 第2次启动(轮换)失败,之后成功
	fac := &fakeFactory{fail: func(_ string, launch int) bool { return launch == 2 }}
	cfg := testPoolConfig(1)
	pool := newTestPool(t, cfg, newFakeSelector("p1", "p2", "p3"), fac, 1)

	s, err := pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	firstID := s.ID
	pool.Release(s, models.Success("ok"))

	s, err = pool.Acquire(context.Background(), AcquireOptions{Retry: true})
	require.NoError(t, err)
	assert.NotEqual(t, firstID, s.ID)
	assert.Equal(t, 1, pool.Stats().Replaced)
	pool.Release(s, models.Success("ok"))
}

func TestReleaseBotDetectedResetsThenRetires(t *testing.T) {
	fac := &fakeFactory{}
	pool := newTestPool(t, testPoolConfig(1), newFakeSelector("p1", "p2"), fac, 1)

	s, err := pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	drv := s.Driver().(*fakeDriver)
	s.MarkWarmedUp()
	s.CountRequest()
	pool.Release(s, models.BotDetected("title:robot"))

	// 第一次检测:重置后回到Ready
	assert.Equal(t, 1, drv.resets)
	assert.False(t, s.WarmedUp())
	assert.Zero(t, s.RequestsServed())
	assert.Equal(t, 1, pool.Stats().Ready)

	s2, err := pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	require.Equal(t, s.ID, s2.ID)
	pool.Release(s2, models.BotDetected("marker:#px-captcha"))

	// 第二次检测:退役并异步替换
	assert.Eventually(t, drv.isClosed, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		st := pool.Stats()
		return st.Ready == 1 && st.Replaced == 1
	}, time.Second, 5*time.Millisecond)

	s3, err := pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, s3.ID)
	pool.Release(s3, models.Success("ok"))
}

func TestReleaseBotDetectedRetiresWornSession(t *testing.T) {
	cfg := testPoolConfig(1)
	cfg.MaxSessionRequests = 3
	pool := newTestPool(t, cfg, newFakeSelector("p1", "p2"), &fakeFactory{}, 1)

	s, err := pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		s.CountRequest()
	}
	pool.Release(s, models.BotDetected("title:robot"))

	assert.Eventually(t, func() bool { return pool.Stats().Replaced == 1 && pool.Stats().Ready == 1 }, time.Second, 5*time.Millisecond)
}

func TestReleaseBrokenDriverReplaces(t *testing.T) {
	pool := newTestPool(t, testPoolConfig(1), newFakeSelector("p1"), &fakeFactory{}, 1)

	s, err := pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	out := models.Transient(errors.New("target closed"))
	out.DriverBroken = true
	pool.Release(s, out)

	assert.Eventually(t, func() bool { return pool.Stats().Replaced == 1 && pool.Stats().Ready == 1 }, time.Second, 5*time.Millisecond)
}

func TestReplacementRetriesUntilLaunchSucceeds(t *testing.T) {
	// 替换的前两次启动失败
	fac := &fakeFactory{fail: func(_ string, launch int) bool { return launch == 2 || launch == 3 }}
	pool := newTestPool(t, testPoolConfig(1), newFakeSelector("p1", "p2"), fac, 1)

	s, err := pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	out := models.Transient(errors.New("crash"))
	out.DriverBroken = true
	pool.Release(s, out)

	assert.Eventually(t, func() bool { return pool.Stats().Ready == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, fac.launchCount())
	assert.Equal(t, 2, pool.Stats().CreateFailed)
}

func TestDoubleReleaseIgnored(t *testing.T) {
	pool := newTestPool(t, testPoolConfig(2), newFakeSelector("p1", "p2"), &fakeFactory{}, 2)

	s, err := pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	pool.Release(s, models.Success("ok"))
	pool.Release(s, models.Success("ok"))

	st := pool.Stats()
	assert.Equal(t, 2, st.Ready)
	assert.Equal(t, 2, st.Live())
}

func TestShutdownInterruptsInUseSessions(t *testing.T) {
	cfg := testPoolConfig(2)
	cfg.ShutdownGrace = 50 * time.Millisecond
	pool := NewSessionPool(cfg, newFakeSelector("p1", "p2"), &fakeFactory{})
	require.NoError(t, pool.Start(context.Background(), 2))

	s, err := pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	drv := s.Driver().(*fakeDriver)

	start := time.Now()
	require.NoError(t, pool.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, drv.isClosed())

	_, err = pool.Acquire(context.Background(), AcquireOptions{})
	assert.True(t, errors.Is(err, models.ErrPoolClosed))

	// 关闭后归还的会话直接销毁
	pool.Release(s, models.Success("ok"))
	assert.Zero(t, pool.Stats().Live())
}

// 随机并发的获取/归还(含反爬退役与替换)期间,会话数不超过上限且同一会话不会同时被两个调用方持有
func TestPoolBoundAndExclusiveOwnership(t *testing.T) {
	const size = 4
	cfg := testPoolConfig(size)
	cfg.MaxRequestsBeforeRotation = 3
	pool := newTestPool(t, cfg, newFakeSelector("p1", "p2", "p3", "p4", "p5", "p6"), &fakeFactory{}, size+2)

	var (
		heldMu    sync.Mutex
		held      = map[string]bool{}
		violation atomic.Int32
		stop      = make(chan struct{})
	)

	var monitor sync.WaitGroup
	monitor.Add(1)
	go func() {
		defer monitor.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if pool.Stats().Live() > size {
				violation.Add(1)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var workers sync.WaitGroup
	for w := 0; w < 12; w++ {
		workers.Add(1)
		go func(seed int64) {
			defer workers.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 40; i++ {
				s, err := pool.Acquire(context.Background(), AcquireOptions{Retry: rng.Intn(10) == 0})
				if err != nil {
					continue
				}
				heldMu.Lock()
				if held[s.ID] {
					violation.Add(1)
				}
				held[s.ID] = true
				heldMu.Unlock()

				s.CountRequest()
				time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)

				heldMu.Lock()
				delete(held, s.ID)
				heldMu.Unlock()

				switch rng.Intn(6) {
				case 0:
					pool.Release(s, models.BotDetected("title:robot"))
				case 1:
					pool.Release(s, models.Transient(errors.New("timeout")))
				default:
					pool.Release(s, models.Success("ok"))
				}
			}
		}(int64(w))
	}
	workers.Wait()
	close(stop)
	monitor.Wait()

	assert.Zero(t, violation.Load())
	assert.LessOrEqual(t, pool.Stats().Live(), size)
}
