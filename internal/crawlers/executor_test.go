package crawlers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	okPage        = `<html><head><title>Snacks</title></head><body><div id="__next">chips</div></body></html>`
	challengePage = `<html><head><title>Robot or human?</title></head><body><div id="px-captcha"></div></body></html>`
)

func testExecutorConfig() models.ExecutorConfig {
	return models.ExecutorConfig{
		MaxAttempts:         3,
		NavigationTimeout:   time.Second,
		ReadyPollInterval:   time.Millisecond,
		ReadyPollAttempts:   2,
		ComplexityThreshold: 500,
	}
}

func pageOK(url string) PageSnapshot {
	return PageSnapshot{URL: url, Title: "Snacks", HTML: okPage}
}

type execFixture struct {
	pool     *SessionPool
	exec     *Executor
	recorder *fakeRecorder
	factory  *fakeFactory
}

func newExecFixture(t *testing.T, cfg models.ExecutorConfig, poolSize int, page func(proxy, url string) (PageSnapshot, error), proxies ...string) *execFixture {
	t.Helper()
	fac := &fakeFactory{page: page}
	pool := newTestPool(t, testPoolConfig(poolSize), newFakeSelector(proxies...), fac, poolSize)
	rec := newFakeRecorder()
	exec := NewExecutor(cfg, pool, rec, noDelayBackoff())
	return &execFixture{pool: pool, exec: exec, recorder: rec, factory: fac}
}

func testTask() models.CrawlTask {
	return models.CrawlTask{
		ID:       "t1",
		Store:    models.Store{ID: "100"},
		Category: models.Category{Name: "snacks", Path: "/browse/snacks/1"},
		Page:     1,
		URL:      "https://shop.test/browse/snacks/1?page=1",
	}
}

func TestFetchSuccessRecordsFeedback(t *testing.T) {
	f := newExecFixture(t, testExecutorConfig(), 1, func(_, url string) (PageSnapshot, error) {
		return pageOK(url), nil
	}, "p1")

	s, err := f.pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	out := f.exec.Fetch(context.Background(), s, testTask())
	f.pool.Release(s, out)

	require.True(t, out.OK(), "%v", out.Err)
	assert.Equal(t, okPage, out.Content)
	assert.Equal(t, "p1", out.Proxy)
	assert.Equal(t, "Snacks", out.Title)
	assert.Equal(t, 1, s.RequestsServed())

	succ, fail, bots := f.recorder.counts("p1")
	assert.Equal(t, 1, succ)
	assert.Zero(t, fail)
	assert.Zero(t, bots)
}

func TestFetchClassifiesChallenge(t *testing.T) {
	tests := []struct {
		name   string
		snap   PageSnapshot
		signal string
	}{
		{"标题关键词", PageSnapshot{Title: "Robot or human?", HTML: "<html><body></body></html>"}, "keyword:robot or human"},
		{"验证码标记", PageSnapshot{Title: "Shop", HTML: challengePage}, "marker:#px-captcha"},
		{"封禁路径", PageSnapshot{URL: "https://shop.test/blocked?url=x", Title: "Shop", HTML: okPage}, "redirect:/blocked"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newExecFixture(t, testExecutorConfig(), 1, func(_, url string) (PageSnapshot, error) {
				return tt.snap, nil
			}, "p1")

			s, err := f.pool.Acquire(context.Background(), AcquireOptions{})
			require.NoError(t, err)
			out := f.exec.Fetch(context.Background(), s, testTask())
			f.pool.Release(s, out)

			assert.Equal(t, models.OutcomeBotDetected, out.Kind)
			assert.Equal(t, tt.signal, out.Signal)
			var bde *models.BotDetectedError
			assert.True(t, errors.As(out.Err, &bde))

			_, fail, bots := f.recorder.counts("p1")
			assert.Equal(t, 1, fail)
			assert.Equal(t, 1, bots)
		})
	}
}

func TestFetchWarmsUpOnce(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.HomeURL = "https://shop.test/"
	f := newExecFixture(t, cfg, 1, func(_, url string) (PageSnapshot, error) {
		return pageOK(url), nil
	}, "p1")
	require.True(t, NewExecutor(cfg, f.pool, f.recorder, nil, WithWarmup(true)).warmup)
	f.exec.warmup = true

	s, err := f.pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	out := f.exec.Fetch(context.Background(), s, testTask())
	require.True(t, out.OK())
	assert.True(t, s.WarmedUp())

	out = f.exec.Fetch(context.Background(), s, testTask())
	require.True(t, out.OK())
	f.pool.Release(s, out)

	drv := s.Driver().(*fakeDriver)
	assert.Equal(t, []string{cfg.HomeURL, testTask().URL, testTask().URL}, drv.navigated())
	// 预热后的导航带上站内来源
	assert.Equal(t, cfg.HomeURL, drv.referers[1])
}

func TestFetchWarmUpChallengeIsBotDetected(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.HomeURL = "https://shop.test/"
	f := newExecFixture(t, cfg, 1, func(_, url string) (PageSnapshot, error) {
		return PageSnapshot{Title: "Robot or human?", HTML: challengePage}, nil
	}, "p1")
	f.exec.warmup = true

	s, err := f.pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	out := f.exec.Fetch(context.Background(), s, testTask())

	assert.Equal(t, models.OutcomeBotDetected, out.Kind)
	assert.False(t, s.WarmedUp())
	assert.Equal(t, []string{cfg.HomeURL}, s.Driver().(*fakeDriver).navigated())
	f.pool.Release(s, out)
}

func TestFetchNavigationErrorIsTransient(t *testing.T) {
	f := newExecFixture(t, testExecutorConfig(), 1, func(_, url string) (PageSnapshot, error) {
		return PageSnapshot{}, errors.New("net::ERR_TIMED_OUT")
	}, "p1")

	s, err := f.pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	out := f.exec.Fetch(context.Background(), s, testTask())
	f.pool.Release(s, out)

	assert.Equal(t, models.OutcomeTransient, out.Kind)
	assert.False(t, out.DriverBroken)
	assert.Contains(t, out.Err.Error(), "ERR_TIMED_OUT")
	_, fail, bots := f.recorder.counts("p1")
	assert.Equal(t, 1, fail)
	assert.Zero(t, bots)
}

func TestFetchInteraction(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.InteractionEnabled = true
	f := newExecFixture(t, cfg, 1, func(_, url string) (PageSnapshot, error) {
		return pageOK(url), nil
	}, "p1")

	s, err := f.pool.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	out := f.exec.Fetch(context.Background(), s, testTask())
	f.pool.Release(s, out)

	require.True(t, out.OK())
	drv := s.Driver().(*fakeDriver)
	assert.Greater(t, drv.scrolls, 0)
	assert.Equal(t, 5, drv.moves)
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	f := newExecFixture(t, testExecutorConfig(), 1, func(_, url string) (PageSnapshot, error) {
		if calls.Add(1) == 1 {
			return PageSnapshot{}, errors.New("net::ERR_CONNECTION_RESET")
		}
		return pageOK(url), nil
	}, "p1", "p2")

	res := f.exec.Run(context.Background(), testTask())
	require.True(t, res.Outcome.OK())
	assert.Equal(t, 2, res.Attempts)
}

func TestRunBotDetectedRetriesOnDifferentProxy(t *testing.T) {
	f := newExecFixture(t, testExecutorConfig(), 1, func(proxy, url string) (PageSnapshot, error) {
		if proxy == "p1" {
			return PageSnapshot{Title: "Robot or human?", HTML: challengePage}, nil
		}
		return pageOK(url), nil
	}, "p1", "p2")

	res := f.exec.Run(context.Background(), testTask())
	require.True(t, res.Outcome.OK())
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "p2", res.Outcome.Proxy)

	_, _, bots := f.recorder.counts("p1")
	succ, _, _ := f.recorder.counts("p2")
	assert.Equal(t, 1, bots)
	assert.Equal(t, 1, succ)
	assert.Equal(t, 1, f.pool.Stats().Rotations)
}

func TestRunBotDetectedWithSingleProxyAborts(t *testing.T) {
	var calls atomic.Int32
	f := newExecFixture(t, testExecutorConfig(), 1, func(_, url string) (PageSnapshot, error) {
		if calls.Add(1) == 1 {
			return PageSnapshot{Title: "Robot or human?", HTML: challengePage}, nil
		}
		return pageOK(url), nil
	}, "p1")

	res := f.exec.Run(context.Background(), testTask())
	assert.Equal(t, models.OutcomeAborted, res.Outcome.Kind)
	assert.ErrorIs(t, res.Outcome.Err, models.ErrNoProxyAvailable)
	assert.Equal(t, 2, res.Attempts)

	// 第二次没有在同一代理上抓取
	succ, _, bots := f.recorder.counts("p1")
	assert.Equal(t, 1, bots)
	assert.Zero(t, succ)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, f.factory.launchCount())
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	f := newExecFixture(t, testExecutorConfig(), 1, func(_, url string) (PageSnapshot, error) {
		return PageSnapshot{}, errors.New("net::ERR_PROXY_CONNECTION_FAILED")
	}, "p1", "p2", "p3")

	res := f.exec.Run(context.Background(), testTask())
	assert.Equal(t, models.OutcomeTransient, res.Outcome.Kind)
	assert.Equal(t, 3, res.Attempts)

	total := 0
	for _, p := range []string{"p1", "p2", "p3"} {
		_, fail, _ := f.recorder.counts(p)
		total += fail
	}
	assert.Equal(t, 3, total)
}

func TestRunTerminalWhenPoolClosed(t *testing.T) {
	f := newExecFixture(t, testExecutorConfig(), 1, nil, "p1")
	require.NoError(t, f.pool.Shutdown(context.Background()))

	res := f.exec.Run(context.Background(), testTask())
	assert.Equal(t, models.OutcomeAborted, res.Outcome.Kind)
	assert.True(t, models.IsTerminal(res.Outcome.Err))
	assert.Equal(t, 1, res.Attempts)
}

func TestRunCancelled(t *testing.T) {
	f := newExecFixture(t, testExecutorConfig(), 1, nil, "p1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.exec.Run(ctx, testTask())
	assert.Equal(t, models.OutcomeAborted, res.Outcome.Kind)
}
