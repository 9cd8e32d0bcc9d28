package crawlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
)

// fakeDriver 内存中的浏览器句柄
type fakeDriver struct {
	mu sync.Mutex

	proxy    string
	page     func(url string) (PageSnapshot, error)
	elements int

	current     PageSnapshot
	navigations []string
	referers    []string
	scrolls     int
	moves       int
	resets      int
	closed      bool
}

func (d *fakeDriver) Navigate(ctx context.Context, url, referer string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("浏览器已关闭")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.navigations = append(d.navigations, url)
	d.referers = append(d.referers, referer)
	if d.page == nil {
		d.current = PageSnapshot{URL: url, Title: "Shop", HTML: "<html><body>ok</body></html>"}
		return nil
	}
	snap, err := d.page(url)
	if err != nil {
		return err
	}
	if snap.URL == "" {
		snap.URL = url
	}
	d.current = snap
	return nil
}

func (d *fakeDriver) ReadyState(ctx context.Context) (string, error) {
	return "complete", nil
}

func (d *fakeDriver) ElementCount(ctx context.Context) (int, error) {
	return d.elements, nil
}

func (d *fakeDriver) Snapshot(ctx context.Context) (PageSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return PageSnapshot{}, errors.New("浏览器已关闭")
	}
	return d.current, nil
}

func (d *fakeDriver) Viewport(ctx context.Context) (float64, float64, error) {
	return 1280, 720, nil
}

func (d *fakeDriver) Scroll(ctx context.Context, dy float64, steps int) error {
	d.mu.Lock()
	d.scrolls++
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) MoveMouse(ctx context.Context, x, y float64) error {
	d.mu.Lock()
	d.moves++
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) ResetState(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	d.current = PageSnapshot{URL: "about:blank"}
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDriver) navigated() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.navigations...)
}

// fakeFactory 记录启动次数,可按代理注入失败
type fakeFactory struct {
	mu       sync.Mutex
	launches int
	drivers  []*fakeDriver
	fail     func(proxy string, launch int) bool
	page     func(proxy, url string) (PageSnapshot, error)
	delay    time.Duration
}

func (f *fakeFactory) Launch(ctx context.Context, proxy models.ProxySnapshot) (Driver, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if f.fail != nil && f.fail(proxy.Address, f.launches) {
		return nil, fmt.Errorf("启动失败: %s", proxy.Address)
	}
	d := &fakeDriver{proxy: proxy.Address}
	if f.page != nil {
		addr := proxy.Address
		d.page = func(url string) (PageSnapshot, error) { return f.page(addr, url) }
	}
	f.drivers = append(f.drivers, d)
	return d, nil
}

func (f *fakeFactory) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

// fakeSelector 轮询返回代理,遵守LastProxy/Exclude
type fakeSelector struct {
	mu      sync.Mutex
	proxies []string
	next    int
	calls   []models.SelectionContext
}

func newFakeSelector(proxies ...string) *fakeSelector {
	return &fakeSelector{proxies: proxies}
}

func (s *fakeSelector) Select(sc models.SelectionContext) (models.ProxySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sc)

	excluded := map[string]bool{sc.LastProxy: true}
	for _, e := range sc.Exclude {
		excluded[e] = true
	}
	for i := 0; i < len(s.proxies); i++ {
		p := s.proxies[(s.next+i)%len(s.proxies)]
		if excluded[p] {
			continue
		}
		s.next = (s.next + i + 1) % len(s.proxies)
		return models.ProxySnapshot{Address: p, Category: models.CategoryResidential}, nil
	}
	return models.ProxySnapshot{}, models.ErrNoProxyAvailable
}

// fakeRecorder 记录反馈
type fakeRecorder struct {
	mu        sync.Mutex
	successes map[string]int
	failures  map[string]int
	bots      map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{successes: map[string]int{}, failures: map[string]int{}, bots: map[string]int{}}
}

func (r *fakeRecorder) RecordSuccess(addr string, latency time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes[addr]++
	return nil
}

func (r *fakeRecorder) RecordFailure(addr string, bot bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[addr]++
	if bot {
		r.bots[addr]++
	}
	return nil
}

func (r *fakeRecorder) counts(addr string) (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes[addr], r.failures[addr], r.bots[addr]
}

// testPoolConfig 测试用的快速配置
func testPoolConfig(size int) models.PoolConfig {
	return models.PoolConfig{
		Size:                     size,
		AcquireTimeout:           2 * time.Second,
		MaxSessionRequests:       100,
		SessionBotDetectionLimit: 2,
		ReplacementDelay:         10 * time.Millisecond,
		ShutdownGrace:            200 * time.Millisecond,
	}
}

// noDelayBackoff 所有等待为0
func noDelayBackoff() *Backoff {
	return NewBackoff(models.BackoffConfig{
		Transient: models.RetryBackoff{Multiplier: 2},
		Bot:       models.RetryBackoff{Multiplier: 2},
	}, nil)
}
