package crawlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/RecoveryAshes/shelfscout/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// AcquireOptions 获取会话的参数
type AcquireOptions struct {
	// Retry 调用方在失败后重试,会话会先轮换代理
	Retry bool
	// Context 轮换代理时传给评分引擎的选择上下文
	Context models.SelectionContext
}

// SessionPool 浏览器会话池
// 职责: 维护有上限的会话集合,负责创建、取出/归还、轮换代理与失败后的异步替换
type SessionPool struct {
	cfg      models.PoolConfig
	selector ProxySelector
	factory  DriverFactory
	backoff  *Backoff
	monitor  *ResourceMonitor
	logger   zerolog.Logger

	// 所有未销毁的会话
	sessions map[string]*Session
	size     int

	// 空闲会话,容量等于size;一个会话只会被一个接收方取走
	ready chan *Session

	// 每次归还时通知Shutdown
	released chan struct{}

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}

	// 驱动启动与重置使用的生命周期context,Shutdown时取消
	runCtx    context.Context
	runCancel context.CancelFunc

	// 后台销毁/替换goroutine
	wg sync.WaitGroup

	created      atomic.Int64
	createFailed atomic.Int64
	replaced     atomic.Int64
	rotations    atomic.Int64
}

// PoolOption 会话池可选项
type PoolOption func(*SessionPool)

// WithResourceMonitor 启用资源监控限制会话数
func WithResourceMonitor(rm *ResourceMonitor) PoolOption {
	return func(p *SessionPool) { p.monitor = rm }
}

// WithPoolBackoff 注入退避策略
func WithPoolBackoff(b *Backoff) PoolOption {
	return func(p *SessionPool) { p.backoff = b }
}

// WithPoolLogger 指定日志器
func WithPoolLogger(l zerolog.Logger) PoolOption {
	return func(p *SessionPool) { p.logger = l }
}

// NewSessionPool 创建会话池,Start之前不会启动任何浏览器
func NewSessionPool(cfg models.PoolConfig, selector ProxySelector, factory DriverFactory, opts ...PoolOption) *SessionPool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 60 * time.Second
	}
	if cfg.MaxSessionRequests <= 0 {
		cfg.MaxSessionRequests = 100
	}
	if cfg.SessionBotDetectionLimit <= 0 {
		cfg.SessionBotDetectionLimit = 2
	}
	if cfg.ReplacementDelay <= 0 {
		cfg.ReplacementDelay = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &SessionPool{
		cfg:       cfg,
		selector:  selector,
		factory:   factory,
		logger:    log.Logger,
		sessions:  make(map[string]*Session),
		size:      cfg.Size,
		released:  make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
		runCtx:    runCtx,
		runCancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.backoff == nil {
		p.backoff = NewBackoff(DefaultBackoffConfig(), nil)
	}
	p.logger = p.logger.With().Str("component", "session_pool").Logger()
	return p
}

// Size 生效的池上限
func (p *SessionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Start 并发提交attempts次创建,超出上限的尝试以ErrPoolFull失败
// 阻塞直到所有尝试结束,没有任何会话创建成功时返回ErrNoSessions
func (p *SessionPool) Start(ctx context.Context, attempts int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return models.ErrPoolClosed
	}
	if p.monitor != nil {
		p.size = p.monitor.MaxSessions(p.cfg.Size)
	}
	p.ready = make(chan *Session, p.size)
	size := p.size
	p.mu.Unlock()

	if attempts <= 0 {
		attempts = p.cfg.StartAttempts
	}
	if attempts <= 0 {
		attempts = size
	}
	p.logger.Info().Msgf("🚀 启动会话池: 上限%d, 创建尝试%d次", size, attempts)

	var ok, full atomic.Int32
	var g errgroup.Group
	for i := 0; i < attempts; i++ {
		g.Go(func() error {
			s, err := p.reserve()
			if err != nil {
				full.Add(1)
				return nil
			}
			if err := p.launchInto(ctx, s, models.SelectionContext{}); err != nil {
				p.createFailed.Add(1)
				p.logger.Warn().Err(err).Str("session", s.ID).Msg("会话创建失败")
				p.drop(s)
				return nil
			}
			p.markReady(s)
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if ok.Load() == 0 {
		return fmt.Errorf("%w: 尝试%d次", models.ErrNoSessions, attempts)
	}
	p.logger.Info().Msgf("✅ 会话池就绪: %d个会话 (超出上限%d次)", ok.Load(), full.Load())
	return nil
}

// reserve 在池上限内占用一个槽位,返回Creating状态的会话
func (p *SessionPool) reserve() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, models.ErrPoolClosed
	}
	if p.liveLocked() >= p.size {
		return nil, models.ErrPoolFull
	}
	return p.newSessionLocked(), nil
}

func (p *SessionPool) newSessionLocked() *Session {
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		state:     SessionCreating,
	}
	p.sessions[s.ID] = s
	return s
}

func (p *SessionPool) liveLocked() int {
	n := 0
	for _, s := range p.sessions {
		if s.state.countsTowardBound() {
			n++
		}
	}
	return n
}

// launchInto 为会话选择代理并启动驱动
func (p *SessionPool) launchInto(ctx context.Context, s *Session, sc models.SelectionContext) error {
	proxy, err := p.selector.Select(sc)
	if err != nil {
		return err
	}
	drv, err := p.factory.Launch(ctx, proxy)
	if err != nil {
		var sce *models.SessionCreationError
		if !errors.As(err, &sce) {
			err = &models.SessionCreationError{Proxy: utils.RedactProxy(proxy.Address), Cause: err}
		}
		return err
	}
	s.proxy = proxy
	s.driver = drv
	s.generation++
	s.requestsServed = 0
	s.botDetections = 0
	s.warmedUp = false
	p.created.Add(1)
	return nil
}

// markReady 新建或替换完成的会话进入Ready
func (p *SessionPool) markReady(s *Session) {
	p.mu.Lock()
	if p.closed {
		s.state = SessionDestroying
		p.mu.Unlock()
		p.finishDestroy(s)
		return
	}
	// 入队后会话可能立即被取走并轮换,先记录地址
	addr := s.proxy.Address
	s.state = SessionReady
	p.ready <- s
	p.mu.Unlock()
	p.logger.Debug().Str("session", s.ID).Str("proxy", utils.RedactProxy(addr)).Msg("会话就绪")
}

// drop 释放未能创建成功的槽位
func (p *SessionPool) drop(s *Session) {
	p.mu.Lock()
	delete(p.sessions, s.ID)
	p.mu.Unlock()
}

// Acquire 等待一个Ready会话,超时返回ErrPoolExhausted
// 会话请求数达到轮换阈值或调用方在重试时,先为会话更换代理
func (p *SessionPool) Acquire(ctx context.Context, opts AcquireOptions) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, models.ErrPoolClosed
	}
	ready := p.ready
	p.mu.Unlock()
	if ready == nil {
		return nil, fmt.Errorf("会话池未启动")
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		select {
		case s := <-ready:
			p.mu.Lock()
			if p.closed {
				// Shutdown之后才取到的空闲会话由这里销毁
				s.state = SessionDestroying
				p.mu.Unlock()
				p.finishDestroy(s)
				return nil, models.ErrPoolClosed
			}
			if s.state != SessionReady {
				p.mu.Unlock()
				continue
			}
			s.state = SessionInUse
			p.mu.Unlock()

			if p.needsRotation(s, opts) {
				if err := p.rotate(ctx, s, opts); err != nil {
					if errors.Is(err, errNoAlternative) {
						// 重试不能回到原代理,会话放回空闲
						p.makeReady(s)
						p.notifyReleased()
						return nil, models.ErrNoProxyAvailable
					}
					p.logger.Warn().Err(err).Str("session", s.ID).Msg("轮换代理失败,替换会话")
					p.retire(s, "轮换失败")
					continue
				}
			}
			return s, nil
		case <-timer.C:
			return nil, models.ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closeCh:
			return nil, models.ErrPoolClosed
		}
	}
}

func (p *SessionPool) needsRotation(s *Session, opts AcquireOptions) bool {
	if opts.Retry {
		return true
	}
	return p.cfg.MaxRequestsBeforeRotation > 0 && s.requestsServed >= p.cfg.MaxRequestsBeforeRotation
}

// errNoAlternative 重试时没有其他代理可换
var errNoAlternative = errors.New("没有可轮换的代理")

// rotate 为已取出的会话更换代理:关闭旧驱动,用新代理重建
// 没有其他可用代理时,按请求数触发的轮换保留当前代理,重试返回 errNoAlternative
func (p *SessionPool) rotate(ctx context.Context, s *Session, opts AcquireOptions) error {
	sc := opts.Context
	current := s.proxy.Address
	sc.Exclude = append(append([]string(nil), sc.Exclude...), current)
	if sc.LastProxy == "" {
		sc.LastProxy = current
	}

	proxy, err := p.selector.Select(sc)
	if err != nil {
		if opts.Retry {
			p.logger.Debug().Err(err).Str("session", s.ID).Msg("重试没有可轮换的代理")
			return errNoAlternative
		}
		p.logger.Debug().Err(err).Str("session", s.ID).Msg("没有可轮换的代理,保留当前代理")
		// 避免每次取出都尝试轮换
		s.requestsServed = 0
		return nil
	}

	if s.driver != nil {
		_ = s.driver.Close()
	}
	drv, err := p.factory.Launch(ctx, proxy)
	if err != nil {
		s.driver = nil
		return err
	}
	old := s.proxy
	s.proxy = proxy
	s.driver = drv
	s.generation++
	s.requestsServed = 0
	s.botDetections = 0
	s.warmedUp = false
	p.rotations.Add(1)

	p.logger.Info().
		Str("session", s.ID).
		Int("generation", s.generation).
		Msgf("🔄 代理轮换: %s -> %s", utils.RedactProxy(old.Address), utils.RedactProxy(proxy.Address))
	return nil
}

// setWarming 预热期间切换InUse与WarmingUp
func (p *SessionPool) setWarming(s *Session, warming bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case warming && s.state == SessionInUse:
		s.state = SessionWarmingUp
	case !warming && s.state == SessionWarmingUp:
		s.state = SessionInUse
	}
}

// Release 归还会话
// 成功/临时失败回到Ready;反爬时累计检测次数,超限则替换,否则重置后回到Ready
func (p *SessionPool) Release(s *Session, outcome models.Outcome) {
	p.mu.Lock()
	if s.state != SessionInUse && s.state != SessionWarmingUp {
		p.mu.Unlock()
		p.logger.Warn().Str("session", s.ID).Str("state", string(s.state)).Msg("重复归还会话,已忽略")
		return
	}
	if p.closed {
		s.state = SessionDestroying
		p.mu.Unlock()
		p.finishDestroy(s)
		p.notifyReleased()
		return
	}
	s.state = SessionInUse
	p.mu.Unlock()

	defer p.notifyReleased()

	if outcome.DriverBroken || s.driver == nil {
		p.retire(s, "浏览器句柄失效")
		return
	}

	if outcome.Kind != models.OutcomeBotDetected {
		p.makeReady(s)
		return
	}

	s.botDetections++
	if s.requestsServed > p.cfg.MaxSessionRequests || s.botDetections >= p.cfg.SessionBotDetectionLimit {
		p.retire(s, fmt.Sprintf("反爬%d次/请求%d次", s.botDetections, s.requestsServed))
		return
	}

	// 重置期间仍计入上限
	resetCtx, cancel := context.WithTimeout(p.runCtx, 30*time.Second)
	err := s.driver.ResetState(resetCtx)
	cancel()
	if err != nil {
		p.logger.Warn().Err(err).Str("session", s.ID).Msg("会话重置失败")
		p.retire(s, "重置失败")
		return
	}
	s.warmedUp = false
	s.requestsServed = 0
	p.makeReady(s)
}

func (p *SessionPool) makeReady(s *Session) {
	p.mu.Lock()
	if p.closed {
		s.state = SessionDestroying
		p.mu.Unlock()
		p.finishDestroy(s)
		return
	}
	s.state = SessionReady
	p.ready <- s
	p.mu.Unlock()
}

func (p *SessionPool) notifyReleased() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

// retire 隔离并销毁会话,同时立即占用槽位异步创建替换会话
func (p *SessionPool) retire(s *Session, reason string) {
	p.mu.Lock()
	s.state = SessionQuarantined
	var repl *Session
	if !p.closed {
		repl = p.newSessionLocked()
		p.replaced.Add(1)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Warn().
		Str("session", s.ID).
		Str("proxy", utils.RedactProxy(s.proxy.Address)).
		Msgf("⚠️  会话退役: %s", reason)

	go func() {
		defer p.wg.Done()
		p.destroy(s)
		if repl != nil {
			p.fillReplacement(repl)
		}
	}()
}

// fillReplacement 为替换会话启动驱动,失败后换代理延迟重试,直到成功或关闭
func (p *SessionPool) fillReplacement(s *Session) {
	for attempt := 1; ; attempt++ {
		if p.isClosed() {
			p.drop(s)
			return
		}

		var err error
		if p.monitor != nil {
			if ok, reason := p.monitor.CheckResourceAvailability(); !ok {
				err = fmt.Errorf("资源不足: %s", reason)
			}
		}
		if err == nil {
			err = p.launchInto(p.runCtx, s, models.SelectionContext{})
		}
		if err == nil {
			p.markReady(s)
			return
		}

		p.createFailed.Add(1)
		p.logger.Warn().Err(err).Str("session", s.ID).Int("attempt", attempt).Msg("替换会话失败,稍后重试")
		t := time.NewTimer(p.cfg.ReplacementDelay + p.backoff.Between(0, p.cfg.ReplacementDelay/2))
		select {
		case <-p.closeCh:
			t.Stop()
			p.drop(s)
			return
		case <-t.C:
		}
	}
}

// destroy 关闭驱动并移出会话表
func (p *SessionPool) destroy(s *Session) {
	p.mu.Lock()
	s.state = SessionDestroying
	p.mu.Unlock()
	p.finishDestroy(s)
}

func (p *SessionPool) finishDestroy(s *Session) {
	if s.driver != nil {
		if err := s.driver.Close(); err != nil {
			p.logger.Debug().Err(err).Str("session", s.ID).Msg("关闭浏览器失败")
		}
	}
	p.mu.Lock()
	delete(p.sessions, s.ID)
	p.mu.Unlock()
}

func (p *SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Shutdown 关闭会话池
// 销毁空闲会话,在宽限期内等待使用中的会话归还,超时后强制关闭其驱动
func (p *SessionPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)

	var idle []*Session
	if p.ready != nil {
	drain:
		for {
			select {
			case s := <-p.ready:
				s.state = SessionDestroying
				idle = append(idle, s)
			default:
				break drain
			}
		}
	}
	p.mu.Unlock()

	for _, s := range idle {
		p.finishDestroy(s)
	}

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
wait:
	for p.inUseCount() > 0 {
		select {
		case <-p.released:
		case <-grace.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	// 强制关闭仍在使用中的驱动,中断进行中的抓取
	if remaining := p.inUse(); len(remaining) > 0 {
		p.logger.Warn().Msgf("宽限期结束,强制关闭%d个使用中的会话", len(remaining))
		for _, s := range remaining {
			if s.driver != nil {
				_ = s.driver.Close()
			}
		}
	}

	p.runCancel()
	p.wg.Wait()
	p.logger.Info().Msg("会话池已关闭")
	return nil
}

func (p *SessionPool) inUse() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Session
	for _, s := range p.sessions {
		if s.state == SessionInUse || s.state == SessionWarmingUp {
			out = append(out, s)
		}
	}
	return out
}

func (p *SessionPool) inUseCount() int {
	return len(p.inUse())
}

// Stats 会话池状态计数
func (p *SessionPool) Stats() models.SessionStats {
	p.mu.Lock()
	st := models.SessionStats{Size: p.size}
	for _, s := range p.sessions {
		switch s.state {
		case SessionCreating:
			st.Creating++
		case SessionWarmingUp:
			st.WarmingUp++
		case SessionReady:
			st.Ready++
		case SessionInUse:
			st.InUse++
		case SessionQuarantined:
			st.Quarantined++
		case SessionDestroying:
			st.Destroying++
		}
	}
	p.mu.Unlock()

	st.Created = int(p.created.Load())
	st.CreateFailed = int(p.createFailed.Load())
	st.Replaced = int(p.replaced.Load())
	st.Rotations = int(p.rotations.Load())
	return st
}
