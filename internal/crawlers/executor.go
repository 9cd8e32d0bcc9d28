package crawlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/detect"
	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/RecoveryAshes/shelfscout/internal/proxies"
	"github.com/RecoveryAshes/shelfscout/internal/utils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Executor 请求执行器
// 职责: 用取出的会话完成一次抓取,判定结果并在返回前把结果反馈给代理注册表
type Executor struct {
	cfg      models.ExecutorConfig
	pool     *SessionPool
	recorder OutcomeRecorder
	backoff  *Backoff
	human    *Humanizer
	limiter  *rate.Limiter
	warmup   bool
	logger   zerolog.Logger
}

// ExecutorOption 执行器可选项
type ExecutorOption func(*Executor)

// WithWarmup 覆盖会话池配置中的预热开关
func WithWarmup(enabled bool) ExecutorOption {
	return func(e *Executor) { e.warmup = enabled }
}

// WithExecutorLogger 指定日志器
func WithExecutorLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor 创建请求执行器
func NewExecutor(cfg models.ExecutorConfig, pool *SessionPool, recorder OutcomeRecorder, backoff *Backoff, opts ...ExecutorOption) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ComplexityThreshold == 0 {
		cfg.ComplexityThreshold = 500
	}
	if backoff == nil {
		backoff = NewBackoff(DefaultBackoffConfig(), nil)
	}

	e := &Executor{
		cfg:      cfg,
		pool:     pool,
		recorder: recorder,
		backoff:  backoff,
		human:    NewHumanizer(backoff),
		warmup:   pool.cfg.WarmupEnabled,
		logger:   log.Logger,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "executor").Logger()
	return e
}

// Run 获取会话 -> 抓取 -> 归还,临时失败按指数退避重试
// 反爬时换一个会话并带上Retry/LastProxy重试;池耗尽、无代理、池关闭直接终止
func (e *Executor) Run(ctx context.Context, task models.CrawlTask) models.TaskResult {
	var (
		last      models.Outcome
		lastProxy string
		retry     bool
	)
	class := proxies.ClassifyURL(task.URL)

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		sc := models.SelectionContext{URL: task.URL, URLClass: class, LastProxy: lastProxy}
		if retry {
			sc.Retry = attempt - 1
		}

		s, err := e.pool.Acquire(ctx, AcquireOptions{Retry: retry, Context: sc})
		if err != nil {
			e.logger.Warn().Err(err).Str("task", task.String()).Msg("获取会话失败")
			return models.TaskResult{Task: task, Outcome: models.Aborted(err), Attempts: attempt}
		}

		out := e.Fetch(ctx, s, task)
		e.pool.Release(s, out)
		last = out

		var delay time.Duration
		switch out.Kind {
		case models.OutcomeSuccess, models.OutcomeAborted:
			return models.TaskResult{Task: task, Outcome: out, Attempts: attempt}
		case models.OutcomeBotDetected:
			e.logger.Warn().
				Str("task", task.String()).
				Str("proxy", utils.RedactProxy(out.Proxy)).
				Int("attempt", attempt).
				Msgf("🤖 触发反爬: %s", out.Signal)
			delay = e.backoff.Retry(DelayBot, attempt)
		default:
			e.logger.Debug().Err(out.Err).
				Str("task", task.String()).
				Int("attempt", attempt).
				Msg("临时失败,准备重试")
			delay = e.backoff.Retry(DelayTransient, attempt)
		}
		lastProxy = out.Proxy
		retry = true

		if attempt < e.cfg.MaxAttempts {
			if err := Sleep(ctx, delay); err != nil {
				return models.TaskResult{Task: task, Outcome: models.Aborted(err), Attempts: attempt}
			}
		}
	}
	return models.TaskResult{Task: task, Outcome: last, Attempts: e.cfg.MaxAttempts}
}

// Fetch 用会话完成一次抓取,结果在返回前已反馈给注册表
func (e *Executor) Fetch(ctx context.Context, s *Session, task models.CrawlTask) models.Outcome {
	start := time.Now()
	proxy := s.Proxy().Address

	out := e.fetch(ctx, s, task)
	out.Proxy = proxy
	out.Latency = time.Since(start)
	s.CountRequest()

	var err error
	switch out.Kind {
	case models.OutcomeSuccess:
		err = e.recorder.RecordSuccess(proxy, out.Latency)
	case models.OutcomeBotDetected:
		err = e.recorder.RecordFailure(proxy, true)
	case models.OutcomeTransient:
		err = e.recorder.RecordFailure(proxy, false)
	}
	if err != nil {
		e.logger.Debug().Err(err).Str("proxy", utils.RedactProxy(proxy)).Msg("反馈代理结果失败")
	}
	return out
}

func (e *Executor) fetch(ctx context.Context, s *Session, task models.CrawlTask) models.Outcome {
	d := s.Driver()
	if d == nil {
		out := models.Transient(errors.New("会话没有可用的浏览器句柄"))
		out.DriverBroken = true
		return out
	}

	if e.warmup && !s.WarmedUp() {
		if out, ok := e.warmUp(ctx, s, d); !ok {
			return out
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return models.Aborted(err)
		}
	}
	if err := Sleep(ctx, e.backoff.Jitter(DelayNavigation)); err != nil {
		return models.Aborted(err)
	}

	referer := ""
	if s.WarmedUp() {
		referer = e.cfg.HomeURL
	}
	if out, ok := e.load(ctx, d, task.URL, referer); !ok {
		return out
	}
	if e.cfg.InteractionEnabled {
		if err := e.human.Interact(ctx, d); err != nil {
			if ctx.Err() != nil {
				return models.Aborted(ctx.Err())
			}
			e.logger.Debug().Err(err).Str("session", s.ID).Msg("页面交互失败")
		}
	}
	return e.classify(ctx, d)
}

// warmUp 先访问首页建立正常的浏览轨迹,预热阶段遇到反爬同样计为BotDetected
func (e *Executor) warmUp(ctx context.Context, s *Session, d Driver) (models.Outcome, bool) {
	home := e.cfg.HomeURL
	if home == "" {
		s.MarkWarmedUp()
		return models.Outcome{}, true
	}

	e.pool.setWarming(s, true)
	defer e.pool.setWarming(s, false)

	if out, ok := e.load(ctx, d, home, e.human.PickReferrer(home)); !ok {
		return out, false
	}
	if err := Sleep(ctx, e.backoff.Jitter(DelayWarmUp)); err != nil {
		return models.Aborted(err), false
	}
	if e.cfg.InteractionEnabled {
		if err := e.human.Interact(ctx, d); err != nil && ctx.Err() == nil {
			e.logger.Debug().Err(err).Str("session", s.ID).Msg("预热交互失败")
		}
	}
	out := e.classify(ctx, d)
	if !out.OK() {
		return out, false
	}
	s.MarkWarmedUp()
	e.logger.Debug().Str("session", s.ID).Msg("会话预热完成")
	return models.Outcome{}, true
}

// load 导航并等待页面就绪
func (e *Executor) load(ctx context.Context, d Driver, target, referer string) (models.Outcome, bool) {
	navCtx, cancel := context.WithTimeout(ctx, e.cfg.NavigationTimeout)
	defer cancel()

	if err := d.Navigate(navCtx, target, referer); err != nil {
		return e.navigationFailure(ctx, d, target, err), false
	}

	e.waitReady(navCtx, d)

	if n, err := d.ElementCount(navCtx); err == nil && n > e.cfg.ComplexityThreshold {
		if err := Sleep(ctx, e.backoff.Jitter(DelayComplexity)); err != nil {
			return models.Aborted(err), false
		}
	}
	if err := Sleep(ctx, e.backoff.Jitter(DelaySettle)); err != nil {
		return models.Aborted(err), false
	}
	return models.Outcome{}, true
}

// waitReady 有上限地轮询document.readyState,超时不视为失败
func (e *Executor) waitReady(ctx context.Context, d Driver) {
	for i := 0; i < e.cfg.ReadyPollAttempts; i++ {
		state, err := d.ReadyState(ctx)
		if err == nil && state == "complete" {
			return
		}
		if Sleep(ctx, e.cfg.ReadyPollInterval) != nil {
			return
		}
	}
}

// navigationFailure 区分调用方取消、超时与浏览器失效
func (e *Executor) navigationFailure(ctx context.Context, d Driver, target string, err error) models.Outcome {
	if ctx.Err() != nil {
		return models.Aborted(ctx.Err())
	}
	out := models.Transient(fmt.Errorf("导航 %s 失败: %w", utils.RedactURL(target), err))

	readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, perr := d.ReadyState(readyCtx); perr != nil && ctx.Err() == nil {
		out.DriverBroken = true
	}
	return out
}

// classify 读取页面并判定是否为反爬挑战
func (e *Executor) classify(ctx context.Context, d Driver) models.Outcome {
	snap, err := d.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return models.Aborted(ctx.Err())
		}
		out := models.Transient(fmt.Errorf("读取页面失败: %w", err))
		out.DriverBroken = true
		return out
	}

	res := detect.Inspect(detect.Page{URL: snap.URL, Title: snap.Title, HTML: snap.HTML})
	if res.Detected {
		out := models.BotDetected(res.Signal)
		out.URL, out.Title = snap.URL, snap.Title
		return out
	}
	out := models.Success(snap.HTML)
	out.URL, out.Title = snap.URL, snap.Title
	return out
}
