package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/crawlers"
	"github.com/RecoveryAshes/shelfscout/internal/extract"
	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/RecoveryAshes/shelfscout/internal/sink"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Runner 执行单个任务(含重试),crawlers.Executor 实现该接口
type Runner interface {
	Run(ctx context.Context, task models.CrawlTask) models.TaskResult
}

// Observer 任务与门店事件的观察者,回调在worker goroutine中同步执行
type Observer interface {
	OnTask(models.TaskEvent)
	OnStore(models.StoreEvent)
}

// storeProgress 单个门店的完成计数
type storeProgress struct {
	store models.Store

	mu        sync.Mutex
	pending   int
	completed bool
}

// drain 标记一个分类结束,计数归零时返回true且只返回一次
func (p *storeProgress) drain() (remaining int, completed bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == 0 {
		return 0, false, false
	}
	p.pending--
	if p.pending == 0 && !p.completed {
		p.completed = true
		return 0, true, true
	}
	return p.pending, false, true
}

// Scheduler 门店 × 分类 × 分页 调度器
// 同时活跃的门店数不超过 MaxParallelStores,固定数量的worker从任务队列取任务
type Scheduler struct {
	cfg       models.SchedulerConfig
	runner    Runner
	extractor extract.Extractor
	sink      sink.Sink
	backoff   *crawlers.Backoff
	observers []Observer
	logger    zerolog.Logger

	queue      *crawlers.TaskQueue
	categories []models.Category

	mu       sync.Mutex
	queued   []models.Store
	active   int
	progress map[string]*storeProgress
	stats    models.SchedulerStats

	// outstanding 已入队但尚未处理完的任务数,busy 正在处理任务的worker数
	outstanding atomic.Int64
	busy        atomic.Int64
	finished    atomic.Bool
	admitting   atomic.Bool
}

// SchedulerOption 调度器可选项
type SchedulerOption func(*Scheduler)

// WithObserver 注册观察者
func WithObserver(o Observer) SchedulerOption {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// WithSchedulerBackoff 指定退避策略(空闲准入抖动)
func WithSchedulerBackoff(b *crawlers.Backoff) SchedulerOption {
	return func(s *Scheduler) { s.backoff = b }
}

// WithSchedulerLogger 指定日志器
func WithSchedulerLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler 创建调度器
func NewScheduler(cfg models.SchedulerConfig, runner Runner, extractor extract.Extractor, out sink.Sink, opts ...SchedulerOption) *Scheduler {
	if cfg.MaxParallelStores < 1 {
		cfg.MaxParallelStores = 10
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.FullPageThreshold < 1 {
		cfg.FullPageThreshold = 40
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 25
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 5 * time.Second
	}
	if out == nil {
		out = sink.Discard{}
	}

	s := &Scheduler{
		cfg:       cfg,
		runner:    runner,
		extractor: extractor,
		sink:      out,
		logger:    log.Logger,
		progress:  make(map[string]*storeProgress),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backoff == nil {
		s.backoff = crawlers.NewBackoff(crawlers.DefaultBackoffConfig(), nil)
	}
	s.logger = s.logger.With().Str("component", "scheduler").Logger()
	return s
}

// Run 调度全部门店直到完成或ctx取消
func (s *Scheduler) Run(ctx context.Context, stores []models.Store, categories []models.Category) (models.SchedulerStats, error) {
	start := time.Now()
	if len(categories) == 0 {
		return models.SchedulerStats{}, errors.New("分类列表为空")
	}

	s.mu.Lock()
	s.queue = crawlers.NewTaskQueue()
	s.categories = categories
	s.queued = uniqueStores(stores)
	s.stats = models.SchedulerStats{StoresTotal: len(s.queued)}
	s.mu.Unlock()

	if dup := len(stores) - len(s.queued); dup > 0 {
		s.logger.Warn().Int("duplicates", dup).Msg("门店ID重复,已跳过")
	}
	if len(s.queued) == 0 {
		return s.Stats(), nil
	}

	s.logger.Info().
		Int("stores", len(s.queued)).
		Int("categories", len(categories)).
		Int("max_parallel_stores", s.cfg.MaxParallelStores).
		Int("workers", s.cfg.Workers).
		Msg("🚀 开始调度")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.admit(runCtx)
	// 所有门店可能在准入时就已结束
	s.maybeFinish()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(runCtx)
		}()
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		s.idleMonitor(runCtx)
	}()

	wg.Wait()
	cancel()
	<-monitorDone

	s.mu.Lock()
	s.stats.Duration = time.Since(start)
	s.mu.Unlock()
	stats := s.Stats()

	s.logger.Info().
		Int("completed", stats.StoresCompleted).
		Int("failed", stats.StoresFailed).
		Int("records", stats.Records).
		Dur("duration", stats.Duration).
		Msg("✅ 调度结束")

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// uniqueStores 按门店ID去重并保持顺序,同一门店只调度一次
func uniqueStores(stores []models.Store) []models.Store {
	seen := make(map[string]struct{}, len(stores))
	out := make([]models.Store, 0, len(stores))
	for _, st := range stores {
		if _, ok := seen[st.ID]; ok {
			continue
		}
		seen[st.ID] = struct{}{}
		out = append(out, st)
	}
	return out
}

// worker 从队列取任务直到队列关闭
func (s *Scheduler) worker(ctx context.Context) {
	for {
		task, ok := s.queue.Pop(ctx)
		if !ok || ctx.Err() != nil {
			return
		}
		s.busy.Add(1)
		if task.Binding {
			s.handleBinding(ctx, task)
		} else {
			s.handlePage(ctx, task)
		}
		s.busy.Add(-1)
		s.outstanding.Add(-1)
		s.maybeFinish()
	}
}

// push 入队并计入未完成任务
func (s *Scheduler) push(task models.CrawlTask) error {
	s.outstanding.Add(1)
	if err := s.queue.Push(task); err != nil {
		s.outstanding.Add(-1)
		return err
	}
	return nil
}

// maybeFinish 没有未完成任务、没有活跃门店、没有排队门店时关闭队列
func (s *Scheduler) maybeFinish() {
	if s.outstanding.Load() != 0 {
		return
	}
	s.mu.Lock()
	idle := s.active == 0 && len(s.queued) == 0
	s.mu.Unlock()
	if idle && s.finished.CompareAndSwap(false, true) {
		s.queue.Close()
	}
}

// admit 在容量允许时准入排队中的门店,直到达到上限或队列耗尽
func (s *Scheduler) admit(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		if s.active >= s.cfg.MaxParallelStores || len(s.queued) == 0 {
			s.mu.Unlock()
			return
		}
		store := s.queued[0]
		s.queued = s.queued[1:]
		s.active++
		if s.active > s.stats.PeakActive {
			s.stats.PeakActive = s.active
		}
		active := s.active
		s.mu.Unlock()

		s.logger.Info().Str("store", store.ID).Int("active", active).Msg("门店准入")

		if s.cfg.StoreURLTemplate == "" {
			s.activate(ctx, store)
			continue
		}
		bind := models.CrawlTask{
			ID:      uuid.NewString(),
			Store:   store,
			URL:     models.BuildStoreURL(s.cfg.BaseURL, s.cfg.StoreURLTemplate, store.ID),
			Binding: true,
		}
		if err := s.push(bind); err != nil {
			s.failStore(ctx, store, err)
		}
	}
}

// handleBinding 访问门店页面设置门店cookie,失败时立即释放名额
func (s *Scheduler) handleBinding(ctx context.Context, task models.CrawlTask) {
	res := s.runner.Run(ctx, task)
	if !res.Outcome.OK() {
		s.failStore(ctx, task.Store, res.Outcome.Err)
		return
	}
	s.logger.Debug().Str("store", task.Store.ID).Msg("门店绑定完成")
	s.activate(ctx, task.Store)
}

// activate 初始化门店计数并为每个分类派发第一页
func (s *Scheduler) activate(ctx context.Context, store models.Store) {
	sp := &storeProgress{store: store, pending: len(s.categories)}
	s.mu.Lock()
	s.progress[store.ID] = sp
	s.mu.Unlock()
	s.emitStore(models.StoreEvent{Store: store, State: models.StoreActive})
	if sp.pending == 1 {
		s.emitStore(models.StoreEvent{Store: store, State: models.StoreDraining})
	}

	for _, c := range s.categories {
		if err := s.pushPage(store, c, 1); err != nil {
			s.logger.Warn().Err(err).Str("store", store.ID).Str("category", c.Name).Msg("派发分类任务失败")
			s.drain(ctx, store)
		}
	}
}

func (s *Scheduler) pushPage(store models.Store, c models.Category, page int) error {
	u, err := models.BuildCategoryURL(s.cfg.BaseURL, c.Path, store.ID, page)
	if err != nil {
		return err
	}
	return s.push(models.CrawlTask{
		ID:       uuid.NewString(),
		Store:    store,
		Category: c,
		Page:     page,
		URL:      u,
	})
}

// failStore 门店准入失败,释放名额并考虑下一个门店
func (s *Scheduler) failStore(ctx context.Context, store models.Store, cause error) {
	err := &models.StoreAdmissionError{StoreID: store.ID, Cause: cause}
	s.logger.Warn().Err(err).Str("store", store.ID).Msg("门店准入失败")

	s.mu.Lock()
	s.active--
	s.stats.StoresFailed++
	s.mu.Unlock()

	s.emitStore(models.StoreEvent{Store: store, State: models.StoreFailed, Err: err.Error()})
	s.admit(ctx)
}

// handlePage 抓取一页,提取记录,决定翻页或结束该分类
func (s *Scheduler) handlePage(ctx context.Context, task models.CrawlTask) {
	res := s.runner.Run(ctx, task)
	out := res.Outcome

	ev := models.TaskEvent{
		TaskID:   task.ID,
		Store:    task.Store.ID,
		Category: task.Category.Name,
		Page:     task.Page,
		Outcome:  out.Kind,
		Proxy:    out.Proxy,
		Latency:  out.Latency,
		Attempts: res.Attempts,
	}

	if !out.OK() {
		if out.Err != nil {
			ev.Err = out.Err.Error()
		}
		s.mu.Lock()
		s.stats.TasksFailed++
		if out.Kind == models.OutcomeBotDetected {
			s.stats.BotDetections++
		}
		s.mu.Unlock()
		s.logger.Warn().Err(out.Err).
			Str("store", task.Store.ID).
			Str("category", task.Category.Name).
			Int("page", task.Page).
			Msg("分页抓取失败,结束该分类")
		s.emitTask(ev)
		s.drain(ctx, task.Store)
		return
	}

	pr, err := s.extractor.Extract(task, out.Content)
	if err != nil {
		ev.Err = fmt.Sprintf("提取失败: %v", err)
		s.mu.Lock()
		s.stats.TasksFailed++
		s.mu.Unlock()
		s.logger.Warn().Err(err).Str("task", task.String()).Msg("提取失败,结束该分类")
		s.emitTask(ev)
		s.drain(ctx, task.Store)
		return
	}

	if len(pr.Records) > 0 {
		if err := s.sink.Write(ctx, pr.Records); err != nil {
			s.logger.Error().Err(err).Str("task", task.String()).Msg("写入记录失败")
		}
	}
	ev.Records = len(pr.Records)
	s.mu.Lock()
	s.stats.TasksSucceeded++
	s.stats.Records += len(pr.Records)
	s.mu.Unlock()

	s.logger.Info().
		Str("store", task.Store.ID).
		Str("category", task.Category.Name).
		Int("page", task.Page).
		Int("items", pr.ItemCount).
		Msg("分页完成")
	s.emitTask(ev)

	if s.hasMore(task, pr) {
		err := s.pushPage(task.Store, task.Category, task.Page+1)
		if err == nil {
			return
		}
		if !errors.Is(err, crawlers.ErrQueueClosed) {
			s.logger.Warn().Err(err).Str("task", task.String()).Msg("派发下一页失败")
		}
	}
	s.drain(ctx, task.Store)
}

// hasMore 满页时继续翻页,不超过MaxPages;站点报告最后一页时提前结束
func (s *Scheduler) hasMore(task models.CrawlTask, pr models.PageResult) bool {
	if task.Page >= s.cfg.MaxPages || pr.LastPage {
		return false
	}
	return pr.ItemCount >= s.cfg.FullPageThreshold
}

// drain 一个分类结束,只剩最后一个分类时进入Draining,计数归零时完成门店并触发准入
func (s *Scheduler) drain(ctx context.Context, store models.Store) {
	s.mu.Lock()
	sp := s.progress[store.ID]
	s.mu.Unlock()
	if sp == nil {
		s.logger.Warn().Str("store", store.ID).Msg("完成计数时未找到门店")
		return
	}

	remaining, completed, ok := sp.drain()
	if !ok {
		s.logger.Warn().Str("store", store.ID).Msg("门店计数已为0,忽略重复完成")
		return
	}
	if !completed {
		if remaining == 1 {
			s.emitStore(models.StoreEvent{Store: store, State: models.StoreDraining})
		}
		return
	}

	s.mu.Lock()
	delete(s.progress, store.ID)
	s.active--
	s.stats.StoresCompleted++
	active := s.active
	s.mu.Unlock()

	s.logger.Info().Str("store", store.ID).Int("active", active).Msgf("🏁 门店完成 %d 个分类", len(s.categories))
	s.emitStore(models.StoreEvent{Store: store, State: models.StoreCompleted})
	s.admit(ctx)
}

// idleMonitor 周期检查: 没有可派发任务、没有在途任务但仍有排队门店时,抖动后准入
func (s *Scheduler) idleMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.idle() || !s.admitting.CompareAndSwap(false, true) {
			continue
		}
		delay := s.backoff.Jitter(crawlers.DelayAdmission)
		s.logger.Debug().Dur("jitter", delay).Msg("调度空闲,准备准入新门店")
		if crawlers.Sleep(ctx, delay) == nil {
			s.admit(ctx)
		}
		s.admitting.Store(false)
		s.maybeFinish()
	}
}

func (s *Scheduler) idle() bool {
	if s.outstanding.Load() != 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued) > 0 && s.active < s.cfg.MaxParallelStores
}

func (s *Scheduler) emitTask(ev models.TaskEvent) {
	for _, o := range s.observers {
		o.OnTask(ev)
	}
}

func (s *Scheduler) emitStore(ev models.StoreEvent) {
	for _, o := range s.observers {
		o.OnStore(ev)
	}
}

// ActiveStores 当前活跃门店数
func (s *Scheduler) ActiveStores() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// QueuedStores 排队中的门店数
func (s *Scheduler) QueuedStores() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// Busy 正在处理任务的worker数
func (s *Scheduler) Busy() int {
	return int(s.busy.Load())
}

// Stats 统计快照
func (s *Scheduler) Stats() models.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
