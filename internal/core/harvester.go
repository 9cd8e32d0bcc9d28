package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/crawlers"
	"github.com/RecoveryAshes/shelfscout/internal/extract"
	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/RecoveryAshes/shelfscout/internal/proxies"
	"github.com/RecoveryAshes/shelfscout/internal/sink"
	"github.com/RecoveryAshes/shelfscout/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Harvester 组装代理注册表、会话池、执行器与调度器,完成一次完整运行
type Harvester struct {
	cfg       *Config
	factory   crawlers.DriverFactory
	extractor extract.Extractor
	observers []Observer
	progress  bool
	logger    zerolog.Logger
}

// HarvesterOption 可选项
type HarvesterOption func(*Harvester)

// WithDriverFactory 替换浏览器工厂(测试用)
func WithDriverFactory(f crawlers.DriverFactory) HarvesterOption {
	return func(h *Harvester) { h.factory = f }
}

// WithExtractor 替换提取器
func WithExtractor(e extract.Extractor) HarvesterOption {
	return func(h *Harvester) { h.extractor = e }
}

// WithHarvesterObserver 追加调度观察者
func WithHarvesterObserver(o Observer) HarvesterOption {
	return func(h *Harvester) { h.observers = append(h.observers, o) }
}

// WithProgressBar 显示门店进度条
func WithProgressBar(enabled bool) HarvesterOption {
	return func(h *Harvester) { h.progress = enabled }
}

// NewHarvester 创建运行器
func NewHarvester(cfg *Config, opts ...HarvesterOption) *Harvester {
	h := &Harvester{
		cfg:    cfg,
		logger: utils.Component("harvester"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.factory == nil {
		h.factory = crawlers.NewRodFactory(cfg.Browser)
	}
	if h.extractor == nil {
		h.extractor = extract.NewNextData(cfg.Scheduler.BaseURL)
	}
	return h
}

// LoadRegistry 读取候选代理,按配置预检后加载到注册表
func (h *Harvester) LoadRegistry(ctx context.Context) (*proxies.Registry, proxies.LoadReport, error) {
	candidates, err := proxies.LoadCandidatesFile(h.cfg.Proxy.CandidatesFile)
	if err != nil {
		return nil, proxies.LoadReport{}, err
	}
	if h.cfg.Proxy.Prevalidate {
		passed, _, err := proxies.NewChecker(h.cfg.Proxy).Check(ctx, candidates)
		if err != nil {
			return nil, proxies.LoadReport{}, fmt.Errorf("代理预检失败: %w", err)
		}
		candidates = passed
	}

	registry := proxies.NewRegistry(h.cfg.Proxy)
	report, err := registry.Load(candidates)
	if err != nil {
		return nil, report, err
	}
	return registry, report, nil
}

// CheckProxies 仅预检代理,不启动爬取
func (h *Harvester) CheckProxies(ctx context.Context) ([]proxies.CheckResult, proxies.LoadReport, error) {
	candidates, err := proxies.LoadCandidatesFile(h.cfg.Proxy.CandidatesFile)
	if err != nil {
		return nil, proxies.LoadReport{}, err
	}
	passed, results, err := proxies.NewChecker(h.cfg.Proxy).Check(ctx, candidates)
	if err != nil {
		return results, proxies.LoadReport{}, err
	}
	report, err := proxies.NewRegistry(h.cfg.Proxy).Load(passed)
	return results, report, err
}

// openSink 按配置打开输出目标
func (h *Harvester) openSink(runID string) (sink.Sink, error) {
	var sinks sink.Multi
	if h.cfg.Output.JSONL {
		j, err := sink.NewJSONL(filepath.Join(h.cfg.Output.Dir, fmt.Sprintf("products_%s.jsonl", runID[:8])))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, j)
	}
	if h.cfg.Output.SQLite {
		s, err := sink.NewSQLite(filepath.Join(h.cfg.Output.Dir, "products.db"))
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return sink.Discard{}, nil
	}
	return sinks, nil
}

// Run 执行一次完整爬取并写出汇总报告
func (h *Harvester) Run(ctx context.Context) (models.RunSummary, error) {
	summary := models.RunSummary{RunID: uuid.NewString(), StartTime: time.Now()}
	h.logger.Info().Str("run_id", summary.RunID).Msg("🚀 开始运行")

	stores, err := utils.ReadStoresFile(h.cfg.Seeds.StoresFile)
	if err != nil {
		return summary, err
	}
	categories, err := utils.ReadCategoriesFile(h.cfg.Seeds.CategoriesFile)
	if err != nil {
		return summary, err
	}

	registry, report, err := h.LoadRegistry(ctx)
	if err != nil {
		return summary, err
	}
	h.logger.Info().
		Int("loaded", report.Loaded).
		Int("residential", report.ByCategory[models.CategoryResidential]).
		Int("mobile", report.ByCategory[models.CategoryMobile]).
		Int("datacenter", report.ByCategory[models.CategoryDatacenter]).
		Msg("代理加载完成")

	out, err := h.openSink(summary.RunID)
	if err != nil {
		return summary, err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			h.logger.Error().Err(cerr).Msg("关闭输出失败")
		}
	}()

	backoff := crawlers.NewBackoff(h.cfg.Backoff, nil)
	scorer := proxies.NewScorer(registry, h.cfg.Proxy)

	poolOpts := []crawlers.PoolOption{crawlers.WithPoolBackoff(backoff)}
	if h.cfg.Resource.Enabled {
		monitor := crawlers.NewResourceMonitor(h.cfg.Resource)
		monitor.StartMonitoring(10 * time.Second)
		defer monitor.StopMonitoring()
		poolOpts = append(poolOpts, crawlers.WithResourceMonitor(monitor))
	}
	pool := crawlers.NewSessionPool(h.cfg.Pool, scorer, h.factory, poolOpts...)
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.Pool.ShutdownGrace+30*time.Second)
		defer cancel()
		if serr := pool.Shutdown(shutdownCtx); serr != nil {
			h.logger.Warn().Err(serr).Msg("会话池关闭未完成")
		}
	}
	// 重复关闭无副作用
	defer shutdown()

	if err := pool.Start(ctx, h.cfg.Pool.StartAttempts); err != nil {
		return summary, fmt.Errorf("会话池启动失败: %w", err)
	}

	executor := crawlers.NewExecutor(h.cfg.Executor, pool, registry, backoff)

	schedOpts := []SchedulerOption{WithSchedulerBackoff(backoff)}
	for _, o := range h.observers {
		schedOpts = append(schedOpts, WithObserver(o))
	}
	var bar *utils.StoreProgress
	if h.progress {
		bar = utils.NewStoreProgress(len(uniqueStores(stores)))
		schedOpts = append(schedOpts, WithObserver(bar))
	}
	scheduler := NewScheduler(h.cfg.Scheduler, executor, h.extractor, out, schedOpts...)

	stats, runErr := scheduler.Run(ctx, stores, categories)
	if bar != nil {
		bar.Finish()
	}
	shutdown()

	summary.EndTime = time.Now()
	summary.Scheduler = stats
	summary.Proxies = registry.Stats()
	summary.Sessions = pool.Stats()

	if _, err := utils.NewReporter(h.cfg.Output.Dir).GenerateReport(summary); err != nil {
		h.logger.Error().Err(err).Msg("写入运行报告失败")
	}

	return summary, runErr
}
