package proxies

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/RecoveryAshes/shelfscout/internal/utils"
	"github.com/rs/zerolog"
)

const (
	reputationMax        = 100
	reputationMinBot     = -50
	reputationMinFailure = -20
)

// record 单个代理记录,统计字段由自身的锁保护
type record struct {
	mu              sync.Mutex
	address         string
	category        models.ProxyCategory
	location        models.ProxyLocation
	isTargetCountry bool
	state           models.ProxyState
	stats           models.ProxyStats
}

func (r *record) snapshotLocked() models.ProxySnapshot {
	return models.ProxySnapshot{
		Address:         r.address,
		Category:        r.category,
		Location:        r.location,
		IsTargetCountry: r.isTargetCountry,
		State:           r.state,
		Stats:           r.stats,
	}
}

// LoadReport 加载结果
type LoadReport struct {
	Loaded      int
	Duplicates  int
	Socks       int
	Invalid     int
	BadProvider int
	ByCategory  map[models.ProxyCategory]int
}

// Registry 代理注册表
// 职责: 代理身份、类别与运行统计的唯一来源
type Registry struct {
	cfg    models.ProxyConfig
	now    func() time.Time
	logger zerolog.Logger

	// 保护 records/order 的读写锁,仅 Load 写入
	mu      sync.RWMutex
	records map[string]*record
	order   []string
}

// DefaultCooldown 默认冷却: 反爬 10m*n² 封顶 60m,普通失败 1m/5m/15m
func DefaultCooldown() models.CooldownConfig {
	return models.CooldownConfig{
		BotBase: 10 * time.Minute,
		BotCap:  60 * time.Minute,
		Short:   time.Minute,
		Medium:  5 * time.Minute,
		Long:    15 * time.Minute,
	}
}

// RegistryOption 注册表选项
type RegistryOption func(*Registry)

// WithClock 注入时钟(测试用)
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithRegistryLogger 指定日志器
func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry 创建代理注册表
func NewRegistry(cfg models.ProxyConfig, opts ...RegistryOption) *Registry {
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = 3
	}
	if cfg.BadProviders == nil {
		cfg.BadProviders = DefaultBadProviders
	}
	if cfg.Cooldown == (models.CooldownConfig{}) {
		cfg.Cooldown = DefaultCooldown()
	}
	r := &Registry{
		cfg:     cfg,
		now:     time.Now,
		logger:  utils.Component("proxy_registry"),
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load 加载候选代理: 去重、过滤SOCKS、分类、过滤低质量机房,目标国家优先
func (r *Registry) Load(candidates []models.ProxyCandidate) (LoadReport, error) {
	report := LoadReport{ByCategory: make(map[models.ProxyCategory]int)}
	target := strings.ToUpper(r.cfg.TargetCountry)

	loaded := make([]*record, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))

	r.mu.RLock()
	for addr := range r.records {
		seen[addr] = true
	}
	r.mu.RUnlock()

	for _, c := range candidates {
		addr, scheme, err := NormalizeAddress(c)
		if err != nil {
			report.Invalid++
			r.logger.Debug().Err(err).Msg("跳过无效代理")
			continue
		}
		if strings.HasPrefix(scheme, "socks") {
			report.Socks++
			continue
		}
		if seen[addr] {
			report.Duplicates++
			continue
		}
		seen[addr] = true

		category, keep := Classify(c, r.cfg.BadProviders)
		if !keep {
			report.BadProvider++
			r.logger.Debug().Str("proxy", utils.RedactProxy(addr)).Str("isp", c.Location.ISP).Msg("过滤低质量机房代理")
			continue
		}

		rec := &record{
			address:         addr,
			category:        category,
			location:        c.Location,
			isTargetCountry: target != "" && strings.EqualFold(c.Location.Country, target),
			state:           models.ProxyActive,
		}
		if c.LatencyMs > 0 {
			rec.stats.AvgResponseTimeMs = c.LatencyMs
		}
		loaded = append(loaded, rec)
		report.ByCategory[category]++
	}

	// 目标国家优先,其余保持原始顺序
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].isTargetCountry && !loaded[j].isTargetCountry
	})

	r.mu.Lock()
	for _, rec := range loaded {
		r.records[rec.address] = rec
		r.order = append(r.order, rec.address)
	}
	total := len(r.records)
	r.mu.Unlock()

	report.Loaded = len(loaded)
	r.logger.Info().
		Int("loaded", report.Loaded).
		Int("residential", report.ByCategory[models.CategoryResidential]).
		Int("mobile", report.ByCategory[models.CategoryMobile]).
		Int("datacenter", report.ByCategory[models.CategoryDatacenter]).
		Int("duplicates", report.Duplicates).
		Int("socks", report.Socks).
		Int("bad_provider", report.BadProvider).
		Msg("📥 代理加载完成")

	if total == 0 {
		return report, models.ErrNoCandidates
	}
	return report, nil
}

func (r *Registry) get(addr string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[addr]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownProxy, utils.RedactProxy(addr))
	}
	return rec, nil
}

// all 返回按加载顺序排列的记录
func (r *Registry) all() []*record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*record, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.records[addr])
	}
	return out
}

// Len 代理数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// MarkUsed 记录代理被选中
func (r *Registry) MarkUsed(addr string) error {
	rec, err := r.get(addr)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.stats.LastUsedAt = r.now()
	rec.mu.Unlock()
	return nil
}

// RecordSuccess 记录一次成功请求
func (r *Registry) RecordSuccess(addr string, latency time.Duration) error {
	rec, err := r.get(addr)
	if err != nil {
		return err
	}
	now := r.now()
	ms := float64(latency) / float64(time.Millisecond)

	rec.mu.Lock()
	s := &rec.stats
	s.RequestCount++
	s.SuccessCount++
	s.LastSuccessAt = now
	s.LastUsedAt = now
	if s.AvgResponseTimeMs == 0 {
		s.AvgResponseTimeMs = ms
	} else {
		s.AvgResponseTimeMs = (s.AvgResponseTimeMs + ms) / 2
	}
	s.CooldownUntil = time.Time{}
	s.ConsecutiveFailures = 0
	s.Reputation = min(reputationMax, s.Reputation+5)
	rec.mu.Unlock()
	return nil
}

// RecordFailure 记录一次失败请求,反爬失败按检测次数平方递增冷却,达到阈值后封禁
func (r *Registry) RecordFailure(addr string, botDetected bool) error {
	rec, err := r.get(addr)
	if err != nil {
		return err
	}
	now := r.now()
	cd := r.cfg.Cooldown

	rec.mu.Lock()
	s := &rec.stats
	s.RequestCount++
	s.FailureCount++
	s.ConsecutiveFailures++
	s.LastFailureAt = now
	s.LastUsedAt = now

	var cooldown time.Duration
	blockedNow := false
	if botDetected {
		s.BotDetectionCount++
		s.Reputation = max(reputationMinBot, s.Reputation-20)
		n := time.Duration(s.BotDetectionCount)
		cooldown = min(cd.BotCap, cd.BotBase*n*n)
		if s.BotDetectionCount >= r.cfg.BlockThreshold && rec.state != models.ProxyBlocked {
			rec.state = models.ProxyBlocked
			blockedNow = true
		}
	} else {
		s.Reputation = max(reputationMinFailure, s.Reputation-5)
		switch {
		case s.ConsecutiveFailures >= 3:
			cooldown = cd.Long
		case s.ConsecutiveFailures == 2:
			cooldown = cd.Medium
		default:
			cooldown = cd.Short
		}
	}
	if cooldown > 0 {
		s.CooldownUntil = now.Add(cooldown)
	}
	detections := s.BotDetectionCount
	consecutive := s.ConsecutiveFailures
	rec.mu.Unlock()

	ev := r.logger.Debug()
	if botDetected {
		ev = r.logger.Warn()
	}
	ev.Str("proxy", utils.RedactProxy(addr)).
		Bool("bot", botDetected).
		Int("detections", detections).
		Int("consecutive", consecutive).
		Dur("cooldown", cooldown).
		Msg("代理请求失败")
	if blockedNow {
		r.logger.Warn().Str("proxy", utils.RedactProxy(addr)).Int("detections", detections).Msg("❌ 代理已封禁")
	}
	return nil
}

// ResetCooldowns 清除所有未封禁代理的冷却与连续失败计数,返回受影响数量
func (r *Registry) ResetCooldowns() int {
	n := 0
	for _, rec := range r.all() {
		rec.mu.Lock()
		if rec.state != models.ProxyBlocked {
			if !rec.stats.CooldownUntil.IsZero() || rec.stats.ConsecutiveFailures > 0 {
				n++
			}
			rec.stats.CooldownUntil = time.Time{}
			rec.stats.ConsecutiveFailures = 0
		}
		rec.mu.Unlock()
	}
	return n
}

// Snapshot 返回单个代理的快照
func (r *Registry) Snapshot(addr string) (models.ProxySnapshot, error) {
	rec, err := r.get(addr)
	if err != nil {
		return models.ProxySnapshot{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked(), nil
}

// Snapshots 返回全部代理快照(按加载顺序)
func (r *Registry) Snapshots() []models.ProxySnapshot {
	recs := r.all()
	out := make([]models.ProxySnapshot, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.snapshotLocked())
		rec.mu.Unlock()
	}
	return out
}

// Stats 汇总统计
func (r *Registry) Stats() models.PoolStats {
	now := r.now()
	var st models.PoolStats
	for _, p := range r.Snapshots() {
		st.TotalProxies++
		working := !p.Blocked() && !p.Stats.CoolingDown(now)
		switch p.Category {
		case models.CategoryResidential:
			st.Residential++
			if working {
				st.WorkingResidential++
			}
		case models.CategoryMobile:
			st.Mobile++
			if working {
				st.WorkingMobile++
			}
		default:
			st.Datacenter++
			if working {
				st.WorkingDatacenter++
			}
		}
		if p.Blocked() {
			st.Blocked++
		} else if p.Stats.CoolingDown(now) {
			st.CoolingDown++
		}
		st.TotalRequests += p.Stats.RequestCount
		st.TotalSuccesses += p.Stats.SuccessCount
		st.TotalDetections += p.Stats.BotDetectionCount
	}
	if st.TotalRequests > 0 {
		st.SuccessRate = float64(st.TotalSuccesses) / float64(st.TotalRequests)
		st.DetectionRate = float64(st.TotalDetections) / float64(st.TotalRequests)
	}
	return st
}
