package proxies

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/RecoveryAshes/shelfscout/internal/utils"
	"github.com/rs/zerolog"
)

// 评分权重
const (
	weightResidential = 100.0
	weightMobile      = 80.0
	weightDatacenter  = 30.0

	successWeight   = 50.0
	detectionWeight = 100.0

	recentSuccessBonus = 20.0 // 5分钟内成功
	staleSuccessBonus  = 10.0 // 30分钟内成功
	geoBonus           = 15.0
	latencyBonus       = 10.0
	productGeoBonus    = 5.0

	fastLatencyMs = 1000.0
)

// ScoredProxy 评分结果
type ScoredProxy struct {
	Proxy models.ProxySnapshot
	Score float64
}

// Scorer 代理评分与选择引擎
// 职责: 根据注册表统计和调用上下文选出一个具体代理,冷却期/封禁代理永不返回
type Scorer struct {
	registry *Registry
	topK     int
	prob     float64
	now      func() time.Time
	logger   zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// ScorerOption 评分器选项
type ScorerOption func(*Scorer)

// WithRand 注入随机源(测试用)
func WithRand(rng *rand.Rand) ScorerOption {
	return func(s *Scorer) { s.rng = rng }
}

// WithScorerClock 注入时钟(测试用)
func WithScorerClock(now func() time.Time) ScorerOption {
	return func(s *Scorer) { s.now = now }
}

// NewScorer 创建评分引擎
func NewScorer(registry *Registry, cfg models.ProxyConfig, opts ...ScorerOption) *Scorer {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	s := &Scorer{
		registry: registry,
		topK:     cfg.TopK,
		prob:     cfg.RandomPickProbability,
		now:      registry.now,
		logger:   utils.Component("proxy_scorer"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry 返回关联的注册表
func (s *Scorer) Registry() *Registry {
	return s.registry
}

// Score 计算单个代理在给定上下文下的分数
func (s *Scorer) Score(p models.ProxySnapshot, class models.URLClass, now time.Time) float64 {
	var score float64
	switch p.Category {
	case models.CategoryResidential:
		score = weightResidential
	case models.CategoryMobile:
		score = weightMobile
	default:
		score = weightDatacenter
	}

	st := p.Stats
	score += st.Reputation
	score += st.SuccessRate() * successWeight
	score -= st.DetectionRate() * detectionWeight

	if !st.LastSuccessAt.IsZero() {
		since := now.Sub(st.LastSuccessAt)
		switch {
		case since < 5*time.Minute:
			score += recentSuccessBonus
		case since < 30*time.Minute:
			score += staleSuccessBonus
		}
	}

	if p.IsTargetCountry {
		score += geoBonus
		if class == models.URLProduct {
			score += productGeoBonus
		}
	}

	if st.AvgResponseTimeMs > 0 && st.AvgResponseTimeMs < fastLatencyMs {
		score += latencyBonus
	}
	return score
}

// Rank 返回全部可选代理的评分(降序)
func (s *Scorer) Rank(sc models.SelectionContext) []ScoredProxy {
	now := s.now()
	class := sc.URLClass
	if class == "" {
		class = ClassifyURL(sc.URL)
	}

	excluded := make(map[string]bool, len(sc.Exclude)+1)
	for _, e := range sc.Exclude {
		excluded[e] = true
	}
	if sc.LastProxy != "" {
		excluded[sc.LastProxy] = true
	}

	ranked := make([]ScoredProxy, 0, s.registry.Len())
	for _, p := range s.registry.Snapshots() {
		if p.Blocked() || p.Stats.CoolingDown(now) || excluded[p.Address] {
			continue
		}
		ranked = append(ranked, ScoredProxy{Proxy: p, Score: s.Score(p, class, now)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// Select 选出一个代理
// 无可选代理时执行一次紧急重置(清空冷却)后重试,仍为空则返回 ErrNoProxyAvailable
func (s *Scorer) Select(sc models.SelectionContext) (models.ProxySnapshot, error) {
	ranked := s.Rank(sc)
	if len(ranked) == 0 {
		reset := s.registry.ResetCooldowns()
		s.logger.Warn().Int("reset", reset).Msg("⚠️ 没有可选代理,执行紧急重置")
		ranked = s.Rank(sc)
	}
	if len(ranked) == 0 {
		return models.ProxySnapshot{}, models.ErrNoProxyAvailable
	}

	chosen := ranked[0]
	if len(ranked) > s.topK && s.roll() < s.prob {
		chosen = ranked[s.intn(s.topK)]
	}

	if err := s.registry.MarkUsed(chosen.Proxy.Address); err != nil {
		return models.ProxySnapshot{}, err
	}
	s.logger.Debug().
		Str("proxy", utils.RedactProxy(chosen.Proxy.Address)).
		Str("category", string(chosen.Proxy.Category)).
		Float64("score", chosen.Score).
		Int("retry", sc.Retry).
		Msg("选择代理")
	return chosen.Proxy, nil
}

func (s *Scorer) roll() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *Scorer) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}
