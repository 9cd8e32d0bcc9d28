package crawlers

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
)

// DelayClass 退避/抖动类型
type DelayClass string

const (
	DelayTransient  DelayClass = "transient"
	DelayBot        DelayClass = "bot"
	DelayNavigation DelayClass = "navigation"
	DelaySettle     DelayClass = "settle"
	DelayComplexity DelayClass = "complexity"
	DelayWarmUp     DelayClass = "warm_up"
	DelayInteract   DelayClass = "interact"
	DelayAdmission  DelayClass = "admission"
)

// Backoff 退避与抖动策略
// 职责: 统一计算重试退避与各阶段的随机等待,执行器、会话池与调度器共用同一实例
type Backoff struct {
	cfg models.BackoffConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultBackoffConfig 默认退避参数
func DefaultBackoffConfig() models.BackoffConfig {
	return models.BackoffConfig{
		Transient:  models.RetryBackoff{Base: 2 * time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2},
		Bot:        models.RetryBackoff{Base: 5 * time.Second, Max: 60 * time.Second, Multiplier: 2, Jitter: 0.3},
		Navigation: models.DelayRange{Min: 500 * time.Millisecond, Max: 2 * time.Second},
		Settle:     models.DelayRange{Min: time.Second, Max: 3 * time.Second},
		Complexity: models.DelayRange{Min: 2 * time.Second, Max: 5 * time.Second},
		WarmUp:     models.DelayRange{Min: 2 * time.Second, Max: 5 * time.Second},
		Interact:   models.DelayRange{Min: 200 * time.Millisecond, Max: 900 * time.Millisecond},
		Admission:  models.DelayRange{Min: 2 * time.Second, Max: 5 * time.Second},
	}
}

// NewBackoff 创建退避策略,rng为nil时使用时间种子
func NewBackoff(cfg models.BackoffConfig, rng *rand.Rand) *Backoff {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{cfg: cfg, rng: rng}
}

// Retry 第attempt次重试前的等待时间 (attempt从1开始)
// base * multiplier^(attempt-1),上限max,再叠加±jitter比例的抖动
func (b *Backoff) Retry(class DelayClass, attempt int) time.Duration {
	var p models.RetryBackoff
	switch class {
	case DelayBot:
		p = b.cfg.Bot
	default:
		p = b.cfg.Transient
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * (b.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Jitter 返回指定阶段区间内的均匀随机时长
func (b *Backoff) Jitter(class DelayClass) time.Duration {
	var r models.DelayRange
	switch class {
	case DelayNavigation:
		r = b.cfg.Navigation
	case DelaySettle:
		r = b.cfg.Settle
	case DelayComplexity:
		r = b.cfg.Complexity
	case DelayWarmUp:
		r = b.cfg.WarmUp
	case DelayInteract:
		r = b.cfg.Interact
	case DelayAdmission:
		r = b.cfg.Admission
	default:
		return 0
	}
	return b.Between(r.Min, r.Max)
}

// Between 返回[min, max]内的均匀随机时长
func (b *Backoff) Between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(b.Int63n(int64(max-min)+1))
}

// Float64 线程安全的[0,1)随机数
func (b *Backoff) Float64() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Float64()
}

// Intn 线程安全的[0,n)随机整数
func (b *Backoff) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Intn(n)
}

// Int63n 线程安全的[0,n)随机整数
func (b *Backoff) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Int63n(n)
}

// Sleep 等待d或ctx取消
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
