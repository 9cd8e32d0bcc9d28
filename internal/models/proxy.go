package models

import (
	"time"
)

// ProxyCategory 代理类别
type ProxyCategory string

const (
	CategoryResidential ProxyCategory = "residential" // 住宅代理
	CategoryMobile      ProxyCategory = "mobile"      // 移动代理
	CategoryDatacenter  ProxyCategory = "datacenter"  // 机房代理
)

// ProxyState 代理状态
type ProxyState string

const (
	ProxyActive  ProxyState = "active"  // 可用(可能处于冷却)
	ProxyBlocked ProxyState = "blocked" // 已封禁,终态
)

// URLClass 目标URL类型,影响代理评分
type URLClass string

const (
	URLProduct  URLClass = "product"
	URLCategory URLClass = "category"
	URLSearch   URLClass = "search"
	URLStore    URLClass = "store"
	URLOther    URLClass = "other"
)

// ProxyLocation 代理地理信息
type ProxyLocation struct {
	Country string `json:"country"`
	ISP     string `json:"isp"`
	Org     string `json:"org"`
}

// ProxyCandidate 代理候选项(来自代理列表文件)
type ProxyCandidate struct {
	Address       string        `json:"address"`
	Proxy         string        `json:"proxy,omitempty"` // 兼容 "proxy": "http://ip:port"
	IP            string        `json:"ip,omitempty"`
	Port          int           `json:"port,omitempty"`
	Protocol      string        `json:"protocol,omitempty"`
	Type          string        `json:"type,omitempty"`
	IsResidential bool          `json:"isResidential,omitempty"`
	Location      ProxyLocation `json:"location"`
	LatencyMs     float64       `json:"latencyMs,omitempty"`
}

// ProxyStats 代理运行统计
// 所有字段只由 ProxyRegistry 在单代理锁内修改
type ProxyStats struct {
	RequestCount        int       `json:"request_count"`
	SuccessCount        int       `json:"success_count"`
	FailureCount        int       `json:"failure_count"`
	BotDetectionCount   int       `json:"bot_detection_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUsedAt          time.Time `json:"last_used_at"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	AvgResponseTimeMs   float64   `json:"avg_response_time_ms"`
	CooldownUntil       time.Time `json:"cooldown_until"`
	Reputation          float64   `json:"reputation"`
}

// SuccessRate 成功率,无请求时为0
func (s ProxyStats) SuccessRate() float64 {
	if s.RequestCount == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.RequestCount)
}

// DetectionRate 被检测率,无请求时为0
func (s ProxyStats) DetectionRate() float64 {
	if s.RequestCount == 0 {
		return 0
	}
	return float64(s.BotDetectionCount) / float64(s.RequestCount)
}

// CoolingDown 判断在 now 时刻是否处于冷却期
func (s ProxyStats) CoolingDown(now time.Time) bool {
	return !s.CooldownUntil.IsZero() && s.CooldownUntil.After(now)
}

// ProxySnapshot 代理记录的只读快照
type ProxySnapshot struct {
	Address         string        `json:"address"`
	Category        ProxyCategory `json:"category"`
	Location        ProxyLocation `json:"location"`
	IsTargetCountry bool          `json:"is_target_country"`
	State           ProxyState    `json:"state"`
	Stats           ProxyStats    `json:"stats"`
}

// Blocked 是否已封禁
func (p ProxySnapshot) Blocked() bool {
	return p.State == ProxyBlocked
}

// SelectionContext 代理选择上下文
type SelectionContext struct {
	URL       string   // 目标URL,为空时按 URLOther 处理
	URLClass  URLClass // 已知时可直接指定
	Retry     int      // 重试次数
	LastProxy string   // 上一次使用的代理,重试时排除
	Exclude   []string // 额外排除的代理
}
