package models

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// PoolConfig 会话池配置
type PoolConfig struct {
	Size                      int           `mapstructure:"size" json:"size" validate:"min=1,max=128"`                     // 最大会话数
	StartAttempts             int           `mapstructure:"start_attempts" json:"start_attempts" validate:"gte=0"`         // 启动时提交的创建次数(0表示等于Size)
	AcquireTimeout            time.Duration `mapstructure:"acquire_timeout" json:"acquire_timeout" validate:"gt=0"`        // 获取会话超时
	MaxRequestsBeforeRotation int           `mapstructure:"max_requests_before_rotation" json:"max_requests_before_rotation" validate:"gte=0"` // 超过该请求数后轮换代理(0关闭)
	MaxSessionRequests        int           `mapstructure:"max_session_requests" json:"max_session_requests" validate:"min=1"`                 // 超过后遇到反爬直接替换
	SessionBotDetectionLimit  int           `mapstructure:"session_bot_detection_limit" json:"session_bot_detection_limit" validate:"min=1"`   // 单会话反爬次数上限
	WarmupEnabled             bool          `mapstructure:"warmup_enabled" json:"warmup_enabled"`
	ReplacementDelay          time.Duration `mapstructure:"replacement_delay" json:"replacement_delay" validate:"gte=0"`
	ShutdownGrace             time.Duration `mapstructure:"shutdown_grace" json:"shutdown_grace" validate:"gte=0"`
}

// CooldownConfig 各失败类型的冷却时长
type CooldownConfig struct {
	BotBase time.Duration `mapstructure:"bot_base" json:"bot_base" validate:"gt=0"` // 反爬冷却基数,实际为 base*检测次数²
	BotCap  time.Duration `mapstructure:"bot_cap" json:"bot_cap" validate:"gtefield=BotBase"`
	Short   time.Duration `mapstructure:"short" json:"short" validate:"gte=0"`
	Medium  time.Duration `mapstructure:"medium" json:"medium" validate:"gtefield=Short"`
	Long    time.Duration `mapstructure:"long" json:"long" validate:"gtefield=Medium"`
}

// ProxyConfig 代理注册与评分配置
type ProxyConfig struct {
	CandidatesFile        string         `mapstructure:"candidates_file" json:"candidates_file"`
	TargetCountry         string         `mapstructure:"target_country" json:"target_country" validate:"omitempty,len=2"`
	BlockThreshold        int            `mapstructure:"block_threshold" json:"block_threshold" validate:"min=1"`
	Cooldown              CooldownConfig `mapstructure:"cooldown" json:"cooldown"`
	TopK                  int            `mapstructure:"top_k" json:"top_k" validate:"min=1"`
	RandomPickProbability float64        `mapstructure:"random_pick_probability" json:"random_pick_probability" validate:"gte=0,lte=1"`
	BadProviders          []string       `mapstructure:"bad_providers" json:"bad_providers"`
	Prevalidate           bool           `mapstructure:"prevalidate" json:"prevalidate"`
	CheckURLs             []string       `mapstructure:"check_urls" json:"check_urls" validate:"dive,url"`
	CheckTimeout          time.Duration  `mapstructure:"check_timeout" json:"check_timeout" validate:"gte=0"`
	CheckWorkers          int            `mapstructure:"check_workers" json:"check_workers" validate:"gte=0"`
}

// ExecutorConfig 请求执行器配置
type ExecutorConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts" json:"max_attempts" validate:"min=1,max=10"`
	NavigationTimeout   time.Duration `mapstructure:"navigation_timeout" json:"navigation_timeout" validate:"gt=0"`
	ReadyPollInterval   time.Duration `mapstructure:"ready_poll_interval" json:"ready_poll_interval" validate:"gte=0"`
	ReadyPollAttempts   int           `mapstructure:"ready_poll_attempts" json:"ready_poll_attempts" validate:"gte=0"`
	ComplexityThreshold int           `mapstructure:"complexity_threshold" json:"complexity_threshold" validate:"gte=0"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second" json:"requests_per_second" validate:"gte=0"` // 0表示不限速
	Burst               int           `mapstructure:"burst" json:"burst" validate:"gte=0"`
	InteractionEnabled  bool          `mapstructure:"interaction_enabled" json:"interaction_enabled"`
	HomeURL             string        `mapstructure:"home_url" json:"home_url" validate:"omitempty,url"`
}

// DelayRange 随机延迟区间
type DelayRange struct {
	Min time.Duration `mapstructure:"min" json:"min" validate:"gte=0"`
	Max time.Duration `mapstructure:"max" json:"max" validate:"gtefield=Min"`
}

// RetryBackoff 指数退避参数
type RetryBackoff struct {
	Base       time.Duration `mapstructure:"base" json:"base" validate:"gte=0"`
	Max        time.Duration `mapstructure:"max" json:"max" validate:"gtefield=Base"`
	Multiplier float64       `mapstructure:"multiplier" json:"multiplier" validate:"gte=1"`
	Jitter     float64       `mapstructure:"jitter" json:"jitter" validate:"gte=0,lte=1"` // 抖动比例
}

// BackoffConfig 退避/抖动策略配置,按失败类型区分
type BackoffConfig struct {
	Transient  RetryBackoff `mapstructure:"transient" json:"transient"`
	Bot        RetryBackoff `mapstructure:"bot" json:"bot"`
	Navigation DelayRange   `mapstructure:"navigation" json:"navigation"` // 导航前随机等待
	Settle     DelayRange   `mapstructure:"settle" json:"settle"`         // 页面加载后的随机停留
	Complexity DelayRange   `mapstructure:"complexity" json:"complexity"` // 复杂页面额外等待
	WarmUp     DelayRange   `mapstructure:"warm_up" json:"warm_up"`       // 预热停留
	Interact   DelayRange   `mapstructure:"interact" json:"interact"`     // 滚动/鼠标动作之间的停顿
	Admission  DelayRange   `mapstructure:"admission" json:"admission"`   // 空闲准入抖动
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	MaxParallelStores int           `mapstructure:"max_parallel_stores" json:"max_parallel_stores" validate:"min=1"`
	Workers           int           `mapstructure:"workers" json:"workers" validate:"min=1"`
	BaseURL           string        `mapstructure:"base_url" json:"base_url" validate:"required,url"`
	StoreURLTemplate  string        `mapstructure:"store_url_template" json:"store_url_template"` // 为空则跳过门店绑定
	FullPageThreshold int           `mapstructure:"full_page_threshold" json:"full_page_threshold" validate:"min=1"`
	MaxPages          int           `mapstructure:"max_pages" json:"max_pages" validate:"min=1"`
	IdleInterval      time.Duration `mapstructure:"idle_interval" json:"idle_interval" validate:"gt=0"`
}

// BrowserConfig 浏览器启动配置
type BrowserConfig struct {
	Headless     bool   `mapstructure:"headless" json:"headless"`
	Bin          string `mapstructure:"bin" json:"bin"`
	UserDataRoot string `mapstructure:"user_data_root" json:"user_data_root"`
	NoSandbox    bool   `mapstructure:"no_sandbox" json:"no_sandbox"`
	Stealth      bool   `mapstructure:"stealth" json:"stealth"`
}

var (
	validateOnce sync.Once
	structValid  *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		structValid = validator.New(validator.WithRequiredStructEnabled())
	})
	return structValid
}

// ValidateStruct 使用validate标签校验配置结构体,错误信息汇总为一条
func ValidateStruct(v interface{}) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s 不满足 %s=%s (当前值: %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return fmt.Errorf("配置校验失败: %s", strings.Join(msgs, "; "))
}

// ResourceConfig 资源监控配置,用于限制浏览器会话数量
type ResourceConfig struct {
	Enabled             bool  `mapstructure:"enabled" json:"enabled"`
	SafetyReserveMemory int64 `mapstructure:"safety_reserve_memory" json:"safety_reserve_memory" validate:"gte=0"` // 保留给系统的内存(字节)
	SafetyThreshold     int64 `mapstructure:"safety_threshold" json:"safety_threshold" validate:"gte=0"`           // 低于该可用内存时暂停创建(字节)
	CPULoadThreshold    int   `mapstructure:"cpu_load_threshold" json:"cpu_load_threshold" validate:"gte=0"`       // CPU负载阈值(%),>=200表示不检查
	MaxSessionsLimit    int   `mapstructure:"max_sessions_limit" json:"max_sessions_limit" validate:"gte=0"`
	SessionMemoryUsage  int64 `mapstructure:"session_memory_usage" json:"session_memory_usage" validate:"gte=0"` // 单个浏览器进程平均内存(字节)
}
