package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/RecoveryAshes/shelfscout/internal/utils"
	"github.com/spf13/viper"
)

// Config 应用程序配置
type Config struct {
	Pool      models.PoolConfig      `mapstructure:"pool"`
	Proxy     models.ProxyConfig     `mapstructure:"proxy"`
	Executor  models.ExecutorConfig  `mapstructure:"executor"`
	Backoff   models.BackoffConfig   `mapstructure:"backoff"`
	Scheduler models.SchedulerConfig `mapstructure:"scheduler"`
	Browser   models.BrowserConfig   `mapstructure:"browser"`
	Resource  models.ResourceConfig  `mapstructure:"resource"`
	Seeds     SeedsConfig            `mapstructure:"seeds"`
	Output    OutputConfig           `mapstructure:"output"`
	Logging   LoggingConfig          `mapstructure:"logging"`
}

// SeedsConfig 种子文件
type SeedsConfig struct {
	StoresFile     string `mapstructure:"stores_file" validate:"required"`
	CategoriesFile string `mapstructure:"categories_file" validate:"required"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Dir    string `mapstructure:"dir" validate:"required"`
	JSONL  bool   `mapstructure:"jsonl"`
	SQLite bool   `mapstructure:"sqlite"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level" validate:"oneof=trace debug info warn error fatal panic"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size" validate:"gte=0"`
	MaxBackups int  `mapstructure:"max_backups" validate:"gte=0"`
	MaxAge     int  `mapstructure:"max_age" validate:"gte=0"`
	Compress   bool `mapstructure:"compress"`
}

// LogConfig 转换为日志系统配置
func (c LoggingConfig) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Level,
		LogDir:     c.LogDir,
		MaxSize:    c.Rotation.MaxSize,
		MaxBackups: c.Rotation.MaxBackups,
		MaxAge:     c.Rotation.MaxAge,
		Compress:   c.Rotation.Compress,
	}
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件
	if configPath != "" {
		// 使用指定的配置文件
		v.SetConfigFile(configPath)
	} else {
		// 搜索默认位置
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		// 添加配置搜索路径
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")

		// 用户主目录
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".shelfscout"))
		}
	}

	// 环境变量: SHELFSCOUT_POOL_SIZE -> pool.size
	v.SetEnvPrefix("SHELFSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// 如果配置文件不存在,使用默认值
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, &models.ConfigError{FilePath: configPath, Cause: err}
		}
	}

	// 解析配置
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	config.applyDerived()

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 会话池
	v.SetDefault("pool.size", 10)
	v.SetDefault("pool.start_attempts", 0)
	v.SetDefault("pool.acquire_timeout", "60s")
	v.SetDefault("pool.max_requests_before_rotation", 10)
	v.SetDefault("pool.max_session_requests", 100)
	v.SetDefault("pool.session_bot_detection_limit", 2)
	v.SetDefault("pool.warmup_enabled", true)
	v.SetDefault("pool.replacement_delay", "5s")
	v.SetDefault("pool.shutdown_grace", "10s")

	// 代理
	v.SetDefault("proxy.candidates_file", "proxies.json")
	v.SetDefault("proxy.target_country", "US")
	v.SetDefault("proxy.block_threshold", 3)
	v.SetDefault("proxy.cooldown.bot_base", "10m")
	v.SetDefault("proxy.cooldown.bot_cap", "60m")
	v.SetDefault("proxy.cooldown.short", "1m")
	v.SetDefault("proxy.cooldown.medium", "5m")
	v.SetDefault("proxy.cooldown.long", "15m")
	v.SetDefault("proxy.top_k", 3)
	v.SetDefault("proxy.random_pick_probability", 0.2)
	v.SetDefault("proxy.bad_providers", []string{
		"digitalocean", "linode", "vultr", "ovh", "hetzner", "aws", "amazon", "google", "azure", "microsoft",
	})
	v.SetDefault("proxy.prevalidate", false)
	v.SetDefault("proxy.check_urls", []string{"https://www.walmart.com/"})
	v.SetDefault("proxy.check_timeout", "15s")
	v.SetDefault("proxy.check_workers", 20)

	// 执行器
	v.SetDefault("executor.max_attempts", 3)
	v.SetDefault("executor.navigation_timeout", "45s")
	v.SetDefault("executor.ready_poll_interval", "500ms")
	v.SetDefault("executor.ready_poll_attempts", 20)
	v.SetDefault("executor.complexity_threshold", 500)
	v.SetDefault("executor.requests_per_second", 0)
	v.SetDefault("executor.burst", 1)
	v.SetDefault("executor.interaction_enabled", true)
	v.SetDefault("executor.home_url", "")

	// 退避与抖动
	v.SetDefault("backoff.transient.base", "2s")
	v.SetDefault("backoff.transient.max", "30s")
	v.SetDefault("backoff.transient.multiplier", 2.0)
	v.SetDefault("backoff.transient.jitter", 0.2)
	v.SetDefault("backoff.bot.base", "5s")
	v.SetDefault("backoff.bot.max", "60s")
	v.SetDefault("backoff.bot.multiplier", 2.0)
	v.SetDefault("backoff.bot.jitter", 0.3)
	v.SetDefault("backoff.navigation.min", "500ms")
	v.SetDefault("backoff.navigation.max", "2s")
	v.SetDefault("backoff.settle.min", "1s")
	v.SetDefault("backoff.settle.max", "3s")
	v.SetDefault("backoff.complexity.min", "2s")
	v.SetDefault("backoff.complexity.max", "5s")
	v.SetDefault("backoff.warm_up.min", "2s")
	v.SetDefault("backoff.warm_up.max", "5s")
	v.SetDefault("backoff.interact.min", "200ms")
	v.SetDefault("backoff.interact.max", "900ms")
	v.SetDefault("backoff.admission.min", "2s")
	v.SetDefault("backoff.admission.max", "5s")

	// 调度器
	v.SetDefault("scheduler.max_parallel_stores", 10)
	v.SetDefault("scheduler.workers", 10)
	v.SetDefault("scheduler.base_url", "https://www.walmart.com")
	v.SetDefault("scheduler.store_url_template", "/store/{store}")
	v.SetDefault("scheduler.full_page_threshold", 40)
	v.SetDefault("scheduler.max_pages", 25)
	v.SetDefault("scheduler.idle_interval", "5s")

	// 浏览器
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.user_data_root", "")
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.stealth", true)

	// 资源监控
	v.SetDefault("resource.enabled", true)
	v.SetDefault("resource.safety_reserve_memory", 1024*1024*1024)
	v.SetDefault("resource.safety_threshold", 512*1024*1024)
	v.SetDefault("resource.cpu_load_threshold", 90)
	v.SetDefault("resource.max_sessions_limit", 0)
	v.SetDefault("resource.session_memory_usage", 300*1024*1024)

	// 种子与输出
	v.SetDefault("seeds.stores_file", "stores.jsonl")
	v.SetDefault("seeds.categories_file", "categories.json")
	v.SetDefault("output.dir", "output")
	v.SetDefault("output.jsonl", true)
	v.SetDefault("output.sqlite", false)

	// 日志配置默认值
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)
}

// applyDerived 填充依赖其他字段的默认值
func (c *Config) applyDerived() {
	if c.Executor.HomeURL == "" && c.Scheduler.BaseURL != "" {
		c.Executor.HomeURL = strings.TrimRight(c.Scheduler.BaseURL, "/") + "/"
	}
	if c.Pool.StartAttempts == 0 {
		c.Pool.StartAttempts = c.Pool.Size
	}
}

// Validate 结构体标签校验加跨字段检查
func (c *Config) Validate() error {
	if err := models.ValidateStruct(c); err != nil {
		return err
	}
	if err := utils.ValidateURL(c.Scheduler.BaseURL); err != nil {
		return fmt.Errorf("scheduler.base_url: %w", err)
	}
	if c.Pool.StartAttempts < c.Pool.Size {
		return fmt.Errorf("pool.start_attempts(%d) 不能小于 pool.size(%d)", c.Pool.StartAttempts, c.Pool.Size)
	}
	if c.Scheduler.Workers < c.Scheduler.MaxParallelStores {
		utils.Warnf("scheduler.workers(%d) 小于 max_parallel_stores(%d),部分门店会排队等待worker",
			c.Scheduler.Workers, c.Scheduler.MaxParallelStores)
	}
	if c.Pool.MaxRequestsBeforeRotation > c.Pool.MaxSessionRequests {
		return fmt.Errorf("pool.max_requests_before_rotation(%d) 不能大于 max_session_requests(%d)",
			c.Pool.MaxRequestsBeforeRotation, c.Pool.MaxSessionRequests)
	}
	if !c.Output.JSONL && !c.Output.SQLite {
		utils.Warn("未启用任何输出(jsonl/sqlite),提取的记录将被丢弃")
	}
	return nil
}

// CLIFlags 命令行覆盖项,零值表示未指定
type CLIFlags struct {
	StoresFile        string
	CategoriesFile    string
	ProxiesFile       string
	OutputDir         string
	PoolSize          int
	MaxParallelStores int
	Workers           int
	MaxPages          int
	Headless          *bool
	Prevalidate       bool
	LogLevel          string
	NavigationTimeout time.Duration
}

// MergeCLIFlags 合并命令行参数到配置
func (c *Config) MergeCLIFlags(f CLIFlags) {
	// 命令行参数优先于配置文件
	if f.StoresFile != "" {
		c.Seeds.StoresFile = f.StoresFile
	}
	if f.CategoriesFile != "" {
		c.Seeds.CategoriesFile = f.CategoriesFile
	}
	if f.ProxiesFile != "" {
		c.Proxy.CandidatesFile = f.ProxiesFile
	}
	if f.OutputDir != "" {
		c.Output.Dir = f.OutputDir
	}
	if f.PoolSize > 0 {
		if c.Pool.StartAttempts < f.PoolSize {
			c.Pool.StartAttempts = f.PoolSize
		}
		c.Pool.Size = f.PoolSize
	}
	if f.MaxParallelStores > 0 {
		c.Scheduler.MaxParallelStores = f.MaxParallelStores
	}
	if f.Workers > 0 {
		c.Scheduler.Workers = f.Workers
	}
	if f.MaxPages > 0 {
		c.Scheduler.MaxPages = f.MaxPages
	}
	if f.Headless != nil {
		c.Browser.Headless = *f.Headless
	}
	if f.Prevalidate {
		c.Proxy.Prevalidate = true
	}
	if f.LogLevel != "" {
		c.Logging.Level = f.LogLevel
	}
	if f.NavigationTimeout > 0 {
		c.Executor.NavigationTimeout = f.NavigationTimeout
	}
}
