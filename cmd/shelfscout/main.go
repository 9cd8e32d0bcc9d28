package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/core"
	"github.com/RecoveryAshes/shelfscout/internal/utils"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile string
	verbose    bool
	logLevel   string

	// 爬取参数
	storesFile        string
	categoriesFile    string
	proxiesFile       string
	outputDir         string
	poolSize          int
	maxParallelStores int
	workers           int
	maxPages          int
	headless          bool
	prevalidate       bool
	noProgress        bool
)

// appConfig 在PersistentPreRunE中加载
var appConfig *core.Config

var rootCmd = &cobra.Command{
	Use:   "shelfscout",
	Short: "门店商品目录采集工具",
	Long: `shelfscout - 基于代理池与浏览器会话池的门店商品采集工具

  • 代理评分与自动冷却/封禁
  • 有上限的浏览器会话池,按请求数或重试轮换代理
  • 门店 × 分类 × 分页 调度,限制同时活跃的门店数
  • JSONL / SQLite 输出

示例:
  shelfscout crawl --stores stores.jsonl --categories categories.json --proxies proxies.json
  shelfscout check-proxies --proxies proxies.json

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		// 加载配置
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		// 命令行参数覆盖配置文件
		flags := core.CLIFlags{
			StoresFile:        storesFile,
			CategoriesFile:    categoriesFile,
			ProxiesFile:       proxiesFile,
			OutputDir:         outputDir,
			PoolSize:          poolSize,
			MaxParallelStores: maxParallelStores,
			Workers:           workers,
			MaxPages:          maxPages,
			Prevalidate:       prevalidate,
			LogLevel:          logLevel,
		}
		if cmd.Flags().Changed("headless") {
			flags.Headless = &headless
		}
		config.MergeCLIFlags(flags)

		// 初始化日志系统,显示进度条时控制台只输出警告
		logCfg := config.Logging.LogConfig()
		logCfg.QuietConsole = cmd.Name() == "crawl" && !noProgress && !verbose
		if err := utils.InitLogger(logCfg); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}
		if verbose {
			utils.Info("详细模式已启用")
		}

		if err := config.Validate(); err != nil {
			return err
		}
		appConfig = config
		return nil
	},
}

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "采集全部门店的分类商品",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		harvester := core.NewHarvester(appConfig, core.WithProgressBar(!noProgress))
		summary, err := harvester.Run(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				utils.Warn("运行已中断,已保存部分结果")
				return nil
			}
			return fmt.Errorf("采集失败: %w", err)
		}

		fmt.Println("\n==================================================")
		fmt.Println("📊 采集统计")
		fmt.Println("==================================================")
		fmt.Printf("✅ 完成门店: %d / %d\n", summary.Scheduler.StoresCompleted, summary.Scheduler.StoresTotal)
		fmt.Printf("❌ 失败门店: %d\n", summary.Scheduler.StoresFailed)
		fmt.Printf("📄 成功页面: %d, 失败页面: %d\n", summary.Scheduler.TasksSucceeded, summary.Scheduler.TasksFailed)
		fmt.Printf("📦 商品记录: %d\n", summary.Scheduler.Records)
		fmt.Printf("🤖 反爬拦截: %d (检测率 %.1f%%)\n", summary.Proxies.TotalDetections, summary.Proxies.DetectionRate*100)
		fmt.Printf("🔒 封禁代理: %d / %d\n", summary.Proxies.Blocked, summary.Proxies.TotalProxies)
		fmt.Printf("⏱️  总耗时: %s\n", summary.EndTime.Sub(summary.StartTime).Round(time.Second))
		fmt.Println("==================================================")

		utils.Info("✨ 采集任务完成!")
		return nil
	},
}

var checkProxiesCmd = &cobra.Command{
	Use:   "check-proxies",
	Short: "预检代理列表并输出分类结果",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		results, report, err := core.NewHarvester(appConfig).CheckProxies(ctx)
		passed := 0
		for _, r := range results {
			status := "❌"
			if r.OK {
				status = "✅"
				passed++
			}
			fmt.Printf("%s %-28s %4d %8s %s\n", status, utils.RedactProxy(r.Address), r.Status, r.Latency.Round(time.Millisecond), r.Reason)
		}
		fmt.Printf("\n通过 %d / %d\n", passed, len(results))
		if err != nil {
			return fmt.Errorf("代理预检失败: %w", err)
		}
		fmt.Printf("可用代理 %d: 住宅 %d, 移动 %d, 机房 %d (重复 %d, SOCKS %d, 低质量 %d)\n",
			report.Loaded,
			report.ByCategory["residential"], report.ByCategory["mobile"], report.ByCategory["datacenter"],
			report.Duplicates, report.Socks, report.BadProvider)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shelfscout %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// signalContext Ctrl+C / SIGTERM 取消运行,第二次信号直接退出
func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			utils.Warnf("收到中断信号: %v, 正在优雅关闭...", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		if sig, ok := <-sigChan; ok {
			utils.Warnf("再次收到信号: %v, 强制退出", sig)
			os.Exit(1)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVarP(&proxiesFile, "proxies", "p", "", "代理候选文件 (JSON)")

	// 爬取参数
	crawlCmd.Flags().StringVarP(&storesFile, "stores", "s", "", "门店文件 (每行一个JSON)")
	crawlCmd.Flags().StringVarP(&categoriesFile, "categories", "g", "", "分类文件 (JSON数组)")
	crawlCmd.Flags().StringVarP(&outputDir, "output", "o", "", "输出目录")
	crawlCmd.Flags().IntVar(&poolSize, "pool-size", 0, "浏览器会话数上限")
	crawlCmd.Flags().IntVar(&maxParallelStores, "max-stores", 0, "同时活跃的门店数上限")
	crawlCmd.Flags().IntVarP(&workers, "workers", "w", 0, "并发worker数")
	crawlCmd.Flags().IntVar(&maxPages, "max-pages", 0, "每个分类最多翻页数")
	crawlCmd.Flags().BoolVar(&headless, "headless", true, "无头浏览器模式")
	crawlCmd.Flags().BoolVar(&prevalidate, "prevalidate", false, "启动前预检代理")
	crawlCmd.Flags().BoolVar(&noProgress, "no-progress", false, "不显示进度条")

	// 添加子命令
	rootCmd.AddCommand(crawlCmd, checkProxiesCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
