package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/RecoveryAshes/shelfscout/internal/core"
	"github.com/RecoveryAshes/shelfscout/internal/proxies"
	"github.com/RecoveryAshes/shelfscout/internal/utils"
	"github.com/go-rod/rod/lib/launcher"
)

func main() {
	fmt.Println("==============================================")
	fmt.Println("  shelfscout 环境验证")
	fmt.Println("==============================================")
	fmt.Println()

	allOK := true

	fmt.Printf("✅ Go版本: %s\n", runtime.Version())
	fmt.Printf("✅ 操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)

	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("❌ 配置加载失败: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("❌ 配置校验失败: %v\n", err)
		allOK = false
	} else {
		fmt.Println("✅ 配置校验通过")
	}

	// 检查浏览器
	if cfg.Browser.Bin != "" {
		if _, err := os.Stat(cfg.Browser.Bin); err == nil {
			fmt.Printf("✅ 浏览器: %s\n", cfg.Browser.Bin)
		} else {
			fmt.Printf("❌ 配置的浏览器不存在: %s\n", cfg.Browser.Bin)
			allOK = false
		}
	} else if bin, found := launcher.LookPath(); found {
		fmt.Printf("✅ 系统浏览器: %s\n", bin)
	} else {
		fmt.Println("⚠️  未找到系统Chrome/Chromium, 首次运行时rod将自动下载")
	}

	// 检查种子文件
	fmt.Println()
	fmt.Println("检查种子文件...")
	if stores, err := utils.ReadStoresFile(cfg.Seeds.StoresFile); err != nil {
		fmt.Printf("❌ 门店文件: %v\n", err)
		allOK = false
	} else {
		fmt.Printf("✅ 门店: %d 个 (%s)\n", len(stores), cfg.Seeds.StoresFile)
	}
	if categories, err := utils.ReadCategoriesFile(cfg.Seeds.CategoriesFile); err != nil {
		fmt.Printf("❌ 分类文件: %v\n", err)
		allOK = false
	} else {
		fmt.Printf("✅ 分类: %d 个 (%s)\n", len(categories), cfg.Seeds.CategoriesFile)
	}
	if candidates, err := proxies.LoadCandidatesFile(cfg.Proxy.CandidatesFile); err != nil {
		fmt.Printf("❌ 代理文件: %v\n", err)
		allOK = false
	} else {
		fmt.Printf("✅ 代理候选: %d 个 (%s)\n", len(candidates), cfg.Proxy.CandidatesFile)
	}

	// 检查输出目录
	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		fmt.Printf("❌ 输出目录不可写: %v\n", err)
		allOK = false
	} else {
		fmt.Printf("✅ 输出目录: %s\n", cfg.Output.Dir)
	}

	fmt.Println()
	fmt.Println("==============================================")
	if allOK {
		fmt.Println("✅ 环境验证通过!")
		fmt.Println()
		fmt.Println("下一步:")
		fmt.Println("  1. 运行 'shelfscout check-proxies' 预检代理")
		fmt.Println("  2. 运行 'shelfscout crawl' 开始采集")
		os.Exit(0)
	}
	fmt.Println("❌ 环境验证失败,请解决上述问题。")
	os.Exit(1)
}
