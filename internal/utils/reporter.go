package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/schollz/progressbar/v3"
)

// Reporter 报告生成器
type Reporter struct {
	outputDir string
}

// NewReporter 创建报告生成器
func NewReporter(outputDir string) *Reporter {
	return &Reporter{outputDir: outputDir}
}

// GenerateReport 写入运行汇总报告并返回文件路径
func (r *Reporter) GenerateReport(summary models.RunSummary) (string, error) {
	reportsDir := filepath.Join(r.outputDir, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	filename := fmt.Sprintf("run_%s_%s.json", summary.StartTime.Format("20060102_150405"), shortID(summary.RunID))
	path := filepath.Join(reportsDir, filename)
	if err := r.saveJSONReport(path, summary); err != nil {
		return "", err
	}

	r.printSummary(summary)
	return path, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// printSummary 输出汇总日志
func (r *Reporter) printSummary(s models.RunSummary) {
	Infof("📊 运行汇总 [%s]", s.RunID)
	Infof("  门店: 完成 %d / 失败 %d / 总数 %d (峰值并发 %d)",
		s.Scheduler.StoresCompleted, s.Scheduler.StoresFailed, s.Scheduler.StoresTotal, s.Scheduler.PeakActive)
	Infof("  任务: 成功 %d / 失败 %d, 记录 %d 条",
		s.Scheduler.TasksSucceeded, s.Scheduler.TasksFailed, s.Scheduler.Records)
	Infof("  代理: 共 %d (住宅 %d 可用 %d, 移动 %d 可用 %d, 机房 %d), 封禁 %d",
		s.Proxies.TotalProxies, s.Proxies.Residential, s.Proxies.WorkingResidential,
		s.Proxies.Mobile, s.Proxies.WorkingMobile, s.Proxies.Datacenter, s.Proxies.Blocked)
	Infof("  请求: %d, 成功率 %.1f%%, 反爬率 %.1f%%",
		s.Proxies.TotalRequests, s.Proxies.SuccessRate*100, s.Proxies.DetectionRate*100)
	Infof("  会话: 创建 %d, 失败 %d, 替换 %d, 轮换 %d",
		s.Sessions.Created, s.Sessions.CreateFailed, s.Sessions.Replaced, s.Sessions.Rotations)
	Infof("  耗时: %s", s.EndTime.Sub(s.StartTime).Round(time.Second))
}

func (r *Reporter) saveJSONReport(path string, data interface{}) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("写入报告文件失败: %w", err)
	}

	Debugf("保存报告: %s", path)
	return nil
}

// NewProgressBar 创建进度条
func NewProgressBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
