package crawlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceMonitor 系统资源监控器
// 职责: 采样系统可用内存与CPU负载,限制浏览器会话数量并在资源紧张时暂停创建
type ResourceMonitor struct {
	config models.ResourceConfig

	// 采样函数,测试时可替换
	availableMemory func() (uint64, error)
	cpuPercent      func() (float64, error)

	mu            sync.RWMutex
	lastAvailable uint64
	lastCPU       float64
	sampledAt     time.Time

	cancelFunc context.CancelFunc
	isRunning  bool
}

// NewResourceMonitor 创建资源监控器实例
func NewResourceMonitor(config models.ResourceConfig) *ResourceMonitor {
	if config.SessionMemoryUsage == 0 {
		config.SessionMemoryUsage = 300 * 1024 * 1024 // 单个浏览器进程约300MB
	}
	if config.CPULoadThreshold == 0 {
		config.CPULoadThreshold = 90
	}
	rm := &ResourceMonitor{
		config: config,
		availableMemory: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
		cpuPercent: func() (float64, error) {
			// 100毫秒采样,所有核心平均值
			p, err := cpu.Percent(100*time.Millisecond, false)
			if err != nil {
				return 0, err
			}
			if len(p) == 0 {
				return 0, fmt.Errorf("CPU使用率数据为空")
			}
			return p[0], nil
		},
	}
	rm.sample()
	return rm
}

// sample 采样一次内存与CPU
func (rm *ResourceMonitor) sample() {
	avail, err := rm.availableMemory()
	if err != nil {
		log.Warn().Err(err).Msg("获取系统可用内存失败")
	}
	cpuUsage, err := rm.cpuPercent()
	if err != nil {
		log.Warn().Err(err).Msg("获取CPU使用率失败")
	}

	rm.mu.Lock()
	if avail > 0 {
		rm.lastAvailable = avail
	}
	rm.lastCPU = cpuUsage
	rm.sampledAt = time.Now()
	rm.mu.Unlock()
}

// StartMonitoring 启动后台周期采样(幂等)
func (rm *ResourceMonitor) StartMonitoring(interval time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.isRunning {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rm.cancelFunc = cancel
	rm.isRunning = true
	go rm.monitoringLoop(ctx, interval)
}

func (rm *ResourceMonitor) monitoringLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.sample()
		}
	}
}

// StopMonitoring 停止后台采样
func (rm *ResourceMonitor) StopMonitoring() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.isRunning && rm.cancelFunc != nil {
		rm.cancelFunc()
		rm.isRunning = false
		rm.cancelFunc = nil
	}
}

// usableMemory 扣除保留内存后的可用内存
func (rm *ResourceMonitor) usableMemory() int64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return int64(rm.lastAvailable) - rm.config.SafetyReserveMemory
}

// MaxSessions 按当前可用内存计算允许的最大会话数,结果不超过requested
func (rm *ResourceMonitor) MaxSessions(requested int) int {
	result := requested
	if rm.config.MaxSessionsLimit > 0 && rm.config.MaxSessionsLimit < result {
		result = rm.config.MaxSessionsLimit
	}

	usable := rm.usableMemory()
	byMemory := 1
	if surplus := usable - rm.config.SafetyThreshold; surplus > 0 {
		byMemory = int(surplus / rm.config.SessionMemoryUsage)
	}
	if byMemory < result {
		log.Warn().Msgf("可用内存%dMB仅支持%d个浏览器会话(请求%d个)", usable/(1024*1024), byMemory, requested)
		result = byMemory
	}
	if result < 1 {
		result = 1
	}
	return result
}

// CheckResourceAvailability 检查当前资源是否允许再启动一个浏览器
func (rm *ResourceMonitor) CheckResourceAvailability() (canCreate bool, reason string) {
	usable := rm.usableMemory()
	if usable < rm.config.SafetyThreshold+rm.config.SessionMemoryUsage {
		return false, fmt.Sprintf("内存不足(当前%dMB)", usable/(1024*1024))
	}

	// 阈值>=200视为关闭CPU检查
	if rm.config.CPULoadThreshold < 200 {
		rm.mu.RLock()
		cpuUsage := rm.lastCPU
		rm.mu.RUnlock()
		if cpuUsage > float64(rm.config.CPULoadThreshold) {
			return false, fmt.Sprintf("CPU负载过高(当前%.1f%%)", cpuUsage)
		}
	}
	return true, ""
}
