package models

import "time"

// PoolStats 代理池统计快照
type PoolStats struct {
	TotalProxies       int     `json:"total_proxies"`
	Residential        int     `json:"residential"`
	Mobile             int     `json:"mobile"`
	Datacenter         int     `json:"datacenter"`
	WorkingResidential int     `json:"working_residential"` // 未封禁且未冷却
	WorkingMobile      int     `json:"working_mobile"`
	WorkingDatacenter  int     `json:"working_datacenter"`
	CoolingDown        int     `json:"cooling_down"`
	Blocked            int     `json:"blocked"`
	TotalRequests      int     `json:"total_requests"`
	TotalSuccesses     int     `json:"total_successes"`
	TotalDetections    int     `json:"total_detections"`
	SuccessRate        float64 `json:"success_rate"`
	DetectionRate      float64 `json:"detection_rate"`
}

// SessionStats 会话池状态计数
type SessionStats struct {
	Size         int `json:"size"`
	Creating     int `json:"creating"`
	WarmingUp    int `json:"warming_up"`
	Ready        int `json:"ready"`
	InUse        int `json:"in_use"`
	Quarantined  int `json:"quarantined"`
	Destroying   int `json:"destroying"`
	Created      int `json:"created"`       // 累计创建成功
	CreateFailed int `json:"create_failed"` // 累计创建失败
	Replaced     int `json:"replaced"`      // 累计替换
	Rotations    int `json:"rotations"`     // 累计代理轮换
}

// Live 计入池上限的会话数
func (s SessionStats) Live() int {
	return s.Creating + s.WarmingUp + s.Ready + s.InUse
}

// SchedulerStats 调度器统计
type SchedulerStats struct {
	StoresTotal     int           `json:"stores_total"`
	StoresCompleted int           `json:"stores_completed"`
	StoresFailed    int           `json:"stores_failed"`
	TasksSucceeded  int           `json:"tasks_succeeded"`
	TasksFailed     int           `json:"tasks_failed"`
	BotDetections   int           `json:"bot_detections"`
	Records         int           `json:"records"`
	PeakActive      int           `json:"peak_active_stores"`
	Duration        time.Duration `json:"duration"`
}

// RunSummary 运行结束时的汇总
type RunSummary struct {
	RunID     string         `json:"run_id"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Proxies   PoolStats      `json:"proxies"`
	Sessions  SessionStats   `json:"sessions"`
	Scheduler SchedulerStats `json:"scheduler"`
}
