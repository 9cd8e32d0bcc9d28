package utils

import (
	"fmt"
	"io"
	"sync"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/schollz/progressbar/v3"
)

// StoreProgress 门店完成进度条,作为调度器的观察者
type StoreProgress struct {
	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	pages   int
	records int
	failed  int
}

// NewStoreProgress 创建进度观察者,total为门店总数
func NewStoreProgress(total int) *StoreProgress {
	return &StoreProgress{bar: NewProgressBar(total, "门店")}
}

// NewStoreProgressWriter 输出到指定writer,测试时使用
func NewStoreProgressWriter(total int, w io.Writer) *StoreProgress {
	return &StoreProgress{bar: progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("门店"),
		progressbar.OptionShowCount(),
	)}
}

// OnTask 更新分页计数
func (p *StoreProgress) OnTask(ev models.TaskEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages++
	p.records += ev.Records
	p.bar.Describe(fmt.Sprintf("门店 | 页 %d | 记录 %d", p.pages, p.records))
}

// OnStore 门店结束(完成或失败)时推进进度
func (p *StoreProgress) OnStore(ev models.StoreEvent) {
	switch ev.State {
	case models.StoreCompleted, models.StoreFailed:
	default:
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.State == models.StoreFailed {
		p.failed++
	}
	_ = p.bar.Add(1)
}

// Finish 结束进度条
func (p *StoreProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.bar.Finish()
}

// Counts 已处理的分页数、记录数与失败门店数
func (p *StoreProgress) Counts() (pages, records, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages, p.records, p.failed
}

// Done 已结束的门店数
func (p *StoreProgress) Done() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.bar.State().CurrentNum)
}
