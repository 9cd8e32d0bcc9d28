package crawlers

import (
	"context"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
)

// PageSnapshot 当前页面内容
type PageSnapshot struct {
	URL   string
	Title string
	HTML  string
}

// Driver 浏览器句柄,由单个会话独占
type Driver interface {
	// Navigate 导航到URL,referer可为空
	Navigate(ctx context.Context, url, referer string) error
	// ReadyState 返回 document.readyState
	ReadyState(ctx context.Context) (string, error)
	// ElementCount 返回页面元素数量,用于估计页面复杂度
	ElementCount(ctx context.Context) (int, error)
	// Snapshot 读取当前页面的URL、标题与HTML
	Snapshot(ctx context.Context) (PageSnapshot, error)
	// Viewport 返回视口宽高
	Viewport(ctx context.Context) (float64, float64, error)
	// Scroll 垂直滚动dy像素,steps为分段数
	Scroll(ctx context.Context, dy float64, steps int) error
	// MoveMouse 将指针移动到(x, y)
	MoveMouse(ctx context.Context, x, y float64) error
	// ResetState 清除cookie与存储并导航到空白页
	ResetState(ctx context.Context) error
	// Close 关闭浏览器并释放资源,可重复调用
	Close() error
}

// DriverFactory 为指定代理创建浏览器句柄
type DriverFactory interface {
	Launch(ctx context.Context, proxy models.ProxySnapshot) (Driver, error)
}

// ProxySelector 代理选择(由评分引擎实现)
type ProxySelector interface {
	Select(sc models.SelectionContext) (models.ProxySnapshot, error)
}

// OutcomeRecorder 抓取结果反馈(由代理注册表实现)
type OutcomeRecorder interface {
	RecordSuccess(addr string, latency time.Duration) error
	RecordFailure(addr string, botDetected bool) error
}
