package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// StoreState 门店调度状态
type StoreState string

const (
	StoreQueued    StoreState = "queued"    // 排队中
	StoreActive    StoreState = "active"    // 已准入,分类任务进行中
	StoreDraining  StoreState = "draining"  // 最后一个分类在收尾
	StoreCompleted StoreState = "completed" // 全部分类完成
	StoreFailed    StoreState = "failed"    // 准入失败
)

// Store 门店种子数据
type Store struct {
	ID      string `json:"store_id"`
	Name    string `json:"name"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zip_code,omitempty"`
}

// Category 分类种子数据
type Category struct {
	Name string `json:"name"`
	Path string `json:"path"` // 例如 /browse/food/976759
}

// CrawlTask 单页爬取任务
type CrawlTask struct {
	ID       string   `json:"id"`
	Store    Store    `json:"store"`
	Category Category `json:"category"`
	Page     int      `json:"page"`
	URL      string   `json:"url"`
	Binding  bool     `json:"binding"` // 门店绑定请求(设置门店cookie)
}

// String 用于日志
func (t CrawlTask) String() string {
	if t.Binding {
		return fmt.Sprintf("store=%s bind", t.Store.ID)
	}
	return fmt.Sprintf("store=%s category=%s page=%d", t.Store.ID, t.Category.Name, t.Page)
}

// BuildCategoryURL 生成门店分类分页URL
// 格式: {base}{path}?affinityOverride=store_led&stores={id}&fulfillment=in_store&page={n}
func BuildCategoryURL(baseURL, path, storeID string, page int) (string, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("基础URL无效: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("分类路径无效: %w", err)
	}
	u := base.ResolveReference(ref)
	q := u.Query()
	q.Set("affinityOverride", "store_led")
	q.Set("stores", storeID)
	q.Set("fulfillment", "in_store")
	q.Set("page", fmt.Sprintf("%d", page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// BuildStoreURL 使用模板生成门店页面URL,模板中的 {store} 替换为门店ID
func BuildStoreURL(baseURL, template, storeID string) string {
	path := strings.ReplaceAll(template, "{store}", url.PathEscape(storeID))
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// PageResult 提取回调的返回值
type PageResult struct {
	Records     []Record
	HasNextPage bool
	// LastPage 站点明确报告本页为最后一页,满页也不再翻页
	LastPage    bool
	ItemCount   int
}

// Record 提取出的商品记录
type Record struct {
	StoreID      string    `json:"store_id"`
	StoreName    string    `json:"store_name"`
	Category     string    `json:"category"`
	CategoryPath string    `json:"category_path"`
	ProductID    string    `json:"product_id"`
	Name         string    `json:"name"`
	Price        *float64  `json:"price"`
	InStock      bool      `json:"in_stock"`
	Brand        string    `json:"brand,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	ProductURL   string    `json:"product_url,omitempty"`
	Page         int       `json:"page"`
	ScrapedAt    time.Time `json:"scraped_at"`
}

// TaskEvent 单个任务的结果事件,供观察者使用
type TaskEvent struct {
	TaskID   string        `json:"task_id"`
	Store    string        `json:"store"`
	Category string        `json:"category"`
	Page     int           `json:"page"`
	Outcome  OutcomeKind   `json:"outcome"`
	Proxy    string        `json:"proxy"`
	Latency  time.Duration `json:"latency"`
	Attempts int           `json:"attempts"`
	Records  int           `json:"records"`
	Err      string        `json:"error,omitempty"`
}

// StoreEvent 门店状态变化事件
type StoreEvent struct {
	Store Store      `json:"store"`
	State StoreState `json:"state"`
	Err   string     `json:"error,omitempty"`
}
