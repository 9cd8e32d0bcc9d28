// Package extract 从分类页HTML中提取商品记录
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/shelfscout/internal/models"
)

// ErrNoNextData 页面中没有 __NEXT_DATA__ 脚本
var ErrNoNextData = errors.New("页面缺少__NEXT_DATA__")

// Extractor 提取回调,调度器根据返回的商品数决定是否翻页
type Extractor interface {
	Extract(task models.CrawlTask, html string) (models.PageResult, error)
}

// ExtractorFunc 函数适配器
type ExtractorFunc func(task models.CrawlTask, html string) (models.PageResult, error)

// Extract 实现Extractor
func (f ExtractorFunc) Extract(task models.CrawlTask, html string) (models.PageResult, error) {
	return f(task, html)
}

// NextData 解析 props.pageProps.initialData.searchResult 的商品列表
type NextData struct {
	// BaseURL 用于补全 canonicalUrl
	BaseURL string
	now     func() time.Time
}

// NewNextData 创建提取器
func NewNextData(baseURL string) *NextData {
	return &NextData{BaseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

type nextDocument struct {
	Props struct {
		PageProps struct {
			InitialData struct {
				SearchResult searchResult `json:"searchResult"`
			} `json:"initialData"`
		} `json:"pageProps"`
	} `json:"props"`
}

type searchResult struct {
	ItemStacks []struct {
		ItemsV2 []nextItem `json:"itemsV2"`
	} `json:"itemStacks"`
	PaginationV2 struct {
		MaxPage int `json:"maxPage"`
	} `json:"paginationV2"`
}

type nextItem struct {
	ID           string `json:"id"`
	UsItemID     string `json:"usItemId"`
	Name         string `json:"name"`
	CanonicalURL string `json:"canonicalUrl"`
	Brand        string `json:"brand"`
	PriceInfo    struct {
		CurrentPrice *struct {
			Price *float64 `json:"price"`
		} `json:"currentPrice"`
	} `json:"priceInfo"`
	AvailabilityStatus string `json:"availabilityStatus"`
	ImageInfo          struct {
		ThumbnailURL string `json:"thumbnailUrl"`
	} `json:"imageInfo"`
}

// Extract 实现Extractor
func (n *NextData) Extract(task models.CrawlTask, html string) (models.PageResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return models.PageResult{}, fmt.Errorf("解析HTML失败: %w", err)
	}
	raw := strings.TrimSpace(doc.Find("script#__NEXT_DATA__").First().Text())
	if raw == "" {
		return models.PageResult{}, ErrNoNextData
	}

	var data nextDocument
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return models.PageResult{}, fmt.Errorf("解析__NEXT_DATA__失败: %w", err)
	}
	sr := data.Props.PageProps.InitialData.SearchResult

	now := n.now()
	var result models.PageResult
	for _, stack := range sr.ItemStacks {
		for _, item := range stack.ItemsV2 {
			result.ItemCount++
			// 广告位等占位项没有名称
			if item.Name == "" {
				continue
			}
			result.Records = append(result.Records, n.record(task, item, now))
		}
	}
	result.HasNextPage = sr.PaginationV2.MaxPage > task.Page
	result.LastPage = sr.PaginationV2.MaxPage > 0 && sr.PaginationV2.MaxPage <= task.Page
	return result, nil
}

func (n *NextData) record(task models.CrawlTask, item nextItem, now time.Time) models.Record {
	id := item.UsItemID
	if id == "" {
		id = item.ID
	}
	r := models.Record{
		StoreID:      task.Store.ID,
		StoreName:    task.Store.Name,
		Category:     task.Category.Name,
		CategoryPath: task.Category.Path,
		ProductID:    id,
		Name:         item.Name,
		InStock:      item.AvailabilityStatus == "IN_STOCK",
		Brand:        item.Brand,
		ImageURL:     item.ImageInfo.ThumbnailURL,
		Page:         task.Page,
		ScrapedAt:    now,
	}
	if item.PriceInfo.CurrentPrice != nil {
		r.Price = item.PriceInfo.CurrentPrice.Price
	}
	if item.CanonicalURL != "" {
		if strings.HasPrefix(item.CanonicalURL, "http") {
			r.ProductURL = item.CanonicalURL
		} else {
			r.ProductURL = n.BaseURL + item.CanonicalURL
		}
	}
	return r
}
