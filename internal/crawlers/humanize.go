package crawlers

import (
	"context"
	"fmt"
)

// ScrollPattern 滚动模式
type ScrollPattern string

const (
	ScrollSmooth        ScrollPattern = "smooth_down"
	ScrollChunky        ScrollPattern = "chunky_down"
	ScrollScanAndReturn ScrollPattern = "scan_and_return"
	ScrollQuickScan     ScrollPattern = "quick_scan"
)

var scrollPatterns = []ScrollPattern{ScrollSmooth, ScrollChunky, ScrollScanAndReturn, ScrollQuickScan}

// ReferrerPattern 导航来源及其权重
type ReferrerPattern struct {
	Name    string
	Weight  float64
	Referer []string // 为空表示直接访问
}

// DefaultReferrerPatterns 预热导航使用的来源分布
var DefaultReferrerPatterns = []ReferrerPattern{
	{Name: "direct", Weight: 0.3},
	{Name: "google_search", Weight: 0.4, Referer: []string{"https://www.google.com/"}},
	{Name: "internal", Weight: 0.2}, // 使用站点首页
	{Name: "social_media", Weight: 0.1, Referer: []string{
		"https://www.facebook.com/",
		"https://twitter.com/",
		"https://www.pinterest.com/",
	}},
}

// Point 视口坐标
type Point struct {
	X, Y float64
}

// Humanizer 模拟真人浏览的滚动与鼠标轨迹
type Humanizer struct {
	rnd *Backoff
	// 单次交互的最大动作数
	maxActions int
}

// NewHumanizer 创建交互模拟器
func NewHumanizer(rnd *Backoff) *Humanizer {
	return &Humanizer{rnd: rnd, maxActions: 8}
}

// PickReferrer 按权重选择来源,internal返回站点首页
func (h *Humanizer) PickReferrer(home string) string {
	roll := h.rnd.Float64()
	acc := 0.0
	for _, p := range DefaultReferrerPatterns {
		acc += p.Weight
		if roll >= acc {
			continue
		}
		if p.Name == "internal" {
			return home
		}
		if len(p.Referer) == 0 {
			return ""
		}
		return p.Referer[h.rnd.Intn(len(p.Referer))]
	}
	return ""
}

// MousePath 生成两点之间带弧度的轨迹,中段偏移最大
func (h *Humanizer) MousePath(from, to Point, points int) []Point {
	if points < 2 {
		points = 2
	}
	path := make([]Point, 0, points)
	for i := 0; i < points; i++ {
		t := float64(i) / float64(points-1)
		weight := 1 - abs(t-0.5)*2
		offset := float64(h.rnd.Intn(101)-50) * weight
		path = append(path, Point{
			X: from.X + (to.X-from.X)*t + offset,
			Y: from.Y + (to.Y-from.Y)*t + offset*0.5,
		})
	}
	return path
}

// PickScrollPattern 随机选择滚动模式
func (h *Humanizer) PickScrollPattern() ScrollPattern {
	return scrollPatterns[h.rnd.Intn(len(scrollPatterns))]
}

// scrollPlan 将滚动模式展开为相对位移序列(像素)
func (h *Humanizer) scrollPlan(pattern ScrollPattern, viewportH float64) []float64 {
	pageH := viewportH * 4
	switch pattern {
	case ScrollSmooth:
		var plan []float64
		for pos := 0.0; pos < pageH-viewportH && len(plan) < h.maxActions; {
			step := float64(100 + h.rnd.Intn(201))
			plan = append(plan, step)
			pos += step
		}
		return plan
	case ScrollChunky:
		chunks := 3 + h.rnd.Intn(3)
		plan := make([]float64, 0, chunks)
		for i := 0; i < chunks; i++ {
			plan = append(plan, pageH/float64(chunks))
		}
		return plan
	case ScrollScanAndReturn:
		return []float64{pageH * 0.7, -pageH * 0.4}
	default:
		return []float64{pageH, -pageH}
	}
}

// Interact 在页面上执行一轮有上限的滚动与鼠标移动
func (h *Humanizer) Interact(ctx context.Context, d Driver) error {
	w, vh, err := d.Viewport(ctx)
	if err != nil {
		return fmt.Errorf("读取视口失败: %w", err)
	}
	if w <= 0 || vh <= 0 {
		w, vh = 1280, 720
	}

	pattern := h.PickScrollPattern()
	for _, dy := range h.scrollPlan(pattern, vh) {
		if err := d.Scroll(ctx, dy, 3+h.rnd.Intn(5)); err != nil {
			return fmt.Errorf("滚动失败(%s): %w", pattern, err)
		}
		if err := Sleep(ctx, h.rnd.Jitter(DelayInteract)); err != nil {
			return err
		}
	}

	from := Point{X: float64(h.rnd.Intn(int(w))), Y: float64(h.rnd.Intn(int(vh)))}
	to := Point{X: float64(h.rnd.Intn(int(w))), Y: float64(h.rnd.Intn(int(vh)))}
	for _, p := range h.MousePath(from, to, 5) {
		if err := d.MoveMouse(ctx, clamp(p.X, 0, w-1), clamp(p.Y, 0, vh-1)); err != nil {
			return fmt.Errorf("移动鼠标失败: %w", err)
		}
	}
	return Sleep(ctx, h.rnd.Jitter(DelayInteract))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
