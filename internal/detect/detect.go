// Package detect 识别反爬挑战页面
package detect

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	// Keywords 标题/正文中出现即视为挑战页
	Keywords = []string{
		"robot or human",
		"are you a robot",
		"access denied",
		"please verify",
		"unusual traffic",
		"suspicious activity",
		"bot detection",
		"security check",
		"challenge",
		"verify you're human",
	}

	// Markers 挑战页的DOM特征
	Markers = []string{"#px-captcha", "#px-captcha iframe"}

	// BlockedPaths 被重定向到的封禁路径
	BlockedPaths = []string{"/blocked"}
)

const pressAndHold = "press & hold"

// Page 待检测的页面内容
type Page struct {
	URL   string
	Title string
	HTML  string
}

// Result 检测结果
type Result struct {
	Detected bool
	Signal   string // 命中的信号,便于日志
}

// Inspect 检测页面是否为反爬挑战
func Inspect(p Page) Result {
	lowerURL := strings.ToLower(p.URL)
	for _, bp := range BlockedPaths {
		if strings.Contains(lowerURL, bp) {
			return Result{Detected: true, Signal: "redirect:" + bp}
		}
	}

	title := strings.ToLower(p.Title)
	var text string
	var doc *goquery.Document
	if p.HTML != "" {
		if node, err := html.Parse(strings.NewReader(p.HTML)); err == nil {
			doc = goquery.NewDocumentFromNode(node)
			if title == "" {
				title = strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
			}
			body := doc.Find("body").Clone()
			body.Find("script, style, noscript").Remove()
			text = strings.ToLower(body.Text())
		}
	}

	if doc != nil {
		for _, m := range Markers {
			if doc.Find(m).Length() > 0 {
				return Result{Detected: true, Signal: "marker:" + m}
			}
		}
		if strings.Contains(text, pressAndHold) {
			return Result{Detected: true, Signal: "marker:press-and-hold"}
		}
	}

	productPage := strings.Contains(lowerURL, "/ip/")
	for _, kw := range Keywords {
		// 商品页正文可能正常出现 "challenge"
		if kw == "challenge" && productPage {
			continue
		}
		if strings.Contains(title, kw) || strings.Contains(text, kw) {
			return Result{Detected: true, Signal: "keyword:" + kw}
		}
	}
	return Result{}
}
