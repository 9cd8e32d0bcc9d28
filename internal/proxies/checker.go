package proxies

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/detect"
	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/RecoveryAshes/shelfscout/internal/utils"
	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const checkerUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// CheckResult 单个代理的预检结果
type CheckResult struct {
	Candidate models.ProxyCandidate `json:"candidate"`
	Address   string                `json:"address"`
	OK        bool                  `json:"ok"`
	Latency   time.Duration         `json:"latency"`
	Status    int                   `json:"status"`
	Reason    string                `json:"reason,omitempty"`
}

// Checker 代理预检器
// 职责: 通过代理访问检测URL,剔除不可用或被挑战的代理,并记录延迟
type Checker struct {
	urls    []string
	timeout time.Duration
	workers int
	logger  zerolog.Logger
}

// NewChecker 创建代理预检器
func NewChecker(cfg models.ProxyConfig) *Checker {
	c := &Checker{
		urls:    cfg.CheckURLs,
		timeout: cfg.CheckTimeout,
		workers: cfg.CheckWorkers,
		logger:  utils.Component("proxy_checker"),
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	if c.workers <= 0 {
		c.workers = 20
	}
	return c
}

// Check 并发预检全部候选,返回通过的候选(LatencyMs已更新)与全部结果
func (c *Checker) Check(ctx context.Context, candidates []models.ProxyCandidate) ([]models.ProxyCandidate, []CheckResult, error) {
	if len(c.urls) == 0 {
		return nil, nil, fmt.Errorf("未配置代理检测URL")
	}

	results := make([]CheckResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, cand := range candidates {
		i, cand := i, cand
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = CheckResult{Candidate: cand, Reason: "已取消"}
				return nil
			}
			results[i] = c.checkOne(gctx, cand)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, results, err
	}

	passed := make([]models.ProxyCandidate, 0, len(candidates))
	for _, r := range results {
		if !r.OK {
			continue
		}
		cand := r.Candidate
		cand.Address = r.Address
		cand.LatencyMs = float64(r.Latency) / float64(time.Millisecond)
		passed = append(passed, cand)
	}
	c.logger.Info().Int("total", len(candidates)).Int("passed", len(passed)).Msg("✅ 代理预检完成")
	return passed, results, ctx.Err()
}

func (c *Checker) checkOne(ctx context.Context, cand models.ProxyCandidate) CheckResult {
	res := CheckResult{Candidate: cand}
	addr, scheme, err := NormalizeAddress(cand)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	res.Address = addr
	if strings.HasPrefix(scheme, "socks") {
		res.Reason = "不支持SOCKS代理"
		return res
	}

	var total time.Duration
	for _, target := range c.urls {
		status, latency, reason := c.fetch(ctx, addr, target)
		res.Status = status
		if reason != "" {
			res.Reason = reason
			c.logger.Debug().Str("proxy", utils.RedactProxy(addr)).Str("url", target).Str("reason", reason).Msg("代理预检失败")
			return res
		}
		total += latency
	}
	res.OK = true
	res.Latency = total / time.Duration(len(c.urls))
	return res
}

// fetch 通过代理请求一次,返回状态码、耗时和失败原因(成功时为空)
func (c *Checker) fetch(ctx context.Context, addr, target string) (int, time.Duration, string) {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.UserAgent(checkerUserAgent),
		colly.StdlibContext(ctx),
	)
	collector.SetRequestTimeout(c.timeout)
	if err := collector.SetProxy(addr); err != nil {
		return 0, 0, fmt.Sprintf("设置代理失败: %v", err)
	}

	var (
		mu     sync.Mutex
		status int
		reason string
	)
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
		r.Headers.Set("Accept-Encoding", "gzip, deflate, br")
	})
	collector.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		status = r.StatusCode
		body, err := decompressBody(r.Headers.Get("Content-Encoding"), r.Body)
		if err != nil {
			reason = err.Error()
			return
		}
		if d := detect.Inspect(detect.Page{URL: r.Request.URL.String(), HTML: string(body)}); d.Detected {
			reason = "触发反爬: " + d.Signal
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		if r != nil {
			status = r.StatusCode
		}
		reason = fmt.Sprintf("请求失败: %v", err)
	})

	start := time.Now()
	err := collector.Visit(target)
	latency := time.Since(start)

	mu.Lock()
	defer mu.Unlock()
	if err != nil && reason == "" {
		reason = fmt.Sprintf("请求失败: %v", err)
	}
	return status, latency, reason
}

// decompressBody 按Content-Encoding解压响应体,gzip已由colly处理
func decompressBody(contentEncoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("brotli读取失败: %w", err)
		}
		return out, nil
	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()
		out, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("deflate读取失败: %w", err)
		}
		return out, nil
	default:
		return body, nil
	}
}
