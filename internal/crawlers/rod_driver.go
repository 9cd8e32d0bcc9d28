package crawlers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/RecoveryAshes/shelfscout/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BrowserProfile 桌面浏览器指纹
type BrowserProfile struct {
	UserAgent      string
	AcceptLanguage string
	Width          int
	Height         int
}

// DesktopProfiles 随机选用的桌面指纹集合
var DesktopProfiles = []BrowserProfile{
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.9",
		Width:          1920, Height: 1080,
	},
	{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.9",
		Width:          1440, Height: 900,
	},
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
		AcceptLanguage: "en-US,en;q=0.8",
		Width:          1536, Height: 864,
	},
	{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.7",
		Width:          1366, Height: 768,
	},
}

// cleanStorageJS 清理页面存储与可见cookie
const cleanStorageJS = `() => {
	try { if (window.localStorage) localStorage.clear(); } catch (e) {}
	try { if (window.sessionStorage) sessionStorage.clear(); } catch (e) {}
	try {
		document.cookie.split(";").forEach(function (c) {
			var name = c.split("=")[0].trim();
			if (name) document.cookie = name + "=;expires=Thu, 01 Jan 1970 00:00:00 UTC;path=/";
		});
	} catch (e) {}
	return true;
}`

// RodFactory 基于go-rod的浏览器工厂
// 职责: 每个会话启动独立的浏览器进程,绑定代理、独立用户目录与stealth标签页
type RodFactory struct {
	cfg    models.BrowserConfig
	logger zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRodFactory 创建浏览器工厂
func NewRodFactory(cfg models.BrowserConfig) *RodFactory {
	return &RodFactory{
		cfg:    cfg,
		logger: utils.Component("browser"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (f *RodFactory) pickProfile() BrowserProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return DesktopProfiles[f.rng.Intn(len(DesktopProfiles))]
}

// Launch 以指定代理启动浏览器
func (f *RodFactory) Launch(ctx context.Context, proxy models.ProxySnapshot) (Driver, error) {
	server, user, pass, err := splitProxyCredentials(proxy.Address)
	if err != nil {
		return nil, &models.SessionCreationError{Proxy: utils.RedactProxy(proxy.Address), Cause: err}
	}

	dataDir := ""
	if f.cfg.UserDataRoot != "" {
		dataDir = filepath.Join(f.cfg.UserDataRoot, "session-"+uuid.NewString())
	}

	l := launcher.New().
		Headless(f.cfg.Headless).
		NoSandbox(f.cfg.NoSandbox).
		Set("disable-blink-features", "AutomationControlled").
		Set("ignore-certificate-errors")
	if f.cfg.Bin != "" {
		l = l.Bin(f.cfg.Bin)
	}
	if server != "" {
		l = l.Proxy(server)
	}
	if dataDir != "" {
		l = l.UserDataDir(dataDir)
	}

	d := &rodDriver{launcher: l, dataDir: dataDir}
	fail := func(stage string, cause error) (Driver, error) {
		_ = d.Close()
		return nil, &models.SessionCreationError{
			Proxy: utils.RedactProxy(proxy.Address),
			Cause: fmt.Errorf("%s: %w", stage, cause),
		}
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fail("启动浏览器失败", err)
	}
	if ctx.Err() != nil {
		return fail("启动被取消", ctx.Err())
	}

	d.browser = rod.New().ControlURL(controlURL)
	if err := d.browser.Connect(); err != nil {
		d.browser = nil
		return fail("连接浏览器失败", err)
	}

	if user != "" {
		go d.handleProxyAuth(user, pass)
	}

	var page *rod.Page
	if f.cfg.Stealth {
		page, err = stealth.Page(d.browser)
	} else {
		page, err = d.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return fail("创建标签页失败", err)
	}
	d.page = page

	profile := f.pickProfile()
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      profile.UserAgent,
		AcceptLanguage: profile.AcceptLanguage,
	}); err != nil {
		return fail("设置UA失败", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             profile.Width,
		Height:            profile.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return fail("设置视口失败", err)
	}

	f.logger.Debug().
		Str("proxy", utils.RedactProxy(proxy.Address)).
		Str("control_url", controlURL).
		Msg("浏览器已启动")
	return d, nil
}

// splitProxyCredentials 拆分代理地址为不含凭据的server与用户名密码
func splitProxyCredentials(addr string) (server, user, pass string, err error) {
	if addr == "" {
		return "", "", "", nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", "", fmt.Errorf("解析代理地址失败: %w", err)
	}
	if u.Host == "" {
		return "", "", "", fmt.Errorf("代理地址缺少主机: %s", utils.RedactProxy(addr))
	}
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + u.Host, user, pass, nil
}

// rodDriver Driver的go-rod实现
type rodDriver struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	dataDir  string

	closeOnce sync.Once
}

// handleProxyAuth 持续应答代理的Basic认证,直到浏览器关闭
func (d *rodDriver) handleProxyAuth(user, pass string) {
	for {
		wait := d.browser.HandleAuth(user, pass)
		if err := wait(); err != nil {
			return
		}
	}
}

func (d *rodDriver) pageCtx(ctx context.Context) (*rod.Page, error) {
	if d.page == nil {
		return nil, errors.New("标签页未初始化")
	}
	return d.page.Context(ctx), nil
}

func (d *rodDriver) Navigate(ctx context.Context, target, referer string) error {
	p, err := d.pageCtx(ctx)
	if err != nil {
		return err
	}
	if referer != "" {
		cleanup, err := p.SetExtraHeaders([]string{"Referer", referer})
		if err != nil {
			return fmt.Errorf("设置Referer失败: %w", err)
		}
		defer cleanup()
	}
	if err := p.Navigate(target); err != nil {
		return fmt.Errorf("导航失败: %w", err)
	}
	return nil
}

func (d *rodDriver) ReadyState(ctx context.Context) (string, error) {
	p, err := d.pageCtx(ctx)
	if err != nil {
		return "", err
	}
	res, err := p.Eval(`() => document.readyState`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (d *rodDriver) ElementCount(ctx context.Context) (int, error) {
	p, err := d.pageCtx(ctx)
	if err != nil {
		return 0, err
	}
	res, err := p.Eval(`() => document.getElementsByTagName('*').length`)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

func (d *rodDriver) Snapshot(ctx context.Context) (PageSnapshot, error) {
	p, err := d.pageCtx(ctx)
	if err != nil {
		return PageSnapshot{}, err
	}
	info, err := p.Info()
	if err != nil {
		return PageSnapshot{}, fmt.Errorf("读取页面信息失败: %w", err)
	}
	html, err := p.HTML()
	if err != nil {
		return PageSnapshot{}, fmt.Errorf("读取页面HTML失败: %w", err)
	}
	return PageSnapshot{URL: info.URL, Title: info.Title, HTML: html}, nil
}

func (d *rodDriver) Viewport(ctx context.Context) (float64, float64, error) {
	p, err := d.pageCtx(ctx)
	if err != nil {
		return 0, 0, err
	}
	w, err := p.Eval(`() => window.innerWidth`)
	if err != nil {
		return 0, 0, err
	}
	h, err := p.Eval(`() => window.innerHeight`)
	if err != nil {
		return 0, 0, err
	}
	return w.Value.Num(), h.Value.Num(), nil
}

func (d *rodDriver) Scroll(ctx context.Context, dy float64, steps int) error {
	p, err := d.pageCtx(ctx)
	if err != nil {
		return err
	}
	return p.Mouse.Scroll(0, dy, steps)
}

func (d *rodDriver) MoveMouse(ctx context.Context, x, y float64) error {
	p, err := d.pageCtx(ctx)
	if err != nil {
		return err
	}
	return p.Mouse.MoveTo(proto.Point{X: x, Y: y})
}

func (d *rodDriver) ResetState(ctx context.Context) error {
	p, err := d.pageCtx(ctx)
	if err != nil {
		return err
	}
	if _, err := p.Evaluate(&rod.EvalOptions{JS: cleanStorageJS}); err != nil {
		log.Debug().Err(err).Msg("清理页面存储失败")
	}
	if err := (proto.NetworkClearBrowserCookies{}).Call(p); err != nil {
		return fmt.Errorf("清理cookie失败: %w", err)
	}
	if err := p.Navigate("about:blank"); err != nil {
		return fmt.Errorf("导航到空白页失败: %w", err)
	}
	return nil
}

// Close 关闭浏览器进程并删除用户目录
func (d *rodDriver) Close() error {
	var closeErr error
	d.closeOnce.Do(func() {
		if d.browser != nil {
			closeErr = d.browser.Close()
		}
		// Cleanup会等待进程退出,未成功启动时不能调用
		if d.launcher != nil && d.launcher.PID() != 0 {
			d.launcher.Kill()
			d.launcher.Cleanup()
		}
		if d.dataDir != "" {
			if err := os.RemoveAll(d.dataDir); err != nil {
				log.Debug().Err(err).Str("dir", d.dataDir).Msg("删除用户目录失败")
			}
		}
	})
	return closeErr
}
