package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/RecoveryAshes/stealthfetch/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"github.com/ysmood/gson"
)

// RodConfig 浏览器启动配置
type RodConfig struct {
	Headless  bool
	NoSandbox bool
	// Bin 浏览器可执行文件,为空时由 launcher 自动下载或查找
	Bin string
	// DataDir 用户数据根目录,每个隐私上下文使用独立子目录
	DataDir string
	// Stealth 是否注入反检测脚本
	Stealth bool
	// InitScripts 每个新文档加载前执行的脚本
	InitScripts []string
}

// RodFactory 基于 go-rod 的驱动工厂
// 每个浏览器身份对应一个浏览器进程,每个驱动是其中的一个标签页
type RodFactory struct {
	config RodConfig
	loader *ResourceLoader

	mu       sync.Mutex
	browsers map[string]*rodBrowser
}

type rodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	cancel   context.CancelFunc
}

// NewRodFactory 创建驱动工厂
func NewRodFactory(config RodConfig, loader *ResourceLoader) *RodFactory {
	return &RodFactory{
		config:   config,
		loader:   loader,
		browsers: make(map[string]*rodBrowser),
	}
}

// New 在身份对应的浏览器中打开一个新标签页
func (f *RodFactory) New(ctx context.Context, id models.BrowserInstanceID) (models.WebDriver, error) {
	b, err := f.browserFor(ctx, id)
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if f.config.Stealth {
		page, err = stealth.Page(b.browser)
	} else {
		page, err = b.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 创建标签页失败(浏览器可能已崩溃): %v", models.ErrDriverCreation, err)
	}

	if err := applyFingerprint(page, id.Fingerprint); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrDriverCreation, err)
	}
	for _, js := range f.config.InitScripts {
		if _, err := page.EvalOnNewDocument(js); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("%w: 注入页面脚本失败: %v", models.ErrDriverCreation, err)
		}
	}

	return newRodDriver(page, id, f.loader), nil
}

func applyFingerprint(page *rod.Page, fp models.Fingerprint) error {
	if fp.UserAgent != "" {
		err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      fp.UserAgent,
			AcceptLanguage: fp.Locale,
		})
		if err != nil {
			return fmt.Errorf("设置User-Agent失败: %w", err)
		}
	}
	if fp.ViewportWidth > 0 && fp.ViewportHeight > 0 {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             fp.ViewportWidth,
			Height:            fp.ViewportHeight,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			return fmt.Errorf("设置视口失败: %w", err)
		}
	}
	if len(fp.ExtraHeaders) > 0 {
		var dict []string
		for name := range fp.ExtraHeaders {
			dict = append(dict, name, fp.ExtraHeaders.Get(name))
		}
		if _, err := page.SetExtraHeaders(dict); err != nil {
			return fmt.Errorf("设置附加请求头失败: %w", err)
		}
	}
	return nil
}

func (f *RodFactory) browserFor(ctx context.Context, id models.BrowserInstanceID) (*rodBrowser, error) {
	key := id.String()

	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.browsers[key]; ok {
		return b, nil
	}

	l := launcher.New().
		Headless(f.config.Headless).
		NoSandbox(f.config.NoSandbox).
		Set("ignore-certificate-errors")
	if f.config.Bin != "" {
		l = l.Bin(f.config.Bin)
	}
	if f.config.DataDir != "" {
		l = l.UserDataDir(filepath.Join(f.config.DataDir, id.Profile))
	}
	if id.Proxy != nil {
		l = l.Proxy(id.Proxy.HostPort())
	}

	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: 启动浏览器失败: %v", models.ErrDriverCreation, err)
	}

	bctx, cancel := context.WithCancel(context.Background())
	browser := rod.New().ControlURL(controlURL).Context(bctx)
	if err := browser.Connect(); err != nil {
		cancel()
		l.Kill()
		return nil, fmt.Errorf("%w: 连接浏览器失败: %v", models.ErrDriverCreation, err)
	}

	if id.Proxy != nil && id.Proxy.Username != "" {
		go handleProxyAuth(browser, id.Proxy.Username, id.Proxy.Password)
	}

	b := &rodBrowser{browser: browser, launcher: l, cancel: cancel}
	f.browsers[key] = b
	utils.Infof("浏览器已启动: %s (代理: %s)", id.Display(), id.Proxy)
	return b, nil
}

// handleProxyAuth 持续响应代理认证请求,直到浏览器关闭
func handleProxyAuth(browser *rod.Browser, username, password string) {
	for {
		wait := browser.HandleAuth(username, password)
		if err := wait(); err != nil {
			return
		}
	}
}

// CloseInstance 关闭身份对应的浏览器进程
func (f *RodFactory) CloseInstance(id models.BrowserInstanceID) error {
	f.mu.Lock()
	b, ok := f.browsers[id.String()]
	delete(f.browsers, id.String())
	f.mu.Unlock()
	if !ok {
		return nil
	}

	err := b.browser.Close()
	b.cancel()
	b.launcher.Kill()
	b.launcher.Cleanup()
	utils.Debugf("浏览器已关闭: %s", id.Display())
	return err
}

// Close 关闭所有浏览器进程
func (f *RodFactory) Close() error {
	f.mu.Lock()
	browsers := f.browsers
	f.browsers = make(map[string]*rodBrowser)
	f.mu.Unlock()

	var errs []error
	for _, b := range browsers {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, err)
		}
		b.cancel()
		b.launcher.Kill()
	}
	return errors.Join(errs...)
}

// RodDriver 基于 go-rod 标签页的驱动
type RodDriver struct {
	id     string
	page   *rod.Page
	fp     models.Fingerprint
	proxy  *models.ProxyEntry
	loader *ResourceLoader
	cancel context.CancelFunc

	mu  sync.Mutex
	doc *models.DocumentInfo
}

func newRodDriver(page *rod.Page, id models.BrowserInstanceID, loader *ResourceLoader) *RodDriver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &RodDriver{
		id:     uuid.New().String()[:8],
		page:   page.Context(ctx),
		fp:     id.Fingerprint,
		proxy:  id.Proxy,
		loader: loader,
		cancel: cancel,
	}

	// 记录主文档响应,用于把HTTP状态码转换为协议状态
	go d.page.EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Type != proto.NetworkResourceTypeDocument {
			return
		}
		headers := make(http.Header)
		for name, v := range e.Response.Headers {
			headers.Set(name, v.String())
		}
		d.mu.Lock()
		d.doc = &models.DocumentInfo{
			URL:         e.Response.URL,
			StatusCode:  e.Response.Status,
			ContentType: e.Response.MIMEType,
			Headers:     headers,
		}
		d.mu.Unlock()
	})()

	return d
}

func (d *RodDriver) ID() string { return d.id }

func (d *RodDriver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	d.doc = nil
	d.mu.Unlock()
	return mapRodError(d.page.Context(ctx).Navigate(url))
}

func (d *RodDriver) Evaluate(ctx context.Context, expression string) (gson.JSON, error) {
	res, err := d.page.Context(ctx).Evaluate(rod.Eval("() => " + expression).ByPromise())
	if err != nil {
		return gson.New(nil), mapRodError(err)
	}
	return res.Value, nil
}

func (d *RodDriver) PageSource(ctx context.Context) (string, error) {
	html, err := d.page.Context(ctx).HTML()
	return html, mapRodError(err)
}

func (d *RodDriver) Stop(ctx context.Context) error {
	return mapRodError(proto.PageStopLoading{}.Call(d.page.Context(ctx)))
}

func (d *RodDriver) LoadResource(ctx context.Context, url string) (*models.Response, error) {
	if d.loader == nil {
		return nil, fmt.Errorf("%w: 未配置资源加载器", models.ErrDriverTransport)
	}
	return d.loader.Load(ctx, url, d.fp, d.proxy)
}

func (d *RodDriver) SupportJavascript() bool { return true }

// LastDocument 最近一次导航的主文档响应
func (d *RodDriver) LastDocument() *models.DocumentInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc
}

func (d *RodDriver) Close() error {
	err := d.page.Close()
	d.cancel()
	return err
}

// mapRodError 把 CDP 错误映射到抓取核心的错误分类
func mapRodError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isConnClosed(err) || errors.Is(err, cdp.ErrSessionNotFound) || isSessionLost(err.Error()) {
		return fmt.Errorf("%w: %v", models.ErrSessionLost, err)
	}
	return fmt.Errorf("%w: %v", models.ErrDriverTransport, err)
}

// isConnClosed websocket 断开时 rod 直接返回底层读写错误
func isConnClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func isSessionLost(msg string) bool {
	for _, s := range []string{
		"Session with given id not found",
		"Target closed",
		"No target with given id found",
		"websocket: close",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
