package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/RecoveryAshes/stealthfetch/internal/privacy"
	"github.com/ysmood/gson"
)

// 测试URL中的关键字决定假驱动的行为
const (
	behaviorLeak      = "leak"      // 文档永远不就绪
	behaviorTransport = "transport" // 导航时通信错误
	behaviorBlock     = "block"     // 导航阻塞直到被取消
)

// pageDriver 按URL关键字模拟页面行为的驱动
type pageDriver struct {
	id      string
	factory *pageFactory
	current string
}

func (d *pageDriver) ID() string { return d.id }

func (d *pageDriver) Navigate(ctx context.Context, url string) error {
	d.current = url
	d.factory.record(url)
	switch {
	case strings.Contains(url, behaviorTransport):
		return fmt.Errorf("%w: connection reset", models.ErrDriverTransport)
	case strings.Contains(url, behaviorBlock):
		select {
		case d.factory.blocked <- url:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return ctx.Err()
}

func (d *pageDriver) Evaluate(ctx context.Context, expression string) (gson.JSON, error) {
	switch {
	case strings.Contains(expression, "waitForReady"):
		if strings.Contains(d.current, behaviorLeak) {
			return gson.New(false), nil
		}
		return gson.New(`{"ready":true}`), nil
	case strings.Contains(expression, "compute"):
		return gson.New(`{"trace":{"ni":2,"na":3}}`), nil
	}
	return gson.New(nil), nil
}

func (d *pageDriver) PageSource(ctx context.Context) (string, error) {
	return "<html><head><title>page " + d.current + "</title></head><body></body></html>", nil
}

func (d *pageDriver) Stop(ctx context.Context) error { return nil }

func (d *pageDriver) LoadResource(ctx context.Context, url string) (*models.Response, error) {
	d.factory.record(url)
	resp := models.NewResponse(models.StatusSuccess)
	resp.ContentType = "application/json"
	resp.PageSource = `{"ok":true}`
	return resp, nil
}

func (d *pageDriver) SupportJavascript() bool { return true }
func (d *pageDriver) Close() error            { return nil }

// pageFactory 记录创建的驱动与导航过的URL
type pageFactory struct {
	created atomic.Int32
	closed  atomic.Int32
	blocked chan string

	mu     sync.Mutex
	visits map[string]int
	ids    []models.BrowserInstanceID
}

func newPageFactory() *pageFactory {
	return &pageFactory{
		blocked: make(chan string, 1),
		visits:  make(map[string]int),
	}
}

func (f *pageFactory) New(ctx context.Context, id models.BrowserInstanceID) (models.WebDriver, error) {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
	return &pageDriver{id: fmt.Sprintf("page-%d", f.created.Add(1)), factory: f}, nil
}

func (f *pageFactory) CloseInstance(id models.BrowserInstanceID) error {
	f.closed.Add(1)
	return nil
}

func (f *pageFactory) record(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits[url]++
}

func (f *pageFactory) visitsOf(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visits[url]
}

func (f *pageFactory) instances() []models.BrowserInstanceID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.BrowserInstanceID(nil), f.ids...)
}

// newTestConfig 交互间隔极短、固定驱动容量的配置
func newTestConfig() *Config {
	config := &Config{}
	config.Pool = PoolConfig{MaxDrivers: 2, TaskTimeout: 5 * time.Second, CloseTimeToWait: 100 * time.Millisecond}
	config.Privacy = privacy.DefaultConfig()
	config.Privacy.CloseTimeToWait = 100 * time.Millisecond
	config.Fetch = FetchConfig{Workers: 2, MaxCrawlRetries: 1}
	config.Fetch.Interact.ReadyInterval = time.Millisecond
	config.Fetch.Interact.ReadyRounds = 3
	config.Fetch.Interact.InitialScroll = 1
	config.Fetch.Interact.ScrollCount = 1
	config.Fetch.Interact.ScrollInterval = 0
	return config
}
