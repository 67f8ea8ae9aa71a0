package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/stealthfetch/internal/driver"
	"github.com/RecoveryAshes/stealthfetch/internal/emulator"
	"github.com/RecoveryAshes/stealthfetch/internal/metrics"
	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/RecoveryAshes/stealthfetch/internal/privacy"
	"github.com/RecoveryAshes/stealthfetch/internal/proxy"
	"github.com/RecoveryAshes/stealthfetch/internal/utils"
)

var (
	// ErrFetcherClosed 抓取器已关闭
	ErrFetcherClosed = errors.New("抓取器已关闭")
)

// Fetcher 抓取编排器
// 组装顺序: 指标 -> 代理工厂 -> 驱动池管理器 -> 隐私管理器 -> 模拟器
type Fetcher struct {
	config   *Config
	metrics  *metrics.Registry
	proxies  *proxy.Factory
	factory  driver.Factory
	drivers  *driver.Manager
	privacy  *privacy.Manager
	emulator *emulator.Emulator
	monitor  *driver.ResourceMonitor

	// tasks 按导航地址记录进行中的任务, 用于取消
	tasks  sync.Map
	closed atomic.Bool
}

// Option 抓取器选项
type Option func(*Fetcher)

// WithDriverFactory 替换默认的 go-rod 驱动工厂
func WithDriverFactory(factory driver.Factory) Option {
	return func(f *Fetcher) { f.factory = factory }
}

// WithMetrics 使用外部指标表
func WithMetrics(registry *metrics.Registry) Option {
	return func(f *Fetcher) { f.metrics = registry }
}

// WithProxyFactory 替换基于配置的代理工厂
func WithProxyFactory(proxies *proxy.Factory) Option {
	return func(f *Fetcher) { f.proxies = proxies }
}

// NewFetcher 创建抓取器
func NewFetcher(config *Config, opts ...Option) (*Fetcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	headers, err := models.CliHeaders(config.Fetch.Headers).Parse()
	if err != nil {
		return nil, fmt.Errorf("解析请求头失败: %w", err)
	}

	f := &Fetcher{config: config}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = metrics.NewRegistry()
	}
	if f.proxies == nil {
		f.proxies = proxy.NewStaticFactory(config.Proxy)
	}
	if f.factory == nil {
		f.factory = driver.NewRodFactory(driver.RodConfig{
			Headless:    config.Browser.Headless,
			NoSandbox:   config.Browser.NoSandbox,
			Bin:         config.Browser.Bin,
			DataDir:     config.Browser.DataDir,
			Stealth:     config.Browser.Stealth,
			InitScripts: []string{emulator.UtilsScript()},
		}, driver.NewResourceLoader(config.Resource.Timeout))
	}

	f.drivers = driver.NewManager(driver.ManagerConfig{
		TaskTimeout:     config.Pool.TaskTimeout,
		CloseTimeToWait: config.Pool.CloseTimeToWait,
	}, f.factory, f.capacity(), f.metrics)

	fingerprints := make([]models.Fingerprint, 0, len(config.Fingerprints))
	for _, fp := range config.Fingerprints {
		fingerprints = append(fingerprints, fp.WithHeaders(headers))
	}
	if len(fingerprints) == 0 {
		for _, fp := range privacy.DefaultFingerprints {
			fingerprints = append(fingerprints, fp.WithHeaders(headers))
		}
	}

	f.privacy = privacy.NewManager(config.Privacy, f.drivers, f.proxies,
		privacy.NewFingerprintPool(fingerprints), f.metrics)
	f.emulator = emulator.New(config.Fetch.Interact, f.drivers, f.metrics)

	utils.Infof("抓取器已创建 (驱动容量: %s, 代理数: %d, 指纹数: %d)",
		f.capacityName(), len(config.Proxy.URLs), len(fingerprints))
	return f, nil
}

// capacity 固定容量或按系统资源计算的容量
func (f *Fetcher) capacity() func() driver.Capacity {
	if n := f.config.Pool.MaxDrivers; n > 0 {
		return func() driver.Capacity { return driver.FixedCapacity(n) }
	}

	const mb = 1024 * 1024
	rc := f.config.Resource
	f.monitor = driver.NewResourceMonitor(driver.ResourceMonitorConfig{
		SafetyReserveMemory: rc.SafetyReserveMemory * mb,
		SafetyThreshold:     rc.SafetyReserveMemory * mb / 2,
		CPULoadThreshold:    rc.CPULoadThreshold,
		MaxDriversLimit:     rc.MaxDriversLimit,
		DriverMemoryUsage:   rc.DriverMemoryUsage * mb,
	})
	interval := rc.MonitorInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	f.monitor.StartMonitoring(interval)
	return func() driver.Capacity { return f.monitor }
}

func (f *Fetcher) capacityName() string {
	if f.monitor != nil {
		return fmt.Sprintf("自动(%d)", f.monitor.MaxDrivers())
	}
	return fmt.Sprintf("固定(%d)", f.config.Pool.MaxDrivers)
}

// Events 对所有页面生效的事件注册表
func (f *Fetcher) Events() *models.EventRegistry {
	return f.emulator.Events()
}

// FetchOption 单次抓取选项
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	batchID  string
	priority int
	href     string
	referrer string
	resource bool
	handlers map[models.EventType][]models.EventHandler
}

// WithBatchID 设置批次标识
func WithBatchID(id string) FetchOption {
	return func(o *fetchOptions) { o.batchID = id }
}

// WithPriority 设置任务优先级
func WithPriority(priority int) FetchOption {
	return func(o *fetchOptions) { o.priority = priority }
}

// WithHref 设置实际导航地址
func WithHref(href string) FetchOption {
	return func(o *fetchOptions) { o.href = href }
}

// WithReferrer 设置来源页
func WithReferrer(referrer string) FetchOption {
	return func(o *fetchOptions) { o.referrer = referrer }
}

// AsResource 作为资源直接加载, 不渲染页面
func AsResource() FetchOption {
	return func(o *fetchOptions) { o.resource = true }
}

// OnEvent 注册页面级事件处理函数
func OnEvent(event models.EventType, handler models.EventHandler) FetchOption {
	return func(o *fetchOptions) {
		if o.handlers == nil {
			o.handlers = make(map[models.EventType][]models.EventHandler)
		}
		o.handlers[event] = append(o.handlers[event], handler)
	}
}

// NewTask 由URL与选项构造抓取任务
func (f *Fetcher) NewTask(rawURL string, opts ...FetchOption) (*models.FetchTask, error) {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := models.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if o.href != "" {
		if err := models.ValidateURL(o.href); err != nil {
			return nil, err
		}
	}

	page := models.NewWebPage(rawURL)
	page.Href = o.href
	page.Referrer = o.referrer
	page.IsResource = o.resource
	for event, handlers := range o.handlers {
		for _, h := range handlers {
			page.Events.On(event, h)
		}
	}
	return models.NewFetchTask(o.batchID, o.priority, page, models.Fingerprint{}), nil
}

// Fetch 抓取单个URL, 总是返回结果
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts ...FetchOption) *models.FetchResult {
	task, err := f.NewTask(rawURL, opts...)
	if err != nil {
		page := models.NewWebPage(rawURL)
		return models.FailedResult(models.NewFetchTask("", 0, page, models.Fingerprint{}), err)
	}
	return f.FetchTask(ctx, task)
}

// FetchTask 抓取任务, 阻塞直到得到结果
func (f *Fetcher) FetchTask(ctx context.Context, task *models.FetchTask) *models.FetchResult {
	if f.closed.Load() {
		return models.CanceledResult(task)
	}

	location := task.Location()
	f.tasks.Store(location, task)
	defer f.tasks.CompareAndDelete(location, task)

	result := f.privacy.Run(ctx, task, f.fetch)
	utils.Debugf("%s -> %s", task, result.Tag())
	return result
}

// FetchAsync 非阻塞抓取, 结果通道恰好收到一个结果后关闭
func (f *Fetcher) FetchAsync(ctx context.Context, task *models.FetchTask) <-chan *models.FetchResult {
	ch := make(chan *models.FetchResult, 1)
	go func() {
		defer close(ch)
		ch <- f.FetchTask(ctx, task)
	}()
	return ch
}

// fetch 在隐私上下文选出的驱动上执行交互式抓取
func (f *Fetcher) fetch(ctx context.Context, task *models.FetchTask, d *driver.ManagedDriver) *models.FetchResult {
	return f.emulator.Fetch(ctx, task, d)
}

// Cancel 取消正在抓取该URL的任务, 返回是否找到
func (f *Fetcher) Cancel(url string) bool {
	if v, ok := f.tasks.Load(url); ok {
		f.emulator.Cancel(v.(*models.FetchTask))
		return true
	}
	return f.drivers.Cancel(url) != nil
}

// CancelAll 取消所有进行中的任务
func (f *Fetcher) CancelAll() int {
	n := 0
	f.tasks.Range(func(_, v any) bool {
		v.(*models.FetchTask).Cancel()
		n++
		return true
	})
	canceled := f.drivers.CancelAll()
	if len(canceled) > n {
		n = len(canceled)
	}
	return n
}

// Stats 抓取器统计
type Stats struct {
	Drivers     driver.Stats     `json:"drivers"`
	Metrics     map[string]int64 `json:"metrics"`
	Contexts    []privacy.Report `json:"contexts"`
	BadContexts int              `json:"bad_contexts"`
}

// Stats 返回当前统计
func (f *Fetcher) Stats() Stats {
	return Stats{
		Drivers:     f.drivers.Stats(),
		Metrics:     f.metrics.Snapshot(),
		Contexts:    f.privacy.Reports(),
		BadContexts: f.privacy.NumBadContexts(),
	}
}

// Close 依次关闭模拟器、隐私管理器、驱动池与浏览器
func (f *Fetcher) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.CancelAll()
	f.emulator.Close()

	ctx, cancel := context.WithTimeout(context.Background(), f.config.Privacy.CloseTimeToWait+f.config.Pool.CloseTimeToWait+time.Second)
	defer cancel()

	var errs []error
	if err := f.privacy.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("关闭隐私管理器失败: %w", err))
	}
	if err := f.drivers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("关闭驱动池失败: %w", err))
	}
	if closer, ok := f.factory.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭浏览器失败: %w", err))
		}
	}
	if f.monitor != nil {
		f.monitor.StopMonitoring()
	}

	f.metrics.Log(utils.Logger)
	utils.Infof("抓取器已关闭")
	return errors.Join(errs...)
}
