package privacy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/stealthfetch/internal/driver"
	"github.com/RecoveryAshes/stealthfetch/internal/metrics"
	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/RecoveryAshes/stealthfetch/internal/preempt"
	"github.com/RecoveryAshes/stealthfetch/internal/proxy"
	"github.com/RecoveryAshes/stealthfetch/internal/utils"
)

var (
	// ErrManagerClosed 隐私管理器已关闭
	ErrManagerClosed = errors.New("隐私管理器已关闭")
)

// Config 隐私管理配置
type Config struct {
	// MaxRetry 单个任务最多尝试的隐私上下文数
	MaxRetry int `mapstructure:"max_retry"`
	// LeakWarningThreshold 告警达到该值时上下文视为泄露
	LeakWarningThreshold int `mapstructure:"leak_warning_threshold"`
	// MaxZombies 保留的退役上下文数量
	MaxZombies int `mapstructure:"max_zombies"`
	// MaxBadContexts 连续坏上下文超过该值时告警
	MaxBadContexts int `mapstructure:"max_bad_contexts"`
	// CloseTimeToWait 退役时等待进行中任务的时间
	CloseTimeToWait time.Duration `mapstructure:"close_time_to_wait"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxRetry:             2,
		LeakWarningThreshold: 1,
		MaxZombies:           15,
		MaxBadContexts:       10,
		CloseTimeToWait:      10 * time.Second,
	}
}

// Manager 持有唯一的活动隐私上下文, 负责泄露检测、独占轮换与有界重试
type Manager struct {
	config       Config
	drivers      *driver.Manager
	proxies      *proxy.Factory
	fingerprints *FingerprintPool
	sink         metrics.Sink
	gate         *preempt.Gate

	// active 只在 gate.Preempt 内替换
	active atomic.Pointer[PrivacyContext]
	seq    atomic.Int64

	mu      sync.Mutex
	zombies []*PrivacyContext

	closed atomic.Bool
}

// NewManager 创建隐私管理器
func NewManager(config Config, drivers *driver.Manager, proxies *proxy.Factory, fingerprints *FingerprintPool, sink metrics.Sink) *Manager {
	defaults := DefaultConfig()
	if config.MaxRetry <= 0 {
		config.MaxRetry = defaults.MaxRetry
	}
	if config.LeakWarningThreshold <= 0 {
		config.LeakWarningThreshold = defaults.LeakWarningThreshold
	}
	if config.MaxZombies <= 0 {
		config.MaxZombies = defaults.MaxZombies
	}
	if config.MaxBadContexts <= 0 {
		config.MaxBadContexts = defaults.MaxBadContexts
	}
	if fingerprints == nil {
		fingerprints = NewFingerprintPool(nil)
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Manager{
		config:       config,
		drivers:      drivers,
		proxies:      proxies,
		fingerprints: fingerprints,
		sink:         sink,
		gate:         preempt.New(),
	}
}

// Run 阻塞执行任务, 在隐私上下文泄露时换新上下文重试
// 返回值总是五种标签之一, 重试耗尽的隐私重试变为 CRAWL_RETRY
func (m *Manager) Run(ctx context.Context, task *models.FetchTask, fetch FetchFunc) *models.FetchResult {
	if m.closed.Load() {
		return m.crawlRetry(task, ErrManagerClosed)
	}

	result := m.run(ctx, task, fetch)
	if result.Tag() == models.TagPrivacyRetry {
		if result.Task.NPrivacyRetries > 1 {
			utils.Warnf("%s 经过 %d 次尝试仍然隐私泄露", shortTaskID(task), result.Task.NPrivacyRetries)
		}
		return m.crawlRetry(result.Task, result.Err)
	}
	if result.Tag() == models.TagCrawlRetry {
		m.sink.Count(metrics.CrawlRetries, 1)
		result.Task.NRetries++
	}
	return result
}

// RunAsync 非阻塞执行, 结果写入返回的通道
func (m *Manager) RunAsync(ctx context.Context, task *models.FetchTask, fetch FetchFunc) <-chan *models.FetchResult {
	out := make(chan *models.FetchResult, 1)
	go func() {
		defer close(out)
		out <- m.Run(ctx, task, fetch)
	}()
	return out
}

func (m *Manager) run(ctx context.Context, task *models.FetchTask, fetch FetchFunc) *models.FetchResult {
	var result *models.FetchResult
	for i := 1; ; i++ {
		attempt := task
		if i > 1 {
			attempt = task.NewAttempt()
			m.sink.Count(metrics.PrivacyRetries, 1)
		}
		attempt.NPrivacyRetries = i

		var used *PrivacyContext
		result, used = m.runAttempt(ctx, attempt, fetch)
		if used == nil {
			// 无法取得上下文, 不消耗隐私重试次数
			return result
		}

		utils.Debugf("%s 第%d次尝试 @ 上下文 %s: %s", shortTaskID(attempt), i, used, result.Tag())
		// 驱动池被外部退役时直接交还调度器, 由下一个任务轮换
		if result.IsSuccess() || !used.IsLeaked() || i >= m.config.MaxRetry ||
			errors.Is(result.Err, models.ErrPoolRetired) {
			return result
		}
	}
}

// runAttempt 在当前未泄露的上下文中执行一次尝试
func (m *Manager) runAttempt(ctx context.Context, task *models.FetchTask, fetch FetchFunc) (*models.FetchResult, *PrivacyContext) {
	for {
		if task.IsCanceled() {
			return models.CanceledResult(task), nil
		}
		if err := m.computeContextIfLeaked(ctx); err != nil {
			return m.errorResult(task, err), nil
		}

		var result *models.FetchResult
		var used *PrivacyContext
		err := m.gate.Normal(ctx, func(ctx context.Context) error {
			pc := m.active.Load()
			// 进入许可前上下文可能已被其他任务判定泄露, 重新轮换
			if pc == nil || pc.IsLeaked() {
				return nil
			}
			used = pc
			result = pc.Run(ctx, task, fetch)
			return nil
		})
		if err != nil {
			return m.errorResult(task, err), nil
		}
		if used != nil {
			return result, used
		}
	}
}

func (m *Manager) errorResult(task *models.FetchTask, err error) *models.FetchResult {
	if task.IsCanceled() || errors.Is(err, context.Canceled) {
		return models.CanceledResult(task)
	}
	return models.CrawlRetryResult(task, err)
}

// computeContextIfLeaked 当前上下文不存在或已泄露时独占地轮换
func (m *Manager) computeContextIfLeaked(ctx context.Context) error {
	if pc := m.active.Load(); pc != nil && !pc.IsLeaked() {
		return nil
	}

	return m.gate.Preempt(ctx, func(ctx context.Context) error {
		if m.closed.Load() {
			return ErrManagerClosed
		}
		old := m.active.Load()
		// 其他任务已完成轮换
		if old != nil && !old.IsLeaked() {
			return nil
		}
		if m.gate.NumNormal() != 0 {
			panic(fmt.Errorf("%w: 轮换时仍有 %d 个任务在运行", models.ErrInvariantViolation, m.gate.NumNormal()))
		}

		next, err := m.newContext(ctx)
		if err != nil {
			return err
		}
		if old != nil {
			m.retireLeaked(ctx, old)
			m.sink.Count(metrics.PrivacyRotations, 1)
			utils.Infof("隐私上下文已更换 #%d -> #%d", old.Seq(), next.Seq())
		} else {
			utils.Infof("隐私上下文已创建 #%d (代理: %s)", next.Seq(), next.Proxy())
		}
		m.active.Store(next)
		return nil
	})
}

func (m *Manager) newContext(ctx context.Context) (*PrivacyContext, error) {
	var entry *models.ProxyEntry
	if m.proxies != nil {
		monitor, err := m.proxies.Get()
		if err != nil {
			return nil, fmt.Errorf("获取代理监视器失败: %w", err)
		}
		if entry, err = monitor.Get(ctx); err != nil {
			return nil, fmt.Errorf("获取代理失败: %w", err)
		}
	}
	m.sink.Count(metrics.PrivacyContexts, 1)
	return newPrivacyContext(m.seq.Add(1), m.fingerprints.Next(), entry, m.drivers, m.config), nil
}

func (m *Manager) retireLeaked(ctx context.Context, pc *PrivacyContext) {
	if !pc.IsLeaked() {
		panic(fmt.Errorf("%w: 上下文 #%d 应已泄露", models.ErrInvariantViolation, pc.Seq()))
	}
	if err := pc.Retire(ctx); err != nil {
		utils.Warnf("关闭上下文 #%d 的驱动池失败: %v", pc.Seq(), err)
	}
	m.addZombie(pc)
	m.reportZombies()
}

func (m *Manager) addZombie(pc *PrivacyContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zombies = append([]*PrivacyContext{pc}, m.zombies...)
	if len(m.zombies) > m.config.MaxZombies {
		m.zombies = m.zombies[:m.config.MaxZombies]
	}
}

// NumBadContexts 最近连续的坏上下文数量
func (m *Manager) NumBadContexts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, z := range m.zombies {
		if z.IsGood() {
			return i
		}
	}
	return len(m.zombies)
}

func (m *Manager) reportZombies() {
	zombies := m.Zombies()
	if len(zombies) > 0 {
		parts := make([]string, len(zombies))
		for i, z := range zombies {
			parts[i] = fmt.Sprintf("%.2f", z.Throughput())
		}
		utils.Infof("最近上下文吞吐量: %s (成功/秒)", strings.Join(parts, ", "))
	}

	if n := m.NumBadContexts(); n > m.config.MaxBadContexts {
		utils.Warnf("最近 %d 个上下文都是坏的, 代理供应商可能不可信", n)
	}
}

// ActiveContext 当前活动上下文, 尚未创建时为nil
func (m *Manager) ActiveContext() *PrivacyContext {
	return m.active.Load()
}

// Zombies 退役上下文, 最近的在前
func (m *Manager) Zombies() []*PrivacyContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*PrivacyContext(nil), m.zombies...)
}

// Reports 活动与退役上下文的诊断信息
func (m *Manager) Reports() []Report {
	var reports []Report
	if pc := m.ActiveContext(); pc != nil {
		reports = append(reports, pc.Report())
	}
	for _, z := range m.Zombies() {
		reports = append(reports, z.Report())
	}
	return reports
}

// Close 退役活动上下文并关闭代理监视器
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	err := m.gate.Preempt(ctx, func(ctx context.Context) error {
		if pc := m.active.Load(); pc != nil {
			if err := pc.Retire(ctx); err != nil {
				errs = append(errs, err)
			}
			m.addZombie(pc)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	if m.proxies != nil {
		if err := m.proxies.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) crawlRetry(task *models.FetchTask, err error) *models.FetchResult {
	task.NRetries++
	m.sink.Count(metrics.CrawlRetries, 1)
	return models.CrawlRetryResult(task, err)
}

func shortTaskID(task *models.FetchTask) string {
	id := task.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "task#" + id
}
