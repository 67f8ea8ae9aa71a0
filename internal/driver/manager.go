package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/stealthfetch/internal/metrics"
	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/RecoveryAshes/stealthfetch/internal/preempt"
	"github.com/RecoveryAshes/stealthfetch/internal/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ManagerConfig 驱动池管理器配置
type ManagerConfig struct {
	// TaskTimeout 单次驱动操作的超时时间
	TaskTimeout time.Duration
	// CloseTimeToWait 管理器关闭时等待驱动归还的时间
	CloseTimeToWait time.Duration
}

// DefaultManagerConfig 默认配置
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		TaskTimeout:     5 * time.Minute,
		CloseTimeToWait: 10 * time.Second,
	}
}

// Action 在驱动上执行的操作
type Action func(ctx context.Context, d *ManagedDriver) error

// Manager 驱动池管理器
// 职责: 按浏览器身份懒加载驱动池,标记退役,按URL跨池路由取消请求
type Manager struct {
	config   ManagerConfig
	factory  Factory
	capacity func() Capacity
	sink     metrics.Sink
	stats    *poolStats
	gate     *preempt.Gate

	mu      sync.RWMutex
	pools   map[string]*Pool
	retired map[string]struct{}
	group   singleflight.Group
	closed  atomic.Bool
}

// NewManager 创建驱动池管理器
// capacity 在每个新池创建时调用一次,返回该池的容量策略
func NewManager(config ManagerConfig, factory Factory, capacity func() Capacity, sink metrics.Sink) *Manager {
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = DefaultManagerConfig().TaskTimeout
	}
	if capacity == nil {
		capacity = func() Capacity { return FixedCapacity(1) }
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Manager{
		config:   config,
		factory:  factory,
		capacity: capacity,
		sink:     sink,
		stats:    &poolStats{sink: sink},
		gate:     preempt.New(),
		pools:    make(map[string]*Pool),
		retired:  make(map[string]struct{}),
	}
}

// Run 在指定身份的驱动池中取一个驱动执行 action
// 驱动在所有退出路径上都会归还;超时返回 ErrOperationTimeout
func (m *Manager) Run(ctx context.Context, id models.BrowserInstanceID, priority int, action Action) error {
	if m.closed.Load() {
		return fmt.Errorf("%w: 驱动池管理器已关闭", models.ErrPoolRetired)
	}
	if m.IsRetired(id) {
		return fmt.Errorf("%w: %s", models.ErrPoolRetired, id.Display())
	}

	return m.gate.Normal(ctx, func(ctx context.Context) error {
		// 等待许可期间池可能已被关闭
		if m.IsRetired(id) {
			return fmt.Errorf("%w: %s", models.ErrPoolRetired, id.Display())
		}

		pool, err := m.computePoolIfAbsent(id)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(ctx, m.config.TaskTimeout)
		defer cancel()

		d, err := pool.Take(ctx)
		if err != nil {
			return m.timeoutOr(ctx, err)
		}
		defer pool.Put(d)

		utils.Debugf("任务(优先级%d)获得驱动 %s", priority, d.ID())
		workCtx := d.startWork(ctx)
		err = action(workCtx, d)
		return m.timeoutOr(ctx, err)
	})
}

func (m *Manager) timeoutOr(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: 超过 %s", models.ErrOperationTimeout, m.config.TaskTimeout)
	}
	return err
}

func (m *Manager) computePoolIfAbsent(id models.BrowserInstanceID) (*Pool, error) {
	key := id.String()

	m.mu.RLock()
	pool := m.pools[key]
	m.mu.RUnlock()
	if pool != nil {
		return pool, nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		m.mu.RLock()
		existing := m.pools[key]
		m.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		// 容量计算可能需要采样系统资源,不在锁内进行
		p := newPool(id, m.factory, m.capacity(), m.stats)

		m.mu.Lock()
		defer m.mu.Unlock()
		// Close 在持锁前已置位 closed, 此后创建的池不会再被关闭
		if m.closed.Load() {
			return nil, fmt.Errorf("%w: 驱动池管理器已关闭", models.ErrPoolRetired)
		}
		if _, ok := m.retired[key]; ok {
			return nil, fmt.Errorf("%w: %s", models.ErrPoolRetired, id.Display())
		}
		m.pools[key] = p
		m.sink.Gauge(metrics.DriverPools, int64(len(m.pools)))
		utils.Infof("创建驱动池 %s", id.Display())
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pool), nil
}

// Pool 返回身份对应的驱动池,不存在时返回nil
func (m *Manager) Pool(id models.BrowserInstanceID) *Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[id.String()]
}

// IsRetired 身份对应的池是否已退役
func (m *Manager) IsRetired(id models.BrowserInstanceID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.retired[id.String()]
	return ok
}

func (m *Manager) snapshot() []*Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	return pools
}

// Cancel 取消任意池中正在处理 url 的驱动,立即返回被取消的驱动
// 没有匹配的驱动时返回nil,重复调用是安全的
func (m *Manager) Cancel(url string) *ManagedDriver {
	for _, p := range m.snapshot() {
		if d := cancelIn(p, url); d != nil {
			return d
		}
	}
	return nil
}

// CancelIn 取消指定身份池中正在处理 url 的驱动
func (m *Manager) CancelIn(id models.BrowserInstanceID, url string) *ManagedDriver {
	p := m.Pool(id)
	if p == nil {
		return nil
	}
	return cancelIn(p, url)
}

func cancelIn(p *Pool, url string) *ManagedDriver {
	d := p.FirstWorking(url)
	if d == nil || !d.Cancel() {
		return nil
	}
	utils.Debugf("已取消驱动 %s 上的任务 %s", d.ID(), url)
	return d
}

// CancelAll 并行取消所有正在工作的驱动
func (m *Manager) CancelAll() []*ManagedDriver {
	var working []*ManagedDriver
	for _, p := range m.snapshot() {
		working = append(working, p.Working()...)
	}
	return cancelDrivers(working)
}

// CancelAllIn 并行取消指定身份池中所有正在工作的驱动
func (m *Manager) CancelAllIn(id models.BrowserInstanceID) []*ManagedDriver {
	p := m.Pool(id)
	if p == nil {
		return nil
	}
	return cancelDrivers(p.Working())
}

func cancelDrivers(drivers []*ManagedDriver) []*ManagedDriver {
	canceled := make([]bool, len(drivers))
	var g errgroup.Group
	for i, d := range drivers {
		g.Go(func() error {
			canceled[i] = d.Cancel()
			return nil
		})
	}
	_ = g.Wait()

	var out []*ManagedDriver
	for i, ok := range canceled {
		if ok {
			out = append(out, drivers[i])
		}
	}
	return out
}

// CloseDriverPool 独占地退役并关闭身份对应的驱动池
// 完成后针对该身份的 Run 都会返回 ErrPoolRetired
func (m *Manager) CloseDriverPool(ctx context.Context, id models.BrowserInstanceID, timeToWait time.Duration) error {
	return m.gate.Preempt(ctx, func(ctx context.Context) error {
		key := id.String()

		m.mu.Lock()
		m.retired[key] = struct{}{}
		pool := m.pools[key]
		delete(m.pools, key)
		m.sink.Gauge(metrics.DriverPools, int64(len(m.pools)))
		m.mu.Unlock()

		if pool == nil {
			return nil
		}
		utils.Infof("关闭驱动池 %s (工作中: %d, 等待中: %d)", id.Display(), pool.NumWorking(), pool.NumWaiting())
		pool.Close(timeToWait)
		return nil
	})
}

// Stats 管理器级统计
type Stats struct {
	Pools   int   `json:"pools"`
	Retired int   `json:"retired"`
	Waiting int64 `json:"waiting"`
	Working int64 `json:"working"`
	Online  int64 `json:"online"`
}

// Stats 返回当前统计
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Pools:   len(m.pools),
		Retired: len(m.retired),
		Waiting: m.stats.waiting.Load(),
		Working: m.stats.working.Load(),
		Online:  m.stats.online.Load(),
	}
}

// Close 关闭所有驱动池
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.CancelAll()

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	for key := range pools {
		m.retired[key] = struct{}{}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range pools {
		g.Go(func() error {
			p.Close(m.config.CloseTimeToWait)
			return nil
		})
	}
	_ = g.Wait()
	utils.Infof("驱动池管理器已关闭,共关闭 %d 个驱动池", len(pools))
	return nil
}
