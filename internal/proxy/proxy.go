// Package proxy 为隐私上下文提供代理绑定
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/RecoveryAshes/stealthfetch/internal/utils"
	"golang.org/x/time/rate"
)

var (
	// ErrMonitorClosed 代理监视器已关闭
	ErrMonitorClosed = errors.New("代理监视器已关闭")
)

// Monitor 代理池监视器
type Monitor interface {
	// Get 取一个代理, 返回nil表示直连
	Get(ctx context.Context) (*models.ProxyEntry, error)
	Close() error
}

// Config 代理配置
type Config struct {
	// URLs 代理地址列表, 为空时直连
	URLs []string `mapstructure:"urls"`
	// RatePerSecond 每秒最多分配的代理数, 0表示不限制
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// StaticPool 基于固定列表轮询的代理池
type StaticPool struct {
	entries []*models.ProxyEntry
	limiter *rate.Limiter
	next    atomic.Uint64
	closed  atomic.Bool
}

// NewStaticPool 解析代理列表并创建代理池
func NewStaticPool(config Config) (*StaticPool, error) {
	entries := make([]*models.ProxyEntry, 0, len(config.URLs))
	for _, raw := range config.URLs {
		entry, err := models.ParseProxyEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("解析代理配置失败: %w", err)
		}
		entries = append(entries, entry)
	}

	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	return &StaticPool{
		entries: entries,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Size 代理数量
func (p *StaticPool) Size() int { return len(p.entries) }

// Get 按轮询顺序返回下一个代理
func (p *StaticPool) Get(ctx context.Context) (*models.ProxyEntry, error) {
	if p.closed.Load() {
		return nil, ErrMonitorClosed
	}
	if len(p.entries) == 0 {
		return nil, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("等待代理配额: %w", err)
	}
	i := p.next.Add(1) - 1
	entry := *p.entries[i%uint64(len(p.entries))]
	return &entry, nil
}

func (p *StaticPool) Close() error {
	p.closed.Store(true)
	return nil
}

// Factory 懒加载的代理监视器单例
type Factory struct {
	create func() (Monitor, error)

	mu      sync.Mutex
	monitor Monitor
	closed  bool
}

// NewFactory 创建工厂, create 在首次 Get 时调用一次
func NewFactory(create func() (Monitor, error)) *Factory {
	return &Factory{create: create}
}

// NewStaticFactory 由配置创建静态代理池工厂
func NewStaticFactory(config Config) *Factory {
	return NewFactory(func() (Monitor, error) {
		pool, err := NewStaticPool(config)
		if err != nil {
			return nil, err
		}
		utils.Infof("代理池已创建: %d 个代理", pool.Size())
		return pool, nil
	})
}

// Get 返回监视器,首次调用时创建
func (f *Factory) Get() (Monitor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrMonitorClosed
	}
	if f.monitor != nil {
		return f.monitor, nil
	}
	m, err := f.create()
	if err != nil {
		return nil, err
	}
	f.monitor = m
	return m, nil
}

// Close 关闭已创建的监视器, 未创建时为空操作
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	if f.monitor == nil {
		return nil
	}
	return f.monitor.Close()
}
