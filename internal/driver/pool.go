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
	"github.com/rs/zerolog/log"
)

// Factory 驱动工厂
type Factory interface {
	// New 为指定浏览器身份创建驱动
	New(ctx context.Context, id models.BrowserInstanceID) (models.WebDriver, error)
	// CloseInstance 释放该身份的浏览器进程,驱动池关闭时调用
	CloseInstance(id models.BrowserInstanceID) error
}

// poolStats 所有驱动池共享的计数,用于上报总量
type poolStats struct {
	waiting atomic.Int64
	working atomic.Int64
	online  atomic.Int64
	sink    metrics.Sink
}

func (s *poolStats) addWaiting(delta int64) {
	s.sink.Gauge(metrics.WaitingDrivers, s.waiting.Add(delta))
}

func (s *poolStats) addWorking(delta int64) {
	s.sink.Gauge(metrics.WorkingDrivers, s.working.Add(delta))
}

func (s *poolStats) addOnline(delta int64) {
	s.sink.Gauge(metrics.OnlineDrivers, s.online.Add(delta))
}

// Pool 单个浏览器身份的驱动池
// 职责: 创建与复用驱动,达到容量上限时阻塞等待,退役后拒绝新的获取
type Pool struct {
	id       models.BrowserInstanceID
	factory  Factory
	capacity Capacity
	stats    *poolStats

	numWaiting atomic.Int32
	numWorking atomic.Int32
	retired    atomic.Bool

	mu       sync.Mutex
	all      []*ManagedDriver
	idle     []*ManagedDriver
	creating int
	closed   bool
	// 状态变化时关闭并替换,唤醒等待中的获取者
	changed chan struct{}
}

func newPool(id models.BrowserInstanceID, factory Factory, capacity Capacity, stats *poolStats) *Pool {
	return &Pool{
		id:       id,
		factory:  factory,
		capacity: capacity,
		stats:    stats,
		changed:  make(chan struct{}),
	}
}

// ID 浏览器身份
func (p *Pool) ID() models.BrowserInstanceID { return p.id }

// NumWaiting 正在等待驱动的任务数
func (p *Pool) NumWaiting() int { return int(p.numWaiting.Load()) }

// NumWorking 正在工作的驱动数
func (p *Pool) NumWorking() int { return int(p.numWorking.Load()) }

// IsRetired 是否已退役
func (p *Pool) IsRetired() bool { return p.retired.Load() }

// NumOnline 在线驱动数
func (p *Pool) NumOnline() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Take 获取一个驱动,没有空闲驱动且已达容量上限时阻塞
func (p *Pool) Take(ctx context.Context) (*ManagedDriver, error) {
	p.numWaiting.Add(1)
	p.stats.addWaiting(1)
	defer func() {
		p.numWaiting.Add(-1)
		p.stats.addWaiting(-1)
	}()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", models.ErrPoolRetired, p.id.Display())
		}

		if n := len(p.idle); n > 0 {
			d := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			p.markWorking()
			return d, nil
		}

		if len(p.all)+p.creating < p.capacity.MaxDrivers() {
			ok, reason := p.capacity.CanCreate()
			// 池为空时总是允许创建,否则任务会永远等待
			if ok || len(p.all)+p.creating == 0 {
				p.creating++
				p.mu.Unlock()
				return p.create(ctx)
			}
			log.Debug().Str("pool", p.id.Display()).Msgf("资源不足,等待空闲驱动: %s", reason)
		}

		ch := p.changed
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
		p.mu.Lock()
	}
}

func (p *Pool) create(ctx context.Context) (*ManagedDriver, error) {
	wd, err := p.factory.New(ctx, p.id)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.notifyLocked()
		p.mu.Unlock()
		if errors.Is(err, models.ErrDriverCreation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrDriverCreation, err)
	}

	d := newManagedDriver(wd, p.id)
	if p.closed {
		p.mu.Unlock()
		_ = wd.Close()
		return nil, fmt.Errorf("%w: %s", models.ErrPoolRetired, p.id.Display())
	}
	p.all = append(p.all, d)
	online := len(p.all)
	p.mu.Unlock()

	p.stats.addOnline(1)
	p.markWorking()
	log.Debug().Str("pool", p.id.Display()).Msgf("创建新驱动 %s,当前驱动数: %d", d.ID(), online)
	return d, nil
}

func (p *Pool) markWorking() {
	p.numWorking.Add(1)
	p.stats.addWorking(1)
}

// Put 归还驱动;已退役的驱动或已关闭的池会关闭底层会话
func (p *Pool) Put(d *ManagedDriver) {
	d.finishWork()
	p.numWorking.Add(-1)
	p.stats.addWorking(-1)

	p.mu.Lock()
	if d.IsRetired() || p.closed {
		removed := p.removeLocked(d)
		p.notifyLocked()
		p.mu.Unlock()
		// 强制关闭时已经销毁过的驱动不会再次销毁
		if removed {
			p.destroy(d)
		}
		return
	}
	p.idle = append(p.idle, d)
	p.notifyLocked()
	p.mu.Unlock()
}

// FirstWorking 查找正在处理指定URL的驱动
func (p *Pool) FirstWorking(url string) *ManagedDriver {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.all {
		if d.IsWorking() && d.URL() == url {
			return d
		}
	}
	return nil
}

// Working 返回正在工作的驱动快照
func (p *Pool) Working() []*ManagedDriver {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*ManagedDriver
	for _, d := range p.all {
		if d.IsWorking() {
			out = append(out, d)
		}
	}
	return out
}

// Close 退役并关闭驱动池
// 最多等待 timeToWait 让工作中的驱动归还,超时后强制关闭全部会话
func (p *Pool) Close(timeToWait time.Duration) {
	p.retired.Store(true)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.notifyLocked()
	p.mu.Unlock()

	deadline := time.NewTimer(timeToWait)
	defer deadline.Stop()
wait:
	for {
		// 先取通知通道再读计数, 期间归还的驱动一定会关闭该通道
		p.mu.Lock()
		ch := p.changed
		p.mu.Unlock()
		if p.NumWorking() == 0 {
			break
		}
		select {
		case <-deadline.C:
			log.Warn().Str("pool", p.id.Display()).Msgf("等待驱动归还超时,强制关闭 %d 个工作中的驱动", p.NumWorking())
			break wait
		case <-ch:
		}
	}

	p.mu.Lock()
	drivers := p.all
	p.all = nil
	p.idle = nil
	p.mu.Unlock()

	for _, d := range drivers {
		d.Retire()
		p.destroy(d)
	}
	if err := p.factory.CloseInstance(p.id); err != nil {
		log.Warn().Err(err).Str("pool", p.id.Display()).Msg("关闭浏览器实例失败")
	}
	log.Info().Str("pool", p.id.Display()).Msgf("驱动池已关闭,释放 %d 个驱动", len(drivers))
}

func (p *Pool) removeLocked(d *ManagedDriver) bool {
	for i, x := range p.all {
		if x == d {
			p.all = append(p.all[:i], p.all[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) destroy(d *ManagedDriver) {
	p.stats.addOnline(-1)
	p.stats.sink.Count(metrics.RetiredDrivers, 1)
	if err := d.Close(); err != nil {
		log.Warn().Err(err).Msgf("关闭驱动 %s 失败", d.ID())
	}
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
