// Package metrics 指标接收器
// 组件在构造时注入 Sink,写入操作不阻塞、不返回错误
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// 指标名称
const (
	WaitingDrivers   = "drivers.waiting"
	WorkingDrivers   = "drivers.working"
	OnlineDrivers    = "drivers.online"
	RetiredDrivers   = "drivers.retired"
	DriverPools      = "drivers.pools"
	Navigations      = "emulator.navigations"
	Cancels          = "emulator.cancels"
	PrivacyContexts  = "privacy.contexts"
	PrivacyRotations = "privacy.rotations"
	PrivacyRetries   = "privacy.retries"
	CrawlRetries     = "fetch.crawl_retries"
)

// Sink 指标接收器
type Sink interface {
	// Count 累加计数器
	Count(name string, delta int64)
	// Gauge 设置瞬时值
	Gauge(name string, value int64)
}

// Nop 丢弃所有指标
type Nop struct{}

func (Nop) Count(string, int64) {}
func (Nop) Gauge(string, int64) {}

// Registry 进程内指标表
type Registry struct {
	counters sync.Map // name -> *atomic.Int64
	gauges   sync.Map // name -> *atomic.Int64
}

// NewRegistry 创建指标表
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Count(name string, delta int64) {
	v, _ := r.counters.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(delta)
}

func (r *Registry) Gauge(name string, value int64) {
	v, _ := r.gauges.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Store(value)
}

// Value 返回计数器或瞬时值,不存在时返回0
func (r *Registry) Value(name string) int64 {
	if v, ok := r.counters.Load(name); ok {
		return v.(*atomic.Int64).Load()
	}
	if v, ok := r.gauges.Load(name); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Snapshot 返回所有指标的快照
func (r *Registry) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	collect := func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	}
	r.counters.Range(collect)
	r.gauges.Range(collect)
	return out
}

// Log 以一条结构化日志输出全部指标
func (r *Registry) Log(logger zerolog.Logger) {
	snap := r.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	ev := logger.Info()
	for _, name := range names {
		ev = ev.Int64(name, snap[name])
	}
	ev.Msg("抓取指标")
}
