package driver

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Capacity 驱动池容量策略
type Capacity interface {
	// MaxDrivers 当前允许的最大驱动数
	MaxDrivers() int
	// CanCreate 资源是否允许创建新驱动
	CanCreate() (bool, string)
}

// FixedCapacity 固定容量
type FixedCapacity int

func (c FixedCapacity) MaxDrivers() int {
	if c < 1 {
		return 1
	}
	return int(c)
}

func (c FixedCapacity) CanCreate() (bool, string) { return true, "" }

// ResourceMonitorConfig 资源监控器配置
type ResourceMonitorConfig struct {
	SafetyReserveMemory int64 // 安全保留内存(字节)
	SafetyThreshold     int64 // 安全阈值(字节)
	CPULoadThreshold    int   // CPU负载阈值(%),>=200 表示不检查
	MaxDriversLimit     int   // 每个池的绝对上限
	DriverMemoryUsage   int64 // 单个驱动平均内存消耗(字节)
}

// ResourceMonitor 系统资源监控器
// 根据系统可用内存与CPU负载计算每个驱动池的容量
type ResourceMonitor struct {
	config ResourceMonitorConfig

	mu           sync.RWMutex
	available    uint64
	lastCPUUsage float64

	cacheMu       sync.Mutex
	cachedMax     int
	lastCacheTime time.Time

	cancelFunc context.CancelFunc
}

// NewResourceMonitor 创建资源监控器
func NewResourceMonitor(config ResourceMonitorConfig) *ResourceMonitor {
	if config.DriverMemoryUsage == 0 {
		config.DriverMemoryUsage = 150 * 1024 * 1024
	}
	if config.MaxDriversLimit == 0 {
		config.MaxDriversLimit = 8
	}

	rm := &ResourceMonitor{config: config}
	if vm, err := mem.VirtualMemory(); err != nil {
		log.Warn().Err(err).Msg("获取系统内存失败,使用默认值4GB")
		rm.available = 4 * 1024 * 1024 * 1024
	} else {
		rm.available = vm.Available
		log.Info().Msgf("系统可用内存: %.2f GB", float64(vm.Available)/(1024*1024*1024))
	}
	return rm
}

// StartMonitoring 启动后台采样,重复调用无副作用
func (rm *ResourceMonitor) StartMonitoring(interval time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.cancelFunc != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rm.cancelFunc = cancel
	go rm.monitoringLoop(ctx, interval)
}

// StopMonitoring 停止后台采样
func (rm *ResourceMonitor) StopMonitoring() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.cancelFunc != nil {
		rm.cancelFunc()
		rm.cancelFunc = nil
	}
}

func (rm *ResourceMonitor) monitoringLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			vm, err := mem.VirtualMemory()
			if err != nil {
				log.Warn().Err(err).Msg("采样系统内存失败")
				continue
			}
			usage := 0.0
			if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
				usage = pct[0]
			}

			rm.mu.Lock()
			rm.available = vm.Available
			rm.lastCPUUsage = usage
			rm.mu.Unlock()
		}
	}
}

// MaxDrivers 计算当前允许的最大驱动数,结果缓存1秒
func (rm *ResourceMonitor) MaxDrivers() int {
	rm.cacheMu.Lock()
	defer rm.cacheMu.Unlock()
	if time.Since(rm.lastCacheTime) < time.Second && rm.cachedMax > 0 {
		return rm.cachedMax
	}

	rm.mu.RLock()
	available := rm.available
	rm.mu.RUnlock()

	rm.cachedMax = rm.calculate(available, runtime.NumCPU())
	rm.lastCacheTime = time.Now()
	return rm.cachedMax
}

func (rm *ResourceMonitor) calculate(available uint64, numCPU int) int {
	usable := int64(available) - rm.config.SafetyReserveMemory

	byMemory := 1
	if usable > rm.config.SafetyThreshold {
		byMemory = int((usable - rm.config.SafetyThreshold) / rm.config.DriverMemoryUsage)
	}

	result := min(byMemory, numCPU, rm.config.MaxDriversLimit)
	if result < 1 {
		result = 1
	}
	return result
}

// CanCreate 检查内存与CPU是否允许创建新驱动
func (rm *ResourceMonitor) CanCreate() (bool, string) {
	rm.mu.RLock()
	available := rm.available
	cpuUsage := rm.lastCPUUsage
	rm.mu.RUnlock()

	usable := int64(available) - rm.config.SafetyReserveMemory
	if usable < rm.config.SafetyThreshold {
		return false, fmt.Sprintf("内存不足(当前%dMB)", usable/(1024*1024))
	}
	if rm.config.CPULoadThreshold < 200 && cpuUsage > float64(rm.config.CPULoadThreshold) {
		return false, fmt.Sprintf("CPU负载过高(当前%.1f%%)", cpuUsage)
	}
	return true, ""
}
