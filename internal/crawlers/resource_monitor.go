package crawlers

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

// ResourceMonitor 系统资源监控器
// 根据可用内存与CPU负载计算浏览器标签页(即并发worker)的上限
type ResourceMonitor struct {
	config ResourceMonitorConfig

	totalMemory uint64

	// 采样结果
	availableMemory uint64
	cpuUsage        float64
	mu              sync.RWMutex

	// CalculateMaxTabs 缓存(1秒)
	cachedMaxTabs int
	lastCacheTime time.Time
	cacheMu       sync.Mutex

	cancelFunc context.CancelFunc
	isRunning  bool
}

// ResourceMonitorConfig 资源监控器配置
type ResourceMonitorConfig struct {
	SafetyReserveMemory int64 // 系统保留内存(字节)
	SafetyThreshold     int64 // 可用内存低于该值时不再创建标签页(字节)
	CPULoadThreshold    int   // CPU负载阈值(%),>=200视为禁用
	MaxTabsLimit        int   // 绝对最大标签页数
	TabMemoryUsage      int64 // 单个标签页平均内存消耗(字节)
}

// DefaultResourceMonitorConfig 默认配置
func DefaultResourceMonitorConfig() ResourceMonitorConfig {
	return ResourceMonitorConfig{
		SafetyReserveMemory: 1024 * 1024 * 1024,
		SafetyThreshold:     500 * 1024 * 1024,
		CPULoadThreshold:    80,
		MaxTabsLimit:        8,
		TabMemoryUsage:      100 * 1024 * 1024,
	}
}

// NewResourceMonitor 创建资源监控器
func NewResourceMonitor(config ResourceMonitorConfig) *ResourceMonitor {
	if config.TabMemoryUsage <= 0 {
		config.TabMemoryUsage = 100 * 1024 * 1024
	}
	if config.MaxTabsLimit <= 0 {
		config.MaxTabsLimit = 1
	}

	rm := &ResourceMonitor{config: config}

	vmStat, err := mem.VirtualMemory()
	if err != nil {
		log.Warn().Err(err).Msg("获取系统内存失败,使用默认值4GB")
		rm.totalMemory = 4 * 1024 * 1024 * 1024
		rm.availableMemory = rm.totalMemory
	} else {
		rm.totalMemory = vmStat.Total
		rm.availableMemory = vmStat.Available
		log.Debug().Msgf("系统总内存: %.2f GB, 可用: %.2f GB",
			float64(vmStat.Total)/(1<<30), float64(vmStat.Available)/(1<<30))
	}

	return rm
}

// StartMonitoring 启动后台采样(幂等)
func (rm *ResourceMonitor) StartMonitoring(interval time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isRunning {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rm.cancelFunc = cancel
	rm.isRunning = true

	go rm.monitoringLoop(ctx, interval)
}

func (rm *ResourceMonitor) monitoringLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.sample()
		}
	}
}

// sample 采样一次可用内存与CPU
func (rm *ResourceMonitor) sample() {
	var available uint64
	if vmStat, err := mem.VirtualMemory(); err == nil {
		available = vmStat.Available
	} else {
		log.Warn().Err(err).Msg("获取可用内存失败")
	}

	var usage float64
	percentages, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		log.Warn().Err(err).Msg("获取CPU使用率失败")
	} else if len(percentages) > 0 {
		usage = percentages[0]
	}

	rm.mu.Lock()
	if available > 0 {
		rm.availableMemory = available
	}
	rm.cpuUsage = usage
	rm.mu.Unlock()
}

// StopMonitoring 停止采样
func (rm *ResourceMonitor) StopMonitoring() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isRunning && rm.cancelFunc != nil {
		rm.cancelFunc()
		rm.isRunning = false
		rm.cancelFunc = nil
	}
}

// usableMemory 扣除保留内存后的可用内存
func (rm *ResourceMonitor) usableMemory() int64 {
	rm.mu.RLock()
	available := rm.availableMemory
	rm.mu.RUnlock()
	return int64(available) - rm.config.SafetyReserveMemory
}

// CalculateMaxTabs 当前允许的最大标签页数
// min(内存允许数, CPU核数, MaxTabsLimit),至少为1
func (rm *ResourceMonitor) CalculateMaxTabs() int {
	rm.cacheMu.Lock()
	defer rm.cacheMu.Unlock()

	if time.Since(rm.lastCacheTime) < time.Second && rm.cachedMaxTabs > 0 {
		return rm.cachedMaxTabs
	}

	byMemory := 1
	if usable := rm.usableMemory(); usable > rm.config.SafetyThreshold {
		byMemory = int((usable - rm.config.SafetyThreshold) / rm.config.TabMemoryUsage)
	}

	result := min(byMemory, runtime.NumCPU(), rm.config.MaxTabsLimit)
	if result < 1 {
		result = 1
	}

	rm.cachedMaxTabs = result
	rm.lastCacheTime = time.Now()
	return result
}

// CheckResourceAvailability 是否允许再创建一个标签页
func (rm *ResourceMonitor) CheckResourceAvailability() (canCreate bool, reason string) {
	usable := rm.usableMemory()
	if usable < rm.config.SafetyThreshold {
		return false, fmt.Sprintf("内存不足(当前%dMB)", usable/(1024*1024))
	}

	if rm.config.CPULoadThreshold < 200 {
		rm.mu.RLock()
		usage := rm.cpuUsage
		rm.mu.RUnlock()
		if usage > float64(rm.config.CPULoadThreshold) {
			return false, fmt.Sprintf("CPU负载过高(当前%.1f%%)", usage)
		}
	}

	return true, ""
}
