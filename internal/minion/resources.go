package minion

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"MinionArmy/internal/config"
	"MinionArmy/pkg/logger"
)

// ResourceMonitor periodically samples process pressure and exposes a single
// constrained flag. The flag is the one cross-goroutine shared variable of
// the runtime: written here, read by the dispatch loop each tick. A stale
// read for one tick is acceptable, so an atomic bool is all the
// synchronization needed.
type ResourceMonitor struct {
	cfg         config.ResourcesConfig
	log         *logger.Logger
	constrained atomic.Bool
}

func NewResourceMonitor(cfg config.ResourcesConfig, log *logger.Logger) *ResourceMonitor {
	return &ResourceMonitor{cfg: cfg, log: log}
}

// Constrained reports whether the process is currently under resource
// pressure.
func (m *ResourceMonitor) Constrained() bool {
	return m.constrained.Load()
}

// SetConstrained forces the flag. Test hook and manual override.
func (m *ResourceMonitor) SetConstrained(v bool) {
	m.constrained.Store(v)
}

// Run samples until the context is canceled.
func (m *ResourceMonitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.CheckIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *ResourceMonitor) sample() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	heapMB := stats.HeapAlloc / (1 << 20)
	goroutines := runtime.NumGoroutine()

	overloaded := heapMB >= m.cfg.HeapLimitMB || goroutines >= m.cfg.GoroutineLimit
	was := m.constrained.Swap(overloaded)
	if overloaded == was {
		return
	}
	payload := map[string]interface{}{
		"heap_mb":    heapMB,
		"goroutines": goroutines,
	}
	if overloaded {
		m.log.WithPayload(payload).Warn("resource pressure detected, reducing parallelism")
	} else {
		m.log.WithPayload(payload).Info("resource pressure cleared, restoring parallelism")
	}
}
