package telemetry

import (
	"sync"
	"time"
)

// SizeSource reports how many entries a component holds
type SizeSource interface {
	Len() int
}

// MetricsCollector periodically samples component sizes into gauges
type MetricsCollector struct {
	listeners SizeSource
	slots     SizeSource
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewMetricsCollector creates a collector sampling the listener registry
// and the cache. Either source may be nil.
func NewMetricsCollector(listeners, slots SizeSource, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		listeners: listeners,
		slots:     slots,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector; it is idempotent
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.listeners != nil {
		Subscriptions.Set(float64(mc.listeners.Len()))
	}
	if mc.slots != nil {
		CacheSlots.Set(float64(mc.slots.Len()))
	}
}
