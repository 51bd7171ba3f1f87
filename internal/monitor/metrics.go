// Package monitor collects runtime metrics from the event bus and exposes
// point-in-time snapshots for the status API.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks engine-wide throughput and latency.
type SystemMetrics struct {
	mu sync.RWMutex

	OrderLatency  *LatencyHistogram
	SignalLatency *LatencyHistogram
	APILatency    *LatencyHistogram

	ordersSubmitted  uint64
	ordersFilled     uint64
	ticksProcessed   uint64
	signalsGenerated uint64
	errorsCount      uint64
	apiRequests      uint64
	apiErrors        uint64

	cachedAdapters int
	activeUsers    int
}

// NewSystemMetrics creates a metrics instance with sliding windows sized
// for roughly the last thousand operations.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:  NewLatencyHistogram(1000),
		SignalLatency: NewLatencyHistogram(1000),
		APILatency:    NewLatencyHistogram(1000),
	}
}

// LatencyHistogram keeps a sliding window of samples in milliseconds.
// Percentiles are recomputed lazily on read.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
	dirty   bool
	cached  LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a sample in milliseconds, dropping the oldest at capacity.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, ms)
	h.dirty = true
}

// RecordDuration records a duration as milliseconds.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats holds the computed distribution.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats returns the distribution, recomputing only when samples changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return h.cached
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

func (m *SystemMetrics) IncrementOrdersSubmitted() { atomic.AddUint64(&m.ordersSubmitted, 1) }
func (m *SystemMetrics) IncrementOrdersFilled()    { atomic.AddUint64(&m.ordersFilled, 1) }
func (m *SystemMetrics) IncrementTicks()           { atomic.AddUint64(&m.ticksProcessed, 1) }
func (m *SystemMetrics) IncrementSignals()         { atomic.AddUint64(&m.signalsGenerated, 1) }
func (m *SystemMetrics) IncrementErrors()          { atomic.AddUint64(&m.errorsCount, 1) }
func (m *SystemMetrics) IncrementAPI()             { atomic.AddUint64(&m.apiRequests, 1) }
func (m *SystemMetrics) IncrementAPIErrors()       { atomic.AddUint64(&m.apiErrors, 1) }

// SetPoolCounts updates the cached adapter and active user gauges. Called
// periodically from the collector.
func (m *SystemMetrics) SetPoolCounts(cachedAdapters, activeUsers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cachedAdapters = cachedAdapters
	m.activeUsers = activeUsers
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	OrderLatency     LatencyStats `json:"order_latency"`
	SignalLatency    LatencyStats `json:"signal_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	OrdersSubmitted  uint64       `json:"orders_submitted"`
	OrdersFilled     uint64       `json:"orders_filled"`
	TicksProcessed   uint64       `json:"ticks_processed"`
	SignalsGenerated uint64       `json:"signals_generated"`
	ErrorsCount      uint64       `json:"errors_count"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	CachedAdapters   int          `json:"cached_adapters"`
	ActiveUsers      int          `json:"active_users"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot reads all counters and distributions.
func (m *SystemMetrics) GetSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	adapters := m.cachedAdapters
	users := m.activeUsers
	m.mu.RUnlock()

	return Snapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		SignalLatency:    m.SignalLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		OrdersSubmitted:  atomic.LoadUint64(&m.ordersSubmitted),
		OrdersFilled:     atomic.LoadUint64(&m.ordersFilled),
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		SignalsGenerated: atomic.LoadUint64(&m.signalsGenerated),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		CachedAdapters:   adapters,
		ActiveUsers:      users,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Timestamp:        time.Now().UTC(),
	}
}
