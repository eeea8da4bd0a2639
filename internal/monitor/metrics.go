package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks runtime counters and latencies of the trading loop.
type SystemMetrics struct {
	// Latency histograms
	OrderLatency *LatencyHistogram
	KlineLatency *LatencyHistogram
	DBLatency    *LatencyHistogram
	APILatency   *LatencyHistogram

	// Counters
	klinesProcessed  uint64
	signalsGenerated uint64
	ordersPlaced     uint64
	ordersRejected   uint64
	positionsOpened  uint64
	positionsClosed  uint64
	errorsCount      uint64
	apiRequests      uint64
	apiErrors        uint64

	started time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // samples changed since last Stats()
	cachedStats LatencyStats // last computed stats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency: NewLatencyHistogram(1000),
		KlineLatency: NewLatencyHistogram(1000),
		DBLatency:    NewLatencyHistogram(1000),
		APILatency:   NewLatencyHistogram(1000),
		started:      time.Now(),
	}
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

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
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

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementKlines counts a closed candle handed to the position manager.
func (m *SystemMetrics) IncrementKlines() { atomic.AddUint64(&m.klinesProcessed, 1) }

// IncrementSignals counts an actionable BUY or SELL.
func (m *SystemMetrics) IncrementSignals() { atomic.AddUint64(&m.signalsGenerated, 1) }

// RecordOrder counts an order attempt and its round-trip latency.
func (m *SystemMetrics) RecordOrder(d time.Duration, err error) {
	atomic.AddUint64(&m.ordersPlaced, 1)
	if err != nil {
		atomic.AddUint64(&m.ordersRejected, 1)
	}
	m.OrderLatency.RecordDuration(d)
}

// IncrementOpened counts a new position.
func (m *SystemMetrics) IncrementOpened() { atomic.AddUint64(&m.positionsOpened, 1) }

// IncrementClosed counts a flattened position.
func (m *SystemMetrics) IncrementClosed() { atomic.AddUint64(&m.positionsClosed, 1) }

// IncrementErrors increments error counter.
func (m *SystemMetrics) IncrementErrors() { atomic.AddUint64(&m.errorsCount, 1) }

// IncrementAPI counts a served HTTP request.
func (m *SystemMetrics) IncrementAPI() { atomic.AddUint64(&m.apiRequests, 1) }

// IncrementAPIErrors counts an HTTP response with status >= 400.
func (m *SystemMetrics) IncrementAPIErrors() { atomic.AddUint64(&m.apiErrors, 1) }

// MetricsSnapshot is a point-in-time copy served by the status API.
type MetricsSnapshot struct {
	OrderLatency     LatencyStats `json:"order_latency"`
	KlineLatency     LatencyStats `json:"kline_latency"`
	DBLatency        LatencyStats `json:"db_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	KlinesProcessed  uint64       `json:"klines_processed"`
	SignalsGenerated uint64       `json:"signals_generated"`
	OrdersPlaced     uint64       `json:"orders_placed"`
	OrdersRejected   uint64       `json:"orders_rejected"`
	PositionsOpened  uint64       `json:"positions_opened"`
	PositionsClosed  uint64       `json:"positions_closed"`
	ErrorsCount      uint64       `json:"errors_count"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Uptime           string       `json:"uptime"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		KlineLatency:     m.KlineLatency.Stats(),
		DBLatency:        m.DBLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		KlinesProcessed:  atomic.LoadUint64(&m.klinesProcessed),
		SignalsGenerated: atomic.LoadUint64(&m.signalsGenerated),
		OrdersPlaced:     atomic.LoadUint64(&m.ordersPlaced),
		OrdersRejected:   atomic.LoadUint64(&m.ordersRejected),
		PositionsOpened:  atomic.LoadUint64(&m.positionsOpened),
		PositionsClosed:  atomic.LoadUint64(&m.positionsClosed),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Uptime:           time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:        time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
