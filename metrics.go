package go_otdoa

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

// MetricsCollector receives transfer and dispatcher measurements.
// Implementations must be safe for concurrent use and non-blocking.
type MetricsCollector interface {
	// IncrementRequestSent counts an HTTP request by kind
	// ("auth", "range", "config", "upload", "test_auth").
	IncrementRequestSent(kind string)

	// IncrementResponse counts a classified response.
	IncrementResponse(status ResponseStatus)

	// IncrementError counts a failure by category (e.g., "connect", "recv", "sink").
	IncrementError(errorType string)

	// RecordLatency records how long one logical operation took.
	RecordLatency(op string, duration time.Duration)

	// SetConnectionState updates the current connection state:
	// "connected", "disconnected" or "bound".
	SetConnectionState(state string)

	// AddBytesSent adds to the total bytes sent.
	AddBytesSent(bytes uint64)

	// AddBytesReceived adds to the total bytes received.
	AddBytesReceived(bytes uint64)

	// SetPoolInUse updates the message-block occupancy gauge.
	SetPoolInUse(blocks int)

	// IncrementEnqueued counts messages accepted into a queue.
	IncrementEnqueued(queue QueueID)
}

// InMemoryMetrics is a MetricsCollector that keeps everything in memory.
// Suitable for development, tests, and the agent's shell status command.
type InMemoryMetrics struct {
	countersMu      sync.RWMutex
	requestsByKind  map[string]uint64
	responses       map[ResponseStatus]uint64
	errorsByType    map[string]uint64
	enqueuedByQueue [2]uint64
	poolInUse       int32
	latencyMu       sync.RWMutex
	latencyByOp     map[string]*latencyStats
	connectionState atomic.Value // stores string
	bytesSent       uint64
	bytesReceived   uint64
}

type latencyStats struct {
	count      uint64
	totalNanos uint64
	minNanos   uint64
	maxNanos   uint64
}

// NewInMemoryMetrics creates a new in-memory metrics collector.
func NewInMemoryMetrics() *InMemoryMetrics {
	m := &InMemoryMetrics{}
	m.Reset()
	return m
}

func (m *InMemoryMetrics) IncrementRequestSent(kind string) {
	m.countersMu.Lock()
	m.requestsByKind[kind]++
	m.countersMu.Unlock()
}

func (m *InMemoryMetrics) IncrementResponse(status ResponseStatus) {
	m.countersMu.Lock()
	m.responses[status]++
	m.countersMu.Unlock()
}

func (m *InMemoryMetrics) IncrementError(errorType string) {
	m.countersMu.Lock()
	m.errorsByType[errorType]++
	m.countersMu.Unlock()
}

func (m *InMemoryMetrics) RecordLatency(op string, duration time.Duration) {
	nanos := uint64(duration.Nanoseconds())

	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	stats := m.latencyByOp[op]
	if stats == nil {
		stats = &latencyStats{minNanos: nanos, maxNanos: nanos}
		m.latencyByOp[op] = stats
	}
	stats.count++
	stats.totalNanos += nanos
	stats.minNanos = min(stats.minNanos, nanos)
	stats.maxNanos = max(stats.maxNanos, nanos)
}

func (m *InMemoryMetrics) SetConnectionState(state string) {
	m.connectionState.Store(state)
}

func (m *InMemoryMetrics) AddBytesSent(bytes uint64) {
	atomic.AddUint64(&m.bytesSent, bytes)
}

func (m *InMemoryMetrics) AddBytesReceived(bytes uint64) {
	atomic.AddUint64(&m.bytesReceived, bytes)
}

func (m *InMemoryMetrics) SetPoolInUse(blocks int) {
	atomic.StoreInt32(&m.poolInUse, int32(blocks))
}

func (m *InMemoryMetrics) IncrementEnqueued(queue QueueID) {
	if int(queue) < len(m.enqueuedByQueue) {
		atomic.AddUint64(&m.enqueuedByQueue[queue], 1)
	}
}

// RequestsSent returns how many requests of kind were sent.
func (m *InMemoryMetrics) RequestsSent(kind string) uint64 {
	m.countersMu.RLock()
	defer m.countersMu.RUnlock()
	return m.requestsByKind[kind]
}

// Responses returns how many responses were classified as status.
func (m *InMemoryMetrics) Responses(status ResponseStatus) uint64 {
	m.countersMu.RLock()
	defer m.countersMu.RUnlock()
	return m.responses[status]
}

// Errors returns the count for one error category.
func (m *InMemoryMetrics) Errors(errorType string) uint64 {
	m.countersMu.RLock()
	defer m.countersMu.RUnlock()
	return m.errorsByType[errorType]
}

// AllErrors returns a copy of all error counts by type.
func (m *InMemoryMetrics) AllErrors() map[string]uint64 {
	m.countersMu.RLock()
	defer m.countersMu.RUnlock()
	return lo.Assign(map[string]uint64{}, m.errorsByType)
}

// TotalRequests sums the request counters.
func (m *InMemoryMetrics) TotalRequests() uint64 {
	m.countersMu.RLock()
	defer m.countersMu.RUnlock()
	return lo.Sum(lo.Values(m.requestsByKind))
}

// Enqueued returns how many messages a queue accepted.
func (m *InMemoryMetrics) Enqueued(queue QueueID) uint64 {
	if int(queue) >= len(m.enqueuedByQueue) {
		return 0
	}
	return atomic.LoadUint64(&m.enqueuedByQueue[queue])
}

// PoolInUse returns the last reported block occupancy.
func (m *InMemoryMetrics) PoolInUse() int {
	return int(atomic.LoadInt32(&m.poolInUse))
}

// AvgLatency returns the mean duration of op, or 0 before any sample.
func (m *InMemoryMetrics) AvgLatency(op string) time.Duration {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()

	stats := m.latencyByOp[op]
	if stats == nil || stats.count == 0 {
		return 0
	}
	return time.Duration(stats.totalNanos / stats.count)
}

// MinLatency returns the fastest sample of op.
func (m *InMemoryMetrics) MinLatency(op string) time.Duration {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()
	if stats := m.latencyByOp[op]; stats != nil {
		return time.Duration(stats.minNanos)
	}
	return 0
}

// MaxLatency returns the slowest sample of op.
func (m *InMemoryMetrics) MaxLatency(op string) time.Duration {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()
	if stats := m.latencyByOp[op]; stats != nil {
		return time.Duration(stats.maxNanos)
	}
	return 0
}

// ConnectionState returns the current connection state.
func (m *InMemoryMetrics) ConnectionState() string {
	return m.connectionState.Load().(string)
}

// BytesSent returns the total bytes sent.
func (m *InMemoryMetrics) BytesSent() uint64 {
	return atomic.LoadUint64(&m.bytesSent)
}

// BytesReceived returns the total bytes received.
func (m *InMemoryMetrics) BytesReceived() uint64 {
	return atomic.LoadUint64(&m.bytesReceived)
}

// Reset clears all metrics. Useful for testing.
func (m *InMemoryMetrics) Reset() {
	m.countersMu.Lock()
	m.requestsByKind = make(map[string]uint64)
	m.responses = make(map[ResponseStatus]uint64)
	m.errorsByType = make(map[string]uint64)
	m.countersMu.Unlock()

	for i := range m.enqueuedByQueue {
		atomic.StoreUint64(&m.enqueuedByQueue[i], 0)
	}
	atomic.StoreInt32(&m.poolInUse, 0)

	m.latencyMu.Lock()
	m.latencyByOp = make(map[string]*latencyStats)
	m.latencyMu.Unlock()

	m.connectionState.Store("disconnected")
	atomic.StoreUint64(&m.bytesSent, 0)
	atomic.StoreUint64(&m.bytesReceived, 0)
}

// noopMetrics discards everything; used when no collector is configured.
type noopMetrics struct{}

func (noopMetrics) IncrementRequestSent(string)         {}
func (noopMetrics) IncrementResponse(ResponseStatus)    {}
func (noopMetrics) IncrementError(string)               {}
func (noopMetrics) RecordLatency(string, time.Duration) {}
func (noopMetrics) SetConnectionState(string)           {}
func (noopMetrics) AddBytesSent(uint64)                 {}
func (noopMetrics) AddBytesReceived(uint64)             {}
func (noopMetrics) SetPoolInUse(int)                    {}
func (noopMetrics) IncrementEnqueued(QueueID)           {}
