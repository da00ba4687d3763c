package go_otdoa

import (
	"sync"
	"sync/atomic"
)

// bufferPool recycles session buffers between downloads.
// Uses sync.Pool with one bucket per session buffer size.
//
// Size classes:
//   - HTTPS_BUF_SIZE (2048):  TLS sessions, bounded by the modem's record buffer
//   - HTTP_BUF_SIZE (12288):  plaintext sessions and the default allocation
type bufferPool struct {
	poolHTTPS sync.Pool
	poolHTTP  sync.Pool
	enabled   bool
	mu        sync.RWMutex

	getsHTTPS     uint64
	getsHTTP      uint64
	getsOversized uint64
	putsHTTPS     uint64
	putsHTTP      uint64
}

// Global buffer pool instance
var globalBufferPool = &bufferPool{
	poolHTTPS: sync.Pool{
		New: func() interface{} {
			buf := make([]byte, HTTPS_BUF_SIZE)
			return &buf
		},
	},
	poolHTTP: sync.Pool{
		New: func() interface{} {
			buf := make([]byte, HTTP_BUF_SIZE)
			return &buf
		},
	},
	enabled: true,
}

// EnableBufferPool enables reuse of session buffers.
func EnableBufferPool() {
	globalBufferPool.mu.Lock()
	globalBufferPool.enabled = true
	globalBufferPool.mu.Unlock()
}

// DisableBufferPool disables reuse; every acquire allocates.
func DisableBufferPool() {
	globalBufferPool.mu.Lock()
	globalBufferPool.enabled = false
	globalBufferPool.mu.Unlock()
}

// IsBufferPoolEnabled returns whether buffer pooling is currently enabled.
func IsBufferPoolEnabled() bool {
	globalBufferPool.mu.RLock()
	defer globalBufferPool.mu.RUnlock()
	return globalBufferPool.enabled
}

// GetBuffer returns a zeroed buffer of length size from the smallest class
// that fits.
func (bp *bufferPool) GetBuffer(size int) []byte {
	bp.mu.RLock()
	enabled := bp.enabled
	bp.mu.RUnlock()

	if !enabled {
		return make([]byte, size)
	}

	var bufPtr *[]byte
	switch {
	case size <= HTTPS_BUF_SIZE:
		atomic.AddUint64(&bp.getsHTTPS, 1)
		bufPtr = bp.poolHTTPS.Get().(*[]byte)
	case size <= HTTP_BUF_SIZE:
		atomic.AddUint64(&bp.getsHTTP, 1)
		bufPtr = bp.poolHTTP.Get().(*[]byte)
	default:
		atomic.AddUint64(&bp.getsOversized, 1)
		return make([]byte, size)
	}

	buf := (*bufPtr)[:size]
	clear(buf)
	return buf
}

// PutBuffer returns a buffer to its class. Foreign capacities are dropped.
func (bp *bufferPool) PutBuffer(buf []byte) {
	bp.mu.RLock()
	enabled := bp.enabled
	bp.mu.RUnlock()

	if !enabled || buf == nil {
		return
	}

	buf = buf[:cap(buf)]
	switch cap(buf) {
	case HTTPS_BUF_SIZE:
		atomic.AddUint64(&bp.putsHTTPS, 1)
		bp.poolHTTPS.Put(&buf)
	case HTTP_BUF_SIZE:
		atomic.AddUint64(&bp.putsHTTP, 1)
		bp.poolHTTP.Put(&buf)
	}
}

// BufferPoolStats reports buffer pool usage.
type BufferPoolStats struct {
	GetsHTTPS     uint64
	GetsHTTP      uint64
	GetsOversized uint64
	PutsHTTPS     uint64
	PutsHTTP      uint64
}

// GetBufferPoolStats returns current buffer pool statistics.
// Returns nil if buffer pooling is disabled.
func GetBufferPoolStats() *BufferPoolStats {
	globalBufferPool.mu.RLock()
	defer globalBufferPool.mu.RUnlock()

	if !globalBufferPool.enabled {
		return nil
	}

	return &BufferPoolStats{
		GetsHTTPS:     atomic.LoadUint64(&globalBufferPool.getsHTTPS),
		GetsHTTP:      atomic.LoadUint64(&globalBufferPool.getsHTTP),
		GetsOversized: atomic.LoadUint64(&globalBufferPool.getsOversized),
		PutsHTTPS:     atomic.LoadUint64(&globalBufferPool.putsHTTPS),
		PutsHTTP:      atomic.LoadUint64(&globalBufferPool.putsHTTP),
	}
}
