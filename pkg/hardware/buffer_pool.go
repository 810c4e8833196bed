package hardware

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/pcmhal/pkg/logging"
)

// Buffer is a pooled sample scratch buffer owned by one stream while it is active
type Buffer struct {
	Data []int16
	pool *BufferPool
}

// Reset clears the buffer data
func (b *Buffer) Reset() {
	for i := range b.Data {
		b.Data[i] = 0
	}
}

// Release returns the buffer to its pool. The buffer must not be used afterwards.
func (b *Buffer) Release() {
	if b != nil && b.pool != nil {
		b.pool.Put(b)
	}
}

// Grow returns a buffer holding at least n samples, reusing b when it is large enough
func (b *Buffer) Grow(n int) *Buffer {
	if b != nil && cap(b.Data) >= n {
		b.Data = b.Data[:n]
		return b
	}
	var pool *BufferPool
	if b != nil {
		pool = b.pool
		b.Release()
	}
	if pool == nil {
		pool = GetGlobalBufferPool()
	}
	return pool.Get(n)
}

// BufferPool hands out scratch buffers in period-friendly size classes
type BufferPool struct {
	// sample capacity per class; 2048 covers one stereo 1024-frame period
	classes []int
	pools   []*sync.Pool

	hits []int64
	miss []int64

	maxBufferSize    int
	enableStatistics bool
	outstanding      int64
}

var (
	globalBufferPool *BufferPool
	poolOnce         sync.Once
)

// GetGlobalBufferPool returns the process-wide buffer pool
func GetGlobalBufferPool() *BufferPool {
	poolOnce.Do(func() {
		globalBufferPool = NewBufferPool(32768, true)
	})
	return globalBufferPool
}

// NewBufferPool creates a pool serving requests up to maxBufferSize samples
func NewBufferPool(maxBufferSize int, enableStats bool) *BufferPool {
	p := &BufferPool{
		maxBufferSize:    maxBufferSize,
		enableStatistics: enableStats,
	}
	for size := 2048; ; size *= 4 {
		if size > maxBufferSize {
			size = maxBufferSize
		}
		p.classes = append(p.classes, size)
		if size == maxBufferSize {
			break
		}
	}
	p.hits = make([]int64, len(p.classes))
	p.miss = make([]int64, len(p.classes))
	p.pools = make([]*sync.Pool, len(p.classes))
	for i := range p.classes {
		idx := i
		p.pools[i] = &sync.Pool{
			New: func() interface{} {
				if enableStats {
					atomic.AddInt64(&p.miss[idx], 1)
				}
				return &Buffer{
					Data: make([]int16, p.classes[idx]),
					pool: p,
				}
			},
		}
	}
	return p
}

func (p *BufferPool) class(size int) int {
	for i, c := range p.classes {
		if size <= c {
			return i
		}
	}
	return -1
}

// Get retrieves a zeroed buffer of exactly size samples
func (p *BufferPool) Get(size int) *Buffer {
	if size < 0 {
		size = 0
	}
	atomic.AddInt64(&p.outstanding, 1)

	idx := p.class(size)
	if idx < 0 {
		logging.Debugf("bufpool", "request of %d samples exceeds max %d, allocating directly",
			size, p.maxBufferSize)
		return &Buffer{Data: make([]int16, size), pool: p}
	}

	buffer := p.pools[idx].Get().(*Buffer)
	if p.enableStatistics {
		atomic.AddInt64(&p.hits[idx], 1)
	}
	buffer.Data = buffer.Data[:size]
	return buffer
}

// Put returns a buffer to the pool
func (p *BufferPool) Put(buffer *Buffer) {
	if buffer == nil || buffer.Data == nil {
		return
	}
	atomic.AddInt64(&p.outstanding, -1)

	buffer.Data = buffer.Data[:cap(buffer.Data)]
	buffer.Reset()

	for i, c := range p.classes {
		if cap(buffer.Data) == c {
			p.pools[i].Put(buffer)
			return
		}
	}
	// odd-sized buffers are left to the garbage collector
}

// Outstanding returns buffers handed out and not yet returned
func (p *BufferPool) Outstanding() int64 {
	return atomic.LoadInt64(&p.outstanding)
}

// Statistics returns per-class hit and miss counters keyed by class size
func (p *BufferPool) Statistics() map[string]int64 {
	stats := map[string]int64{"outstanding": p.Outstanding()}
	if !p.enableStatistics {
		return stats
	}
	for i, c := range p.classes {
		stats[classKey(c, "hits")] = atomic.LoadInt64(&p.hits[i])
		stats[classKey(c, "miss")] = atomic.LoadInt64(&p.miss[i])
	}
	return stats
}

func classKey(size int, kind string) string {
	return kind + "_" + strconv.Itoa(size)
}

// ReportStatistics logs pool statistics every interval until stop is closed
func (p *BufferPool) ReportStatistics(interval time.Duration, stop <-chan struct{}) {
	if !p.enableStatistics {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var hits, miss int64
			for i := range p.classes {
				hits += atomic.LoadInt64(&p.hits[i])
				miss += atomic.LoadInt64(&p.miss[i])
			}
			if hits == 0 {
				continue
			}
			logging.Debug("bufpool", "statistics", logging.Fields{
				"requests":    hits,
				"allocated":   miss,
				"reuse_pct":   float64(hits-miss) / float64(hits) * 100,
				"outstanding": p.Outstanding(),
			})
		}
	}
}
