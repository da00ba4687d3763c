package go_otdoa

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// blockPool is a fixed set of equally sized message blocks carved from one
// slab. Allocation never blocks; an empty pool reports ErrPoolExhausted.
type blockPool struct {
	sem       *semaphore.Weighted
	mu        sync.Mutex
	slab      []byte
	free      []int
	blockSize int
	inUse     int
}

func newBlockPool(blocks, blockSize int) *blockPool {
	p := &blockPool{
		sem:       semaphore.NewWeighted(int64(blocks)),
		slab:      make([]byte, blocks*blockSize),
		free:      make([]int, 0, blocks),
		blockSize: blockSize,
	}
	for i := blocks - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// block is a pool-owned slice; index identifies it for free.
type block struct {
	index int
	data  []byte
}

func (p *blockPool) alloc() (*block, error) {
	if !p.sem.TryAcquire(1) {
		return nil, ErrPoolExhausted
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slab == nil {
		p.sem.Release(1)
		return nil, ErrDispatcherClosed
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse++
	start := idx * p.blockSize
	data := p.slab[start : start+p.blockSize : start+p.blockSize]
	clear(data)
	return &block{index: idx, data: data}, nil
}

func (p *blockPool) freeBlock(b *block) {
	if b == nil {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, b.index)
	p.inUse--
	p.mu.Unlock()
	b.data = nil
	p.sem.Release(1)
}

// InUse reports how many blocks are owned by in-flight items.
func (p *blockPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// release drops the slab. Later allocations fail with ErrDispatcherClosed.
func (p *blockPool) release() {
	p.mu.Lock()
	p.slab = nil
	p.mu.Unlock()
}
