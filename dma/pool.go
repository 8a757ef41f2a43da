package dma

import "sync"

// Pool hands out fixed-size, aligned, zeroed blocks of DMA memory. Freed blocks are
// kept for reuse.
type Pool struct {
	mem   Memory
	size  int
	align int

	mu   sync.Mutex
	idle []uint64
}

// NewPool returns a pool of size-byte blocks aligned to align.
func NewPool(mem Memory, size, align int) *Pool {
	return &Pool{
		mem:   mem,
		size:  size,
		align: align,
	}
}

// Get returns the bus address of a zeroed block.
func (p *Pool) Get() (uint64, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		addr := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		p.mem.WriteAt(make([]byte, p.size), addr)
		return addr, nil
	}

	p.mu.Unlock()

	return p.mem.Alloc(p.size, p.align)
}

// Put returns a block to the pool.
func (p *Pool) Put(addr uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = append(p.idle, addr)
}

// Size returns the block size.
func (p *Pool) Size() int {
	return p.size
}

// Close frees the idle blocks.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, addr := range p.idle {
		p.mem.Free(addr)
	}

	p.idle = nil
}
