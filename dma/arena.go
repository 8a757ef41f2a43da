package dma

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// Config describes a new Arena.
type Config struct {

	// Size is the size of the arena in bytes. It must be a multiple of PageSize.
	// If Size is 0, the arena is 4M.
	Size int

	// Base is the bus address of the first byte of the arena. It must be
	// page-aligned. If Base is 0, the arena starts at 0x10000000.
	Base uint64

	// PageSize is the controller's page size. If PageSize is 0, it's 4096.
	PageSize int
}

// Arena is a Memory backed by a single byte slice. All accesses, by the driver or by
// a simulated controller, go through the arena's lock.
type Arena struct {
	mu     sync.Mutex
	mem    []byte
	base   uint64
	pgsz   int
	free   []extent       // sorted by addr, coalesced
	allocs map[uint64]int // addr:size
	maps   map[mapKey]int // outstanding Map calls
	nmaps  int
}

type extent struct {
	addr uint64
	size int
}

type mapKey struct {
	addr uint64
	size int
	dir  Direction
}

const (
	SizeDefault     = 4 << 20
	BaseDefault     = 0x10000000
	PageSizeDefault = 4096
)

var le = binary.LittleEndian

// New creates a new arena.
func New(cfg Config) (*Arena, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	a := &Arena{
		mem:    make([]byte, cfg.Size),
		base:   cfg.Base,
		pgsz:   cfg.PageSize,
		free:   []extent{{addr: cfg.Base, size: cfg.Size}},
		allocs: make(map[uint64]int),
		maps:   make(map[mapKey]int),
	}

	return a, nil
}

func (a *Arena) Alloc(size, align int) (uint64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: size %d", ErrNoMemory, size)
	}

	if align <= 0 {
		align = 1
	}

	if align&(align-1) != 0 {
		panic(fmt.Sprintf("dma: alignment %d is not a power of two", align))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, e := range a.free {
		start := (e.addr + uint64(align) - 1) &^ uint64(align-1)
		pad := int(start - e.addr)
		if pad+size > e.size {
			continue
		}

		var split []extent
		if pad > 0 {
			split = append(split, extent{addr: e.addr, size: pad})
		}

		if rest := e.size - pad - size; rest > 0 {
			split = append(split, extent{addr: start + uint64(size), size: rest})
		}

		a.free = append(a.free[:i], append(split, a.free[i+1:]...)...)
		a.allocs[start] = size
		clear(a.slice(start, size))

		return start, nil
	}

	return 0, fmt.Errorf("%w: %d bytes aligned to %d", ErrNoMemory, size, align)
}

func (a *Arena) Free(addr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.allocs[addr]
	if !ok {
		panic(fmt.Errorf("%w: free of unallocated %#x", ErrBadAddress, addr))
	}

	delete(a.allocs, addr)

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].addr > addr })
	a.free = append(a.free[:i], append([]extent{{addr: addr, size: size}}, a.free[i:]...)...)

	// coalesce with the neighbors
	if i+1 < len(a.free) && a.free[i].addr+uint64(a.free[i].size) == a.free[i+1].addr {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}

	if i > 0 && a.free[i-1].addr+uint64(a.free[i-1].size) == a.free[i].addr {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

func (a *Arena) Map(addr uint64, size int, dir Direction) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.contains(addr, size) {
		return 0, fmt.Errorf("%w: map %#x+%d", ErrBadAddress, addr, size)
	}

	a.maps[mapKey{addr, size, dir}]++
	a.nmaps++

	return addr, nil
}

func (a *Arena) Unmap(addr uint64, size int, dir Direction) {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := mapKey{addr, size, dir}
	if a.maps[k] == 0 {
		panic(fmt.Errorf("%w: unmap of unmapped %#x+%d (%v)", ErrBadAddress, addr, size, dir))
	}

	if a.maps[k]--; a.maps[k] == 0 {
		delete(a.maps, k)
	}

	a.nmaps--
}

func (a *Arena) Contains(addr uint64, size int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contains(addr, size)
}

func (a *Arena) PageSize() int {
	return a.pgsz
}

// Base returns the bus address of the first byte of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// InUse returns the number of live allocations.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocs)
}

// Mapped returns the number of outstanding mappings.
func (a *Arena) Mapped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nmaps
}

func (a *Arena) ReadAt(p []byte, addr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(p, a.slice(addr, len(p)))
}

func (a *Arena) WriteAt(p []byte, addr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(a.slice(addr, len(p)), p)
}

func (a *Arena) Uint16(addr uint64) uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return le.Uint16(a.slice(addr, 2))
}

func (a *Arena) PutUint16(addr uint64, v uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	le.PutUint16(a.slice(addr, 2), v)
}

func (a *Arena) Uint32(addr uint64) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return le.Uint32(a.slice(addr, 4))
}

func (a *Arena) PutUint32(addr uint64, v uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	le.PutUint32(a.slice(addr, 4), v)
}

func (a *Arena) Uint64(addr uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return le.Uint64(a.slice(addr, 8))
}

func (a *Arena) PutUint64(addr uint64, v uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	le.PutUint64(a.slice(addr, 8), v)
}

func (a *Arena) contains(addr uint64, size int) bool {
	return size >= 0 && addr >= a.base && addr-a.base+uint64(size) <= uint64(len(a.mem))
}

func (a *Arena) slice(addr uint64, size int) []byte {
	if !a.contains(addr, size) {
		panic(fmt.Errorf("%w: %#x+%d", ErrBadAddress, addr, size))
	}

	off := addr - a.base
	return a.mem[off : off+uint64(size)]
}

func (cfg Config) validate() error {
	if cfg.PageSize&(cfg.PageSize-1) != 0 {
		return fmt.Errorf("page size %d is not a power of two", cfg.PageSize)
	}

	if cfg.Size%cfg.PageSize != 0 {
		return fmt.Errorf("size must be a multiple of the page size (%d)", cfg.PageSize)
	}

	if cfg.Base%uint64(cfg.PageSize) != 0 {
		return fmt.Errorf("base %#x is not page-aligned", cfg.Base)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Size == 0 {
		cfg.Size = SizeDefault
	}

	if cfg.Base == 0 {
		cfg.Base = BaseDefault
	}

	if cfg.PageSize == 0 {
		cfg.PageSize = PageSizeDefault
	}

	return cfg
}
