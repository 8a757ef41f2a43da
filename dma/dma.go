// Package dma models DMA-coherent memory shared between a driver and a bus-mastering
// controller. Addresses handed out by a Memory are bus addresses: the controller uses
// them as-is, and the driver reads and writes through the same Memory so that every
// word access is serialized against the controller's.
package dma

import (
	"errors"
	"fmt"
)

// Memory is DMA-coherent memory. Word accessors are little-endian, matching the
// layout the controller reads. Accessors panic if the range isn't contained in the
// memory; a bad bus address is a programming error, not a runtime condition.
type Memory interface {

	// Alloc allocates size bytes aligned to align (a power of two) and returns the
	// bus address of the first byte. The memory is zeroed.
	Alloc(size, align int) (uint64, error)

	// Free releases an allocation made by Alloc.
	Free(addr uint64)

	// Map makes an allocated range visible to the controller for a transfer in the
	// given direction. Every successful Map must be paired with one Unmap.
	Map(addr uint64, size int, dir Direction) (uint64, error)

	// Unmap reverses a Map.
	Unmap(addr uint64, size int, dir Direction)

	// Contains reports whether [addr, addr+size) lies within the memory.
	Contains(addr uint64, size int) bool

	// PageSize is the page size the controller uses for page lists.
	PageSize() int

	ReadAt(p []byte, addr uint64)
	WriteAt(p []byte, addr uint64)

	Uint16(addr uint64) uint16
	PutUint16(addr uint64, v uint16)
	Uint32(addr uint64) uint32
	PutUint32(addr uint64, v uint32)
	Uint64(addr uint64) uint64
	PutUint64(addr uint64, v uint64)
}

// Direction is the direction of a streaming mapping.
type Direction uint8

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
)

var (
	ErrConfig     = errors.New("dma: invalid config")
	ErrNoMemory   = errors.New("dma: out of memory")
	ErrBadAddress = errors.New("dma: bad address")
)

func (d Direction) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"

	case ToDevice:
		return "to-device"

	case FromDevice:
		return "from-device"

	default:
		return fmt.Sprintf("Direction(%d)", d)
	}
}
