package usb

import "sync"

// Segment is one element of a scatter-gather list. Addr is a bus address in the
// controller's DMA memory.
type Segment struct {
	Addr uint64
	Len  int
}

// Flags modify how a URB is processed.
type Flags uint32

const (
	// ShortNotOK makes a short IN transfer complete with EREMOTEIO.
	ShortNotOK Flags = 1 << iota
)

// URB is a USB request block: a request to move a buffer to or from an endpoint.
type URB struct {
	Endpoint *Endpoint

	// TransferDMA is the bus address of a contiguous transfer buffer. It's
	// ignored if SG is set.
	TransferDMA uint64

	// SG is an optional scatter-gather list describing the transfer buffer.
	SG []Segment

	// TransferBufferLength is the number of bytes to transfer.
	TransferBufferLength int

	// Setup is the setup packet of a control transfer.
	Setup [8]byte

	Flags Flags

	// Complete, if set, is called once when the URB is given back. It's called
	// without any host controller locks held and may submit new URBs.
	Complete func(*URB)

	// ActualLength is the number of bytes transferred. It's valid once the URB
	// has been given back, including on error.
	ActualLength int

	// Status is nil on success or the completion errno.
	Status error

	// HCPriv is owned by the host controller driver while the URB is linked.
	HCPriv any

	linked   bool
	unlinked error

	doneOnce sync.Once
	doneC    chan struct{}
}

// IsIn reports whether data moves from the device to the host. For control
// transfers, the direction comes from the setup packet.
func (u *URB) IsIn() bool {
	if u.Endpoint.Type == TransferControl {
		return u.Setup[0]&0x80 != 0
	}

	return u.Endpoint.IsIn()
}

// IsControl reports whether u is a control transfer.
func (u *URB) IsControl() bool {
	return u.Endpoint.Type == TransferControl
}

// Done returns a channel that's closed when the URB is given back.
func (u *URB) Done() <-chan struct{} {
	u.doneOnce.Do(u.initDone)
	return u.doneC
}

func (u *URB) initDone() {
	u.doneC = make(chan struct{})
}
