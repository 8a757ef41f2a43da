// Package usb is the generic request-tracking layer a host controller driver plugs
// into. It owns the URB life cycle bookkeeping: linking URBs to endpoints, race-free
// unlink checks, and giving completed URBs back to their submitters.
package usb

import "fmt"

// TransferType is the type of an endpoint.
type TransferType uint8

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

// Device describes a Wireless USB device as the host controller sees it.
type Device struct {

	// Port is the device's port number on the host's virtual root hub. The
	// controller uses it to index its device info buffer.
	Port int

	// PHYRates is the bitmap of PHY rates the device supports (bit n set means
	// rate n is supported). If PHYRates is 0, only the base rate is used.
	PHYRates uint16
}

// Endpoint describes a device endpoint.
type Endpoint struct {
	Device *Device

	// Address is the endpoint number, with bit 7 set for IN endpoints.
	Address uint8

	Type TransferType

	MaxPacketSize uint16

	// MaxBurst and MaxSequence come from the wireless endpoint companion
	// descriptor. Zero means the endpoint has no companion descriptor.
	MaxBurst    uint8
	MaxSequence uint8

	// HCPriv is owned by the host controller driver.
	HCPriv any

	urbs     []*URB
	disabled bool
}

// Number returns the endpoint number (0-15).
func (ep *Endpoint) Number() int {
	return int(ep.Address & 0x0f)
}

// IsIn reports whether this is an IN (device to host) endpoint.
func (ep *Endpoint) IsIn() bool {
	return ep.Address&0x80 != 0
}

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"

	case TransferIsochronous:
		return "isochronous"

	case TransferBulk:
		return "bulk"

	case TransferInterrupt:
		return "interrupt"

	default:
		return fmt.Sprintf("TransferType(%d)", t)
	}
}
