// Package hw describes the Wireless USB host controller's register bank and the
// layouts of the structures it reads from and writes to DMA memory.
package hw

import (
	"errors"
	"fmt"
	"time"
)

// Registers is the controller's register bank.
type Registers interface {
	Read32(off int) uint32
	Write32(off int, v uint32)
	Read64(off int) uint64
	Write64(off int, v uint64)
}

// register offsets

const (
	RegVersion        = 0x00 // interface version (R)
	RegSParams        = 0x04 // structural parameters (R)
	RegCmd            = 0x08 // WUSBCMD (RW)
	RegSts            = 0x0c // WUSBSTS, write 1 to clear the interrupt bits (RW)
	RegIntr           = 0x10 // interrupt enables (RW)
	RegPeriodicBase   = 0x40 // periodic zone list base (RW, 64-bit)
	RegAsyncListAddr  = 0x50 // address of the first ASL qset | nTDs hint (RW, 64-bit)
	RegDeviceInfoAddr = 0x58 // device info buffer (RW, 64-bit)
	RegDNTSBufAddr    = 0x70 // device notification buffer (RW, 64-bit)
	RegTime           = 0x80 // WUSB time (R)

	RegBankSize = 0x100
)

// WHCIVersion is the interface version reported by RegVersion.
const WHCIVersion = 0x0095

// WUSBCMD bits

const (
	CmdRun                = 1 << 0
	CmdReset              = 1 << 1
	CmdPeriodicEnable     = 1 << 2
	CmdAsyncEnable        = 1 << 3
	CmdPeriodicUpdated    = 1 << 4
	CmdAsyncUpdated       = 1 << 5 // the ASL changed; cleared by the controller once it has resynced
	CmdPeriodicSyncedDB   = 1 << 6
	CmdAsyncSyncedDB      = 1 << 7 // raise StsAsyncSchedSynced when the update is done
	CmdPeriodicQSetRemove = 1 << 11
	CmdAsyncQSetRemove    = 1 << 12 // the update removed at least one qset
)

// WUSBSTS bits

const (
	StsInt                 = 1 << 0 // a qTD with IOC completed
	StsErrInt              = 1 << 1 // a qTD halted
	StsDNTSInt             = 1 << 2
	StsPeriodicSchedSynced = 1 << 3
	StsAsyncSchedSynced    = 1 << 4 // an async update was acknowledged
	StsHostErr             = 1 << 5 // unrecoverable controller error
	StsHCHalted            = 1 << 12
	StsPeriodicSched       = 1 << 14
	StsAsyncSched          = 1 << 15 // the ASL is being processed

	StsIntMask = 0x3ff
)

// ErrWaitTimeout is returned by WaitFor when the register doesn't reach the
// expected value in time.
var ErrWaitTimeout = errors.New("hw: register wait timed out")

// WaitFor polls the 32-bit register at off until (value & mask) == want or timeout
// elapses.
func WaitFor(r Registers, off int, mask, want uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	delay := time.Microsecond

	for {
		v := r.Read32(off)
		if v&mask == want {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: reg %#02x = %#08x, mask %#08x != %#08x", ErrWaitTimeout, off, v, mask, want)
		}

		time.Sleep(delay)
		if delay < time.Millisecond {
			delay *= 2
		}
	}
}
