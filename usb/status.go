package usb

import "golang.org/x/sys/unix"

// Completion statuses. A URB that transferred all of its data has a nil Status.
const (
	StatusUnlinked      = unix.ECONNRESET // cancelled asynchronously
	StatusKilled        = unix.ENOENT     // cancelled synchronously
	StatusShutdown      = unix.ESHUTDOWN  // the controller or endpoint went away
	StatusStall         = unix.EPIPE      // the endpoint halted
	StatusOverrun       = unix.ENOSR      // IN data buffer error
	StatusUnderrun      = unix.ECOMM      // OUT data buffer error
	StatusBabble        = unix.EOVERFLOW  // the device sent more than expected
	StatusTimeout       = unix.ETIME      // retry count exceeded
	StatusShortNotOK    = unix.EREMOTEIO  // short IN with ShortNotOK
	StatusNoMemory      = unix.ENOMEM
	StatusUnsupported   = unix.EINVAL
	StatusNotLinked     = unix.EIDRM
	StatusAlreadyUnlink = unix.EBUSY
)
