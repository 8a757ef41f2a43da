package usb

import (
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// HCD tracks the URBs linked to each endpoint on behalf of a host controller
// driver. The driver links a URB when it accepts it, unlinks it when it's done with
// it, and then gives it back. CheckUnlink arbitrates between a cancellation and a
// completion that race for the same URB.
type HCD struct {
	mu      sync.Mutex
	running bool
	log     *slog.Logger
}

// NewHCD returns a stopped HCD. If log is nil, slog.Default is used.
func NewHCD(log *slog.Logger) *HCD {
	if log == nil {
		log = slog.Default()
	}

	return &HCD{log: log}
}

// SetRunning controls whether new URBs may be linked.
func (h *HCD) SetRunning(running bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = running
}

// Running reports whether new URBs may be linked.
func (h *HCD) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Link links u to its endpoint. It fails with ESHUTDOWN if the HCD isn't running,
// ENOENT if the endpoint is disabled, and EBUSY if u is already linked.
func (h *HCD) Link(u *URB) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case !h.running:
		return unix.ESHUTDOWN

	case u.Endpoint.disabled:
		return unix.ENOENT

	case u.linked:
		return unix.EBUSY
	}

	ep := u.Endpoint
	ep.urbs = append(ep.urbs, u)
	u.linked = true
	u.unlinked = nil
	u.ActualLength = 0
	u.Status = nil
	u.doneOnce = sync.Once{}
	u.doneC = nil

	return nil
}

// CheckUnlink records a cancellation of u with the given status. It returns EIDRM
// if u isn't linked (it's already being given back) and EBUSY if u is already
// being cancelled. A nil return means the caller now owns the cancellation.
func (h *HCD) CheckUnlink(u *URB, status error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !u.linked {
		return unix.EIDRM
	}

	if u.unlinked != nil {
		return unix.EBUSY
	}

	u.unlinked = status
	return nil
}

// Unlink removes u from its endpoint's list. The URB must be given back
// afterwards.
func (h *HCD) Unlink(u *URB) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !u.linked {
		panic("unlinking a URB that isn't linked")
	}

	ep := u.Endpoint
	for i, x := range ep.urbs {
		if x == u {
			ep.urbs = append(ep.urbs[:i], ep.urbs[i+1:]...)
			break
		}
	}

	u.linked = false
}

// Giveback completes an unlinked URB. If the URB was cancelled, the cancellation
// status wins over status, and a short transfer with ShortNotOK set completes with
// EREMOTEIO if it's IN. Giveback must be called without driver locks held.
func (h *HCD) Giveback(u *URB, status error) {
	h.mu.Lock()
	if u.unlinked != nil {
		status = u.unlinked
	}

	if status == nil && u.Flags&ShortNotOK != 0 && u.IsIn() && u.ActualLength < u.TransferBufferLength {
		status = unix.EREMOTEIO
	}

	u.Status = status
	h.mu.Unlock()

	if status != nil {
		h.log.Debug("urb given back", "ep", u.Endpoint.Address, "len", u.ActualLength, "status", status)
	}

	// Complete may resubmit u, which replaces its done channel.
	u.doneOnce.Do(u.initDone)
	done := u.doneC

	if u.Complete != nil {
		u.Complete(u)
	}

	close(done)
}

// URBs returns the URBs linked to ep, oldest first.
func (h *HCD) URBs(ep *Endpoint) []*URB {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*URB(nil), ep.urbs...)
}

// Disable stops new URBs from being linked to ep.
func (h *HCD) Disable(ep *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep.disabled = true
}

// Enable allows URBs to be linked to ep again.
func (h *HCD) Enable(ep *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep.disabled = false
}
