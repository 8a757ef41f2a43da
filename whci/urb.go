package whci

import (
	"context"
	"errors"
	"fmt"

	"github.com/c35s/whci/hw"
	"github.com/c35s/whci/usb"
	"golang.org/x/sys/unix"
)

// dequeueJob finishes a dequeue whose URB had qTDs in the ring, after the qset's
// removal from the ASL has been confirmed.
type dequeueJob struct {
	q      *qset
	urb    *usb.URB
	status error
	stds   []*std // the URB's stds that were in the ring
}

type retiredURB struct {
	urb    *usb.URB
	status error
}

// Enqueue submits u. Only control and bulk endpoints are supported; others fail
// with EINVAL. Allocation failures return ENOMEM and a stopped or dead controller
// returns ESHUTDOWN. On success, u is given back exactly once.
func (hc *HC) Enqueue(u *usb.URB) error {
	ep := u.Endpoint

	switch {
	case ep == nil || ep.Device == nil:
		return fmt.Errorf("%w: urb has no endpoint", unix.EINVAL)

	case ep.Type != usb.TransferControl && ep.Type != usb.TransferBulk:
		return fmt.Errorf("%w: %v endpoints are not supported", unix.EINVAL, ep.Type)

	case ep.MaxPacketSize == 0 || int(ep.MaxPacketSize) > hc.cfg.MaxTransferSize:
		return fmt.Errorf("%w: max packet size %d", unix.EINVAL, ep.MaxPacketSize)

	case u.TransferBufferLength < 0:
		return fmt.Errorf("%w: transfer length %d", unix.EINVAL, u.TransferBufferLength)
	}

	if err := hc.Err(); err != nil {
		return fmt.Errorf("%w: %w", unix.ESHUTDOWN, err)
	}

	hc.mu.Lock()

	if err := hc.hcd.Link(u); err != nil {
		hc.mu.Unlock()
		return err
	}

	q, err := hc.getQset(u)
	if err == nil {
		err = hc.qsetAddURB(q, u)
	}

	if err != nil {
		hc.hcd.Unlink(u)
		hc.mu.Unlock()
		return err
	}

	u.HCPriv = q

	if q.list == nil && !q.remove {
		hc.aslInsertBegin(q)
	}

	hc.mu.Unlock()
	hc.queueWork()

	return nil
}

// Dequeue cancels u with the given status (usually ECONNRESET or ENOENT). It
// returns EIDRM if u is already being given back and EBUSY if it's already being
// cancelled. If u had qTDs in the ring, its qset is unlinked and u is given back
// only after the controller confirms it's no longer using u's buffer.
func (hc *HC) Dequeue(u *usb.URB, status error) error {
	hc.mu.Lock()

	if err := hc.hcd.CheckUnlink(u, status); err != nil {
		hc.mu.Unlock()
		return err
	}

	q := u.HCPriv.(*qset)

	var inRing []*std
	for _, s := range append([]*std(nil), q.stds...) {
		if s.urb != u {
			continue
		}

		if s.slot != nil {
			inRing = append(inRing, s)
			q.detachStd(s)
		} else {
			hc.freeStd(q, s)
		}
	}

	if len(inRing) == 0 {
		hc.retire(q, u, status)
		hc.mu.Unlock()
		hc.giveback()
		return nil
	}

	// The ring is rebuilt when the qset is linked again.
	for _, s := range q.stds {
		s.slot = nil
	}

	if q.list == hc.async {
		hc.aslRemove(q)
	}

	hc.dequeues = append(hc.dequeues, dequeueJob{q: q, urb: u, status: status, stds: inRing})
	hc.mu.Unlock()
	hc.queueWork()

	return nil
}

// runDequeues finishes the pending dequeues.
func (hc *HC) runDequeues() {
	hc.mu.Lock()
	jobs := hc.dequeues
	hc.dequeues = nil
	hc.mu.Unlock()

	for _, j := range jobs {
		hc.finishDequeue(j)
	}
}

func (hc *HC) finishDequeue(j dequeueJob) {
	hc.aslUpdate(hw.CmdAsyncUpdated | hw.CmdAsyncSyncedDB | hw.CmdAsyncQSetRemove)

	hc.mu.Lock()

	for _, s := range j.stds {
		s.slot = nil
		hc.releaseStd(s)
	}

	hc.retire(j.q, j.urb, j.status)

	requeue := false
	switch {
	case j.q.list == hc.removed:
		requeue = hc.completeRemoval(j.q)

	case j.q.list == nil && len(j.q.stds) > 0 && !j.q.remove:
		hc.aslInsertBegin(j.q)
		requeue = true
	}

	hc.mu.Unlock()
	hc.giveback()

	if requeue {
		hc.queueWork()
	}
}

// retire unlinks u from its endpoint and queues it to be given back. All of u's
// stds must be gone.
func (hc *HC) retire(q *qset, u *usb.URB, status error) {
	if q.pauseAfter == u {
		q.pauseAfter = nil
	}

	hc.hcd.Unlink(u)
	u.HCPriv = nil
	hc.retired = append(hc.retired, retiredURB{urb: u, status: status})
}

// giveback gives back the retired URBs. It must be called without hc.mu held,
// since completion callbacks may submit new URBs.
func (hc *HC) giveback() {
	hc.mu.Lock()
	retired := hc.retired
	hc.retired = nil
	hc.mu.Unlock()

	for _, r := range retired {
		hc.hcd.Giveback(r.urb, r.status)
	}
}

// EndpointDisable tears down ep's qset. URBs still queued on ep are cancelled with
// ESHUTDOWN and given back first. It waits for the controller to confirm the
// qset's removal from the ASL, or for ctx to be done. Disabling an endpoint twice
// is harmless. EndpointDisable must not be called from a completion callback.
func (hc *HC) EndpointDisable(ctx context.Context, ep *usb.Endpoint) error {
	hc.hcd.Disable(ep)

	for _, u := range hc.hcd.URBs(ep) {
		err := hc.Dequeue(u, usb.StatusShutdown)
		if err != nil && !errors.Is(err, unix.EIDRM) && !errors.Is(err, unix.EBUSY) {
			return err
		}

		select {
		case <-u.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	hc.mu.Lock()

	q, ok := ep.HCPriv.(*qset)
	if !ok {
		hc.mu.Unlock()
		return nil
	}

	var wait chan struct{}
	if q.list != nil {
		if q.removedC == nil {
			q.removedC = make(chan struct{})
		}

		wait = q.removedC
		q.remove = true
	}

	hc.mu.Unlock()

	if wait != nil {
		hc.queueWork()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	if ep.HCPriv == q {
		ep.HCPriv = nil
		hc.qsetFree(q)
		hc.log.Debug("endpoint disabled", "ep", ep.Address, "qset", q.blk.Addr())
	}

	return nil
}

// EndpointReset resets ep's sequence state. If the qset is linked, it's unlinked,
// reset, and linked again by the worker.
func (hc *HC) EndpointReset(ep *usb.Endpoint) {
	hc.mu.Lock()

	q, ok := ep.HCPriv.(*qset)
	if !ok {
		hc.mu.Unlock()
		return
	}

	kick := false
	switch q.list {
	case hc.async:
		q.remove = true
		q.reset = true
		kick = true

	case hc.removed:
		q.reset = true

	default:
		q.resetSeq()
	}

	hc.mu.Unlock()

	if kick {
		hc.queueWork()
	}
}
