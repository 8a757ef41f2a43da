package whci

import (
	"container/list"
	"fmt"
	"time"

	"github.com/c35s/whci/hw"
)

// The ASL exists twice: as HC.async, the driver's list of qsets in schedule order,
// and as the circular chain of qset link pointers the controller follows. The
// chain holds exactly the qsets with inHW set, in software order, and stays
// circular after every single link write. Qsets that are in the software list but
// not yet in the chain are skipped when looking for a qset's neighbors.

// aslStart points the controller at the anchor and enables the async schedule.
func (hc *HC) aslStart() error {
	hc.writeCmd(hw.CmdRun, hw.CmdRun)
	hc.regs.Write64(hw.RegAsyncListAddr, hc.anchor.blk.Addr()|hw.QHLinkNTDS(hw.QSetTDMax))
	hc.writeCmd(hw.CmdAsyncEnable, hw.CmdAsyncEnable)

	return hw.WaitFor(hc.regs, hw.RegSts, hw.StsAsyncSched, hw.StsAsyncSched, hc.cfg.StartTimeout)
}

// aslStop disables the async schedule and waits for the controller to stop it.
func (hc *HC) aslStop() error {
	hc.writeCmd(hw.CmdAsyncEnable, 0)
	return hw.WaitFor(hc.regs, hw.RegSts, hw.StsAsyncSched, 0, hc.cfg.StopTimeout)
}

// aslInsertBegin puts q at the head of the software list. It's linked into the
// controller's chain by the next scan.
func (hc *HC) aslInsertBegin(q *qset) {
	if q.list != nil {
		q.list.Remove(q.elem)
	}

	q.elem = hc.async.PushFront(q)
	q.list = hc.async
}

// aslInsert links q into the controller's chain between its neighbors.
func (hc *HC) aslInsert(q *qset) {
	q.clear()

	prev, next := hc.hwNeighbors(q)
	linkForward(q, next)
	splice(prev, q)
	q.inHW = true

	hc.log.Debug("qset linked", "qset", q.blk.Addr(), "prev", prev.blk.Addr(), "next", next.blk.Addr())
}

// aslRemove unlinks q from the controller's chain and moves it to the removed
// list. The controller may keep using q until the next ASL update completes, so
// q's own link is left pointing into the chain.
func (hc *HC) aslRemove(q *qset) {
	if q.list != hc.async {
		panic(fmt.Sprintf("removing qset %#x that isn't in the ASL", q.blk.Addr()))
	}

	if q.inHW {
		prev, next := hc.hwNeighbors(q)
		splice(prev, next)
		q.inHW = false
	}

	hc.async.Remove(q.elem)
	q.elem = hc.removed.PushBack(q)
	q.list = hc.removed

	hc.log.Debug("qset unlinked", "qset", q.blk.Addr())
}

// hwNeighbors returns the nearest qsets before and after q in the software list
// that are in the controller's chain. If there are none, both are q.
func (hc *HC) hwNeighbors(q *qset) (prev, next *qset) {
	prev, next = q, q

	for e := hc.nextElem(q.elem); e != q.elem; e = hc.nextElem(e) {
		if x := e.Value.(*qset); x.inHW {
			next = x
			break
		}
	}

	for e := hc.prevElem(q.elem); e != q.elem; e = hc.prevElem(e) {
		if x := e.Value.(*qset); x.inHW {
			prev = x
			break
		}
	}

	return prev, next
}

func (hc *HC) nextElem(e *list.Element) *list.Element {
	if n := e.Next(); n != nil {
		return n
	}

	return hc.async.Front()
}

func (hc *HC) prevElem(e *list.Element) *list.Element {
	if p := e.Prev(); p != nil {
		return p
	}

	return hc.async.Back()
}

// linkForward points q's link at next.
func linkForward(q, next *qset) {
	q.blk.SetLink(hw.SetLinkPtr(q.blk.Link(), next.blk.Addr()))
}

// splice points prev's link at q. This is the write that makes q reachable (or, on
// removal, unreachable) by the controller.
func splice(prev, q *qset) {
	prev.blk.SetLink(hw.SetLinkPtr(prev.blk.Link(), q.blk.Addr()))
}

// scanAsync is one reconciliation pass over the ASL. It links new qsets, processes
// every qset's ring, and unlinks qsets marked for removal, then tells the
// controller about all of it with a single update. Once the update is confirmed,
// the removals are complete.
func (hc *HC) scanAsync() {
	var upd update

	hc.mu.Lock()

	for e := hc.async.Back(); e != nil; {
		prev := e.Prev()
		q := e.Value.(*qset)

		if !q.inHW {
			hc.aslInsert(q)
			upd |= updateAdded
		}

		upd |= hc.processQset(q)
		e = prev
	}

	var removed []*qset
	for e := hc.removed.Front(); e != nil; e = e.Next() {
		removed = append(removed, e.Value.(*qset))
	}

	hc.mu.Unlock()
	hc.giveback()

	if upd != 0 {
		cmd := uint32(hw.CmdAsyncUpdated | hw.CmdAsyncSyncedDB)
		if upd&updateRemoved != 0 || len(removed) > 0 {
			cmd |= hw.CmdAsyncQSetRemove
		}

		hc.aslUpdate(cmd)
	}

	// Qsets unlinked by a dequeue after an earlier pass wait for that dequeue's
	// own update.
	if upd == 0 && hc.isActive() {
		return
	}

	hc.mu.Lock()

	requeue := false
	for _, q := range removed {
		if q.list == hc.removed && hc.completeRemoval(q) {
			requeue = true
		}
	}

	hc.mu.Unlock()

	if requeue {
		hc.queueWork()
	}
}

// completeRemoval finishes unlinking q once the controller has confirmed it no
// longer uses it. It reports whether q went back into the software list because
// it still has pending stds.
func (hc *HC) completeRemoval(q *qset) bool {
	hc.removed.Remove(q.elem)
	q.elem = nil
	q.list = nil
	q.remove = false

	if q.removedC != nil {
		close(q.removedC)
		q.removedC = nil
		return false
	}

	if q.reset {
		q.resetSeq()
	}

	if len(q.stds) > 0 {
		hc.aslInsertBegin(q)
		return true
	}

	return false
}

// aslUpdate tells the controller the ASL changed and waits until it has resynced.
// If it doesn't resync in time, the controller is declared dead. Updates are
// skipped while the schedule is stopped or the controller is dead.
func (hc *HC) aslUpdate(cmd uint32) {
	hc.schedMu.Lock()
	defer hc.schedMu.Unlock()

	if !hc.active || hc.Err() != nil {
		return
	}

	hc.writeCmd(cmd, cmd)

	if err := hc.waitUpdated(); err != nil {
		hc.hardwareError(fmt.Errorf("%w: %w", ErrUpdateTimeout, err))
	}
}

// waitUpdated waits for the controller to clear CmdAsyncUpdated.
func (hc *HC) waitUpdated() error {
	var (
		timeout = time.NewTimer(hc.cfg.UpdateTimeout)
		poll    = time.NewTicker(updatePoll)
	)

	defer timeout.Stop()
	defer poll.Stop()

	for {
		cmd := hc.regs.Read32(hw.RegCmd)
		if cmd&hw.CmdAsyncUpdated == 0 {
			return nil
		}

		select {
		case <-hc.synced:
		case <-poll.C:
		case <-timeout.C:
			return fmt.Errorf("WUSBCMD %#08x after %v", cmd, hc.cfg.UpdateTimeout)
		}
	}
}
