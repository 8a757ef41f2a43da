package whci

import (
	"container/list"
	"fmt"

	"github.com/c35s/whci/hw"
	"github.com/c35s/whci/usb"
	"golang.org/x/sys/unix"
)

// qset is the driver's side of a qset block: the queue head and qTD ring of one
// endpoint, plus the stds waiting to go into the ring.
type qset struct {
	blk   hw.QSetBlock
	ep    *usb.Endpoint // nil for the anchor
	slots [hw.QSetTDMax]slot

	// stds holds the pending stds in submission order. The ones in the ring are
	// always a prefix of stds, starting at slot tdStart.
	stds    []*std
	ntds    int
	tdStart int
	tdEnd   int

	elem *list.Element
	list *list.List // HC.async, HC.removed, or nil
	inHW bool       // reachable from the controller's ASL

	remove bool // unlink from the ASL once the ring drains
	reset  bool // reset the sequence state once unlinked

	// pauseAfter stops the ring from taking stds of later URBs until this URB
	// completes. It's set when an IN URB has too many stds for an alternate
	// qTD index to reach the next URB.
	pauseAfter *usb.URB

	// removedC is closed when a requested removal is confirmed by the
	// controller. It's only set while an endpoint is being disabled.
	removedC chan struct{}

	maxPacket int
	maxBurst  int
	maxSeq    int
}

// update records what a scan changed.
type update uint8

const (
	updateAdded update = 1 << iota
	updateUpdated
	updateRemoved
)

// qsetAlloc allocates a qset block with an empty, terminated link.
func (hc *HC) qsetAlloc() (*qset, error) {
	addr, err := hc.pool.Get()
	if err != nil {
		return nil, err
	}

	q := &qset{blk: hw.NewQSetBlock(hc.mem, addr)}
	for i := range q.slots {
		q.slots[i].qtd = q.blk.QTD(i)
	}

	q.blk.SetLink(hw.QHLinkNTDS(hw.QSetTDMax) | hw.QHLinkT)
	return q, nil
}

func (hc *HC) qsetFree(q *qset) {
	hc.pool.Put(q.blk.Addr())
}

// getQset returns the qset of u's endpoint, creating it on first use.
func (hc *HC) getQset(u *usb.URB) (*qset, error) {
	if q, ok := u.Endpoint.HCPriv.(*qset); ok {
		return q, nil
	}

	q, err := hc.qsetAlloc()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", unix.ENOMEM, err)
	}

	hc.qsetFill(q, u.Endpoint)
	u.Endpoint.HCPriv = q

	return q, nil
}

// qsetFill fills in the queue head for ep.
func (hc *HC) qsetFill(q *qset, ep *usb.Endpoint) {
	q.ep = ep
	q.maxPacket = int(ep.MaxPacketSize)
	q.maxBurst = 1
	q.maxSeq = 2

	if ep.MaxBurst > 0 || ep.MaxSequence > 0 {
		q.maxBurst = max(int(ep.MaxBurst), 1)
		q.maxSeq = max(int(ep.MaxSequence), 1)
	}

	trType := hw.TrTypeBulk
	if ep.Type == usb.TransferControl {
		trType = hw.TrTypeCtrl
	}

	q.blk.SetInfo1(hw.Info1(ep.Number(), ep.IsIn(), trType, ep.Device.Port, q.maxPacket))
	q.blk.SetInfo2(hw.Info2(q.maxBurst, 0, 3, 3, q.maxSeq-1))
	q.blk.SetInfo3(hw.Info3(hc.phyRate(ep), 0)) // 0 is full transmit power
	q.blk.SetCurWindow(1<<q.maxBurst - 1)
}

// phyRate picks the fastest rate the device supports, capped by the configured
// rate. Control endpoints always use the base rate.
func (hc *HC) phyRate(ep *usb.Endpoint) int {
	if ep.Type == usb.TransferControl {
		return hw.PHYRate53
	}

	for r := hc.cfg.PHYRate; r > hw.PHYRate53; r-- {
		if ep.Device.PHYRates&(1<<r) != 0 {
			return r
		}
	}

	return hw.PHYRate53
}

// clear resets the ring and the controller-owned parts of the queue head before
// the qset is linked into the ASL. The sequence number survives.
func (q *qset) clear() {
	q.tdStart, q.tdEnd, q.ntds = 0, 0, 0

	q.blk.SetLink(hw.QHLinkNTDS(hw.QSetTDMax) | hw.QHLinkT)
	q.blk.SetStatus(q.blk.Status() & hw.QHStatusSeqMask)
	q.blk.SetErrCount(0)
	q.blk.ClearScratch()
	q.blk.Overlay().Clear()

	for i := range q.slots {
		q.slots[i].abandon()
	}

	for _, s := range q.stds {
		s.slot = nil
	}
}

// resetSeq resets the qset's sequence state after an endpoint reset or a halt.
func (q *qset) resetSeq() {
	q.reset = false
	q.blk.SetStatus(q.blk.Status() &^ hw.QHStatusSeqMask)
	q.blk.SetCurWindow(1<<q.maxBurst - 1)
}

// addQTDs moves pending stds into free ring slots. It reports whether the
// controller may already have looked at the slot it just filled, in which case it
// needs an ASL update to notice.
func (q *qset) addQTDs() (updated bool) {
	for _, s := range q.stds {
		if q.ntds >= hw.QSetTDMax {
			break
		}

		if q.pauseAfter != nil && s.urb != q.pauseAfter {
			break
		}

		if s.slot != nil {
			continue
		}

		var (
			u       = s.urb
			i       = q.tdEnd
			status  = hw.QTDStsActive | hw.QTDStsLen(s.len)
			options = uint32(hw.QTDOptIOC)
			setup   *[8]byte
		)

		if s.last() {
			options |= hw.QTDOptShortOK
			if !u.IsIn() {
				status |= hw.QTDStsLastPkt
			}
		} else if s.ntdsRemaining < hw.QSetTDMax {
			// a short IN skips the rest of the URB
			status |= hw.QTDStsIAlt((i + s.ntdsRemaining) % hw.QSetTDMax)
		} else if u.IsIn() {
			q.pauseAfter = u
		}

		if s.numPointers == 0 {
			options |= hw.QTDOptSmall
		}

		if u.IsControl() {
			setup = &u.Setup
		}

		s.slot = &q.slots[i]
		s.slot.give(status, options, s.dmaAddr, setup)

		if hw.QHStatusToICur(q.blk.Status()) == i {
			updated = true
		}

		q.tdEnd = (q.tdEnd + 1) % hw.QSetTDMax
		q.ntds++
	}

	return updated
}

// retireQTD takes back the slot at tdStart. If abandon is set, the controller may
// have left it active.
func (q *qset) retireQTD(abandon bool) {
	s := &q.slots[q.tdStart]
	if abandon {
		s.abandon()
	} else {
		s.reclaim()
	}

	q.tdStart = (q.tdStart + 1) % hw.QSetTDMax
	q.ntds--
}

// removeQTDs frees the stds of u at the head of the pending list, taking back the
// slots of those the controller skipped.
func (hc *HC) removeQTDs(q *qset, u *usb.URB) {
	for len(q.stds) > 0 && q.stds[0].urb == u {
		s := q.stds[0]
		if s.slot != nil {
			q.retireQTD(true)
			s.slot = nil
		}

		hc.freeStd(q, s)
	}
}

// processQset retires the qTDs the controller has finished with and refills the
// ring.
func (hc *HC) processQset(q *qset) (upd update) {
	for q.ntds > 0 {
		s := q.stds[0]
		if s.slot != &q.slots[q.tdStart] {
			panic(fmt.Sprintf("qset %#x: std isn't at td_start %d", q.blk.Addr(), q.tdStart))
		}

		status := s.slot.status()
		if status&hw.QTDStsActive != 0 {
			break
		}

		if status&hw.QTDStsHalted != 0 {
			hc.processHalted(q, status)
			upd |= updateUpdated
			break
		}

		if hc.processInactive(q, status) {
			upd |= updateUpdated
		}
	}

	if !q.remove && q.addQTDs() {
		upd |= updateUpdated
	}

	if q.remove && q.ntds == 0 {
		hc.aslRemove(q)
		upd |= updateRemoved
	}

	return upd
}

// processInactive retires the std at the head of the ring, whose qTD completed
// without halting. It reports whether the controller needs an ASL update to resume
// the qset.
func (hc *HC) processInactive(q *qset, status uint32) (updated bool) {
	var (
		s        = q.stds[0]
		u        = s.urb
		last     = s.last()
		complete = last || (u.IsIn() && status&hw.QTDStsLastPkt != 0)
	)

	u.ActualLength += s.len - hw.QTDStsToLen(status)

	q.retireQTD(false)
	s.slot = nil
	hc.freeStd(q, s)

	if !complete {
		return false
	}

	hc.removeQTDs(q, u)

	// A short IN ended the URB early. The controller moved on to the alternate
	// qTD if there was one, otherwise it parked on the next slot.
	if !last {
		target := hw.QHStatusToICur(q.blk.Status())
		if status&hw.QTDStsIAltValid != 0 {
			target = hw.QTDStsToIAlt(status)
		} else {
			updated = true
		}

		if q.ntds == 0 {
			q.tdStart, q.tdEnd = target, target
		} else if q.tdStart != target {
			hc.log.Warn("ring out of sync after short transfer", "qset", q.blk.Addr(), "td_start", q.tdStart, "target", target)
		}
	}

	hc.retire(q, u, qtdStatus(u, status))
	return updated
}

// processHalted gives back the URB whose qTD halted. The controller won't touch
// the ring again, so every other slot is taken back as is, and the qset is
// unlinked and reset before its remaining stds are retried.
func (hc *HC) processHalted(q *qset, status uint32) {
	var (
		s   = q.stds[0]
		u   = s.urb
		err = qtdStatus(u, status)
	)

	u.ActualLength += s.len - hw.QTDStsToLen(status)

	hc.log.Warn("qTD halted", "qset", q.blk.Addr(), "ep", q.ep.Address, "status", fmt.Sprintf("%#08x", status), "err", err)

	hc.removeQTDs(q, u)
	hc.retire(q, u, err)

	for _, s := range q.stds {
		if q.ntds == 0 {
			break
		}

		q.retireQTD(true)
		s.slot = nil
	}

	q.remove = true
	q.reset = true
}

// qtdStatus maps a retired qTD's status to a URB completion status.
func qtdStatus(u *usb.URB, status uint32) error {
	if status&hw.QTDStsHalted == 0 {
		return nil
	}

	switch {
	case status&hw.QTDStsDBE != 0:
		if u.IsIn() {
			return usb.StatusOverrun
		}

		return usb.StatusUnderrun

	case status&hw.QTDStsBabble != 0:
		return usb.StatusBabble

	case status&hw.QTDStsRCE != 0:
		return usb.StatusTimeout

	default:
		return usb.StatusStall
	}
}
