package whci

import (
	"container/list"

	"github.com/c35s/whci/hw"
	"github.com/c35s/whci/usb"
)

// QSetState is a point-in-time copy of a qset's driver and hardware state.
type QSetState struct {
	Addr   uint64
	Anchor bool

	// Endpoint is nil for the anchor.
	Endpoint *usb.Endpoint

	InSW     bool // in the software ASL
	InHW     bool // in the controller's chain
	Removing bool // unlinked, waiting for the controller to confirm
	Remove   bool
	Reset    bool
	Paused   bool

	NTDs    int
	TDStart int
	TDEnd   int
	Pending int // stds not yet retired, including the ones in the ring

	Link   uint64
	Info1  uint32
	Info2  uint32
	Info3  uint32
	Status uint16
	QTDs   [hw.QSetTDMax]QTDState
}

// QTDState is a copy of one qTD of a qset's ring.
type QTDState struct {
	Status  uint32
	Options uint32
	Ptr     uint64
	Owned   bool
}

// Snapshot returns the state of every qset in the ASL, in schedule order starting
// with the most recently added, followed by the qsets awaiting removal.
func (hc *HC) Snapshot() []QSetState {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	var qs []QSetState
	for _, l := range []*list.List{hc.async, hc.removed} {
		for e := l.Front(); e != nil; e = e.Next() {
			qs = append(qs, hc.snapshot(e.Value.(*qset)))
		}
	}

	return qs
}

func (hc *HC) snapshot(q *qset) QSetState {
	st := QSetState{
		Addr:     q.blk.Addr(),
		Anchor:   q == hc.anchor,
		Endpoint: q.ep,
		InSW:     q.list == hc.async,
		InHW:     q.inHW,
		Removing: q.list == hc.removed,
		Remove:   q.remove,
		Reset:    q.reset,
		Paused:   q.pauseAfter != nil,
		NTDs:     q.ntds,
		TDStart:  q.tdStart,
		TDEnd:    q.tdEnd,
		Pending:  len(q.stds),
		Link:     q.blk.Link(),
		Info1:    q.blk.Info1(),
		Info2:    q.blk.Info2(),
		Info3:    q.blk.Info3(),
		Status:   q.blk.Status(),
	}

	for i := range q.slots {
		s := &q.slots[i]
		st.QTDs[i] = QTDState{
			Status:  s.qtd.Status(),
			Options: s.qtd.Options(),
			Ptr:     s.qtd.Ptr(),
			Owned:   s.owned,
		}
	}

	return st
}
