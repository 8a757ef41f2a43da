package whci

import (
	"fmt"

	"github.com/c35s/whci/hw"
)

// slot is one qTD of a qset's ring. Handing a qTD to the controller and taking it
// back only happen through these methods, so the ownership rules live in one place:
// while the controller owns a qTD, the driver may only read its status word.
type slot struct {
	qtd   hw.QTD
	owned bool
}

// give programs the qTD and hands it to the controller. The status word, which
// carries the active bit, is written last.
func (s *slot) give(status, options uint32, ptr uint64, setup *[8]byte) {
	if s.owned {
		panic(fmt.Sprintf("qTD %#x is already owned by the controller", s.qtd.Addr()))
	}

	if setup != nil {
		s.qtd.SetSetup(*setup)
	}

	s.qtd.SetPtr(ptr)
	s.qtd.SetOptions(options)
	s.qtd.SetStatus(status)
	s.owned = true
}

// status returns the qTD's status word.
func (s *slot) status() uint32 {
	return s.qtd.Status()
}

// reclaim takes back a qTD the controller has retired.
func (s *slot) reclaim() {
	if st := s.qtd.Status(); st&hw.QTDStsActive != 0 {
		panic(fmt.Sprintf("reclaiming active qTD %#x: status %#08x", s.qtd.Addr(), st))
	}

	s.qtd.SetStatus(0)
	s.owned = false
}

// abandon takes back a qTD the controller will never execute, active or not. That
// holds when the controller skipped past it to an alternate qTD, when its qset is
// halted, and when its qset is unlinked from the ASL.
func (s *slot) abandon() {
	s.qtd.SetStatus(0)
	s.owned = false
}
