package whci

import (
	"errors"
	"fmt"

	"github.com/c35s/whci/dma"
	"github.com/c35s/whci/hw"
	"github.com/c35s/whci/usb"
	"golang.org/x/sys/unix"
)

// std is the driver's record of one qTD's worth of a URB: a chunk of the transfer
// buffer, described by a direct pointer or a page list. A std holds a ring slot
// only while its qTD is in the ring.
type std struct {
	urb  *usb.URB
	len  int
	slot *slot

	// ntdsRemaining counts this std and the ones after it in the same URB. It's
	// -1 while the URB is still being split.
	ntdsRemaining int

	// dmaAddr is the chunk's bus address if numPointers is 0 and the page list's
	// bus address otherwise.
	dmaAddr     uint64
	numPointers int
	plAddr      uint64
	pl          []uint64 // page list entries, while splitting a scatter-gather URB

	bounce *bounce
}

// bounce is a contiguous copy of a scatter-gather buffer the controller can't
// address directly. It's shared by all stds of the URB and released with the last.
type bounce struct {
	addr uint64
	size int
	dir  dma.Direction
	refs int
}

// errLinearize means a scatter-gather list can't be split into qTDs as is.
var errLinearize = errors.New("scatter-gather list needs a bounce buffer")

// last reports whether s is the last std of its URB.
func (s *std) last() bool {
	return s.ntdsRemaining == 1
}

// newStd appends a std for u to q's pending list.
func (q *qset) newStd(u *usb.URB) *std {
	s := &std{urb: u, ntdsRemaining: -1}
	q.stds = append(q.stds, s)
	return s
}

// qsetAddURB splits u into stds and appends them to q's pending list. On error, no
// std of u is left behind.
func (hc *HC) qsetAddURB(q *qset, u *usb.URB) error {
	var err error

	if len(u.SG) > 0 {
		err = hc.addURBSG(q, u)
		if errors.Is(err, errLinearize) {
			hc.freeStds(q, u)
			err = hc.addURBLinearized(q, u)
		}
	} else {
		err = hc.addURBContig(q, u, u.TransferDMA, nil)
	}

	if err != nil {
		hc.freeStds(q, u)
		return fmt.Errorf("%w: %w", unix.ENOMEM, err)
	}

	return nil
}

// maxStdLen is the longest chunk a std may carry. Every chunk but the last is a
// whole number of packets.
func (hc *HC) maxStdLen(q *qset) int {
	return hc.cfg.MaxTransferSize / q.maxPacket * q.maxPacket
}

// addURBContig splits a contiguous buffer at addr into chunks of at most
// maxStdLen bytes. If b is set, the buffer is b's bounce buffer.
func (hc *HC) addURBContig(q *qset, u *usb.URB, addr uint64, b *bounce) error {
	var (
		maxLen    = hc.maxStdLen(q)
		remaining = u.TransferBufferLength
		ntds      = (remaining + maxLen - 1) / maxLen
	)

	if ntds == 0 {
		ntds = 1
	}

	for i := 0; i < ntds; i++ {
		s := q.newStd(u)
		s.len = min(remaining, maxLen)
		s.ntdsRemaining = ntds - i

		if b != nil {
			s.bounce = b
			b.refs++
		}

		if err := hc.fillPageList(s, addr); err != nil {
			return err
		}

		addr += uint64(s.len)
		remaining -= s.len
	}

	return nil
}

// addURBSG maps each scatter-gather segment directly. A std can only span segments
// that meet at page boundaries, and every std but the last must hold a whole
// number of packets; errLinearize is returned if the list breaks those rules.
func (hc *HC) addURBSG(q *qset, u *usb.URB) error {
	var (
		pg        = uint64(hc.mem.PageSize())
		limit     = hc.maxStdLen(q)
		remaining = u.TransferBufferLength
		s         *std
		prevEnd   uint64
		ntds      int
	)

	for _, seg := range u.SG {
		if remaining == 0 {
			break
		}

		addr := seg.Addr
		segRemaining := min(seg.Len, remaining)

		for segRemaining > 0 {
			if s == nil || prevEnd&(pg-1) != 0 || addr&(pg-1) != 0 || s.len+int(pg) > hw.QTDMaxXferSize || s.len >= limit {
				if s != nil && s.len%q.maxPacket != 0 {
					return errLinearize
				}

				s = q.newStd(u)
				ntds++
			}

			n := segRemaining
			if s.len+n > limit {
				n = limit - s.len
			}

			s.len += n

			// one entry per page touched; all but the first are page aligned
			var (
				start = addr &^ (pg - 1)
				end   = addr + uint64(n)
			)

			for p := (end - start + pg - 1) / pg; p > 0; p-- {
				s.pl = append(s.pl, addr)
				addr = (addr + pg) &^ (pg - 1)
			}

			addr = end
			prevEnd = end
			segRemaining -= n
			remaining -= n
		}
	}

	if s == nil {
		s = q.newStd(u)
		s.dmaAddr = u.SG[0].Addr
		ntds = 1
	}

	for _, x := range q.stds {
		if x.urb != u {
			continue
		}

		x.ntdsRemaining = ntds
		ntds--

		switch len(x.pl) {
		case 0:
		case 1:
			x.dmaAddr = x.pl[0]

		default:
			if err := hc.setPageList(x, x.pl); err != nil {
				return err
			}
		}

		x.pl = nil
	}

	return nil
}

// addURBLinearized copies a scatter-gather buffer into a bounce buffer and splits
// that like a contiguous one.
func (hc *HC) addURBLinearized(q *qset, u *usb.URB) error {
	var (
		size = u.TransferBufferLength
		dir  = dma.ToDevice
	)

	if u.IsIn() {
		dir = dma.FromDevice
	}

	addr, err := hc.mem.Alloc(max(size, 1), hc.mem.PageSize())
	if err != nil {
		return err
	}

	if !u.IsIn() {
		buf := make([]byte, size)
		copySG(hc.mem, u.SG, buf, false)
		hc.mem.WriteAt(buf, addr)
	}

	if _, err := hc.mem.Map(addr, size, dir); err != nil {
		hc.mem.Free(addr)
		return err
	}

	b := &bounce{addr: addr, size: size, dir: dir}
	hc.log.Debug("linearizing scatter-gather urb", "ep", u.Endpoint.Address, "segments", len(u.SG), "len", size)

	return hc.addURBContig(q, u, addr, b)
}

// fillPageList points s at the chunk starting at addr. Chunks that touch more than
// one page get a page list.
func (hc *HC) fillPageList(s *std, addr uint64) error {
	var (
		pg    = uint64(hc.mem.PageSize())
		start = addr &^ (pg - 1)
		end   = addr + uint64(s.len)
		n     = (end - start + pg - 1) / pg
	)

	if n <= 1 {
		s.dmaAddr = addr
		return nil
	}

	entries := make([]uint64, n)
	for i := range entries {
		entries[i] = addr
		addr = (addr + pg) &^ (pg - 1)
	}

	return hc.setPageList(s, entries)
}

// setPageList allocates and maps a page list holding entries.
func (hc *HC) setPageList(s *std, entries []uint64) error {
	size := len(entries) * hw.PageListEntrySize

	addr, err := hc.mem.Alloc(size, hw.PageListEntrySize)
	if err != nil {
		return err
	}

	for i, e := range entries {
		hc.mem.PutUint64(addr+uint64(i*hw.PageListEntrySize), e)
	}

	if _, err := hc.mem.Map(addr, size, dma.ToDevice); err != nil {
		hc.mem.Free(addr)
		return err
	}

	s.plAddr = addr
	s.dmaAddr = addr
	s.numPointers = len(entries)

	return nil
}

// freeStd removes s from q's pending list and releases it.
func (hc *HC) freeStd(q *qset, s *std) {
	q.detachStd(s)
	hc.releaseStd(s)
}

// freeStds frees every std of u that isn't in the ring.
func (hc *HC) freeStds(q *qset, u *usb.URB) {
	for _, s := range append([]*std(nil), q.stds...) {
		if s.urb == u {
			if s.slot != nil {
				panic("freeing a std that's still in the ring")
			}

			hc.freeStd(q, s)
		}
	}
}

// releaseStd unmaps and frees s's page list and drops its bounce buffer reference.
// The last reference copies the IN data received so far back to the
// scatter-gather list.
func (hc *HC) releaseStd(s *std) {
	if s.plAddr != 0 {
		hc.mem.Unmap(s.plAddr, s.numPointers*hw.PageListEntrySize, dma.ToDevice)
		hc.mem.Free(s.plAddr)
		s.plAddr = 0
	}

	if b := s.bounce; b != nil {
		s.bounce = nil
		if b.refs--; b.refs > 0 {
			return
		}

		hc.mem.Unmap(b.addr, b.size, b.dir)

		if n := min(s.urb.ActualLength, b.size); b.dir == dma.FromDevice && n > 0 {
			buf := make([]byte, n)
			hc.mem.ReadAt(buf, b.addr)
			copySG(hc.mem, s.urb.SG, buf, true)
		}

		hc.mem.Free(b.addr)
	}
}

// detachStd removes s from q's pending list.
func (q *qset) detachStd(s *std) {
	for i, x := range q.stds {
		if x == s {
			q.stds = append(q.stds[:i], q.stds[i+1:]...)
			return
		}
	}

	panic("std isn't pending on its qset")
}

// copySG copies between buf and the bytes described by sg, in list order. If toSG
// is set, buf is copied into the list; otherwise the list is copied into buf.
func copySG(mem dma.Memory, sg []usb.Segment, buf []byte, toSG bool) {
	for _, seg := range sg {
		if len(buf) == 0 {
			return
		}

		n := min(seg.Len, len(buf))
		if toSG {
			mem.WriteAt(buf[:n], seg.Addr)
		} else {
			mem.ReadAt(buf[:n], seg.Addr)
		}

		buf = buf[n:]
	}
}
