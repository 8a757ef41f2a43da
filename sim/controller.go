// Package sim is a simulated WHCI host controller. It implements the register
// bank and walks the async schedule in DMA memory, executing qTDs against
// pluggable device functions.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c35s/whci/dma"
	"github.com/c35s/whci/hw"
)

// Config describes a new simulated controller.
type Config struct {

	// Mem is the DMA memory shared with the driver.
	Mem dma.Memory

	// Function executes the transfers of every device and endpoint.
	// If Function is nil, a Loopback is used.
	Function Function

	// Ack controls when ASL updates are acknowledged.
	Ack AckMode

	// Notify, if set, is called whenever an interrupt status bit is raised.
	// It's called without the controller's lock held, so it may read and write
	// registers.
	Notify func()

	// Log receives the controller's log records.
	// If Log is nil, slog.Default is used.
	Log *slog.Logger

	// Interval is how often Run walks the schedule when nothing kicks it.
	// If Interval is 0, it's 1ms.
	Interval time.Duration
}

// AckMode selects when the controller acknowledges an ASL update.
type AckMode int

const (
	AckImmediate AckMode = iota // while WUSBCMD is being written
	AckOnWalk                   // at the end of the next schedule walk
	AckManual                   // only when Ack is called
)

// Stats counts the controller's work.
type Stats struct {
	Walks    int
	Executed int // qTDs executed, including halted ones
	Short    int
	Halted   int
	Updates  int
}

// Controller is a simulated WHCI controller.
type Controller struct {
	cfg Config
	mem dma.Memory
	fn  Function
	log *slog.Logger

	mu    sync.Mutex
	regs  regState
	irq   bool
	stats Stats
	start time.Time
	kick  chan struct{}
}

type regState struct {
	cmd        uint32
	sts        uint32
	intr       uint32
	periodic   uint64
	asyncList  uint64
	deviceInfo uint64
	dntsBuf    uint64
}

// maxQSets bounds a schedule walk. A longer chain can only be a broken one.
const maxQSets = 4096

// New creates a halted controller.
func New(cfg Config) *Controller {
	if cfg.Function == nil {
		cfg.Function = &Loopback{}
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	if cfg.Interval == 0 {
		cfg.Interval = time.Millisecond
	}

	return &Controller{
		cfg:   cfg,
		mem:   cfg.Mem,
		fn:    cfg.Function,
		log:   cfg.Log,
		regs:  regState{sts: hw.StsHCHalted},
		start: time.Now(),
		kick:  make(chan struct{}, 1),
	}
}

func (c *Controller) Read32(off int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case hw.RegVersion:
		return hw.WHCIVersion

	case hw.RegSParams:
		return 0

	case hw.RegCmd:
		return c.regs.cmd

	case hw.RegSts:
		return c.regs.sts

	case hw.RegIntr:
		return c.regs.intr

	case hw.RegTime:
		return uint32(time.Since(c.start).Microseconds())

	default:
		panic(fmt.Sprintf("sim: read32 of unknown register %#02x", off))
	}
}

func (c *Controller) Write32(off int, v uint32) {
	c.mu.Lock()

	switch off {
	case hw.RegCmd:
		c.writeCmd(v)

	case hw.RegSts:
		c.regs.sts &^= v & hw.StsIntMask

	case hw.RegIntr:
		c.regs.intr = v

	default:
		c.mu.Unlock()
		panic(fmt.Sprintf("sim: write32 of unknown register %#02x", off))
	}

	c.unlockAndNotify()
}

func (c *Controller) Read64(off int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case hw.RegPeriodicBase:
		return c.regs.periodic

	case hw.RegAsyncListAddr:
		return c.regs.asyncList

	case hw.RegDeviceInfoAddr:
		return c.regs.deviceInfo

	case hw.RegDNTSBufAddr:
		return c.regs.dntsBuf

	default:
		panic(fmt.Sprintf("sim: read64 of unknown register %#02x", off))
	}
}

func (c *Controller) Write64(off int, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case hw.RegPeriodicBase:
		c.regs.periodic = v

	case hw.RegAsyncListAddr:
		c.regs.asyncList = v

	case hw.RegDeviceInfoAddr:
		c.regs.deviceInfo = v

	case hw.RegDNTSBufAddr:
		c.regs.dntsBuf = v

	default:
		panic(fmt.Sprintf("sim: write64 of unknown register %#02x", off))
	}
}

// Step walks the schedule once, executing at most one qTD per qset. It reports
// whether any qTD was executed.
func (c *Controller) Step() bool {
	c.mu.Lock()

	did := c.walk()
	if c.cfg.Ack == AckOnWalk && c.regs.cmd&hw.CmdAsyncUpdated != 0 {
		c.ackUpdate()
	}

	c.unlockAndNotify()
	return did
}

// RunUntilIdle steps until a walk executes nothing, at most limit times. It
// returns the number of walks that executed a qTD.
func (c *Controller) RunUntilIdle(limit int) int {
	n := 0
	for n < limit && c.Step() {
		n++
	}

	return n
}

// Run walks the schedule until ctx is done. It walks every Interval, and right
// away after the driver enables the schedule or rings the update doorbell.
func (c *Controller) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-t.C:
		case <-c.kick:
		}

		c.RunUntilIdle(maxQSets)
	}
}

// Ack acknowledges a pending ASL update. It reports whether one was pending.
func (c *Controller) Ack() bool {
	c.mu.Lock()

	pending := c.regs.cmd&hw.CmdAsyncUpdated != 0
	if pending {
		c.ackUpdate()
	}

	c.unlockAndNotify()
	return pending
}

// UpdatePending reports whether the driver is waiting for an ASL update to be
// acknowledged.
func (c *Controller) UpdatePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs.cmd&hw.CmdAsyncUpdated != 0
}

// RaiseHostError reports an unrecoverable controller error and halts the
// controller.
func (c *Controller) RaiseHostError() {
	c.mu.Lock()
	c.hostError("injected")
	c.unlockAndNotify()
}

// Stats returns a copy of the controller's counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// unlockAndNotify releases c.mu and then calls Notify if an interrupt was raised
// while it was held.
func (c *Controller) unlockAndNotify() {
	irq := c.irq
	c.irq = false
	c.mu.Unlock()

	if irq && c.cfg.Notify != nil {
		c.cfg.Notify()
	}
}

func (c *Controller) writeCmd(v uint32) {
	old := c.regs.cmd
	c.regs.cmd = v

	const sched = hw.CmdRun | hw.CmdAsyncEnable

	switch {
	case v&hw.CmdRun == 0:
		c.regs.sts |= hw.StsHCHalted
		c.regs.sts &^= hw.StsAsyncSched

	case v&sched == sched:
		c.regs.sts &^= hw.StsHCHalted
		c.regs.sts |= hw.StsAsyncSched

	default:
		c.regs.sts &^= hw.StsHCHalted | hw.StsAsyncSched
	}

	if v&hw.CmdAsyncUpdated != 0 && old&hw.CmdAsyncUpdated == 0 && c.cfg.Ack == AckImmediate {
		c.ackUpdate()
	}

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Controller) running() bool {
	return c.regs.sts&hw.StsAsyncSched != 0
}

// ackUpdate reactivates every qset the controller parked, then clears the update
// bits and raises StsAsyncSchedSynced if the driver asked for it.
func (c *Controller) ackUpdate() {
	c.chain(func(blk hw.QSetBlock) {
		if st := blk.Status(); st&hw.QHStatusInactive != 0 {
			blk.SetStatus(st &^ hw.QHStatusInactive)
		}
	})

	synced := c.regs.cmd&hw.CmdAsyncSyncedDB != 0
	c.regs.cmd &^= hw.CmdAsyncUpdated | hw.CmdAsyncSyncedDB | hw.CmdAsyncQSetRemove
	c.stats.Updates++

	if synced {
		c.raise(hw.StsAsyncSchedSynced)
	}
}

func (c *Controller) raise(bits uint32) {
	c.regs.sts |= bits
	c.irq = true
}

func (c *Controller) hostError(why string) {
	c.log.Error("sim: host controller error", "why", why)
	c.regs.cmd &^= hw.CmdRun
	c.regs.sts &^= hw.StsAsyncSched
	c.regs.sts |= hw.StsHCHalted
	c.raise(hw.StsHostErr)
}

// chain calls fn for each qset in the schedule, starting at the ASL head. A chain
// that isn't circular, or leaves DMA memory, is a host error.
func (c *Controller) chain(fn func(blk hw.QSetBlock)) {
	if !c.running() {
		return
	}

	var (
		head = hw.LinkPtr(c.regs.asyncList)
		addr = head
		seen = make(map[uint64]bool)
	)

	for {
		if !c.mem.Contains(addr, hw.QSetSize) {
			c.hostError(fmt.Sprintf("qset %#x is outside DMA memory", addr))
			return
		}

		if seen[addr] || len(seen) == maxQSets {
			c.hostError(fmt.Sprintf("ASL loops at qset %#x without returning to the head", addr))
			return
		}

		seen[addr] = true

		blk := hw.NewQSetBlock(c.mem, addr)
		fn(blk)

		link := blk.Link()
		if link&hw.QHLinkT != 0 {
			c.hostError(fmt.Sprintf("ASL terminates at qset %#x", addr))
			return
		}

		if addr = hw.LinkPtr(link); addr == head {
			return
		}
	}
}

func (c *Controller) walk() (did bool) {
	if !c.running() {
		return false
	}

	c.stats.Walks++
	c.chain(func(blk hw.QSetBlock) {
		if c.execute(blk) {
			did = true
		}
	})

	return did
}

// execute runs the qTD at blk's iCur.
func (c *Controller) execute(blk hw.QSetBlock) bool {
	st := blk.Status()
	if st&(hw.QHStatusHalted|hw.QHStatusInactive) != 0 {
		return false
	}

	var (
		i   = hw.QHStatusToICur(st)
		qtd = blk.QTD(i)
		s   = qtd.Status()
	)

	if s&hw.QTDStsActive == 0 {
		blk.SetStatus(st | hw.QHStatusInactive)
		return false
	}

	var (
		info1  = blk.Info1()
		opts   = qtd.Options()
		length = hw.QTDStsToLen(s)
		req    = &Request{
			Device:     hw.Info1DevIdx(info1),
			Endpoint:   hw.Info1EP(info1),
			In:         hw.Info1IsIn(info1),
			Control:    hw.Info1TrType(info1) == hw.TrTypeCtrl,
			Data:       make([]byte, length),
			LastPacket: s&hw.QTDStsLastPkt != 0,
		}
	)

	if req.Control {
		req.Setup = qtd.Setup()
		req.In = req.Setup[0]&0x80 != 0
	}

	c.stats.Executed++

	segs, ok := c.buffer(qtd.Ptr(), opts, length)
	if !ok {
		c.halt(blk, qtd, st, s, hw.QTDStsDBE, 0)
		return true
	}

	if !req.In {
		c.gather(segs, req.Data)
	}

	res := c.fn.Transfer(req)

	n := min(max(res.N, 0), length)
	if req.In {
		c.scatter(segs, req.Data[:n])
	}

	if res.Fault != FaultNone {
		c.halt(blk, qtd, st, s, faultBits(res.Fault), n)
		return true
	}

	var (
		status = s&^(hw.QTDStsActive|hw.QTDStsLenMask) | hw.QTDStsLen(length-n)
		next   = (i + 1) % hw.QSetTDMax
		park   = false
	)

	if req.In && n < length {
		c.stats.Short++
		status |= hw.QTDStsLastPkt

		switch {
		case s&hw.QTDStsIAltValid != 0:
			next = hw.QTDStsToIAlt(s)

		case opts&hw.QTDOptShortOK == 0:
			park = true
		}
	}

	seq := (st + 1) & hw.QHStatusSeqMask
	nst := st&^(hw.QHStatusICurMask|hw.QHStatusSeqMask) | hw.QHStatusICur(next) | seq
	if park {
		nst |= hw.QHStatusInactive
	}

	// iCur moves before the qTD is retired, so the driver never sees a retired
	// qTD with a stale iCur.
	blk.SetStatus(nst)
	qtd.SetStatus(status)

	if opts&hw.QTDOptIOC != 0 {
		c.raise(hw.StsInt)
	}

	return true
}

// halt retires qtd with the halted bit and an error and parks its qset until the
// driver relinks it. n bytes were moved before the error.
func (c *Controller) halt(blk hw.QSetBlock, qtd hw.QTD, st uint16, s uint32, bits uint32, n int) {
	c.stats.Halted++

	residue := hw.QTDStsLen(hw.QTDStsToLen(s) - n)

	blk.SetStatus(st | hw.QHStatusHalted)
	qtd.SetStatus(s&^(hw.QTDStsActive|hw.QTDStsLenMask) | hw.QTDStsHalted | bits | residue)
	c.raise(hw.StsErrInt)
}

func faultBits(f Fault) uint32 {
	switch f {
	case FaultBuffer:
		return hw.QTDStsDBE

	case FaultBabble:
		return hw.QTDStsBabble

	case FaultRetries:
		return hw.QTDStsRCE

	default:
		return 0
	}
}

type segment struct {
	addr uint64
	len  int
}

// buffer resolves a qTD's pointer into the byte ranges it describes. Page list
// entries after the first are page aligned, so each covers up to the end of its
// page.
func (c *Controller) buffer(ptr uint64, opts uint32, length int) ([]segment, bool) {
	if opts&hw.QTDOptSmall != 0 || length == 0 {
		return []segment{{ptr, length}}, length == 0 || c.mem.Contains(ptr, length)
	}

	var (
		pg   = c.mem.PageSize()
		segs []segment
	)

	for k := 0; length > 0; k++ {
		ea := ptr + uint64(k*hw.PageListEntrySize)
		if !c.mem.Contains(ea, hw.PageListEntrySize) {
			return nil, false
		}

		addr := c.mem.Uint64(ea)
		n := min(length, pg-int(addr%uint64(pg)))
		if !c.mem.Contains(addr, n) {
			return nil, false
		}

		segs = append(segs, segment{addr, n})
		length -= n
	}

	return segs, true
}

func (c *Controller) gather(segs []segment, p []byte) {
	for _, s := range segs {
		c.mem.ReadAt(p[:s.len], s.addr)
		p = p[s.len:]
	}
}

func (c *Controller) scatter(segs []segment, p []byte) {
	for _, s := range segs {
		if len(p) == 0 {
			return
		}

		n := min(s.len, len(p))
		c.mem.WriteAt(p[:n], s.addr)
		p = p[n:]
	}
}
