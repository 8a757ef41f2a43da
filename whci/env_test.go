package whci

import (
	"container/list"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/c35s/whci/dma"
	"github.com/c35s/whci/hw"
	"github.com/c35s/whci/sim"
	"github.com/c35s/whci/usb"
	"github.com/google/go-cmp/cmp"
)

// testEnv wires a controller to a simulated one. The worker isn't started:
// tests drive scans, dequeues, and schedule walks by hand.
type testEnv struct {
	t   *testing.T
	mem *dma.Arena
	sim *sim.Controller
	fm  *failingMem // the controller's view of mem
	hc  *HC
	dev *usb.Device
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestEnv(t *testing.T, fn sim.Function, ack sim.AckMode, opts ...func(*Config)) *testEnv {
	t.Helper()

	mem, err := dma.New(dma.Config{})
	if err != nil {
		t.Fatal(err)
	}

	e := &testEnv{
		t:   t,
		mem: mem,
		fm:  &failingMem{Memory: mem},
		dev: &usb.Device{Port: 1, PHYRates: 0xff},
	}

	e.sim = sim.New(sim.Config{
		Mem:      mem,
		Function: fn,
		Ack:      ack,
		Log:      discard,
		Notify: func() {
			e.hc.Interrupt()
		},
	})

	cfg := Config{
		Regs: e.sim,
		Mem:  e.fm,
		Log:  discard,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if e.hc, err = New(cfg); err != nil {
		t.Fatal(err)
	}

	if err := e.hc.aslStart(); err != nil {
		t.Fatal(err)
	}

	e.hc.active = true
	e.hc.hcd.SetRunning(true)

	return e
}

func maxTransfer(n int) func(*Config) {
	return func(cfg *Config) {
		cfg.MaxTransferSize = n
	}
}

func (e *testEnv) bulk(addr uint8) *usb.Endpoint {
	return &usb.Endpoint{
		Device:        e.dev,
		Address:       addr,
		Type:          usb.TransferBulk,
		MaxPacketSize: 512,
	}
}

// alloc allocates a page-aligned buffer.
func (e *testEnv) alloc(n int) uint64 {
	e.t.Helper()

	addr, err := e.mem.Alloc(n, e.mem.PageSize())
	if err != nil {
		e.t.Fatal(err)
	}

	return addr
}

func (e *testEnv) urb(ep *usb.Endpoint, n int) *usb.URB {
	return &usb.URB{
		Endpoint:             ep,
		TransferDMA:          e.alloc(max(n, 1)),
		TransferBufferLength: n,
	}
}

func (e *testEnv) enqueue(u *usb.URB) {
	e.t.Helper()

	if err := e.hc.Enqueue(u); err != nil {
		e.t.Fatal(err)
	}
}

func (e *testEnv) qset(ep *usb.Endpoint) *qset {
	e.t.Helper()

	q, ok := ep.HCPriv.(*qset)
	if !ok {
		e.t.Fatal("endpoint has no qset")
	}

	return q
}

// cycle runs scans and schedule walks until neither makes progress.
func (e *testEnv) cycle() {
	for i := 0; i < 100; i++ {
		e.hc.runDequeues()
		e.hc.scanAsync()

		if !e.sim.Step() {
			e.hc.scanAsync()
			return
		}
	}

	e.t.Fatal("schedule never went idle")
}

// pump runs fn on another goroutine and does the worker's job until it returns.
func (e *testEnv) pump(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	for {
		select {
		case <-done:
			return

		case <-time.After(time.Millisecond):
			e.hc.runDequeues()
			e.hc.scanAsync()
		}
	}
}

// acking runs fn on another goroutine and acknowledges ASL updates until it
// returns. It's for controllers that only acknowledge updates by hand.
func (e *testEnv) acking(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	for {
		select {
		case <-done:
			return

		case <-time.After(time.Millisecond):
			e.sim.Ack()
		}
	}
}

// waitUntil polls cond until it's true or a second has passed.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}

		time.Sleep(time.Millisecond)
	}
}

func isDone(u *usb.URB) bool {
	select {
	case <-u.Done():
		return true
	default:
		return false
	}
}

// chain follows the controller's link pointers from the anchor and returns the
// qsets it visits. The chain must be circular.
func (e *testEnv) chain() []uint64 {
	e.t.Helper()

	var (
		head = e.hc.anchor.blk.Addr()
		addr = head
		got  []uint64
		seen = make(map[uint64]bool)
	)

	for {
		if seen[addr] {
			e.t.Fatalf("chain loops at %#x without returning to the anchor", addr)
		}

		seen[addr] = true
		got = append(got, addr)

		link := e.mem.Uint64(addr + hw.QHLinkOff)
		if link&hw.QHLinkT != 0 {
			e.t.Fatalf("chain terminates at %#x", addr)
		}

		if addr = hw.LinkPtr(link); addr == head {
			return got
		}
	}
}

// checkChain checks that the chain holds exactly the qsets marked as linked.
func (e *testEnv) checkChain() {
	e.t.Helper()

	got := e.chain()

	var want []uint64
	for _, l := range []*list.List{e.hc.async, e.hc.removed} {
		for el := l.Front(); el != nil; el = el.Next() {
			if q := el.Value.(*qset); q.inHW {
				want = append(want, q.blk.Addr())
			}
		}
	}

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	if diff := cmp.Diff(want, got); diff != "" {
		e.t.Errorf("chain members (-want +got):\n%s", diff)
	}
}

// checkRing checks a qset's ring bookkeeping against its slots.
func checkRing(t *testing.T, q *qset) {
	t.Helper()

	owned := 0
	for i := range q.slots {
		if q.slots[i].owned {
			owned++
		}
	}

	if owned != q.ntds {
		t.Errorf("owned slots %d != ntds %d", owned, q.ntds)
	}

	switch {
	case q.ntds < 0 || q.ntds > hw.QSetTDMax:
		t.Errorf("ntds %d out of range", q.ntds)

	case q.ntds == hw.QSetTDMax && q.tdStart != q.tdEnd:
		t.Errorf("full ring: td_start %d != td_end %d", q.tdStart, q.tdEnd)

	case q.ntds < hw.QSetTDMax && (q.tdEnd-q.tdStart+hw.QSetTDMax)%hw.QSetTDMax != q.ntds:
		t.Errorf("td_start %d td_end %d don't span ntds %d", q.tdStart, q.tdEnd, q.ntds)
	}

	for i, s := range q.stds {
		switch {
		case i < q.ntds && s.slot != &q.slots[(q.tdStart+i)%hw.QSetTDMax]:
			t.Errorf("std %d isn't in slot %d", i, (q.tdStart+i)%hw.QSetTDMax)

		case i >= q.ntds && s.slot != nil:
			t.Errorf("std %d holds a slot outside the ring", i)
		}
	}
}

// failingMem is DMA memory whose allocations can be made to fail.
type failingMem struct {
	dma.Memory
	fail  bool
	allow int // allocations that still succeed after fail is set
}

func (m *failingMem) Alloc(size, align int) (uint64, error) {
	if m.fail {
		if m.allow == 0 {
			return 0, dma.ErrNoMemory
		}

		m.allow--
	}

	return m.Memory.Alloc(size, align)
}
