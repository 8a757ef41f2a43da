package sim_test

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/c35s/whci/dma"
	"github.com/c35s/whci/hw"
	"github.com/c35s/whci/sim"
	"github.com/google/go-cmp/cmp"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type rig struct {
	mem  *dma.Arena
	c    *sim.Controller
	irqs int
	blk  hw.QSetBlock
	bufs [hw.QSetTDMax]uint64
	seen []sim.Request
}

// newRig starts a controller whose ASL holds a single qset linked to itself.
func newRig(t *testing.T, fn sim.Function, ack sim.AckMode, in bool) *rig {
	t.Helper()

	mem, err := dma.New(dma.Config{})
	if err != nil {
		t.Fatal(err)
	}

	r := &rig{mem: mem}

	if fn == nil {
		fn = sim.Pattern{}
	}

	r.c = sim.New(sim.Config{
		Mem: mem,
		Function: sim.FunctionFunc(func(req *sim.Request) sim.Result {
			r.seen = append(r.seen, *req)
			return fn.Transfer(req)
		}),
		Ack:    ack,
		Log:    discard,
		Notify: func() { r.irqs++ },
	})

	addr, err := mem.Alloc(hw.QSetSize, hw.QSetAlign)
	if err != nil {
		t.Fatal(err)
	}

	r.blk = hw.NewQSetBlock(mem, addr)
	r.blk.SetLink(hw.QHLinkNTDS(hw.QSetTDMax) | addr)
	r.blk.SetInfo1(hw.Info1(2, in, hw.TrTypeBulk, 3, 512))

	for i := range r.bufs {
		if r.bufs[i], err = mem.Alloc(4096, 4096); err != nil {
			t.Fatal(err)
		}
	}

	r.c.Write64(hw.RegAsyncListAddr, addr)
	r.c.Write32(hw.RegCmd, hw.CmdRun|hw.CmdAsyncEnable)

	return r
}

func (r *rig) give(i int, n int, status, options uint32) {
	qtd := r.blk.QTD(i)
	qtd.SetPtr(r.bufs[i])
	qtd.SetOptions(hw.QTDOptIOC | hw.QTDOptSmall | options)
	qtd.SetStatus(hw.QTDStsActive | hw.QTDStsLen(n) | status)
}

func (r *rig) sts() uint32 {
	return r.c.Read32(hw.RegSts)
}

func TestRegisters(t *testing.T) {
	mem, err := dma.New(dma.Config{})
	if err != nil {
		t.Fatal(err)
	}

	c := sim.New(sim.Config{Mem: mem, Log: discard})

	if v := c.Read32(hw.RegVersion); v != hw.WHCIVersion {
		t.Errorf("version %#x", v)
	}

	if sts := c.Read32(hw.RegSts); sts&hw.StsHCHalted == 0 {
		t.Errorf("new controller isn't halted: %#08x", sts)
	}

	c.Write32(hw.RegCmd, hw.CmdRun|hw.CmdAsyncEnable)
	if sts := c.Read32(hw.RegSts); sts&hw.StsHCHalted != 0 || sts&hw.StsAsyncSched == 0 {
		t.Errorf("running controller status %#08x", sts)
	}

	c.Write32(hw.RegCmd, hw.CmdRun)
	if sts := c.Read32(hw.RegSts); sts&hw.StsAsyncSched != 0 {
		t.Errorf("async schedule still running: %#08x", sts)
	}

	c.Write64(hw.RegAsyncListAddr, 0x1234_5000)
	if v := c.Read64(hw.RegAsyncListAddr); v != 0x1234_5000 {
		t.Errorf("ASL address %#x", v)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("no panic")
		}
	}()

	c.Read32(0xfc)
}

func TestExecute(t *testing.T) {
	t.Run("out", func(t *testing.T) {
		lb := &sim.Loopback{}
		r := newRig(t, lb, sim.AckImmediate, false)

		data := bytes.Repeat([]byte("whci"), 128)
		r.mem.WriteAt(data, r.bufs[0])
		r.give(0, len(data), hw.QTDStsLastPkt, 0)

		if !r.c.Step() {
			t.Fatal("nothing executed")
		}

		if st := r.blk.QTD(0).Status(); st&hw.QTDStsActive != 0 || hw.QTDStsToLen(st) != 0 {
			t.Errorf("qTD status %#08x", st)
		}

		if icur := hw.QHStatusToICur(r.blk.Status()); icur != 1 {
			t.Errorf("icur %d", icur)
		}

		if r.sts()&hw.StsInt == 0 || r.irqs != 1 {
			t.Errorf("status %#08x after %d interrupts", r.sts(), r.irqs)
		}

		if len(r.seen) != 1 || r.seen[0].In || !r.seen[0].LastPacket || r.seen[0].Device != 3 || r.seen[0].Endpoint != 2 {
			t.Errorf("device saw %+v", r.seen)
		}

		if lb.Len() != len(data) {
			t.Errorf("device got %d bytes", lb.Len())
		}

		// the next slot isn't active, so the qset parks
		if r.c.Step() {
			t.Error("executed an inactive qTD")
		}

		if r.blk.Status()&hw.QHStatusInactive == 0 {
			t.Error("qset didn't park")
		}
	})

	t.Run("in", func(t *testing.T) {
		r := newRig(t, sim.Pattern{Seed: 0x40}, sim.AckImmediate, true)
		r.give(0, 64, 0, 0)
		r.give(1, 64, 0, 0)

		if n := r.c.RunUntilIdle(10); n != 2 {
			t.Errorf("%d walks executed a qTD", n)
		}

		got := make([]byte, 64)
		r.mem.ReadAt(got, r.bufs[1])

		want := make([]byte, 64)
		for i := range want {
			want[i] = 0x40 + byte(i)
		}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("data (-want +got):\n%s", diff)
		}

		if seq := r.blk.Status() & hw.QHStatusSeqMask; seq != 2 {
			t.Errorf("sequence %d", seq)
		}
	})

	t.Run("page list", func(t *testing.T) {
		r := newRig(t, sim.Pattern{}, sim.AckImmediate, true)

		pl, err := r.mem.Alloc(2*hw.PageListEntrySize, hw.PageListEntrySize)
		if err != nil {
			t.Fatal(err)
		}

		r.mem.PutUint64(pl, r.bufs[0]+4000)
		r.mem.PutUint64(pl+hw.PageListEntrySize, r.bufs[5])

		qtd := r.blk.QTD(0)
		qtd.SetPtr(pl)
		qtd.SetOptions(hw.QTDOptIOC)
		qtd.SetStatus(hw.QTDStsActive | hw.QTDStsLen(200))
		r.c.Step()

		got := make([]byte, 200)
		r.mem.ReadAt(got[:96], r.bufs[0]+4000)
		r.mem.ReadAt(got[96:], r.bufs[5])

		for i, b := range got {
			if b != byte(i) {
				t.Fatalf("byte %d = %#x", i, b)
			}
		}
	})
}

func TestShort(t *testing.T) {
	fn := sim.Limit{Next: sim.Pattern{}, Max: 10}

	t.Run("alternate", func(t *testing.T) {
		r := newRig(t, fn, sim.AckImmediate, true)
		r.give(0, 512, hw.QTDStsIAlt(3), 0)
		r.give(1, 512, hw.QTDStsIAlt(3), 0)
		r.give(2, 512, 0, hw.QTDOptShortOK)

		r.c.Step()

		st := r.blk.QTD(0).Status()
		if st&hw.QTDStsLastPkt == 0 || hw.QTDStsToLen(st) != 502 {
			t.Errorf("qTD status %#08x", st)
		}

		if icur := hw.QHStatusToICur(r.blk.Status()); icur != 3 {
			t.Errorf("icur %d, want the alternate qTD", icur)
		}

		if s := r.c.Stats(); s.Short != 1 || s.Executed != 1 {
			t.Errorf("stats %+v", s)
		}
	})

	t.Run("park", func(t *testing.T) {
		r := newRig(t, fn, sim.AckImmediate, true)
		r.give(0, 512, 0, 0)
		r.give(1, 512, 0, 0)

		r.c.Step()

		if r.blk.Status()&hw.QHStatusInactive == 0 {
			t.Fatal("short qTD without an alternate didn't park the qset")
		}

		if r.c.Step() {
			t.Error("parked qset executed a qTD")
		}

		r.c.Write32(hw.RegCmd, hw.CmdRun|hw.CmdAsyncEnable|hw.CmdAsyncUpdated)

		if r.blk.Status()&hw.QHStatusInactive != 0 {
			t.Error("update didn't reactivate the qset")
		}

		if !r.c.Step() {
			t.Error("reactivated qset didn't resume")
		}
	})

	t.Run("ok", func(t *testing.T) {
		r := newRig(t, fn, sim.AckImmediate, true)
		r.give(0, 512, 0, hw.QTDOptShortOK)
		r.give(1, 512, 0, 0)

		if n := r.c.RunUntilIdle(10); n != 2 {
			t.Errorf("%d walks executed a qTD", n)
		}
	})
}

func TestHalt(t *testing.T) {
	for _, tc := range []struct {
		fault sim.Fault
		bits  uint32
	}{
		{sim.FaultStall, 0},
		{sim.FaultBuffer, hw.QTDStsDBE},
		{sim.FaultBabble, hw.QTDStsBabble},
		{sim.FaultRetries, hw.QTDStsRCE},
	} {
		t.Run(tc.fault.String(), func(t *testing.T) {
			r := newRig(t, &sim.FailAfter{Next: sim.Pattern{}, After: 1, Fault: tc.fault}, sim.AckImmediate, false)
			r.give(0, 64, 0, 0)
			r.give(1, 64, 0, 0)
			r.give(2, 64, 0, 0)

			r.c.RunUntilIdle(10)

			want := hw.QTDStsHalted | hw.QTDStsLen(64) | tc.bits
			if st := r.blk.QTD(1).Status(); st != want {
				t.Errorf("qTD status %#08x != %#08x", st, want)
			}

			if r.blk.Status()&hw.QHStatusHalted == 0 {
				t.Error("qset isn't halted")
			}

			if st := r.blk.QTD(2).Status(); st&hw.QTDStsActive == 0 {
				t.Error("controller went past the halted qTD")
			}

			if r.sts()&hw.StsErrInt == 0 {
				t.Errorf("status %#08x", r.sts())
			}
		})
	}

	t.Run("bad buffer", func(t *testing.T) {
		r := newRig(t, nil, sim.AckImmediate, false)

		qtd := r.blk.QTD(0)
		qtd.SetPtr(0x1000)
		qtd.SetOptions(hw.QTDOptSmall)
		qtd.SetStatus(hw.QTDStsActive | hw.QTDStsLen(64))
		r.c.Step()

		if st := qtd.Status(); st&hw.QTDStsDBE == 0 {
			t.Errorf("qTD status %#08x", st)
		}
	})

	t.Run("partial", func(t *testing.T) {
		fn := sim.FunctionFunc(func(req *sim.Request) sim.Result {
			for i := range req.Data {
				req.Data[i] = 0x5a
			}

			return sim.Result{N: 16, Fault: sim.FaultBabble}
		})

		r := newRig(t, fn, sim.AckImmediate, true)
		r.give(0, 64, 0, 0)
		r.c.Step()

		want := hw.QTDStsHalted | hw.QTDStsBabble | hw.QTDStsLen(48)
		if st := r.blk.QTD(0).Status(); st != want {
			t.Errorf("qTD status %#08x != %#08x", st, want)
		}

		got := make([]byte, 64)
		r.mem.ReadAt(got, r.bufs[0])

		wantData := append(bytes.Repeat([]byte{0x5a}, 16), make([]byte, 48)...)
		if diff := cmp.Diff(wantData, got); diff != "" {
			t.Errorf("buffer (-want +got):\n%s", diff)
		}
	})
}

func TestAck(t *testing.T) {
	const update = hw.CmdRun | hw.CmdAsyncEnable | hw.CmdAsyncUpdated | hw.CmdAsyncSyncedDB

	for _, tc := range []struct {
		name  string
		mode  sim.AckMode
		write bool // acknowledged by the write
		step  bool // acknowledged by a walk
	}{
		{"immediate", sim.AckImmediate, true, true},
		{"walk", sim.AckOnWalk, false, true},
		{"manual", sim.AckManual, false, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, nil, tc.mode, false)
			r.c.Write32(hw.RegCmd, update)

			if r.c.UpdatePending() == tc.write {
				t.Fatalf("pending %v after the write", r.c.UpdatePending())
			}

			r.c.Step()
			if r.c.UpdatePending() == tc.step {
				t.Fatalf("pending %v after a walk", r.c.UpdatePending())
			}

			if !tc.step && !r.c.Ack() {
				t.Fatal("nothing to acknowledge")
			}

			if r.c.Ack() {
				t.Error("acknowledged twice")
			}

			if sts := r.sts(); sts&hw.StsAsyncSchedSynced == 0 {
				t.Errorf("status %#08x", sts)
			}

			if cmd := r.c.Read32(hw.RegCmd); cmd&(hw.CmdAsyncUpdated|hw.CmdAsyncSyncedDB) != 0 {
				t.Errorf("WUSBCMD %#08x", cmd)
			}

			if n := r.c.Stats().Updates; n != 1 {
				t.Errorf("%d updates", n)
			}
		})
	}
}

func TestHostError(t *testing.T) {
	t.Run("terminated chain", func(t *testing.T) {
		r := newRig(t, nil, sim.AckImmediate, false)
		r.blk.SetLink(r.blk.Link() | hw.QHLinkT)
		r.c.Step()

		if sts := r.sts(); sts&hw.StsHostErr == 0 || sts&hw.StsHCHalted == 0 {
			t.Errorf("status %#08x", sts)
		}
	})

	t.Run("outside memory", func(t *testing.T) {
		r := newRig(t, nil, sim.AckImmediate, false)
		r.blk.SetLink(0x40)
		r.c.Step()

		if sts := r.sts(); sts&hw.StsHostErr == 0 {
			t.Errorf("status %#08x", sts)
		}
	})

	t.Run("clear", func(t *testing.T) {
		r := newRig(t, nil, sim.AckImmediate, false)
		r.c.RaiseHostError()

		r.c.Write32(hw.RegSts, hw.StsHostErr)
		if sts := r.sts(); sts&hw.StsHostErr != 0 {
			t.Errorf("status %#08x after clearing", sts)
		}
	})
}
