package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/c35s/whci/dma"
	"github.com/c35s/whci/dump"
	"github.com/c35s/whci/sim"
	"github.com/c35s/whci/usb"
	"github.com/c35s/whci/whci"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var faults = map[string]sim.Fault{
	"":        sim.FaultNone,
	"stall":   sim.FaultStall,
	"buffer":  sim.FaultBuffer,
	"babble":  sim.FaultBabble,
	"retries": sim.FaultRetries,
}

var acks = map[string]sim.AckMode{
	"immediate": sim.AckImmediate,
	"walk":      sim.AckOnWalk,
}

func main() {

	var (
		memSize   = flag.Int("mem", 4, "set the DMA arena size in MiB")
		count     = flag.Int("n", 4, "run n OUT/IN transfer pairs")
		length    = flag.Int("len", 3*4096+100, "set the length of each transfer in bytes")
		xferSize  = flag.Int("xfer", 0, "limit each qTD to n bytes (0 means the controller maximum)")
		short     = flag.Int("short", 0, "truncate IN transfers to n bytes (0 disables)")
		fault     = flag.String("fault", "", "halt transfers with stall, buffer, babble, or retries")
		after     = flag.Int("after", 0, "let n qTDs succeed before -fault applies")
		ackMode   = flag.String("ack", "walk", "acknowledge ASL updates immediately or on walk")
		verbose   = flag.Bool("v", false, "log debug records")
		forceText = flag.Bool("text", false, "dump the schedule as text even if stdout isn't a terminal")
	)

	flag.Parse()

	f, ok := faults[*fault]
	if !ok {
		panic(fmt.Sprintf("unknown fault %q", *fault))
	}

	ack, ok := acks[*ackMode]
	if !ok {
		panic(fmt.Sprintf("unknown ack mode %q", *ackMode))
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	mem, err := dma.New(dma.Config{Size: *memSize << 20})
	if err != nil {
		panic(err)
	}

	var fn sim.Function = new(sim.Loopback)
	if *short > 0 {
		fn = sim.Limit{Next: fn, Max: *short}
	}

	if f != sim.FaultNone {
		fn = &sim.FailAfter{Next: fn, After: *after, Fault: f}
	}

	var hc *whci.HC

	c := sim.New(sim.Config{
		Mem:      mem,
		Function: fn,
		Ack:      ack,
		Log:      log.With("src", "sim"),
		Notify: func() {
			hc.Interrupt()
		},
	})

	hc, err = whci.New(whci.Config{
		Regs:            c,
		Mem:             mem,
		Log:             log.With("src", "whci"),
		MaxTransferSize: *xferSize,
		OnHardwareError: func(err error) {
			log.Error("hardware error", "err", err)
		},
	})

	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.TODO(), os.Interrupt)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(gctx)
	})

	if err := hc.Start(gctx); err != nil {
		panic(err)
	}

	dev := &usb.Device{Port: 1, PHYRates: 0xff}
	out := &usb.Endpoint{Device: dev, Address: 0x01, Type: usb.TransferBulk, MaxPacketSize: 512}
	in := &usb.Endpoint{Device: dev, Address: 0x81, Type: usb.TransferBulk, MaxPacketSize: 512}

	obuf, err := mem.Alloc(max(*length, 1), mem.PageSize())
	if err != nil {
		panic(err)
	}

	ibuf, err := mem.Alloc(max(*length, 1), mem.PageSize())
	if err != nil {
		panic(err)
	}

	for i := 0; i < *count; i++ {
		data := make([]byte, *length)
		for j := range data {
			data[j] = byte(i + j)
		}

		mem.WriteAt(data, obuf)

		wu := &usb.URB{Endpoint: out, TransferDMA: obuf, TransferBufferLength: *length}
		if err := transfer(ctx, hc, wu); err != nil {
			panic(err)
		}

		ru := &usb.URB{Endpoint: in, TransferDMA: ibuf, TransferBufferLength: *length}
		if err := transfer(ctx, hc, ru); err != nil {
			panic(err)
		}

		got := make([]byte, ru.ActualLength)
		mem.ReadAt(got, ibuf)

		log.Info("transfer",
			"i", i,
			"out", wu.ActualLength,
			"out_status", wu.Status,
			"in", ru.ActualLength,
			"in_status", ru.Status,
			"match", bytes.Equal(got, data[:min(len(data), len(got))]))

		for _, u := range []*usb.URB{wu, ru} {
			if errors.Is(u.Status, usb.StatusStall) {
				hc.EndpointReset(u.Endpoint)
			}
		}
	}

	snap := hc.Snapshot()
	if *forceText || term.IsTerminal(int(os.Stdout.Fd())) {
		err = dump.WriteText(os.Stdout, snap)
	} else {
		err = dump.Archive(os.Stdout, mem, snap)
	}

	if err != nil {
		panic(err)
	}

	for _, ep := range []*usb.Endpoint{out, in} {
		if err := hc.EndpointDisable(ctx, ep); err != nil {
			log.Warn("disable endpoint", "ep", ep.Address, "err", err)
		}
	}

	if err := hc.Close(); err != nil {
		panic(err)
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}

	st := c.Stats()
	log.Info("done",
		"walks", st.Walks,
		"executed", st.Executed,
		"short", st.Short,
		"halted", st.Halted,
		"updates", st.Updates)
}

// transfer enqueues u and waits for it to be given back.
func transfer(ctx context.Context, hc *whci.HC, u *usb.URB) error {
	if err := hc.Enqueue(u); err != nil {
		return err
	}

	select {
	case <-u.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
