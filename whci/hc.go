// Package whci drives the asynchronous schedule of a Wireless Host Controller
// Interface (WHCI) USB host controller. It turns URBs for control and bulk
// endpoints into qsets and qTDs in DMA memory, keeps the controller's async schedule
// list (ASL) in sync with them, and gives URBs back as the controller retires them.
package whci

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c35s/whci/dma"
	"github.com/c35s/whci/hw"
	"github.com/c35s/whci/usb"
	"golang.org/x/sync/errgroup"
)

// Config describes a new host controller.
type Config struct {

	// Regs is the controller's register bank.
	Regs hw.Registers

	// Mem is the DMA memory shared with the controller. Qsets, page lists, and
	// bounce buffers are allocated from it, and URB buffers must live in it.
	Mem dma.Memory

	// HCD tracks URBs on behalf of the upstream USB stack.
	// If HCD is nil, a new one is created.
	HCD *usb.HCD

	// Log receives the controller's log records.
	// If Log is nil, slog.Default is used.
	Log *slog.Logger

	// MaxTransferSize is the largest number of bytes a single qTD may describe.
	// If MaxTransferSize is 0, hw.QTDMaxXferSize is used.
	MaxTransferSize int

	// PHYRate is the fastest PHY rate used for bulk endpoints.
	// If PHYRate is 0, hw.PHYRate480 is used. Control endpoints always use
	// hw.PHYRate53.
	PHYRate int

	// StartTimeout, StopTimeout, and UpdateTimeout bound how long the controller
	// may take to start the ASL, stop it, and acknowledge an ASL update.
	// Each defaults to 1s.
	StartTimeout  time.Duration
	StopTimeout   time.Duration
	UpdateTimeout time.Duration

	// OnHardwareError, if set, is called once when the controller stops
	// responding or reports a host error. After that, new URBs are refused.
	OnHardwareError func(error)
}

// HC is a WHCI host controller.
type HC struct {
	cfg  Config
	log  *slog.Logger
	regs hw.Registers
	mem  dma.Memory
	hcd  *usb.HCD
	pool *dma.Pool

	mu        sync.Mutex // guards the schedule state below
	async     *list.List // software ASL, the anchor is always a member
	removed   *list.List // qsets unlinked from the ASL, awaiting an update
	anchor    *qset
	dequeues  []dequeueJob
	retired   []retiredURB
	cmdMu     sync.Mutex // serializes read-modify-write of WUSBCMD
	schedMu   sync.Mutex // serializes ASL start, stop, and updates
	active    bool       // the controller is processing the ASL
	kick      chan struct{}
	synced    chan struct{}
	cancel    context.CancelFunc
	g         *errgroup.Group
	errOnce   sync.Once
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

const (
	TimeoutDefault = time.Second

	// updatePoll bounds how long an ASL update waits between register reads when
	// no interrupt arrives.
	updatePoll = time.Millisecond
)

var (
	ErrConfig        = errors.New("whci: invalid config")
	ErrInit          = errors.New("whci: init failed")
	ErrStart         = errors.New("whci: start failed")
	ErrStop          = errors.New("whci: stop failed")
	ErrUpdateTimeout = errors.New("whci: ASL update timed out")
	ErrHostError     = errors.New("whci: host controller error")
)

// New creates a host controller and allocates its ASL anchor. The controller
// doesn't touch the schedule until Start is called.
func New(cfg Config) (*HC, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	hc := &HC{
		cfg:     cfg,
		log:     cfg.Log,
		regs:    cfg.Regs,
		mem:     cfg.Mem,
		hcd:     cfg.HCD,
		pool:    dma.NewPool(cfg.Mem, hw.QSetSize, hw.QSetAlign),
		async:   list.New(),
		removed: list.New(),
		kick:    make(chan struct{}, 1),
		synced:  make(chan struct{}, 1),
	}

	anchor, err := hc.qsetAlloc()
	if err != nil {
		return nil, fmt.Errorf("%w: anchor: %w", ErrInit, err)
	}

	hc.anchor = anchor
	hc.aslInsertBegin(anchor)
	hc.aslInsert(anchor)

	return hc, nil
}

// HCD returns the URB tracker the controller links URBs to.
func (hc *HC) HCD() *usb.HCD {
	return hc.hcd
}

// Start starts the controller's worker and the async schedule, then begins
// accepting URBs. The worker runs until Close or until ctx is done.
func (hc *HC) Start(ctx context.Context) error {
	hc.schedMu.Lock()
	defer hc.schedMu.Unlock()

	if hc.active {
		return nil
	}

	if err := hc.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	if hc.cancel == nil {
		wctx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(wctx)
		g.Go(func() error {
			return hc.work(gctx)
		})

		hc.g = g
		hc.cancel = cancel
	}

	if err := hc.aslStart(); err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	hc.active = true
	hc.hcd.SetRunning(true)
	hc.log.Debug("async schedule started", "anchor", hc.anchor.blk.Addr())

	return nil
}

// Stop stops accepting URBs and stops the async schedule. URBs still in flight
// stay linked; callers should cancel them first.
func (hc *HC) Stop() error {
	hc.hcd.SetRunning(false)

	hc.schedMu.Lock()
	defer hc.schedMu.Unlock()

	if !hc.active {
		return nil
	}

	hc.active = false
	if err := hc.aslStop(); err != nil {
		return fmt.Errorf("%w: %w", ErrStop, err)
	}

	hc.log.Debug("async schedule stopped")
	return nil
}

// Close stops the controller, waits for its worker to exit, and frees the ASL
// anchor. Endpoints should be disabled first.
func (hc *HC) Close() error {
	err := hc.Stop()

	hc.closeOnce.Do(func() {
		hc.schedMu.Lock()
		cancel, g := hc.cancel, hc.g
		hc.schedMu.Unlock()

		if cancel != nil {
			cancel()
			if werr := g.Wait(); werr != nil && err == nil {
				err = werr
			}
		}

		hc.mu.Lock()
		defer hc.mu.Unlock()

		if n := hc.async.Len() + hc.removed.Len() - 1; n > 0 {
			hc.log.Warn("closing with endpoints still enabled", "qsets", n)
		}

		hc.async.Init()
		hc.removed.Init()
		hc.qsetFree(hc.anchor)
		hc.pool.Close()
	})

	return err
}

// Err returns the hardware error that disabled the controller, if any.
func (hc *HC) Err() error {
	hc.errMu.Lock()
	defer hc.errMu.Unlock()
	return hc.err
}

// Interrupt services the controller's interrupt. It acknowledges the pending
// status bits and returns false if there were none.
func (hc *HC) Interrupt() bool {
	sts := hc.regs.Read32(hw.RegSts) & hw.StsIntMask
	if sts == 0 {
		return false
	}

	hc.regs.Write32(hw.RegSts, sts)

	if sts&hw.StsHostErr != 0 {
		hc.hardwareError(ErrHostError)
	}

	if sts&(hw.StsInt|hw.StsErrInt) != 0 {
		hc.queueWork()
	}

	if sts&hw.StsAsyncSchedSynced != 0 {
		select {
		case hc.synced <- struct{}{}:
		default:
		}
	}

	return true
}

// hardwareError disables the controller after an unrecoverable error.
func (hc *HC) hardwareError(err error) {
	hc.errOnce.Do(func() {
		hc.errMu.Lock()
		hc.err = err
		hc.errMu.Unlock()

		hc.hcd.SetRunning(false)
		hc.log.Error("host controller is dead", "err", err)

		if hc.cfg.OnHardwareError != nil {
			hc.cfg.OnHardwareError(err)
		}
	})
}

// queueWork schedules a pass of the worker. Kicks coalesce while a pass is pending.
func (hc *HC) queueWork() {
	select {
	case hc.kick <- struct{}{}:
	default:
	}
}

// work runs deferred dequeues and ASL scans until ctx is done. Running both on one
// goroutine keeps them from ever overlapping.
func (hc *HC) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-hc.kick:
		}

		hc.runDequeues()
		hc.scanAsync()
	}
}

// writeCmd updates the bits of WUSBCMD selected by mask.
func (hc *HC) writeCmd(mask, val uint32) {
	hc.cmdMu.Lock()
	defer hc.cmdMu.Unlock()

	cmd := hc.regs.Read32(hw.RegCmd)
	hc.regs.Write32(hw.RegCmd, cmd&^mask|val)
}

func (hc *HC) isActive() bool {
	hc.schedMu.Lock()
	defer hc.schedMu.Unlock()
	return hc.active
}

func (cfg Config) validate() error {
	if cfg.Regs == nil {
		return errors.New("registers are not set")
	}

	if cfg.Mem == nil {
		return errors.New("memory is not set")
	}

	if cfg.MaxTransferSize < 1 || cfg.MaxTransferSize > hw.QTDMaxXferSize {
		return fmt.Errorf("max transfer size is out of range: %d", cfg.MaxTransferSize)
	}

	if cfg.PHYRate < hw.PHYRate53 || cfg.PHYRate > hw.PHYRate480 {
		return fmt.Errorf("unknown PHY rate: %d", cfg.PHYRate)
	}

	if cfg.StartTimeout < 0 || cfg.StopTimeout < 0 || cfg.UpdateTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.HCD == nil {
		cfg.HCD = usb.NewHCD(cfg.Log)
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	if cfg.MaxTransferSize == 0 {
		cfg.MaxTransferSize = hw.QTDMaxXferSize
	}

	if cfg.PHYRate == 0 {
		cfg.PHYRate = hw.PHYRate480
	}

	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = TimeoutDefault
	}

	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = TimeoutDefault
	}

	if cfg.UpdateTimeout == 0 {
		cfg.UpdateTimeout = TimeoutDefault
	}

	return cfg
}
