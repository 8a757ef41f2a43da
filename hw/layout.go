package hw

import "github.com/c35s/whci/dma"

// A qset block is a queue head followed by a ring of qTDs. The controller walks the
// ASL by following queue head link pointers and executes the qTD at the index given
// by the queue head's iCur field.
//
//	0x00  le64 link        next qset | nTDs | T
//	0x08  le32 info1       endpoint, direction, transfer type, device index, max packet
//	0x0c  le32 info2       burst, burst policy, max count, max retry, max sequence
//	0x10  le32 info3       PHY rate, transmit power
//	0x14  le16 status      sequence number, iCur, flags
//	0x16  le16 err_count   transaction error count
//	0x18  le32 cur_window
//	0x1c  le32 scratch[3]
//	0x28  qTD  overlay
//	0x40  qTD  qtd[8]
const (
	QHLinkOff      = 0x00
	QHInfo1Off     = 0x08
	QHInfo2Off     = 0x0c
	QHInfo3Off     = 0x10
	QHStatusOff    = 0x14
	QHErrCountOff  = 0x16
	QHCurWindowOff = 0x18
	QHScratchOff   = 0x1c
	QHOverlayOff   = 0x28
	QHSize         = 0x40

	QTDStatusOff  = 0x00
	QTDOptionsOff = 0x04
	QTDPtrOff     = 0x08 // page list pointer or direct buffer pointer
	QTDSetupOff   = 0x10
	QTDSize       = 0x18

	QSetTDMax = 8
	QSetSize  = QHSize + QSetTDMax*QTDSize
	QSetAlign = 64

	PageListEntrySize = 8

	// QTDMaxXferSize is the largest transfer a single qTD can describe.
	QTDMaxXferSize = 1048575
)

// link pointer bits

const (
	QHLinkPtrMask = ^uint64(0x3f)
	QHLinkIQS     = 1 << 4 // isochronous queue set
	QHLinkT       = 1 << 0 // terminate: the controller ignores the pointer
)

// QHLinkNTDS encodes the ring depth hint of a link pointer.
func QHLinkNTDS(n int) uint64 {
	return uint64(n-1) << 1
}

// LinkPtr returns the qset address held by a link pointer.
func LinkPtr(link uint64) uint64 {
	return link & QHLinkPtrMask
}

// SetLinkPtr returns link pointing at target with the terminate bit cleared. The
// nTDs and IQS bits are preserved.
func SetLinkPtr(link, target uint64) uint64 {
	return link&^(QHLinkPtrMask|QHLinkT) | target&QHLinkPtrMask
}

// transfer types (info1)

const (
	TrTypeCtrl  = 0x0
	TrTypeIsoc  = 0x1
	TrTypeBulk  = 0x2
	TrTypeInt   = 0x3
	TrTypeLPInt = 0x7
)

// Info1 encodes the endpoint word of a queue head.
func Info1(ep int, in bool, trType int, devIdx int, maxPkt int) uint32 {
	v := uint32(ep&0xf) | uint32(trType&0x7)<<5 | uint32(devIdx&0x7f)<<8 | uint32(maxPkt&0xffff)<<16
	if in {
		v |= 1 << 4
	}

	return v
}

// Info1 fields

func Info1EP(v uint32) int {
	return int(v & 0xf)
}

func Info1IsIn(v uint32) bool {
	return v&(1<<4) != 0
}

func Info1TrType(v uint32) int {
	return int(v>>5) & 0x7
}

func Info1DevIdx(v uint32) int {
	return int(v>>8) & 0x7f
}

func Info1MaxPkt(v uint32) int {
	return int(v >> 16)
}

// Info2 encodes the burst/retry word of a queue head. maxSeq is the encoded
// value (the maximum sequence number minus one).
func Info2(burst, dbp, maxCount, maxRetry, maxSeq int) uint32 {
	return uint32(burst&0x1f) | uint32(dbp&0x7)<<5 | uint32(maxCount&0x7f)<<8 |
		uint32(maxRetry&0xf)<<16 | uint32(maxSeq&0x1f)<<20
}

func Info2Burst(v uint32) int {
	return int(v & 0x1f)
}

func Info2MaxRetry(v uint32) int {
	return int(v>>16) & 0xf
}

func Info2MaxSeq(v uint32) int {
	return int(v>>20) & 0x1f
}

// Info2RQS asks the controller to reactivate an inactive queue set.
const Info2RQS = 1 << 15

// Info3 encodes the transmit parameters of a queue head.
func Info3(phyRate, txPower int) uint32 {
	return uint32(phyRate&0x1f)<<24 | uint32(txPower&0x7)<<29
}

func Info3PHYRate(v uint32) int {
	return int(v>>24) & 0x1f
}

// UWB PHY rates
const (
	PHYRate53 = iota
	PHYRate80
	PHYRate106
	PHYRate160
	PHYRate200
	PHYRate320
	PHYRate400
	PHYRate480
)

// queue head status bits

const (
	QHStatusSeqMask  = 0x1f
	QHStatusICurMask = 0x7 << 5
	QHStatusInactive = 1 << 13 // the controller stopped fetching from this qset
	QHStatusHalted   = 1 << 14
	QHStatusFlowCtrl = 1 << 15
)

func QHStatusICur(i int) uint16 {
	return uint16(i&0x7) << 5
}

func QHStatusToICur(s uint16) int {
	return int(s>>5) & 0x7
}

// qTD status bits

const (
	QTDStsActive    = 1 << 31 // the controller owns the qTD
	QTDStsHalted    = 1 << 30 // the transfer halted
	QTDStsDBE       = 1 << 29 // data buffer error
	QTDStsBabble    = 1 << 28 // babble detected
	QTDStsRCE       = 1 << 27 // retry count exceeded
	QTDStsLastPkt   = 1 << 26 // last packet (set by the driver for OUT, by the controller for short IN)
	QTDStsInactive  = 1 << 25 // the queue set was marked inactive
	QTDStsIAltValid = 1 << 23 // the iAlt field is valid
	QTDStsLenMask   = 0x000fffff
)

// QTDStsIAlt encodes a valid alternate next index.
func QTDStsIAlt(i int) uint32 {
	return QTDStsIAltValid | uint32(i&0x7)<<20
}

func QTDStsToIAlt(s uint32) int {
	return int(s>>20) & 0x7
}

func QTDStsLen(n int) uint32 {
	return uint32(n) & QTDStsLenMask
}

func QTDStsToLen(s uint32) int {
	return int(s & QTDStsLenMask)
}

// qTD options

const (
	QTDOptSmall   = 1 << 0 // the pointer is a direct buffer pointer, not a page list
	QTDOptIOC     = 1 << 1 // interrupt on completion
	QTDOptShortOK = 1 << 2 // a short IN transfer may continue at the next qTD
)

// QSetBlock is a view of a qset block in DMA memory.
type QSetBlock struct {
	mem  dma.Memory
	addr uint64
}

// QTD is a view of a qTD in DMA memory.
type QTD struct {
	mem  dma.Memory
	addr uint64
}

// NewQSetBlock returns a view of the qset block at addr.
func NewQSetBlock(mem dma.Memory, addr uint64) QSetBlock {
	return QSetBlock{mem: mem, addr: addr}
}

func (b QSetBlock) Addr() uint64 {
	return b.addr
}

func (b QSetBlock) Link() uint64 {
	return b.mem.Uint64(b.addr + QHLinkOff)
}

func (b QSetBlock) SetLink(v uint64) {
	b.mem.PutUint64(b.addr+QHLinkOff, v)
}

func (b QSetBlock) Info1() uint32 {
	return b.mem.Uint32(b.addr + QHInfo1Off)
}

func (b QSetBlock) SetInfo1(v uint32) {
	b.mem.PutUint32(b.addr+QHInfo1Off, v)
}

func (b QSetBlock) Info2() uint32 {
	return b.mem.Uint32(b.addr + QHInfo2Off)
}

func (b QSetBlock) SetInfo2(v uint32) {
	b.mem.PutUint32(b.addr+QHInfo2Off, v)
}

func (b QSetBlock) Info3() uint32 {
	return b.mem.Uint32(b.addr + QHInfo3Off)
}

func (b QSetBlock) SetInfo3(v uint32) {
	b.mem.PutUint32(b.addr+QHInfo3Off, v)
}

func (b QSetBlock) Status() uint16 {
	return b.mem.Uint16(b.addr + QHStatusOff)
}

func (b QSetBlock) SetStatus(v uint16) {
	b.mem.PutUint16(b.addr+QHStatusOff, v)
}

func (b QSetBlock) ErrCount() uint16 {
	return b.mem.Uint16(b.addr + QHErrCountOff)
}

func (b QSetBlock) SetErrCount(v uint16) {
	b.mem.PutUint16(b.addr+QHErrCountOff, v)
}

func (b QSetBlock) CurWindow() uint32 {
	return b.mem.Uint32(b.addr + QHCurWindowOff)
}

func (b QSetBlock) SetCurWindow(v uint32) {
	b.mem.PutUint32(b.addr+QHCurWindowOff, v)
}

// ClearScratch zeroes the controller's scratch words.
func (b QSetBlock) ClearScratch() {
	b.mem.WriteAt(make([]byte, QHOverlayOff-QHScratchOff), b.addr+QHScratchOff)
}

// Overlay returns the queue head's qTD overlay area.
func (b QSetBlock) Overlay() QTD {
	return QTD{mem: b.mem, addr: b.addr + QHOverlayOff}
}

// QTD returns the i'th qTD of the ring.
func (b QSetBlock) QTD(i int) QTD {
	if i < 0 || i >= QSetTDMax {
		panic("qTD index out of range")
	}

	return QTD{mem: b.mem, addr: b.addr + QHSize + uint64(i)*QTDSize}
}

func (d QTD) Addr() uint64 {
	return d.addr
}

func (d QTD) Status() uint32 {
	return d.mem.Uint32(d.addr + QTDStatusOff)
}

func (d QTD) SetStatus(v uint32) {
	d.mem.PutUint32(d.addr+QTDStatusOff, v)
}

func (d QTD) Options() uint32 {
	return d.mem.Uint32(d.addr + QTDOptionsOff)
}

func (d QTD) SetOptions(v uint32) {
	d.mem.PutUint32(d.addr+QTDOptionsOff, v)
}

func (d QTD) Ptr() uint64 {
	return d.mem.Uint64(d.addr + QTDPtrOff)
}

func (d QTD) SetPtr(v uint64) {
	d.mem.PutUint64(d.addr+QTDPtrOff, v)
}

func (d QTD) SetSetup(setup [8]byte) {
	d.mem.WriteAt(setup[:], d.addr+QTDSetupOff)
}

func (d QTD) Clear() {
	d.mem.WriteAt(make([]byte, QTDSize), d.addr)
}

func (d QTD) Setup() (setup [8]byte) {
	d.mem.ReadAt(setup[:], d.addr+QTDSetupOff)
	return
}
