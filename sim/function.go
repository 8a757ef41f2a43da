package sim

import (
	"bytes"
	"sync"
)

// Function is the device side of the simulated bus. The controller calls Transfer
// once per qTD it executes.
type Function interface {
	Transfer(req *Request) Result
}

// FunctionFunc adapts a plain func to the Function interface.
type FunctionFunc func(req *Request) Result

// Request describes one qTD's transaction.
type Request struct {
	Device   int // device index from the queue head
	Endpoint int
	In       bool
	Control  bool
	Setup    [8]byte

	// Data holds the qTD's bytes for OUT transfers. For IN transfers it's a
	// zeroed buffer of the qTD's length for the function to fill.
	Data []byte

	// LastPacket is set on the last qTD of an OUT URB.
	LastPacket bool
}

// Result is a function's answer to a Request.
type Result struct {

	// N is the number of bytes transferred. An IN transfer with N less than
	// len(Data) is short. With a Fault, N bytes moved before the error.
	N int

	// Fault, if set, halts the qTD.
	Fault Fault
}

// Fault is a transfer error that halts a qTD.
type Fault int

const (
	FaultNone    Fault = iota
	FaultStall         // the endpoint stalled
	FaultBuffer        // data buffer error
	FaultBabble        // the device sent too much
	FaultRetries       // retry count exceeded
)

func (f FunctionFunc) Transfer(req *Request) Result {
	return f(req)
}

// Loopback queues the data of OUT transfers and returns it from later IN
// transfers, like a pipe. Control transfers are accepted and return no data.
type Loopback struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *Loopback) Transfer(req *Request) Result {
	if req.Control {
		if req.In {
			return Result{}
		}

		return Result{N: len(req.Data)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !req.In {
		l.buf.Write(req.Data)
		return Result{N: len(req.Data)}
	}

	n, _ := l.buf.Read(req.Data)
	return Result{N: n}
}

// Len returns the number of queued bytes.
func (l *Loopback) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Len()
}

// Pattern fills IN transfers with a counting byte pattern and accepts OUT
// transfers.
type Pattern struct {
	Seed byte
}

func (p Pattern) Transfer(req *Request) Result {
	if req.In {
		for i := range req.Data {
			req.Data[i] = p.Seed + byte(i)
		}
	}

	return Result{N: len(req.Data)}
}

// Limit truncates IN transfers from Next to at most Max bytes, making them short.
type Limit struct {
	Next Function
	Max  int
}

func (l Limit) Transfer(req *Request) Result {
	if !req.In || len(req.Data) <= l.Max {
		return l.Next.Transfer(req)
	}

	full := req.Data
	req.Data = full[:l.Max]
	res := l.Next.Transfer(req)
	req.Data = full

	return res
}

// FailAfter passes the first After transfers to Next and fails the rest with
// Fault.
type FailAfter struct {
	Next  Function
	After int
	Fault Fault

	mu sync.Mutex
	n  int
}

func (f *FailAfter) Transfer(req *Request) Result {
	f.mu.Lock()
	f.n++
	n := f.n
	f.mu.Unlock()

	if n > f.After {
		return Result{Fault: f.Fault}
	}

	return f.Next.Transfer(req)
}

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"

	case FaultStall:
		return "stall"

	case FaultBuffer:
		return "buffer"

	case FaultBabble:
		return "babble"

	case FaultRetries:
		return "retries"

	default:
		return "unknown"
	}
}
