// Package uartbridge adapts serial transports to hil.UartController: a
// uartx port on rp2040 boards, and an in-memory pipe for host demos and
// tests.
package uartbridge

import (
	"sync"

	"periphmux-go/errcode"
	"periphmux-go/hil"
)

// PipeEnd is one side of an in-memory UART link. Bytes transmitted on one
// end arrive at the other; completions are raised from their own
// goroutines, never from inside a submit call.
type PipeEnd struct {
	mu      sync.Mutex
	peer    *PipeEnd
	txc     hil.UartTxClient
	rxc     hil.UartRxClient
	pending []byte
	rxBuf   []byte
	rxLen   int
	rxPos   int
}

// Pipe returns two connected ends.
func Pipe() (*PipeEnd, *PipeEnd) {
	a, b := &PipeEnd{}, &PipeEnd{}
	a.peer, b.peer = b, a
	return a, b
}

var _ hil.UartController = (*PipeEnd)(nil)

func (e *PipeEnd) SetTransmitClient(c hil.UartTxClient) {
	e.mu.Lock()
	e.txc = c
	e.mu.Unlock()
}

func (e *PipeEnd) SetReceiveClient(c hil.UartRxClient) {
	e.mu.Lock()
	e.rxc = c
	e.mu.Unlock()
}

func (e *PipeEnd) TransmitBuffer(buf []byte, n int) error {
	data := append([]byte(nil), buf[:n]...)
	go func() {
		e.peer.ingest(data)
		e.mu.Lock()
		c := e.txc
		e.mu.Unlock()
		if c != nil {
			c.TransmittedBuffer(buf, n, nil)
		}
	}()
	return nil
}

func (e *PipeEnd) ReceiveBuffer(buf []byte, n int) error {
	e.mu.Lock()
	if e.rxBuf != nil {
		e.mu.Unlock()
		return errcode.Busy
	}
	e.rxBuf, e.rxLen, e.rxPos = buf, n, 0
	deliver := e.drainLocked()
	e.mu.Unlock()
	if deliver != nil {
		go deliver()
	}
	return nil
}

func (e *PipeEnd) ReceiveAbort() error {
	e.mu.Lock()
	if e.rxBuf == nil {
		e.mu.Unlock()
		return nil
	}
	buf, pos := e.rxBuf, e.rxPos
	e.rxBuf = nil
	c := e.rxc
	e.mu.Unlock()
	go func() {
		if c != nil {
			c.ReceivedBuffer(buf, pos, nil)
		}
	}()
	return nil
}

func (e *PipeEnd) ingest(data []byte) {
	e.mu.Lock()
	e.pending = append(e.pending, data...)
	deliver := e.drainLocked()
	e.mu.Unlock()
	if deliver != nil {
		deliver()
	}
}

// drainLocked moves pending bytes into an armed read and, when the read
// fills, returns the completion to run after the lock drops.
func (e *PipeEnd) drainLocked() func() {
	if e.rxBuf == nil || len(e.pending) == 0 {
		return nil
	}
	n := copy(e.rxBuf[e.rxPos:e.rxLen], e.pending)
	e.rxPos += n
	e.pending = e.pending[n:]
	if e.rxPos < e.rxLen {
		return nil
	}
	buf, ln := e.rxBuf, e.rxLen
	e.rxBuf = nil
	c := e.rxc
	return func() {
		if c != nil {
			c.ReceivedBuffer(buf, ln, nil)
		}
	}
}
