// Package i2cbridge runs a drivers.I2C bus on a dedicated worker goroutine
// and exposes it as a hil.I2CController. Submits enqueue a request and
// return immediately; the worker performs the transaction and raises the
// completion, so a completion can never arrive from inside a submit call.
package i2cbridge

import (
	"context"
	"sync"

	"tinygo.org/x/drivers"

	"periphmux-go/errcode"
	"periphmux-go/hil"
)

type opKind uint8

const (
	opWrite opKind = iota
	opRead
	opWriteRead
)

type request struct {
	kind opKind
	addr uint16
	buf  []byte
	wlen int
	rlen int
}

// Bridge owns one drivers.I2C bus. A full request queue rejects the submit
// with errcode.Busy; with the mux in front the queue holds at most one
// request, so depth 1 is enough.
type Bridge struct {
	mu      sync.Mutex
	bus     drivers.I2C
	reqs    chan request
	client  hil.I2CClient
	scratch []byte
}

func New(bus drivers.I2C, depth int) *Bridge {
	if depth <= 0 {
		depth = 1
	}
	return &Bridge{
		bus:     bus,
		reqs:    make(chan request, depth),
		scratch: make([]byte, 32),
	}
}

// Start launches the bus worker. It exits when ctx is cancelled; requests
// still queued at that point are dropped without completion.
func (b *Bridge) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *Bridge) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-b.reqs:
			err := b.transact(r)
			b.mu.Lock()
			c := b.client
			b.mu.Unlock()
			if c != nil {
				c.CommandComplete(r.buf, err)
			}
		}
	}
}

func (b *Bridge) transact(r request) error {
	switch r.kind {
	case opWrite:
		return b.bus.Tx(r.addr, r.buf[:r.wlen], nil)
	case opRead:
		return b.bus.Tx(r.addr, nil, r.buf[:r.rlen])
	default:
		// The write and read halves share one buffer; stage the write
		// bytes so the read cannot clobber them mid-transaction.
		if r.wlen > len(b.scratch) {
			b.scratch = make([]byte, r.wlen)
		}
		w := b.scratch[:r.wlen]
		copy(w, r.buf[:r.wlen])
		return b.bus.Tx(r.addr, w, r.buf[:r.rlen])
	}
}

func (b *Bridge) submit(r request) error {
	select {
	case b.reqs <- r:
		return nil
	default:
		return errcode.Busy
	}
}

var _ hil.I2CController = (*Bridge)(nil)

// Enable is a no-op: bus power is managed by the board, not per transfer.
func (b *Bridge) Enable() {}

func (b *Bridge) Disable() {}

func (b *Bridge) Write(addr uint8, buf []byte, n int) error {
	return b.submit(request{kind: opWrite, addr: uint16(addr), buf: buf, wlen: n})
}

func (b *Bridge) Read(addr uint8, buf []byte, n int) error {
	return b.submit(request{kind: opRead, addr: uint16(addr), buf: buf, rlen: n})
}

func (b *Bridge) WriteRead(addr uint8, buf []byte, wlen, rlen int) error {
	return b.submit(request{kind: opWriteRead, addr: uint16(addr), buf: buf, wlen: wlen, rlen: rlen})
}

func (b *Bridge) SetClient(c hil.I2CClient) {
	b.mu.Lock()
	b.client = c
	b.mu.Unlock()
}
