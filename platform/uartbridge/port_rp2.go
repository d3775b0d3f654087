//go:build rp2040

package uartbridge

import (
	"context"
	"sync"
	"time"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"periphmux-go/errcode"
	"periphmux-go/hil"
)

type txReq struct {
	buf []byte
	n   int
}

type rxReq struct {
	buf []byte
	n   int
}

// Port adapts one uartx.UART to hil.UartController. Pins and baud are
// configured by the board main before Start. Submits enqueue and return;
// the tx and rx workers raise completions from their own goroutines.
type Port struct {
	mu    sync.Mutex
	u     *uartx.UART
	txc   hil.UartTxClient
	rxc   hil.UartRxClient
	txq   chan txReq
	rxq   chan rxReq
	abort chan struct{}
}

func NewPort(u *uartx.UART) *Port {
	return &Port{
		u:     u,
		txq:   make(chan txReq, 1),
		rxq:   make(chan rxReq, 1),
		abort: make(chan struct{}, 1),
	}
}

var _ hil.UartController = (*Port)(nil)

func (p *Port) Start(ctx context.Context) {
	go p.txLoop(ctx)
	go p.rxLoop(ctx)
}

func (p *Port) txLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-p.txq:
			_, err := p.u.Write(r.buf[:r.n])
			p.mu.Lock()
			c := p.txc
			p.mu.Unlock()
			if c != nil {
				c.TransmittedBuffer(r.buf, r.n, err)
			}
		}
	}
}

func (p *Port) rxLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-p.rxq:
			// Drop any abort raised while no read was running.
			select {
			case <-p.abort:
			default:
			}
			p.fill(ctx, r)
		}
	}
}

func (p *Port) fill(ctx context.Context, r rxReq) {
	pos := 0
	for pos < r.n {
		select {
		case <-ctx.Done():
			return
		case <-p.abort:
			p.completeRx(r.buf, pos, nil)
			return
		case <-p.u.Readable():
			// Bound the blocking wait to assist shutdown.
			rctx, rcancel := context.WithTimeout(ctx, 250*time.Millisecond)
			k, _ := p.u.RecvSomeContext(rctx, r.buf[pos:r.n])
			rcancel()
			if k > 0 {
				pos += k
			}
		}
	}
	p.completeRx(r.buf, r.n, nil)
}

func (p *Port) completeRx(buf []byte, n int, err error) {
	p.mu.Lock()
	c := p.rxc
	p.mu.Unlock()
	if c != nil {
		c.ReceivedBuffer(buf, n, err)
	}
}

func (p *Port) TransmitBuffer(buf []byte, n int) error {
	select {
	case p.txq <- txReq{buf: buf, n: n}:
		return nil
	default:
		return errcode.Busy
	}
}

func (p *Port) ReceiveBuffer(buf []byte, n int) error {
	select {
	case p.rxq <- rxReq{buf: buf, n: n}:
		return nil
	default:
		return errcode.Busy
	}
}

func (p *Port) ReceiveAbort() error {
	select {
	case p.abort <- struct{}{}:
	default:
	}
	return nil
}

func (p *Port) SetTransmitClient(c hil.UartTxClient) {
	p.mu.Lock()
	p.txc = c
	p.mu.Unlock()
}

func (p *Port) SetReceiveClient(c hil.UartRxClient) {
	p.mu.Lock()
	p.rxc = c
	p.mu.Unlock()
}
