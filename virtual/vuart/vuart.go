// Package vuart virtualizes one UART across multiple logical devices.
//
// Transmission is arbitrated: one buffer in flight, one pending buffer per
// device, and every dispatch goes through the deferred-call dispatcher so a
// rejection callback can never nest inside the submit that caused it.
// Reception fans out: the mux runs one underlying read sized to the
// shortest outstanding request and copies the bytes into every receiving
// device's buffer at its own position.
package vuart

import (
	"sync"

	"periphmux-go/deferred"
	"periphmux-go/errcode"
	"periphmux-go/hil"
)

// RxBufLen is the default size of the mux's shared receive buffer.
const RxBufLen = 64

type rxState uint8

const (
	rxIdle rxState = iota
	rxReceiving
	rxAborting
)

// MuxUart owns one hil.UartController exclusively.
type MuxUart struct {
	mu sync.Mutex

	uart hil.UartController

	// Head-insertion, append-only registration.
	devices []*UartDevice

	inflight *UartDevice

	// rxBuf is the shared hardware receive buffer; nil while an underlying
	// receive is ongoing.
	rxBuf []byte
	// completing defers underlying receive restarts issued from inside
	// ReceivedBuffer until every client callback has run.
	completing bool

	dc *deferred.Handle
}

// NewMuxUart wires the mux to its controller and deferred dispatcher.
// rxBuf may be nil to allocate a RxBufLen buffer.
func NewMuxUart(uart hil.UartController, rxBuf []byte, d *deferred.Dispatcher) *MuxUart {
	if rxBuf == nil {
		rxBuf = make([]byte, RxBufLen)
	}
	m := &MuxUart{uart: uart, rxBuf: rxBuf}
	m.dc = d.Register(m.doNextOp)
	uart.SetTransmitClient(m)
	uart.SetReceiveClient(m)
	return m
}

var (
	_ hil.UartTxClient = (*MuxUart)(nil)
	_ hil.UartRxClient = (*MuxUart)(nil)
)

// TransmittedBuffer is the hardware transmit completion upcall.
func (m *MuxUart) TransmittedBuffer(buf []byte, n int, err error) {
	m.mu.Lock()
	d := m.inflight
	m.inflight = nil
	if d != nil {
		d.transmitting = false
	}
	m.mu.Unlock()

	if d != nil && d.txClient != nil {
		d.txClient.TransmittedBuffer(buf, n, err)
	}
	m.doNextOp()
}

// doNextOp dispatches the next pending transmit, head-first over the
// device list. Dispatch-time rejections are delivered here, which is
// always outside the submit stack because submits only schedule.
func (m *MuxUart) doNextOp() {
	for {
		m.mu.Lock()
		if m.inflight != nil {
			m.mu.Unlock()
			return
		}
		var d *UartDevice
		for _, c := range m.devices {
			if c.txPending {
				d = c
				break
			}
		}
		if d == nil {
			m.mu.Unlock()
			return
		}
		buf, n := d.txBuf, d.txLen
		d.txPending, d.txBuf = false, nil

		if err := m.uart.TransmitBuffer(buf, n); err != nil {
			d.transmitting = false
			m.mu.Unlock()
			if d.txClient != nil {
				d.txClient.TransmittedBuffer(buf, 0, err)
			}
			continue
		}
		m.inflight = d
		m.mu.Unlock()
		return
	}
}

// startReceiveLocked starts (or arranges) an underlying receive of up to
// n bytes. Three cases:
//  1. mid-completion: ReceivedBuffer restarts reads itself, do nothing;
//  2. a receive is ongoing: abort it so the completion handler can
//     recalculate the shortest outstanding length;
//  3. idle: start reading now.
func (m *MuxUart) startReceiveLocked(n int) error {
	if m.rxBuf == nil {
		if m.completing {
			return nil
		}
		m.uart.ReceiveAbort()
		return nil
	}
	buf := m.rxBuf
	if n > len(buf) {
		n = len(buf)
	}
	m.rxBuf = nil
	if err := m.uart.ReceiveBuffer(buf, n); err != nil {
		m.rxBuf = buf
		return err
	}
	return nil
}

// ReceivedBuffer is the hardware receive completion upcall. The bytes are
// copied into every receiving device first, then completion callbacks run,
// then the underlying receive restarts for the shortest outstanding read,
// including reads issued from inside the callbacks.
func (m *MuxUart) ReceivedBuffer(buffer []byte, rxLen int, err error) {
	m.mu.Lock()
	m.completing = true
	nextReadLen := len(buffer)
	readPending := false

	for _, d := range m.devices {
		if !d.receiver || d.rxBuf == nil {
			continue
		}
		if d.state == rxReceiving || d.state == rxAborting {
			pos := d.rxPos
			n := d.rxLen - pos
			if rxLen < n {
				n = rxLen
			}
			copy(d.rxBuf[pos:pos+n], buffer[:n])
			d.rxPos = pos + n
		}
	}

	for _, d := range m.devices {
		if !d.receiver || d.rxBuf == nil {
			continue
		}
		pos := d.rxPos
		remaining := d.rxLen - pos
		switch {
		case remaining == 0:
			m.finishReadLocked(d, pos, err)
			if d.state == rxReceiving {
				readPending = true
				if d.rxLen < nextReadLen {
					nextReadLen = d.rxLen
				}
			}
		case d.state == rxAborting:
			m.finishReadLocked(d, pos, errcode.Cancel)
			if d.state == rxReceiving {
				readPending = true
				if d.rxLen < nextReadLen {
					nextReadLen = d.rxLen
				}
			}
		default:
			readPending = true
			if remaining < nextReadLen {
				nextReadLen = remaining
			}
		}
	}

	// Replace the shared buffer only after all callbacks ran, so a client
	// re-arming from its callback cannot start an underlying receive early.
	m.rxBuf = buffer
	m.completing = false

	if readPending {
		if serr := m.startReceiveLocked(nextReadLen); serr != nil {
			var failed []*UartDevice
			var lens []int
			var bufs [][]byte
			for _, d := range m.devices {
				if d.receiver && d.rxBuf != nil && d.state == rxReceiving {
					d.state = rxIdle
					failed = append(failed, d)
					lens = append(lens, d.rxPos)
					bufs = append(bufs, d.rxBuf)
					d.rxBuf = nil
				}
			}
			m.mu.Unlock()
			for i, d := range failed {
				if d.rxClient != nil {
					d.rxClient.ReceivedBuffer(bufs[i], lens[i], serr)
				}
			}
			return
		}
	}
	m.mu.Unlock()
}

// finishReadLocked hands the device's buffer back through its client,
// dropping the mux lock around the callback so the client may re-arm.
func (m *MuxUart) finishReadLocked(d *UartDevice, n int, err error) {
	buf := d.rxBuf
	d.rxBuf = nil
	d.state = rxIdle
	m.mu.Unlock()
	if d.rxClient != nil {
		d.rxClient.ReceivedBuffer(buf, n, err)
	}
	m.mu.Lock()
}

// -----------------------------------------------------------------------------
// UartDevice
// -----------------------------------------------------------------------------

// UartDevice is one logical consumer of the shared UART. Transmit-only
// users should be created with receiver=false so incoming bytes are never
// copied for them.
type UartDevice struct {
	mux      *MuxUart
	receiver bool

	txPending    bool
	transmitting bool
	txBuf        []byte
	txLen        int

	state rxState
	rxBuf []byte
	rxPos int
	rxLen int

	txClient hil.UartTxClient
	rxClient hil.UartRxClient
}

func NewUartDevice(m *MuxUart, receiver bool) *UartDevice {
	return &UartDevice{mux: m, receiver: receiver}
}

// SetClients installs the completion sinks and registers the device with
// the mux. Bring-up only; registration is append-only. Either client may
// be nil.
func (d *UartDevice) SetClients(tx hil.UartTxClient, rx hil.UartRxClient) {
	m := d.mux
	m.mu.Lock()
	d.txClient = tx
	d.rxClient = rx
	m.devices = append([]*UartDevice{d}, m.devices...)
	m.mu.Unlock()
}

// TransmitBuffer queues buf[:n] for transmission. The caller gives up buf
// until TransmittedBuffer hands it back; a second call while one is
// outstanding returns errcode.Busy.
func (d *UartDevice) TransmitBuffer(buf []byte, n int) error {
	m := d.mux
	m.mu.Lock()
	if d.transmitting {
		m.mu.Unlock()
		return errcode.Busy
	}
	d.transmitting = true
	d.txPending = true
	d.txBuf, d.txLen = buf, n
	m.dc.Schedule()
	m.mu.Unlock()
	return nil
}

// ReceiveBuffer arms a read of n bytes into buf. The read completes when
// n bytes have arrived, on abort, or on a hardware error, always through
// the receive client.
func (d *UartDevice) ReceiveBuffer(buf []byte, n int) error {
	m := d.mux
	m.mu.Lock()
	if d.rxBuf != nil {
		m.mu.Unlock()
		return errcode.Busy
	}
	if n > len(buf) {
		m.mu.Unlock()
		return errcode.Size
	}
	d.rxBuf, d.rxLen, d.rxPos = buf, n, 0
	d.state = rxIdle
	if err := m.startReceiveLocked(n); err != nil {
		d.rxBuf = nil
		m.mu.Unlock()
		return err
	}
	d.state = rxReceiving
	m.mu.Unlock()
	return nil
}

// ReceiveAbort cuts this device's read short; other devices' reads
// continue. The partial buffer comes back through the receive client with
// errcode.Cancel, so ReceiveAbort itself returns errcode.Busy.
func (d *UartDevice) ReceiveAbort() error {
	m := d.mux
	m.mu.Lock()
	d.state = rxAborting
	m.mu.Unlock()
	m.uart.ReceiveAbort()
	return errcode.Busy
}
