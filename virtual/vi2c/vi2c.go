// Package vi2c virtualizes one physical I2C controller (plus an optional
// SMBus-capable secondary) across any number of logical devices.
//
// MuxI2C owns the controller exclusively and arbitrates: at most one
// operation is in flight at a time, each device holds at most one pending
// operation, and completions are relayed to the device that owns them.
// When a device's own submission wins arbitration it is handed to the
// hardware synchronously, so an immediate rejection comes straight back
// from the submit call; operations run on behalf of a queued device are
// always started, and their rejections delivered, through the deferred-call
// dispatcher so a client callback can never nest inside another client's
// submit.
package vi2c

import (
	"sync"

	"periphmux-go/deferred"
	"periphmux-go/errcode"
	"periphmux-go/hil"
)

type opKind uint8

const (
	opIdle opKind = iota
	opWrite
	opRead
	opWriteRead
	// opDone carries a dispatch-time rejection awaiting deferred delivery
	// to the owning device's client.
	opDone
)

type operation struct {
	kind opKind
	wlen int
	rlen int
	err  error
}

// node is the per-device bookkeeping shared by I2CDevice and SMBusDevice.
// op and buf are guarded by the mux lock; client is set once at
// registration and read-only afterwards.
type node struct {
	mux     *MuxI2C
	addr    uint8
	smbus   bool
	enabled bool
	buf     []byte
	op      operation
	client  hil.I2CClient
}

func (n *node) relay(buf []byte, err error) {
	if n.client != nil {
		n.client.CommandComplete(buf, err)
	}
}

// Stats is a point-in-time snapshot of mux activity.
type Stats struct {
	Inflight   bool
	Queued     int
	Dispatched uint64
	Completed  uint64
	Rejected   uint64
	Busy       uint64
	PowerRefs  int
}

// MuxI2C arbitrates one hil.I2CController (and optionally one
// hil.SMBusController sharing its power domain) between registered
// devices. Construct it once at bring-up; it registers itself as the
// completion client of both controllers.
type MuxI2C struct {
	mu sync.Mutex

	ctrl  hil.I2CController
	smbus hil.SMBusController

	// Registration is head-insertion and append-only, and the dispatch
	// scan starts from the head, so among simultaneously queued devices
	// the most recently registered one is serviced first.
	devices      []*node
	smbusDevices []*node

	inflight *node
	refs     int

	dc    *deferred.Handle
	stats Stats
}

// NewMuxI2C wires the mux to its controllers and deferred dispatcher.
// smbus may be nil when the board has no secondary bus.
func NewMuxI2C(ctrl hil.I2CController, smbus hil.SMBusController, d *deferred.Dispatcher) *MuxI2C {
	m := &MuxI2C{ctrl: ctrl, smbus: smbus}
	m.dc = d.Register(m.doNextOp)
	ctrl.SetClient(m)
	if smbus != nil {
		smbus.SetSMBusClient(m)
	}
	return m
}

// CommandComplete is the single hardware completion upcall. A completion
// with nothing in flight is treated as spurious and ignored apart from
// continuing the queue.
func (m *MuxI2C) CommandComplete(buf []byte, err error) {
	m.mu.Lock()
	n := m.inflight
	m.inflight = nil
	if n != nil {
		m.stats.Completed++
	}
	m.mu.Unlock()

	if n != nil {
		n.relay(buf, err)
	}
	m.doNextOp()
}

// Stats returns a snapshot of mux activity.
func (m *MuxI2C) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Inflight = m.inflight != nil
	s.PowerRefs = m.refs
	for _, n := range m.devices {
		if n.op.kind != opIdle {
			s.Queued++
		}
	}
	for _, n := range m.smbusDevices {
		if n.op.kind != opIdle {
			s.Queued++
		}
	}
	return s
}

// submit queues op on n and tries to dispatch it. Called on the device's
// goroutine; returns Busy, an immediate hardware rejection, or nil for
// accepted/queued.
func (m *MuxI2C) submit(n *node, op operation, buf []byte) error {
	m.mu.Lock()
	if n.op.kind != opIdle {
		m.stats.Busy++
		m.mu.Unlock()
		return errcode.Busy
	}
	n.op, n.buf = op, buf

	if m.inflight != nil {
		// Queued behind the running operation.
		m.mu.Unlock()
		return nil
	}
	next := m.nextPendingLocked()
	if next != n {
		// An earlier-queued device wins the scan; run it outside this
		// call stack.
		m.dc.Schedule()
		m.mu.Unlock()
		return nil
	}

	// Fast path: the caller's own operation is the one chosen, so the
	// hardware result comes straight back without a deferred round trip.
	n.op, n.buf = operation{}, nil
	if err := m.startLocked(n, op, buf); err != nil {
		m.stats.Rejected++
		m.mu.Unlock()
		return err
	}
	m.inflight = n
	m.stats.Dispatched++
	m.mu.Unlock()
	return nil
}

// doNextOp drains the queue while the mux is idle. It is both the
// synchronous continuation called after completions and the deferred-call
// handler. Deferred rejection results (opDone) are delivered here, outside
// the submit stack that produced them.
func (m *MuxI2C) doNextOp() {
	for {
		m.mu.Lock()
		if m.inflight != nil {
			m.mu.Unlock()
			return
		}
		n := m.nextPendingLocked()
		if n == nil {
			m.mu.Unlock()
			return
		}
		op, buf := n.op, n.buf
		n.op, n.buf = operation{}, nil

		if op.kind == opDone {
			m.mu.Unlock()
			n.relay(buf, op.err)
			continue
		}

		if err := m.startLocked(n, op, buf); err != nil {
			// Rejection on behalf of a queued device: park the result on
			// the node and deliver it from the deferred context.
			n.op = operation{kind: opDone, err: err}
			n.buf = buf
			m.stats.Rejected++
			m.dc.Schedule()
			m.mu.Unlock()
			return
		}
		m.inflight = n
		m.stats.Dispatched++
		m.mu.Unlock()
		return
	}
}

// nextPendingLocked scans I2C devices head-first, then SMBus devices.
func (m *MuxI2C) nextPendingLocked() *node {
	for _, n := range m.devices {
		if n.op.kind != opIdle {
			return n
		}
	}
	for _, n := range m.smbusDevices {
		if n.op.kind != opIdle {
			return n
		}
	}
	return nil
}

func (m *MuxI2C) startLocked(n *node, op operation, buf []byte) error {
	if n.smbus {
		switch op.kind {
		case opWrite:
			return m.smbus.SMBusWrite(n.addr, buf, op.wlen)
		case opRead:
			return m.smbus.SMBusRead(n.addr, buf, op.rlen)
		default:
			return m.smbus.SMBusWriteRead(n.addr, buf, op.wlen, op.rlen)
		}
	}
	switch op.kind {
	case opWrite:
		return m.ctrl.Write(n.addr, buf, op.wlen)
	case opRead:
		return m.ctrl.Read(n.addr, buf, op.rlen)
	default:
		return m.ctrl.WriteRead(n.addr, buf, op.wlen, op.rlen)
	}
}

func (m *MuxI2C) enableRef() {
	m.mu.Lock()
	m.refs++
	first := m.refs == 1
	m.mu.Unlock()
	if first {
		m.ctrl.Enable()
	}
}

func (m *MuxI2C) disableRef() {
	m.mu.Lock()
	m.refs--
	last := m.refs == 0
	m.mu.Unlock()
	if last {
		m.ctrl.Disable()
	}
}

// -----------------------------------------------------------------------------
// I2CDevice
// -----------------------------------------------------------------------------

// I2CDevice is one logical consumer of the shared bus, bound to a fixed
// address. It holds at most one pending operation; a second submit while
// one is pending returns errcode.Busy and leaves the pending operation
// untouched.
type I2CDevice struct {
	node
}

var _ hil.I2CClient = (*MuxI2C)(nil)

func NewI2CDevice(m *MuxI2C, addr uint8) *I2CDevice {
	return &I2CDevice{node: node{mux: m, addr: addr}}
}

// SetClient installs the completion sink and registers the device with the
// mux. Bring-up only, before any submit; registration is append-only for
// the lifetime of the system.
func (d *I2CDevice) SetClient(c hil.I2CClient) {
	m := d.mux
	m.mu.Lock()
	d.client = c
	m.devices = append([]*node{&d.node}, m.devices...)
	m.mu.Unlock()
}

// Enable powers the bus up if this device is its first active user.
// Idempotent per device.
func (d *I2CDevice) Enable() {
	m := d.mux
	m.mu.Lock()
	if d.enabled {
		m.mu.Unlock()
		return
	}
	d.enabled = true
	m.mu.Unlock()
	m.enableRef()
}

// Disable releases this device's power reference; the bus powers down when
// the last active device releases.
func (d *I2CDevice) Disable() {
	m := d.mux
	m.mu.Lock()
	if !d.enabled {
		m.mu.Unlock()
		return
	}
	d.enabled = false
	m.mu.Unlock()
	m.disableRef()
}

// Write submits buf[:n] to the device address. The caller gives up buf
// until the completion callback (or an immediate error) returns it.
func (d *I2CDevice) Write(buf []byte, n int) error {
	return d.mux.submit(&d.node, operation{kind: opWrite, wlen: n}, buf)
}

// Read submits a read of n bytes into buf.
func (d *I2CDevice) Read(buf []byte, n int) error {
	return d.mux.submit(&d.node, operation{kind: opRead, rlen: n}, buf)
}

// WriteRead submits a write of buf[:wlen] followed by a repeated-start
// read of rlen bytes into the front of buf.
func (d *I2CDevice) WriteRead(buf []byte, wlen, rlen int) error {
	return d.mux.submit(&d.node, operation{kind: opWriteRead, wlen: wlen, rlen: rlen}, buf)
}

// -----------------------------------------------------------------------------
// SMBusDevice
// -----------------------------------------------------------------------------

// SMBusDevice is a logical consumer of the secondary SMBus. Its operations
// are arbitrated together with the I2C devices: the bus carries at most one
// operation at a time across both kinds.
type SMBusDevice struct {
	node
}

// NewSMBusDevice panics when the mux has no SMBus controller wired up:
// that is a configuration error no runtime path can recover from.
func NewSMBusDevice(m *MuxI2C, addr uint8) *SMBusDevice {
	if m.smbus == nil {
		panic("vi2c: mux has no SMBus controller wired")
	}
	return &SMBusDevice{node: node{mux: m, addr: addr, smbus: true}}
}

func (d *SMBusDevice) SetClient(c hil.I2CClient) {
	m := d.mux
	m.mu.Lock()
	d.client = c
	m.smbusDevices = append([]*node{&d.node}, m.smbusDevices...)
	m.mu.Unlock()
}

func (d *SMBusDevice) Enable() {
	m := d.mux
	m.mu.Lock()
	if d.enabled {
		m.mu.Unlock()
		return
	}
	d.enabled = true
	m.mu.Unlock()
	m.enableRef()
}

func (d *SMBusDevice) Disable() {
	m := d.mux
	m.mu.Lock()
	if !d.enabled {
		m.mu.Unlock()
		return
	}
	d.enabled = false
	m.mu.Unlock()
	m.disableRef()
}

func (d *SMBusDevice) Write(buf []byte, n int) error {
	return d.mux.submit(&d.node, operation{kind: opWrite, wlen: n}, buf)
}

func (d *SMBusDevice) Read(buf []byte, n int) error {
	return d.mux.submit(&d.node, operation{kind: opRead, rlen: n}, buf)
}

func (d *SMBusDevice) WriteRead(buf []byte, wlen, rlen int) error {
	return d.mux.submit(&d.node, operation{kind: opWriteRead, wlen: wlen, rlen: rlen}, buf)
}
