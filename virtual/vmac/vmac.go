// Package vmac virtualizes one IEEE 802.15.4 radio across multiple logical
// MAC users. Transmission is arbitrated exactly like the I2C mux: one frame
// in flight, one pending frame per user, head-first scan over the
// head-inserted user list. Reception is not arbitrated: every registered
// user sees every incoming frame.
package vmac

import (
	"sync"

	"periphmux-go/deferred"
	"periphmux-go/errcode"
	"periphmux-go/hil"
)

type opKind uint8

const (
	opIdle opKind = iota
	opTransmit
	// opDone parks a dispatch-time rejection for deferred delivery.
	opDone
)

// Stats is a point-in-time snapshot of mux activity.
type Stats struct {
	Inflight   bool
	Queued     int
	Dispatched uint64
	Completed  uint64
	Rejected   uint64
	Busy       uint64
	Received   uint64
	PowerRefs  int
}

// MuxMac owns the radio exclusively and relays its completion and receive
// upcalls to the owning users.
type MuxMac struct {
	mu sync.Mutex

	ctrl hil.MacController

	// Head-insertion, append-only. Most recently registered user wins
	// ties among simultaneously pending frames.
	users []*MacUser

	inflight *MacUser
	refs     int

	dc    *deferred.Handle
	stats Stats
}

func NewMuxMac(ctrl hil.MacController, d *deferred.Dispatcher) *MuxMac {
	m := &MuxMac{ctrl: ctrl}
	m.dc = d.Register(m.doNextOp)
	ctrl.SetTransmitClient(m)
	ctrl.SetReceiveClient(m)
	return m
}

var (
	_ hil.TxClient = (*MuxMac)(nil)
	_ hil.RxClient = (*MuxMac)(nil)
)

// SendDone is the radio's transmit completion upcall. Spurious completions
// are ignored apart from continuing the queue.
func (m *MuxMac) SendDone(f *hil.Frame, acked bool, err error) {
	m.mu.Lock()
	u := m.inflight
	m.inflight = nil
	if u != nil {
		m.stats.Completed++
	}
	m.mu.Unlock()

	if u != nil && u.txClient != nil {
		u.txClient.SendDone(f, acked, err)
	}
	m.doNextOp()
}

// FrameReceived fans an incoming frame out to every registered user. The
// frame buffer is only valid for the duration of the upcall, so users must
// copy what they keep.
func (m *MuxMac) FrameReceived(f *hil.Frame) {
	m.mu.Lock()
	m.stats.Received++
	users := make([]*MacUser, len(m.users))
	copy(users, m.users)
	m.mu.Unlock()

	for _, u := range users {
		if u.rxClient != nil {
			u.rxClient.FrameReceived(f)
		}
	}
}

func (m *MuxMac) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Inflight = m.inflight != nil
	s.PowerRefs = m.refs
	for _, u := range m.users {
		if u.op != opIdle {
			s.Queued++
		}
	}
	return s
}

func (m *MuxMac) submit(u *MacUser, f *hil.Frame) error {
	m.mu.Lock()
	if u.op != opIdle {
		m.stats.Busy++
		m.mu.Unlock()
		return errcode.Busy
	}
	u.op, u.frame = opTransmit, f

	if m.inflight != nil {
		m.mu.Unlock()
		return nil
	}
	next := m.nextPendingLocked()
	if next != u {
		m.dc.Schedule()
		m.mu.Unlock()
		return nil
	}

	u.op, u.frame = opIdle, nil
	if err := m.ctrl.Transmit(f); err != nil {
		m.stats.Rejected++
		m.mu.Unlock()
		return err
	}
	m.inflight = u
	m.stats.Dispatched++
	m.mu.Unlock()
	return nil
}

func (m *MuxMac) doNextOp() {
	for {
		m.mu.Lock()
		if m.inflight != nil {
			m.mu.Unlock()
			return
		}
		u := m.nextPendingLocked()
		if u == nil {
			m.mu.Unlock()
			return
		}
		op, f := u.op, u.frame
		doneErr := u.doneErr
		u.op, u.frame, u.doneErr = opIdle, nil, nil

		if op == opDone {
			m.mu.Unlock()
			if u.txClient != nil {
				u.txClient.SendDone(f, false, doneErr)
			}
			continue
		}

		if err := m.ctrl.Transmit(f); err != nil {
			u.op, u.frame, u.doneErr = opDone, f, err
			m.stats.Rejected++
			m.dc.Schedule()
			m.mu.Unlock()
			return
		}
		m.inflight = u
		m.stats.Dispatched++
		m.mu.Unlock()
		return
	}
}

func (m *MuxMac) nextPendingLocked() *MacUser {
	for _, u := range m.users {
		if u.op != opIdle {
			return u
		}
	}
	return nil
}

func (m *MuxMac) enableRef() {
	m.mu.Lock()
	m.refs++
	first := m.refs == 1
	m.mu.Unlock()
	if first {
		m.ctrl.Enable()
	}
}

func (m *MuxMac) disableRef() {
	m.mu.Lock()
	m.refs--
	last := m.refs == 0
	m.mu.Unlock()
	if last {
		m.ctrl.Disable()
	}
}

// -----------------------------------------------------------------------------
// MacUser
// -----------------------------------------------------------------------------

// MacUser is one logical consumer of the shared radio. At most one frame
// may be pending per user; a second Transmit while one is pending returns
// errcode.Busy and leaves the pending frame untouched.
type MacUser struct {
	mux     *MuxMac
	op      opKind
	frame   *hil.Frame
	doneErr error
	enabled bool

	txClient hil.TxClient
	rxClient hil.RxClient
}

func NewMacUser(m *MuxMac) *MacUser {
	return &MacUser{mux: m}
}

// SetClients installs the completion and receive sinks and registers the
// user with the mux. Bring-up only; registration is append-only. rx may be
// nil for transmit-only users.
func (u *MacUser) SetClients(tx hil.TxClient, rx hil.RxClient) {
	m := u.mux
	m.mu.Lock()
	u.txClient = tx
	u.rxClient = rx
	m.users = append([]*MacUser{u}, m.users...)
	m.mu.Unlock()
}

// Enable powers the radio up if this user is its first active consumer.
func (u *MacUser) Enable() {
	m := u.mux
	m.mu.Lock()
	if u.enabled {
		m.mu.Unlock()
		return
	}
	u.enabled = true
	m.mu.Unlock()
	m.enableRef()
}

func (u *MacUser) Disable() {
	m := u.mux
	m.mu.Lock()
	if !u.enabled {
		m.mu.Unlock()
		return
	}
	u.enabled = false
	m.mu.Unlock()
	m.disableRef()
}

// Transmit submits one frame. The caller gives up the frame until SendDone
// (or an immediate error) hands it back.
func (u *MacUser) Transmit(f *hil.Frame) error {
	return u.mux.submit(u, f)
}
