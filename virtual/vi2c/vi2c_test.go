package vi2c

import (
	"testing"

	"periphmux-go/deferred"
	"periphmux-go/errcode"
	"periphmux-go/hil"
)

// fakeController records accepted submissions and lets the test fire the
// completion upcall by hand, standing in for interrupt context.
type fakeController struct {
	client     hil.I2CClient
	enables    int
	disables   int
	rejectNext error
	subs       []fakeSub
	done       int
}

type fakeSub struct {
	kind       string
	addr       uint8
	buf        []byte
	wlen, rlen int
}

func (f *fakeController) accept(kind string, addr uint8, buf []byte, wlen, rlen int) error {
	if f.rejectNext != nil {
		err := f.rejectNext
		f.rejectNext = nil
		return err
	}
	f.subs = append(f.subs, fakeSub{kind, addr, buf, wlen, rlen})
	return nil
}

func (f *fakeController) Enable()  { f.enables++ }
func (f *fakeController) Disable() { f.disables++ }
func (f *fakeController) Write(addr uint8, buf []byte, n int) error {
	return f.accept("write", addr, buf, n, 0)
}
func (f *fakeController) Read(addr uint8, buf []byte, n int) error {
	return f.accept("read", addr, buf, 0, n)
}
func (f *fakeController) WriteRead(addr uint8, buf []byte, wlen, rlen int) error {
	return f.accept("write_read", addr, buf, wlen, rlen)
}
func (f *fakeController) SetClient(c hil.I2CClient) { f.client = c }

// complete fires the completion for the oldest accepted submission.
func (f *fakeController) complete(t *testing.T, err error) fakeSub {
	t.Helper()
	if f.done >= len(f.subs) {
		t.Fatal("complete: nothing in flight")
	}
	rec := f.subs[f.done]
	f.done++
	f.client.CommandComplete(rec.buf, err)
	return rec
}

func (f *fakeController) accepted() int { return len(f.subs) }

// fakeSMBus adds the secondary-bus entry points on top of fakeController.
type fakeSMBus struct {
	fakeController
}

func (f *fakeSMBus) SMBusWrite(addr uint8, buf []byte, n int) error {
	return f.accept("smbus_write", addr, buf, n, 0)
}
func (f *fakeSMBus) SMBusRead(addr uint8, buf []byte, n int) error {
	return f.accept("smbus_read", addr, buf, 0, n)
}
func (f *fakeSMBus) SMBusWriteRead(addr uint8, buf []byte, wlen, rlen int) error {
	return f.accept("smbus_write_read", addr, buf, wlen, rlen)
}
func (f *fakeSMBus) SetSMBusClient(c hil.I2CClient) { f.client = c }

type fakeClient struct {
	bufs       [][]byte
	errs       []error
	onComplete func()
}

func (c *fakeClient) CommandComplete(buf []byte, err error) {
	c.bufs = append(c.bufs, buf)
	c.errs = append(c.errs, err)
	if c.onComplete != nil {
		c.onComplete()
	}
}

func newMux(t *testing.T) (*MuxI2C, *fakeController, *deferred.Dispatcher) {
	t.Helper()
	fc := &fakeController{}
	dc := deferred.NewDispatcher()
	return NewMuxI2C(fc, nil, dc), fc, dc
}

func addDevice(m *MuxI2C, addr uint8) (*I2CDevice, *fakeClient) {
	d := NewI2CDevice(m, addr)
	c := &fakeClient{}
	d.SetClient(c)
	return d, c
}

// Scenario: A in flight, B queues, completion of A hands the bus to B.
func TestQueueBehindInflight(t *testing.T) {
	m, fc, _ := newMux(t)
	a, ca := addDevice(m, 0x10)
	b, cb := addDevice(m, 0x20)

	bufA := make([]byte, 8)
	if err := a.Write(bufA, 5); err != nil {
		t.Fatalf("A write: %v", err)
	}
	if fc.accepted() != 1 || fc.subs[0].kind != "write" || fc.subs[0].wlen != 5 {
		t.Fatalf("A not dispatched synchronously: %+v", fc.subs)
	}
	if !m.Stats().Inflight {
		t.Fatal("expected an operation in flight")
	}

	bufB := make([]byte, 8)
	if err := b.Write(bufB, 3); err != nil {
		t.Fatalf("B write should be queued, got %v", err)
	}
	if fc.accepted() != 1 {
		t.Fatal("B dispatched while A in flight")
	}
	if got := m.Stats().Queued; got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}

	fc.complete(t, nil)
	if len(ca.errs) != 1 || ca.errs[0] != nil {
		t.Fatalf("A completion missing or wrong: %v", ca.errs)
	}
	if fc.accepted() != 2 || fc.subs[1].wlen != 3 || fc.subs[1].addr != 0x20 {
		t.Fatalf("B not dispatched after A completed: %+v", fc.subs)
	}
	if len(cb.errs) != 0 {
		t.Fatal("B completed before its hardware completion")
	}

	fc.complete(t, nil)
	if len(cb.errs) != 1 || cb.errs[0] != nil {
		t.Fatalf("B completion missing or wrong: %v", cb.errs)
	}
}

// Scenario: an idle mux rejecting the caller's own submission returns the
// failure synchronously and leaves nothing in flight.
func TestImmediateRejectionFastPath(t *testing.T) {
	m, fc, dc := newMux(t)
	c, cc := addDevice(m, 0x42)

	fc.rejectNext = errcode.Fail
	buf := make([]byte, 4)
	if err := c.Read(buf, 4); err != errcode.Fail {
		t.Fatalf("want synchronous Fail, got %v", err)
	}
	if m.Stats().Inflight {
		t.Fatal("rejected operation left the mux busy")
	}
	dc.Service()
	if len(cc.errs) != 0 {
		t.Fatal("no completion upcall should follow an immediate rejection")
	}

	// The device is reusable immediately after the rejection.
	if err := c.Read(buf, 4); err != nil {
		t.Fatalf("retry after rejection: %v", err)
	}
}

func TestBusyLeavesPendingOperationUntouched(t *testing.T) {
	m, fc, _ := newMux(t)
	a, _ := addDevice(m, 0x10)
	b, cb := addDevice(m, 0x20)

	if err := a.Write(make([]byte, 8), 5); err != nil {
		t.Fatalf("A write: %v", err)
	}
	bufB := make([]byte, 8)
	if err := b.Write(bufB, 3); err != nil {
		t.Fatalf("B write: %v", err)
	}
	if err := b.Write(make([]byte, 8), 7); err != errcode.Busy {
		t.Fatalf("second submit on pending node: want Busy, got %v", err)
	}

	fc.complete(t, nil)
	// B's original operation, not the rejected one, reaches the bus.
	if fc.accepted() != 2 || fc.subs[1].wlen != 3 || &fc.subs[1].buf[0] != &bufB[0] {
		t.Fatalf("pending operation was mutated: %+v", fc.subs[1])
	}
	fc.complete(t, nil)
	if len(cb.errs) != 1 {
		t.Fatalf("B completions = %d, want 1", len(cb.errs))
	}
}

// Across simultaneously queued devices the most recently registered one is
// serviced first: registration is head-insertion and the scan starts at
// the head.
func TestMostRecentlyRegisteredServicedFirst(t *testing.T) {
	m, fc, _ := newMux(t)
	a, ca := addDevice(m, 0x0a)
	b, cb := addDevice(m, 0x0b)
	c, cc := addDevice(m, 0x0c)

	// c is at the head; use it to occupy the bus.
	bufC := make([]byte, 4)
	if err := c.Write(bufC, 1); err != nil {
		t.Fatal(err)
	}
	bufA := make([]byte, 4)
	bufB := make([]byte, 4)
	if err := a.Write(bufA, 2); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(bufB, 3); err != nil {
		t.Fatal(err)
	}

	fc.complete(t, nil) // c done; b (registered after a) must win
	if fc.subs[1].addr != 0x0b {
		t.Fatalf("expected device 0x0b next, got %#x", fc.subs[1].addr)
	}
	fc.complete(t, nil)
	if fc.subs[2].addr != 0x0a {
		t.Fatalf("expected device 0x0a last, got %#x", fc.subs[2].addr)
	}
	fc.complete(t, nil)

	// Identity preservation: each completion reached its own client with
	// its own buffer.
	if len(ca.bufs) != 1 || &ca.bufs[0][0] != &bufA[0] {
		t.Fatal("A received a foreign buffer")
	}
	if len(cb.bufs) != 1 || &cb.bufs[0][0] != &bufB[0] {
		t.Fatal("B received a foreign buffer")
	}
	if len(cc.bufs) != 1 || &cc.bufs[0][0] != &bufC[0] {
		t.Fatal("C received a foreign buffer")
	}
}

func TestAtMostOneInflight(t *testing.T) {
	m, fc, _ := newMux(t)
	devs := make([]*I2CDevice, 0, 4)
	for i := 0; i < 4; i++ {
		d, _ := addDevice(m, uint8(0x30+i))
		devs = append(devs, d)
	}
	for _, d := range devs {
		_ = d.Write(make([]byte, 4), 1)
	}
	// Exactly one submission reached the hardware regardless of how many
	// devices raced their requests.
	if fc.accepted()-fc.done != 1 {
		t.Fatalf("in flight = %d, want 1", fc.accepted()-fc.done)
	}
	for range devs {
		if fc.accepted()-fc.done != 1 {
			t.Fatalf("in flight = %d, want 1", fc.accepted()-fc.done)
		}
		fc.complete(t, nil)
	}
	if fc.accepted() != 4 {
		t.Fatalf("accepted = %d, want 4", fc.accepted())
	}
}

// A rejection of a queued device's operation is delivered through the
// deferred call, never from the stack that triggered the dispatch.
func TestQueuedRejectionDeliveredDeferred(t *testing.T) {
	m, fc, dc := newMux(t)
	a, ca := addDevice(m, 0x10)
	b, cb := addDevice(m, 0x20)

	if err := a.Write(make([]byte, 4), 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(make([]byte, 4), 2); err != nil {
		t.Fatal(err)
	}

	// Completing A tries to dispatch B; the controller rejects it.
	fc.rejectNext = errcode.AddrNak
	fc.complete(t, nil)
	if len(ca.errs) != 1 {
		t.Fatal("A completion lost")
	}
	if len(cb.errs) != 0 {
		t.Fatal("B's rejection was delivered synchronously")
	}

	// While B's parked rejection awaits the deferred call, a fresh submit
	// must queue behind it rather than dispatch.
	bufA2 := make([]byte, 4)
	if err := a.Write(bufA2, 3); err != nil {
		t.Fatalf("A resubmit: %v", err)
	}
	if fc.accepted() != 1 {
		t.Fatal("submit jumped ahead of a parked deferred result")
	}

	dc.Service()
	if len(cb.errs) != 1 || cb.errs[0] != errcode.AddrNak {
		t.Fatalf("B rejection not delivered via deferred call: %v", cb.errs)
	}
	// The deferred pass then drains the queue: A's second op dispatches.
	if fc.accepted() != 2 || fc.subs[1].wlen != 3 {
		t.Fatalf("queue not continued after deferred delivery: %+v", fc.subs)
	}
	fc.complete(t, nil)
}

func TestPowerRefcount(t *testing.T) {
	m, fc, _ := newMux(t)
	a, _ := addDevice(m, 0x10)
	b, _ := addDevice(m, 0x20)

	a.Enable()
	a.Enable() // idempotent per device
	b.Enable()
	if fc.enables != 1 {
		t.Fatalf("enables = %d, want 1", fc.enables)
	}
	a.Disable()
	if fc.disables != 0 {
		t.Fatal("powered down before last user released")
	}
	b.Disable()
	if fc.disables != 1 {
		t.Fatalf("disables = %d, want 1", fc.disables)
	}
	if m.Stats().PowerRefs != 0 {
		t.Fatalf("refs = %d, want 0", m.Stats().PowerRefs)
	}
}

func TestSpuriousCompletionIsNoOp(t *testing.T) {
	m, fc, _ := newMux(t)
	d, c := addDevice(m, 0x10)

	m.CommandComplete(nil, nil) // nothing in flight
	if len(c.errs) != 0 {
		t.Fatal("spurious completion reached a client")
	}
	if err := d.Write(make([]byte, 2), 1); err != nil {
		t.Fatalf("mux unusable after spurious completion: %v", err)
	}
	fc.complete(t, nil)
}

// A client may resubmit from inside its own completion callback; the new
// operation joins arbitration normally.
func TestResubmitFromCallback(t *testing.T) {
	m, fc, _ := newMux(t)
	d, c := addDevice(m, 0x10)
	buf := make([]byte, 4)
	c.onComplete = func() {
		if len(c.errs) == 1 {
			if err := d.Write(buf, 2); err != nil {
				t.Errorf("resubmit from callback: %v", err)
			}
		}
	}

	if err := d.Write(buf, 1); err != nil {
		t.Fatal(err)
	}
	fc.complete(t, nil)
	if fc.accepted() != 2 || fc.subs[1].wlen != 2 {
		t.Fatalf("resubmitted operation not dispatched: %+v", fc.subs)
	}
	fc.complete(t, nil)
	if len(c.errs) != 2 {
		t.Fatalf("completions = %d, want 2", len(c.errs))
	}
}

func TestSMBusSharesArbitration(t *testing.T) {
	fs := &fakeSMBus{}
	dc := deferred.NewDispatcher()
	m := NewMuxI2C(&fs.fakeController, fs, dc)

	i2cDev, _ := addDevice(m, 0x10)
	sm := NewSMBusDevice(m, 0x44)
	smc := &fakeClient{}
	sm.SetClient(smc)

	if err := i2cDev.Write(make([]byte, 4), 1); err != nil {
		t.Fatal(err)
	}
	bufS := make([]byte, 4)
	if err := sm.Read(bufS, 4); err != nil {
		t.Fatalf("smbus read should queue: %v", err)
	}
	if fs.accepted() != 1 {
		t.Fatal("smbus op dispatched while i2c op in flight")
	}

	fs.complete(t, nil)
	if fs.accepted() != 2 || fs.subs[1].kind != "smbus_read" || fs.subs[1].addr != 0x44 {
		t.Fatalf("smbus op not dispatched: %+v", fs.subs)
	}
	fs.complete(t, nil)
	if len(smc.bufs) != 1 || &smc.bufs[0][0] != &bufS[0] {
		t.Fatal("smbus completion lost or misrouted")
	}
}

func TestSMBusDeviceWithoutBusPanics(t *testing.T) {
	m, _, _ := newMux(t) // no SMBus wired
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected construction-time panic")
		}
	}()
	NewSMBusDevice(m, 0x44)
}
