package vuart

import (
	"bytes"
	"testing"

	"periphmux-go/deferred"
	"periphmux-go/errcode"
	"periphmux-go/hil"
)

type fakeUart struct {
	txc hil.UartTxClient
	rxc hil.UartRxClient

	tx       [][]byte
	txLens   []int
	txDone   int
	rejectTx error

	rxBuf    []byte
	rxLen    int
	rxActive bool
	rxStarts []int
	aborts   int
}

func (f *fakeUart) TransmitBuffer(buf []byte, n int) error {
	if f.rejectTx != nil {
		err := f.rejectTx
		f.rejectTx = nil
		return err
	}
	f.tx = append(f.tx, buf)
	f.txLens = append(f.txLens, n)
	return nil
}

func (f *fakeUart) ReceiveBuffer(buf []byte, n int) error {
	f.rxBuf, f.rxLen, f.rxActive = buf, n, true
	f.rxStarts = append(f.rxStarts, n)
	return nil
}

func (f *fakeUart) ReceiveAbort() error {
	f.aborts++
	return nil
}

func (f *fakeUart) SetTransmitClient(c hil.UartTxClient) { f.txc = c }
func (f *fakeUart) SetReceiveClient(c hil.UartRxClient)  { f.rxc = c }

func (f *fakeUart) completeTx(t *testing.T, err error) {
	t.Helper()
	if f.txDone >= len(f.tx) {
		t.Fatal("completeTx: nothing in flight")
	}
	buf, n := f.tx[f.txDone], f.txLens[f.txDone]
	f.txDone++
	f.txc.TransmittedBuffer(buf, n, err)
}

// deliver completes the pending underlying receive with data, as a full
// read or as the partial result of an abort.
func (f *fakeUart) deliver(t *testing.T, data []byte) {
	t.Helper()
	if !f.rxActive {
		t.Fatal("deliver: no underlying receive pending")
	}
	n := len(data)
	if n > f.rxLen {
		t.Fatalf("deliver: %d bytes into a %d byte read", n, f.rxLen)
	}
	copy(f.rxBuf, data)
	buf := f.rxBuf
	f.rxActive = false
	f.rxc.ReceivedBuffer(buf, n, nil)
}

type fakeTxClient struct {
	bufs [][]byte
	lens []int
	errs []error
}

func (c *fakeTxClient) TransmittedBuffer(buf []byte, n int, err error) {
	c.bufs = append(c.bufs, buf)
	c.lens = append(c.lens, n)
	c.errs = append(c.errs, err)
}

type fakeRxClient struct {
	bufs [][]byte
	lens []int
	errs []error
	fn   func(buf []byte, n int, err error)
}

func (c *fakeRxClient) ReceivedBuffer(buf []byte, n int, err error) {
	c.bufs = append(c.bufs, buf)
	c.lens = append(c.lens, n)
	c.errs = append(c.errs, err)
	if c.fn != nil {
		c.fn(buf, n, err)
	}
}

func sameBuf(a, b []byte) bool { return len(a) > 0 && len(b) > 0 && &a[0] == &b[0] }

func TestTransmitArbitration(t *testing.T) {
	f := &fakeUart{}
	dc := deferred.NewDispatcher()
	m := NewMuxUart(f, nil, dc)

	a := NewUartDevice(m, false)
	ca := &fakeTxClient{}
	a.SetClients(ca, nil)
	b := NewUartDevice(m, false)
	cb := &fakeTxClient{}
	b.SetClients(cb, nil)

	ba, bb := []byte("hello"), []byte("world!")
	if err := a.TransmitBuffer(ba, 5); err != nil {
		t.Fatal(err)
	}
	if len(f.tx) != 0 {
		t.Fatal("transmit dispatched synchronously from submit")
	}
	dc.Service()
	if len(f.tx) != 1 || !sameBuf(f.tx[0], ba) {
		t.Fatal("A's buffer not dispatched by the deferred call")
	}

	if err := b.TransmitBuffer(bb, 6); err != nil {
		t.Fatalf("B should queue: %v", err)
	}
	if err := b.TransmitBuffer(bb, 6); err != errcode.Busy {
		t.Fatalf("second transmit: want Busy, got %v", err)
	}
	dc.Service()
	if len(f.tx) != 1 {
		t.Fatal("B dispatched while A in flight")
	}

	f.completeTx(t, nil)
	if len(ca.bufs) != 1 || !sameBuf(ca.bufs[0], ba) || ca.lens[0] != 5 {
		t.Fatalf("A completion wrong: %+v", ca)
	}
	if len(f.tx) != 2 || !sameBuf(f.tx[1], bb) {
		t.Fatal("B's buffer not dispatched after A completed")
	}
	f.completeTx(t, nil)
	if len(cb.bufs) != 1 || !sameBuf(cb.bufs[0], bb) {
		t.Fatalf("B completion wrong: %+v", cb)
	}
}

func TestMostRecentlyRegisteredDispatchedFirst(t *testing.T) {
	f := &fakeUart{}
	dc := deferred.NewDispatcher()
	m := NewMuxUart(f, nil, dc)

	a := NewUartDevice(m, false)
	a.SetClients(&fakeTxClient{}, nil)
	b := NewUartDevice(m, false)
	b.SetClients(&fakeTxClient{}, nil)

	ba, bb := []byte("aa"), []byte("bb")
	if err := a.TransmitBuffer(ba, 2); err != nil {
		t.Fatal(err)
	}
	if err := b.TransmitBuffer(bb, 2); err != nil {
		t.Fatal(err)
	}
	dc.Service()
	if !sameBuf(f.tx[0], bb) {
		t.Fatal("most recently registered device should win the scan")
	}
	f.completeTx(t, nil)
	if len(f.tx) != 2 || !sameBuf(f.tx[1], ba) {
		t.Fatal("earlier registered device not dispatched second")
	}
}

func TestDispatchRejectionDelivered(t *testing.T) {
	f := &fakeUart{}
	dc := deferred.NewDispatcher()
	m := NewMuxUart(f, nil, dc)
	d := NewUartDevice(m, false)
	c := &fakeTxClient{}
	d.SetClients(c, nil)

	buf := []byte("xx")
	f.rejectTx = errcode.Fail
	if err := d.TransmitBuffer(buf, 2); err != nil {
		t.Fatalf("submit only queues, got %v", err)
	}
	dc.Service()
	if len(c.errs) != 1 || c.errs[0] != errcode.Fail || c.lens[0] != 0 {
		t.Fatalf("rejection not delivered through the client: %+v", c)
	}
	if !sameBuf(c.bufs[0], buf) {
		t.Fatal("rejected buffer not handed back")
	}
	// The device is idle again afterwards.
	if err := d.TransmitBuffer(buf, 2); err != nil {
		t.Fatal(err)
	}
}

func TestReceiveFanOutShortestRead(t *testing.T) {
	f := &fakeUart{}
	m := NewMuxUart(f, nil, deferred.NewDispatcher())

	r1 := NewUartDevice(m, true)
	c1 := &fakeRxClient{}
	r1.SetClients(nil, c1)
	r2 := NewUartDevice(m, true)
	c2 := &fakeRxClient{}
	r2.SetClients(nil, c2)

	b1, b2 := make([]byte, 4), make([]byte, 8)
	if err := r1.ReceiveBuffer(b1, 4); err != nil {
		t.Fatal(err)
	}
	if f.rxLen != 4 {
		t.Fatalf("underlying read len = %d, want 4", f.rxLen)
	}
	// The second read aborts the first so the completion handler can
	// recalculate the shortest outstanding length.
	if err := r2.ReceiveBuffer(b2, 8); err != nil {
		t.Fatal(err)
	}
	if f.aborts != 1 {
		t.Fatalf("aborts = %d, want 1", f.aborts)
	}

	f.deliver(t, []byte{1, 2})
	if len(c1.bufs) != 0 || len(c2.bufs) != 0 {
		t.Fatal("partial delivery completed a read early")
	}
	if f.rxLen != 2 {
		t.Fatalf("restart len = %d, want shortest remaining 2", f.rxLen)
	}

	f.deliver(t, []byte{3, 4})
	if len(c1.bufs) != 1 || c1.lens[0] != 4 || !sameBuf(c1.bufs[0], b1) {
		t.Fatalf("r1 completion wrong: %+v", c1)
	}
	if !bytes.Equal(b1, []byte{1, 2, 3, 4}) {
		t.Fatalf("b1 = %v", b1)
	}
	if f.rxLen != 4 {
		t.Fatalf("restart len = %d, want r2's remaining 4", f.rxLen)
	}

	f.deliver(t, []byte{5, 6, 7, 8})
	if len(c2.bufs) != 1 || c2.lens[0] != 8 || !sameBuf(c2.bufs[0], b2) {
		t.Fatalf("r2 completion wrong: %+v", c2)
	}
	if !bytes.Equal(b2, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("b2 = %v", b2)
	}
	if f.rxActive {
		t.Fatal("underlying receive restarted with no outstanding reads")
	}
}

func TestReceiveAbortDeliversPartial(t *testing.T) {
	f := &fakeUart{}
	m := NewMuxUart(f, nil, deferred.NewDispatcher())
	r := NewUartDevice(m, true)
	c := &fakeRxClient{}
	r.SetClients(nil, c)

	buf := make([]byte, 8)
	if err := r.ReceiveBuffer(buf, 8); err != nil {
		t.Fatal(err)
	}
	if err := r.ReceiveAbort(); err != errcode.Busy {
		t.Fatalf("abort should complete asynchronously, got %v", err)
	}
	if f.aborts != 1 {
		t.Fatalf("aborts = %d, want 1", f.aborts)
	}

	f.deliver(t, []byte{9, 9})
	if len(c.errs) != 1 || c.errs[0] != errcode.Cancel || c.lens[0] != 2 {
		t.Fatalf("aborted read completion wrong: %+v", c)
	}
	if !sameBuf(c.bufs[0], buf) {
		t.Fatal("aborted read did not hand the buffer back")
	}
}

func TestRearmFromCallback(t *testing.T) {
	f := &fakeUart{}
	m := NewMuxUart(f, nil, deferred.NewDispatcher())
	r := NewUartDevice(m, true)
	next := make([]byte, 3)
	c := &fakeRxClient{}
	c.fn = func([]byte, int, error) {
		if err := r.ReceiveBuffer(next, 3); err != nil {
			t.Errorf("re-arm from callback: %v", err)
		}
	}
	r.SetClients(nil, c)

	first := make([]byte, 2)
	if err := r.ReceiveBuffer(first, 2); err != nil {
		t.Fatal(err)
	}
	f.deliver(t, []byte{7, 7})
	if len(c.bufs) != 1 {
		t.Fatalf("completions = %d, want 1", len(c.bufs))
	}
	if !f.rxActive || f.rxLen != 3 {
		t.Fatalf("underlying not restarted for the re-armed read: active=%v len=%d", f.rxActive, f.rxLen)
	}
	if got := f.rxStarts; len(got) != 2 {
		t.Fatalf("underlying starts = %v, want exactly 2", got)
	}
}

func TestOversizeReadRejected(t *testing.T) {
	f := &fakeUart{}
	m := NewMuxUart(f, nil, deferred.NewDispatcher())
	r := NewUartDevice(m, true)
	r.SetClients(nil, &fakeRxClient{})

	if err := r.ReceiveBuffer(make([]byte, 2), 5); err != errcode.Size {
		t.Fatalf("want Size, got %v", err)
	}
}
