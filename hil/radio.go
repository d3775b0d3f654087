package hil

// Frame is one IEEE 802.15.4 MAC frame. Whoever holds the Frame owns Buf
// exclusively; ownership travels client -> mux -> controller and returns
// through SendDone.
type Frame struct {
	Buf []byte
	Len int
}

// MacController is the transmit/receive contract for one physical radio.
// Transmit follows the same accept-or-reject rule as I2CController: nil
// means exactly one SendDone will follow; an error means the frame stays
// with the caller and nothing follows.
type MacController interface {
	Enable()
	Disable()

	Transmit(f *Frame) error

	SetTransmitClient(TxClient)
	SetReceiveClient(RxClient)
}

// TxClient receives transmit completions. acked reports link-layer
// acknowledgement when the radio requested one.
type TxClient interface {
	SendDone(f *Frame, acked bool, err error)
}

// RxClient receives incoming frames. The frame buffer is only valid for
// the duration of the call.
type RxClient interface {
	FrameReceived(f *Frame)
}
