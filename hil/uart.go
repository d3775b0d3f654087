package hil

// UartController is the contract for one physical UART. Both entry points
// follow the accept-or-reject rule: nil means exactly one completion
// follows from asynchronous context, an error means the buffer stays with
// the caller.
type UartController interface {
	// TransmitBuffer sends buf[:n].
	TransmitBuffer(buf []byte, n int) error
	// ReceiveBuffer fills buf[:n]; the controller may complete early with
	// fewer bytes on a hardware error.
	ReceiveBuffer(buf []byte, n int) error
	// ReceiveAbort cuts a pending receive short. The bytes read so far are
	// still delivered through the receive client.
	ReceiveAbort() error

	SetTransmitClient(UartTxClient)
	SetReceiveClient(UartRxClient)
}

type UartTxClient interface {
	TransmittedBuffer(buf []byte, n int, err error)
}

type UartRxClient interface {
	ReceivedBuffer(buf []byte, n int, err error)
}
