// Package hil defines the hardware interface layer consumed by the
// virtualizers under virtual/. Register-level drivers implement these
// contracts; the muxes are their only direct callers.
package hil

// I2CController is the master-side contract for one physical I2C bus.
//
// The submit entry points never block: they either accept the transaction
// and return nil, in which case exactly one CommandComplete follows from an
// asynchronous context, or they reject it immediately with an error, in
// which case the buffer stays with the caller and no completion ever
// arrives for that request. The caller must not touch buf between a nil
// return and the matching completion.
type I2CController interface {
	Enable()
	Disable()

	// Write sends buf[:n] to addr.
	Write(addr uint8, buf []byte, n int) error
	// Read fills buf[:n] from addr.
	Read(addr uint8, buf []byte, n int) error
	// WriteRead sends buf[:wlen] then reads rlen bytes into the front of
	// buf without releasing the bus.
	WriteRead(addr uint8, buf []byte, wlen, rlen int) error

	// SetClient installs the single completion sink. Called once during
	// bring-up, before any submit.
	SetClient(I2CClient)
}

// SMBusController mirrors I2CController for a secondary SMBus-capable
// peripheral. Completions are delivered to its own client, installed once
// at bring-up.
type SMBusController interface {
	SMBusWrite(addr uint8, buf []byte, n int) error
	SMBusRead(addr uint8, buf []byte, n int) error
	SMBusWriteRead(addr uint8, buf []byte, wlen, rlen int) error
	SetSMBusClient(I2CClient)
}

// I2CClient receives the single completion upcall per accepted request.
// buf is the buffer handed to the submit call; err is nil on success.
type I2CClient interface {
	CommandComplete(buf []byte, err error)
}
