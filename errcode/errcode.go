package errcode

// Code is a stable error identifier used across the virtualization layer.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK          Code = "ok"
	Busy        Code = "busy"
	Fail        Code = "fail"
	Timeout     Code = "timeout"
	Unsupported Code = "unsupported"
	Cancel      Code = "cancel"
	Size        Code = "size"

	// Hardware-level I2C/SMBus conditions, threaded through the mux
	// unchanged from controller to client.
	AddrNak         Code = "addr_nak"
	DataNak         Code = "data_nak"
	ArbitrationLost Code = "arbitration_lost"
	Overrun         Code = "overrun"

	NotEnabled Code = "not_enabled"
	NoAck      Code = "no_ack" // radio: frame sent but never acknowledged

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	return string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}
