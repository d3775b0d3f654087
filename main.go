// Host demo: one simulated AHT20 behind the full virtualization stack
// (bus worker, I2C mux, alarm mux, UART mux over an in-memory pipe), with
// mux statistics and a heartbeat published on the message bus.
package main

import (
	"context"
	"os"
	"sync"
	"time"

	"periphmux-go/bus"
	"periphmux-go/capsules/aht20"
	"periphmux-go/deferred"
	"periphmux-go/errcode"
	"periphmux-go/hil"
	"periphmux-go/platform/i2cbridge"
	"periphmux-go/platform/tickalarm"
	"periphmux-go/platform/uartbridge"
	"periphmux-go/services/heartbeat"
	"periphmux-go/services/monitor"
	"periphmux-go/virtual/valarm"
	"periphmux-go/virtual/vi2c"
	"periphmux-go/virtual/vuart"
	"periphmux-go/x/fmtx"
)

func main() {
	ctx := context.Background()

	d := deferred.NewDispatcher()
	d.Start(ctx)

	// Simulated AHT20 behind the real bus worker.
	sim := newSimAHT20()
	bridge := i2cbridge.New(sim, 1)
	bridge.Start(ctx)
	mux := vi2c.NewMuxI2C(bridge, nil, d)
	dev := vi2c.NewI2CDevice(mux, aht20.Address)

	// Console: a virtual UART device over an in-memory pipe, drained to
	// stdout from the far end.
	near, far := uartbridge.Pipe()
	umux := vuart.NewMuxUart(near, nil, d)
	console := vuart.NewUartDevice(umux, false)
	cw := newConsoleWriter(console)
	console.SetClients(cw, nil)
	startPipeSink(far)

	clock := tickalarm.New(tickalarm.DefaultHz)
	alarms := valarm.NewMuxAlarm(clock)
	sensorAlarm := valarm.NewVirtualAlarm(alarms)

	sensor := aht20.New(dev, sensorAlarm, hil.Ticks(tickalarm.DefaultHz))
	dev.SetClient(sensor)
	sensorAlarm.SetClient(sensor)
	sensor.SetClient(&reporter{out: cw})

	// Telemetry.
	b := bus.NewBus(8)
	mon := monitor.New(b, monitor.Config{Interval: 2 * time.Second})
	mon.AddSource("i2c", func() any { return mux.Stats() })
	mon.Start(ctx)
	hb := &heartbeat.Service{}
	hb.Start(ctx, b.NewConnection("heartbeat"))

	conn := b.NewConnection("main")
	stats := conn.Subscribe(bus.T("periph", "stats", "+"))
	go func() {
		for m := range stats.Channel() {
			fmtx.Printf("stats %v: %+v\n", m.Topic[len(m.Topic)-1], m.Payload)
		}
	}()

	for {
		if err := sensor.Measure(); err != nil {
			fmtx.Printf("aht20: measure: %v\n", err)
		}
		time.Sleep(2 * time.Second)
	}
}

type reporter struct{ out *consoleWriter }

func (r *reporter) MeasurementDone(s aht20.Sample, err error) {
	if err != nil {
		fmtx.Fprintf(r.out, "aht20: %v\n", err)
		return
	}
	fmtx.Fprintf(r.out, "aht20: %d.%d C  %d.%d %%RH\n",
		s.DeciCelsius()/10, s.DeciCelsius()%10,
		s.DeciRelHumidity()/10, s.DeciRelHumidity()%10)
}

// -----------------------------------------------------------------------------
// Console plumbing
// -----------------------------------------------------------------------------

// consoleWriter turns the async virtual UART device into an io.Writer by
// waiting for each transmit completion.
type consoleWriter struct {
	mu   sync.Mutex
	dev  *vuart.UartDevice
	done chan struct{}
}

func newConsoleWriter(dev *vuart.UartDevice) *consoleWriter {
	return &consoleWriter{dev: dev, done: make(chan struct{}, 1)}
}

func (w *consoleWriter) TransmittedBuffer(buf []byte, n int, err error) {
	select {
	case w.done <- struct{}{}:
	default:
	}
}

func (w *consoleWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := append([]byte(nil), p...)
	if err := w.dev.TransmitBuffer(buf, len(buf)); err != nil {
		return 0, err
	}
	<-w.done
	return len(p), nil
}

// startPipeSink streams the far pipe end to stdout, one byte at a time so
// partial lines flush promptly.
func startPipeSink(end *uartbridge.PipeEnd) {
	sink := &pipeSink{end: end, buf: make([]byte, 1)}
	end.SetReceiveClient(sink)
	_ = end.ReceiveBuffer(sink.buf, 1)
}

type pipeSink struct {
	end *uartbridge.PipeEnd
	buf []byte
}

func (p *pipeSink) ReceivedBuffer(buf []byte, n int, err error) {
	os.Stdout.Write(buf[:n])
	_ = p.end.ReceiveBuffer(p.buf, 1)
}

// -----------------------------------------------------------------------------
// Simulated sensor
// -----------------------------------------------------------------------------

// simAHT20 mimics the sensor's bus protocol: status reads, one-time
// initialization, trigger, and 7-byte measurement reads with slowly
// wandering raw values.
type simAHT20 struct {
	mu         sync.Mutex
	calibrated bool
	step       uint32
}

func newSimAHT20() *simAHT20 { return &simAHT20{} }

func (s *simAHT20) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr != aht20.Address {
		return errcode.AddrNak
	}
	if len(w) > 0 {
		switch w[0] {
		case 0xBE: // initialize
			s.calibrated = true
		case 0xAC: // trigger
			s.step++
		case 0x71: // status
			if len(r) > 0 {
				r[0] = s.status()
			}
		}
		return nil
	}
	if len(r) >= 7 {
		hraw := 0x80000 + (s.step%64)*0x400
		traw := 0x70000 + (s.step%32)*0x200
		r[0] = s.status()
		r[1] = byte(hraw >> 12)
		r[2] = byte(hraw >> 4)
		r[3] = byte(hraw&0x0F)<<4 | byte(traw>>16)&0x0F
		r[4] = byte(traw >> 8)
		r[5] = byte(traw)
		r[6] = 0
	}
	return nil
}

func (s *simAHT20) status() byte {
	if s.calibrated {
		return 0x08
	}
	return 0
}
