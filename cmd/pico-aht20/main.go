//go:build rp2040

// Board main for a Pico with an AHT20 on I2C0 and the console on UART0.
// Both peripherals sit behind their muxes so further capsules can share
// them without touching this wiring.
package main

import (
	"context"
	"machine"
	"sync"
	"time"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"periphmux-go/capsules/aht20"
	"periphmux-go/deferred"
	"periphmux-go/hil"
	"periphmux-go/platform/i2cbridge"
	"periphmux-go/platform/tickalarm"
	"periphmux-go/platform/uartbridge"
	"periphmux-go/virtual/valarm"
	"periphmux-go/virtual/vi2c"
	"periphmux-go/virtual/vuart"
	"periphmux-go/x/fmtx"
)

func main() {
	time.Sleep(2 * time.Second)
	println("boot")

	ctx := context.Background()

	d := deferred.NewDispatcher()
	d.Start(ctx)

	machine.I2C0.Configure(machine.I2CConfig{
		SDA:       machine.GP4,
		SCL:       machine.GP5,
		Frequency: 400_000,
	})
	bridge := i2cbridge.New(machine.I2C0, 1)
	bridge.Start(ctx)
	mux := vi2c.NewMuxI2C(bridge, nil, d)
	dev := vi2c.NewI2CDevice(mux, aht20.Address)

	uartx.UART0.Configure(uartx.UARTConfig{
		BaudRate: 115200,
		TX:       machine.GP0,
		RX:       machine.GP1,
	})
	port := uartbridge.NewPort(uartx.UART0)
	port.Start(ctx)
	umux := vuart.NewMuxUart(port, nil, d)
	console := vuart.NewUartDevice(umux, false)
	cw := newConsoleWriter(console)
	console.SetClients(cw, nil)
	fmtx.DefaultOutput = cw

	clock := tickalarm.New(tickalarm.DefaultHz)
	alarms := valarm.NewMuxAlarm(clock)
	sensorAlarm := valarm.NewVirtualAlarm(alarms)

	sensor := aht20.New(dev, sensorAlarm, hil.Ticks(tickalarm.DefaultHz))
	dev.SetClient(sensor)
	sensorAlarm.SetClient(sensor)
	sensor.SetClient(&reporter{})

	for {
		if err := sensor.Measure(); err != nil {
			fmtx.Printf("aht20: measure: %v\n", err)
		}
		time.Sleep(5 * time.Second)
	}
}

type reporter struct{}

func (r *reporter) MeasurementDone(s aht20.Sample, err error) {
	if err != nil {
		fmtx.Printf("aht20: %v\n", err)
		return
	}
	fmtx.Printf("aht20: %d.%d C  %d.%d %%RH\n",
		s.DeciCelsius()/10, s.DeciCelsius()%10,
		s.DeciRelHumidity()/10, s.DeciRelHumidity()%10)
}

// consoleWriter blocks each Write until the virtual device reports the
// transmit complete, so log lines never interleave mid-buffer.
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
