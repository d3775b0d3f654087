// Package aht20 drives the AHT20 temperature/humidity sensor over a
// virtualized I2C device and a virtual alarm. The whole measurement cycle
// is callback-driven: Measure starts it, MeasurementDone reports the
// result, and the sensor never blocks or sleeps between steps.
//
// Raw values are converted with the fixed-point helpers on Sample (tenths
// of units, deci-degC and deci-%RH); there is no floating point on the
// measurement path.
package aht20

import (
	"sync"

	"periphmux-go/errcode"
	"periphmux-go/hil"
)

// I2C address.
const Address = 0x38

// Commands and status bits (per datasheet/common driver practice).
const (
	cmdTrigger    = 0xAC
	cmdInitialize = 0xBE
	cmdStatus     = 0x71

	statusBusy       = 0x80
	statusCalibrated = 0x08
)

const (
	initWaitMs   = 10
	convertMs    = 80
	pollMs       = 15
	maxPolls     = 12 // bounds the total wait at roughly 260 ms
	measureBytes = 7
)

// I2CDevice is the slice of the virtualized bus the sensor needs.
type I2CDevice interface {
	Enable()
	Disable()
	Write(buf []byte, n int) error
	Read(buf []byte, n int) error
	WriteRead(buf []byte, wlen, rlen int) error
}

// Alarm is the slice of a virtual alarm the sensor needs.
type Alarm interface {
	SetAlarmFromNow(dt hil.Ticks)
}

// Client receives the result of a measurement cycle.
type Client interface {
	MeasurementDone(s Sample, err error)
}

// Sample holds raw readings.
type Sample struct {
	RawHumidity uint32
	RawTemp     uint32
}

// DeciRelHumidity returns tenths of %RH.
func (s Sample) DeciRelHumidity() int32 {
	return (int32(s.RawHumidity) * 1000) / 0x100000
}

// DeciCelsius returns tenths of degC.
func (s Sample) DeciCelsius() int32 {
	return ((int32(s.RawTemp) * 2000) / 0x100000) - 500
}

type state uint8

const (
	idle state = iota
	checkStatus
	initializing
	initWait
	triggering
	conversionWait
	collecting
)

// Sensor is one AHT20 behind the mux. It runs at most one measurement
// cycle at a time; Measure during a cycle returns errcode.Busy.
type Sensor struct {
	mu sync.Mutex

	dev    I2CDevice
	alarm  Alarm
	tps    hil.Ticks // alarm ticks per second
	client Client

	st    state
	polls int
	buf   []byte
}

// New wires the sensor to its bus device and alarm. The alarm's client
// must be pointed at the sensor by the caller during bring-up, and
// ticksPerSecond must match the alarm's tick rate.
func New(dev I2CDevice, alarm Alarm, ticksPerSecond hil.Ticks) *Sensor {
	return &Sensor{
		dev:   dev,
		alarm: alarm,
		tps:   ticksPerSecond,
		buf:   make([]byte, measureBytes),
	}
}

func (s *Sensor) SetClient(c Client) { s.client = c }

func (s *Sensor) msToTicks(ms hil.Ticks) hil.Ticks {
	return s.tps * ms / 1000
}

// Measure starts one measurement cycle: status check, initialization if
// the sensor reports uncalibrated, trigger, conversion wait, collect.
// The result arrives through the client.
func (s *Sensor) Measure() error {
	s.mu.Lock()
	if s.st != idle {
		s.mu.Unlock()
		return errcode.Busy
	}
	s.st = checkStatus
	s.polls = 0
	s.buf[0] = cmdStatus
	s.dev.Enable()
	if err := s.dev.WriteRead(s.buf, 1, 1); err != nil {
		s.st = idle
		s.dev.Disable()
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return nil
}

var _ hil.I2CClient = (*Sensor)(nil)
var _ hil.AlarmClient = (*Sensor)(nil)

// CommandComplete advances the cycle on each bus completion.
func (s *Sensor) CommandComplete(buf []byte, err error) {
	s.mu.Lock()
	if err != nil {
		s.failLocked(err)
		return
	}
	switch s.st {
	case checkStatus:
		if buf[0]&statusCalibrated != 0 {
			s.triggerLocked()
			return
		}
		s.st = initializing
		s.buf[0], s.buf[1], s.buf[2] = cmdInitialize, 0x08, 0x00
		if werr := s.dev.Write(s.buf, 3); werr != nil {
			s.failLocked(werr)
			return
		}
		s.mu.Unlock()

	case initializing:
		s.st = initWait
		dt := s.msToTicks(initWaitMs)
		s.mu.Unlock()
		s.alarm.SetAlarmFromNow(dt)

	case triggering:
		s.st = conversionWait
		dt := s.msToTicks(convertMs)
		s.mu.Unlock()
		s.alarm.SetAlarmFromNow(dt)

	case collecting:
		if buf[0]&statusCalibrated == 0 || buf[0]&statusBusy != 0 {
			// Conversion still running; poll again, bounded.
			s.polls++
			if s.polls > maxPolls {
				s.failLocked(errcode.Timeout)
				return
			}
			s.st = conversionWait
			dt := s.msToTicks(pollMs)
			s.mu.Unlock()
			s.alarm.SetAlarmFromNow(dt)
			return
		}
		sample := Sample{
			RawHumidity: (uint32(buf[1]) << 12) | (uint32(buf[2]) << 4) | (uint32(buf[3]) >> 4),
			RawTemp:     (uint32(buf[3]&0x0F) << 16) | (uint32(buf[4]) << 8) | uint32(buf[5]),
		}
		s.st = idle
		s.dev.Disable()
		c := s.client
		s.mu.Unlock()
		if c != nil {
			c.MeasurementDone(sample, nil)
		}

	default:
		// Completion with no cycle running; ignore.
		s.mu.Unlock()
	}
}

// AlarmFired resumes the cycle after a timed wait.
func (s *Sensor) AlarmFired() {
	s.mu.Lock()
	switch s.st {
	case initWait:
		s.triggerLocked()
	case conversionWait:
		s.st = collecting
		if err := s.dev.Read(s.buf, measureBytes); err != nil {
			s.failLocked(err)
			return
		}
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

// triggerLocked starts a conversion. Unlocks.
func (s *Sensor) triggerLocked() {
	s.st = triggering
	s.buf[0], s.buf[1], s.buf[2] = cmdTrigger, 0x33, 0x00
	if err := s.dev.Write(s.buf, 3); err != nil {
		s.failLocked(err)
		return
	}
	s.mu.Unlock()
}

// failLocked abandons the cycle and reports err. Unlocks.
func (s *Sensor) failLocked(err error) {
	s.st = idle
	s.dev.Disable()
	c := s.client
	s.mu.Unlock()
	if c != nil {
		c.MeasurementDone(Sample{}, err)
	}
}
