// Package tickalarm implements hil.Alarm on the Go runtime clock. Ticks
// are a wrapping 32-bit counter derived from the monotonic clock at a
// fixed rate, 1 kHz by default.
package tickalarm

import (
	"sync"
	"time"

	"periphmux-go/hil"
)

const DefaultHz = 1000

type Alarm struct {
	mu     sync.Mutex
	epoch  time.Time
	hz     int64
	timer  *time.Timer
	client hil.AlarmClient
	armed  bool
	// gen invalidates timer fires from superseded SetAlarm calls.
	gen uint64
}

var _ hil.Alarm = (*Alarm)(nil)

func New(hz int64) *Alarm {
	if hz <= 0 {
		hz = DefaultHz
	}
	return &Alarm{epoch: time.Now(), hz: hz}
}

func (a *Alarm) Hz() int64 { return a.hz }

func (a *Alarm) Now() hil.Ticks {
	return hil.Ticks(int64(time.Since(a.epoch)) / (int64(time.Second) / a.hz))
}

// SetClient is bring-up only.
func (a *Alarm) SetClient(c hil.AlarmClient) {
	a.mu.Lock()
	a.client = c
	a.mu.Unlock()
}

// SetAlarm arms the alarm to fire once now - reference >= dt. A reference
// already at least dt in the past fires as soon as possible.
func (a *Alarm) SetAlarm(reference, dt hil.Ticks) {
	a.mu.Lock()
	a.gen++
	g := a.gen
	a.armed = true
	now := a.Now()
	var remain hil.Ticks
	if !hil.Expired(now, reference, dt) {
		remain = reference + dt - now
	}
	d := time.Duration(int64(remain) * (int64(time.Second) / a.hz))
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, func() { a.fire(g) })
	a.mu.Unlock()
}

func (a *Alarm) fire(g uint64) {
	a.mu.Lock()
	if !a.armed || g != a.gen {
		a.mu.Unlock()
		return
	}
	a.armed = false
	c := a.client
	a.mu.Unlock()
	if c != nil {
		c.AlarmFired()
	}
}

func (a *Alarm) Disarm() {
	a.mu.Lock()
	a.gen++
	a.armed = false
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
}
