// Package valarm multiplexes any number of virtual one-shot alarms over a
// single hardware compare-match timer. The underlying alarm always tracks
// the earliest armed deadline; when it fires, every expired virtual alarm
// fires its client and the underlying alarm is rearmed for the new
// earliest deadline.
package valarm

import (
	"sync"

	"periphmux-go/hil"
)

// halfMax splits requests longer than half the counter range into two
// internal legs, so the wraparound expiry test "now outside [ref, ref+dt)"
// stays valid even with servicing latency.
const halfMax = hil.Ticks(1) << 31

type tickDt struct {
	reference hil.Ticks
	dt        hil.Ticks
	// extended marks the first leg of a split long request; when it fires
	// the alarm stays armed for the remaining halfMax ticks.
	extended bool
}

func (t tickDt) expiration() hil.Ticks { return t.reference + t.dt }

// withinRange reports whether x lies in the wrapping half-open window
// [start, end).
func withinRange(x, start, end hil.Ticks) bool {
	return x-start < end-start
}

// MuxAlarm owns one hil.Alarm exclusively and fans its fire events out to
// the expired virtual alarms.
type MuxAlarm struct {
	mu sync.Mutex

	alarm hil.Alarm

	// Head-insertion, append-only registration.
	alarms []*VirtualAlarm

	enabled int
	// firing suppresses underlying reprogramming from SetAlarm calls made
	// inside client callbacks; the post-firing rearm scan picks those up.
	firing bool

	// next is the (reference, dt) pair currently programmed, nil when the
	// underlying alarm is disarmed.
	next *tickDt
}

func NewMuxAlarm(alarm hil.Alarm) *MuxAlarm {
	m := &MuxAlarm{alarm: alarm}
	alarm.SetClient(m)
	return m
}

var _ hil.AlarmClient = (*MuxAlarm)(nil)

func (m *MuxAlarm) setUnderlyingLocked(reference, dt hil.Ticks) {
	m.next = &tickDt{reference: reference, dt: dt}
	m.alarm.SetAlarm(reference, dt)
}

// AlarmFired is the hardware upcall. Expired one-shot alarms are disarmed
// and fired; clients setting new alarms from their callback are folded
// into the rearm scan that follows.
func (m *MuxAlarm) AlarmFired() {
	m.mu.Lock()
	m.firing = true
	var fired []*VirtualAlarm
	for _, v := range m.alarms {
		if !v.armed {
			continue
		}
		// Read now per alarm: references are always in the past, and time
		// advances while we scan.
		now := m.alarm.Now()
		if withinRange(now, v.when.reference, v.when.expiration()) {
			continue // still in its window, not expired
		}
		if v.when.extended {
			// First leg of a long request; rearm for the remainder.
			v.when = tickDt{reference: v.when.expiration(), dt: halfMax}
			continue
		}
		v.armed = false
		m.enabled--
		fired = append(fired, v)
	}
	m.mu.Unlock()

	for _, v := range fired {
		if v.client != nil {
			v.client.AlarmFired()
		}
	}

	m.mu.Lock()
	m.firing = false
	m.rearmLocked()
	m.mu.Unlock()
}

// rearmLocked programs the underlying alarm for the earliest armed
// deadline, treating already-expired alarms as zero distance so they fire
// again as soon as possible.
func (m *MuxAlarm) rearmLocked() {
	now := m.alarm.Now()
	var best *VirtualAlarm
	var bestDist hil.Ticks
	for _, v := range m.alarms {
		if !v.armed {
			continue
		}
		var dist hil.Ticks
		if withinRange(now, v.when.reference, v.when.expiration()) {
			dist = v.when.expiration() - now
		} else {
			dist = 0
		}
		if best == nil || dist < bestDist {
			best, bestDist = v, dist
		}
	}
	if best != nil {
		m.setUnderlyingLocked(best.when.reference, best.when.dt)
	} else {
		m.next = nil
		m.alarm.Disarm()
	}
}

// -----------------------------------------------------------------------------
// VirtualAlarm
// -----------------------------------------------------------------------------

// VirtualAlarm is one logical one-shot alarm. Repeating clients set it
// again from their callback.
type VirtualAlarm struct {
	mux    *MuxAlarm
	when   tickDt
	armed  bool
	client hil.AlarmClient
}

func NewVirtualAlarm(m *MuxAlarm) *VirtualAlarm {
	return &VirtualAlarm{mux: m}
}

// SetClient installs the fire callback and registers the alarm with the
// mux. Bring-up only; registration is append-only.
func (v *VirtualAlarm) SetClient(c hil.AlarmClient) {
	m := v.mux
	m.mu.Lock()
	v.client = c
	m.alarms = append([]*VirtualAlarm{v}, m.alarms...)
	m.mu.Unlock()
}

func (v *VirtualAlarm) Now() hil.Ticks {
	return v.mux.alarm.Now()
}

func (v *VirtualAlarm) IsArmed() bool {
	v.mux.mu.Lock()
	defer v.mux.mu.Unlock()
	return v.armed
}

// SetAlarm arms the alarm to fire once now - reference >= dt.
func (v *VirtualAlarm) SetAlarm(reference, dt hil.Ticks) {
	m := v.mux
	m.mu.Lock()
	defer m.mu.Unlock()

	when := tickDt{reference: reference, dt: dt}
	if dt > halfMax {
		when = tickDt{reference: reference, dt: dt - halfMax, extended: true}
	}
	v.when = when
	dt = when.dt

	wasEnabled := m.enabled
	if !v.armed {
		v.armed = true
		m.enabled++
	}

	switch {
	case wasEnabled == 0:
		// First armed alarm claims the hardware directly.
		m.setUnderlyingLocked(reference, dt)
	case m.firing:
		// The post-firing rearm scan will pick the earliest, us included.
	default:
		// Reprogram only if we expire before the currently programmed
		// alarm and that alarm has not already passed.
		expiration := reference + dt
		cur := m.next
		if cur == nil {
			m.setUnderlyingLocked(reference, dt)
			return
		}
		now := m.alarm.Now()
		if !withinRange(cur.expiration(), reference, expiration) &&
			withinRange(now, cur.reference, cur.expiration()) {
			m.setUnderlyingLocked(reference, dt)
		}
	}
}

// SetAlarmFromNow arms the alarm dt ticks from the current time.
func (v *VirtualAlarm) SetAlarmFromNow(dt hil.Ticks) {
	v.SetAlarm(v.mux.alarm.Now(), dt)
}

// Disarm cancels a pending alarm; the client callback will not fire. When
// the last armed alarm disarms, the underlying hardware is disarmed too.
func (v *VirtualAlarm) Disarm() {
	m := v.mux
	m.mu.Lock()
	if !v.armed {
		m.mu.Unlock()
		return
	}
	v.armed = false
	m.enabled--
	last := m.enabled == 0
	if last {
		m.next = nil
	}
	m.mu.Unlock()
	if last {
		m.alarm.Disarm()
	}
}
