package hil

// Ticks is a free-running 32-bit hardware counter value. All arithmetic is
// modulo 2^32; "now - reference >= dt" is the wraparound-safe expiry test.
type Ticks uint32

// Alarm is the contract for one physical compare-match timer. The alarm
// fires once per SetAlarm, at the first instant where now - reference >= dt.
type Alarm interface {
	Now() Ticks
	SetAlarm(reference, dt Ticks)
	Disarm()
	SetClient(AlarmClient)
}

type AlarmClient interface {
	AlarmFired()
}

// Expired reports whether an alarm set at reference with duration dt has
// expired at now, tolerating counter wraparound.
func Expired(now, reference, dt Ticks) bool {
	return now-reference >= dt
}
