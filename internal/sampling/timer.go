package sampling

import "time"

// Timer measures elapsed wall time between laps. The clock can be replaced for
// deterministic tests.
type Timer struct {
	now   func() time.Time
	start time.Time
}

// NewTimer starts a timer on the given clock; nil means time.Now
func NewTimer(now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	return &Timer{now: now, start: now()}
}

// Elapsed returns the seconds since the last lap without resetting
func (t *Timer) Elapsed() float64 {
	return t.now().Sub(t.start).Seconds()
}

// Lap returns the seconds since the last lap and restarts the timer
func (t *Timer) Lap() float64 {
	now := t.now()
	dt := now.Sub(t.start).Seconds()
	t.start = now
	return dt
}
