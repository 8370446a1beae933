// Package monitor is the watchdog of tierloop: a worker loop whose handlers
// are liveness probes for other loops. A probe reports a loop whose pass has
// run too long, then backs off so a loop that stays stuck is reported less
// and less often.
package monitor

import "time"

// TimingError is the scheduling jitter tolerated on top of the monitor
// interval before a tick is considered late.
const TimingError = 80 * time.Millisecond

const (
	growth       = 1.41
	maxIncrement = 20
)

// StallTimer holds the escalation state for one monitored loop. It is owned
// by the probe that carries it and is not safe for concurrent use.
type StallTimer struct {
	base      time.Duration
	increment time.Duration
	threshold time.Duration
}

func NewStallTimer(base time.Duration) *StallTimer {
	t := &StallTimer{base: base}
	t.ResetTimers()
	return t
}

// ShouldLog reports whether a pass blocked for this long is due a report.
func (t *StallTimer) ShouldLog(blocked time.Duration) bool { return blocked >= t.threshold }

// Advance moves the threshold past a report just made: the threshold grows by
// the increment, then the increment grows by 41%, capped at 20 intervals.
func (t *StallTimer) Advance() {
	t.threshold += t.increment
	t.increment = min(time.Duration(growth*float64(t.increment)), maxIncrement*t.base)
}

// ResetTimers restores threshold and increment to the base interval.
func (t *StallTimer) ResetTimers() {
	t.increment = t.base
	t.threshold = t.base
}

func (t *StallTimer) Base() time.Duration      { return t.base }
func (t *StallTimer) Threshold() time.Duration { return t.threshold }
func (t *StallTimer) Increment() time.Duration { return t.increment }

// TimingTolerance is how late a monitor tick may be before the probe treats
// the watchdog itself as delayed.
func (t *StallTimer) TimingTolerance() time.Duration { return t.base + TimingError }
