package pauser

import (
	"runtime"
	"time"
)

// Busy never blocks: the loop spins at full speed on its thread.
type Busy struct{ counters }

func NewBusy() *Busy { return &Busy{} }

func (*Busy) Reset()   {}
func (p *Busy) Pause() { p.note(0) }
func (*Busy) Unpause() {}

// Yielding gives the scheduler a chance to run other goroutines.
type Yielding struct{ counters }

func NewYielding() *Yielding { return &Yielding{} }

func (*Yielding) Reset() {}

func (p *Yielding) Pause() {
	start := time.Now()
	runtime.Gosched()
	p.note(time.Since(start))
}

func (*Yielding) Unpause() {}

// Sleepy sleeps a fixed duration on every idle pass.
type Sleepy struct {
	counters
	w     waker
	sleep time.Duration
}

func NewSleepy(d time.Duration) *Sleepy {
	if d <= 0 {
		d = DefaultSleep
	}
	return &Sleepy{w: newWaker(), sleep: d}
}

func (*Sleepy) Reset() {}

func (p *Sleepy) Pause() {
	start := time.Now()
	p.w.sleep(p.sleep)
	p.note(time.Since(start))
}

func (p *Sleepy) Unpause() { p.w.wake() }

// Balanced escalates from spinning to yielding to sleeping, doubling the
// sleep on every idle pass up to a ceiling.
type Balanced struct {
	counters
	w waker

	spin, yield        int
	minSleep, maxSleep time.Duration

	// owned by the pausing goroutine
	idle int
	cur  time.Duration
}

func NewBalanced(spin, yield int, minSleep, maxSleep time.Duration) *Balanced {
	c := Config{Spin: spin, Yield: yield, MinSleep: minSleep, MaxSleep: maxSleep}.withDefaults()
	return &Balanced{
		w:        newWaker(),
		spin:     max(c.Spin, 0),
		yield:    max(c.Yield, 0),
		minSleep: c.MinSleep,
		maxSleep: c.MaxSleep,
		cur:      c.MinSleep,
	}
}

func (p *Balanced) Reset() {
	p.idle = 0
	p.cur = p.minSleep
}

func (p *Balanced) Pause() {
	p.idle++
	switch {
	case p.idle <= p.spin:
		return
	case p.idle <= p.spin+p.yield:
		start := time.Now()
		runtime.Gosched()
		p.note(time.Since(start))
		return
	}
	start := time.Now()
	p.w.sleep(p.cur)
	p.note(time.Since(start))
	p.cur *= 2
	if p.cur > p.maxSleep {
		p.cur = p.maxSleep
	}
}

func (p *Balanced) Unpause() { p.w.wake() }

// CurrentSleep reports the sleep the next sleeping Pause would use.
// Only meaningful from the pausing goroutine.
func (p *Balanced) CurrentSleep() time.Duration { return p.cur }
