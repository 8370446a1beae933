package monitor

import (
	"fmt"
	"sync/atomic"
	"time"

	"tierloop/pkg/eventbus"
	"tierloop/pkg/eventloop"
	logx "tierloop/pkg/logx"
)

// Monitored is what a probe needs from the loop it watches. All methods must
// be safe to call from the watchdog goroutine without the loop's lock.
type Monitored interface {
	Name() string
	IsAlive() bool
	// LoopStartNS is eventloop.LoopNotStarted before the first pass,
	// eventloop.LoopIdle between passes, otherwise the eventloop.Nanotime at
	// which the current pass started.
	LoopStartNS() int64
	Stack() string
}

// ProbeConfig configures a Probe.
type ProbeConfig struct {
	Interval time.Duration
	GroupID  string
	Group    string
	Log      logx.Logger
	Bus      eventbus.Bus
}

// Probe is a MONITOR-tier handler watching one loop.
type Probe struct {
	eventloop.HandlerBase

	target Monitored
	timer  *StallTimer
	cfg    ProbeConfig
	log    logx.Logger

	nanotime   func() int64
	wallclock  func() time.Time
	lastStart  int64
	lastCall   int64
	reported   bool
	stallCount atomic.Uint64
}

var _ eventloop.Handler = (*Probe)(nil)

func NewProbe(target Monitored, cfg ProbeConfig) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.Nop{}
	}
	return &Probe{
		HandlerBase: eventloop.HandlerBase{Prio: eventloop.PriorityMonitor},
		target:      target,
		timer:       NewStallTimer(cfg.Interval),
		cfg:         cfg,
		log:         cfg.Log.With(logx.String("comp", "monitor"), logx.String("loop", target.Name())),
		nanotime:    eventloop.Nanotime,
		wallclock:   time.Now,
	}
}

func (p *Probe) String() string { return "probe:" + p.target.Name() }

// Timer exposes the probe's escalation state. Only read it from the watchdog
// goroutine or after the watchdog has stopped.
func (p *Probe) Timer() *StallTimer { return p.timer }

// Stalls is how many stall reports the probe has published.
func (p *Probe) Stalls() uint64 { return p.stallCount.Load() }

func (p *Probe) Action() (bool, error) {
	start := p.target.LoopStartNS()
	if start == eventloop.LoopNotStarted {
		return false, nil
	}
	if !p.target.IsAlive() {
		if !p.reported {
			p.reported = true
			p.log.Warn("monitoring a loop which has finished")
		}
		return false, eventloop.ErrInvalidHandler
	}

	now := p.nanotime()
	delay := time.Duration(now - p.lastCall)
	first := p.lastCall == 0
	p.lastCall = now

	if start == eventloop.LoopIdle || start != p.lastStart {
		p.lastStart = start
		p.timer.ResetTimers()
		return false, nil
	}
	if !first && delay > p.timer.TimingTolerance() {
		p.log.Debug("watchdog tick delayed; skipping", logx.Duration("delay", delay))
		return false, nil
	}
	if p.timer.ShouldLog(time.Duration(now - start)) {
		p.dumpThread(start, now)
	}
	return false, nil
}

// dumpThread reports a pass that started at start and is still running at
// now, unless the loop moved on meanwhile, then advances the threshold.
func (p *Probe) dumpThread(start, now int64) {
	blocked := time.Duration(now - start)
	if blocked <= 0 {
		return
	}
	stack := p.target.Stack()
	if p.target.LoopStartNS() == start {
		p.stallCount.Add(1)
		p.log.Warn(fmt.Sprintf("%s loop has blocked for %.1f ms", p.target.Name(), float64(blocked)/float64(time.Millisecond)),
			logx.Duration("blocked", blocked),
			logx.Stack(stack),
		)
		p.cfg.Bus.Publish(eventbus.Event{Type: eventbus.TypeLoopStalled, Data: eventbus.StallReport{
			GroupID: p.cfg.GroupID,
			Group:   p.cfg.Group,
			Loop:    p.target.Name(),
			Blocked: blocked,
			At:      p.wallclock(),
			Stack:   stack,
		}})
	}
	p.timer.Advance()
}
