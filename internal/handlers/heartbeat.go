package handlers

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tierloop/pkg/eventloop"
	logx "tierloop/pkg/logx"
)

// Heartbeat logs a line on a cron or interval schedule. It runs on the TIMER
// or DAEMON tier and never blocks: Action only compares the clock with the
// next due time.
type Heartbeat struct {
	eventloop.HandlerBase

	name  string
	spec  ParsedSpec
	sched cron.Schedule
	msg   string
	log   logx.Logger
	now   func() time.Time

	next  time.Time
	fired atomic.Uint64
	last  atomic.Int64 // unix nano of the last beat
}

func NewHeartbeat(name, schedule string, p eventloop.Priority, msg string, log logx.Logger) (*Heartbeat, error) {
	if p != eventloop.PriorityTimer && p != eventloop.PriorityDaemon {
		return nil, fmt.Errorf("heartbeat %q: priority %s not supported", name, p)
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("heartbeat %q: %w", name, err)
	}
	sched, err := spec.Schedule()
	if err != nil {
		return nil, fmt.Errorf("heartbeat %q: %w", name, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if msg == "" {
		msg = "heartbeat"
	}
	return &Heartbeat{
		HandlerBase: eventloop.HandlerBase{Prio: p},
		name:        name,
		spec:        spec,
		sched:       sched,
		msg:         msg,
		log:         log.With(logx.String("comp", "heartbeat"), logx.String("name", name)),
		now:         time.Now,
	}, nil
}

func (h *Heartbeat) String() string { return "heartbeat:" + h.name }

func (h *Heartbeat) OnStart() error {
	h.next = h.sched.Next(h.now())
	h.log.Debug("heartbeat scheduled", logx.String("schedule", h.spec.String()), logx.Time("next", h.next))
	return nil
}

func (h *Heartbeat) Action() (bool, error) {
	now := h.now()
	if h.next.IsZero() || now.Before(h.next) {
		return false, nil
	}
	n := h.fired.Add(1)
	h.last.Store(now.UnixNano())
	h.log.Info(h.msg, logx.Uint64("beat", n), logx.Duration("late", now.Sub(h.next)))
	h.next = h.sched.Next(now)
	return true, nil
}

// Fired is the number of beats so far.
func (h *Heartbeat) Fired() uint64 { return h.fired.Load() }

// Last is the time of the latest beat, zero before the first.
func (h *Heartbeat) Last() time.Time {
	if ns := h.last.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}
