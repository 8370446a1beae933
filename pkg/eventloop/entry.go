package eventloop

import (
	"runtime/debug"

	"golang.org/x/time/rate"

	"tierloop/pkg/eventbus"
	logx "tierloop/pkg/logx"
)

// entry is one registration of a handler. Its flags make every hook run at
// most once; they are guarded by the owning loop's mutex.
type entry struct {
	h    Handler
	name string

	started  bool
	finished bool
	released bool

	errLog     *rate.Limiter
	suppressed int
}

func newEntry(h Handler) *entry {
	return &entry{h: h, name: handlerName(h), errLog: rate.NewLimiter(1, 3)}
}

// hooks runs handler callbacks for a loop: panics become errors, failures are
// logged and published, nothing propagates.
type hooks struct {
	loop  string
	group string
	log   logx.Logger
	bus   eventbus.Bus
}

func (k hooks) call(hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{hook: hook, value: r, stack: string(debug.Stack())}
		}
	}()
	return fn()
}

func (k hooks) action(e *entry) (busy bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			busy = false
			err = &panicError{hook: "action", value: r, stack: string(debug.Stack())}
		}
	}()
	return e.h.Action()
}

// start runs OnStart if it has not run yet. A non-nil result means the
// handler must be evicted.
func (k hooks) start(e *entry) error {
	if e.started {
		return nil
	}
	e.started = true
	if err := k.call("start", e.h.OnStart); err != nil {
		k.log.Warn("handler start failed; removing", k.fields(e, err)...)
		return err
	}
	return nil
}

// finish runs OnFinish for a started handler, once.
func (k hooks) finish(e *entry) {
	if !e.started || e.finished {
		return
	}
	e.finished = true
	if err := k.call("finish", e.h.OnFinish); err != nil {
		k.log.Warn("handler finish failed", k.fields(e, err)...)
	}
}

// release runs OnRelease, once, whether or not the handler ever started.
func (k hooks) release(e *entry) {
	if e.released {
		return
	}
	e.released = true
	if err := k.call("release", e.h.OnRelease); err != nil {
		k.log.Warn("handler release failed", k.fields(e, err)...)
	}
}

// evict finishes and releases e and reports why it left the loop.
func (k hooks) evict(e *entry, reason string, cause error) {
	k.finish(e)
	k.release(e)
	ev := eventbus.HandlerEvent{
		Group:    k.group,
		Loop:     k.loop,
		Handler:  e.name,
		Priority: e.h.Priority().String(),
		Reason:   reason,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	k.log.Debug("handler removed", logx.String("handler", e.name), logx.String("reason", reason))
	k.bus.Publish(eventbus.Event{Type: eventbus.TypeHandlerRemoved, Data: ev})
}

// transient logs an ordinary Action error, throttled per handler.
func (k hooks) transient(e *entry, err error) {
	if !e.errLog.Allow() {
		e.suppressed++
		return
	}
	fields := k.fields(e, err)
	if e.suppressed > 0 {
		fields = append(fields, logx.Int("suppressed", e.suppressed))
		e.suppressed = 0
	}
	k.log.Warn("handler action failed", fields...)
	k.bus.Publish(eventbus.Event{Type: eventbus.TypeHandlerError, Data: eventbus.HandlerEvent{
		Group:    k.group,
		Loop:     k.loop,
		Handler:  e.name,
		Priority: e.h.Priority().String(),
		Error:    err.Error(),
	}})
}

func (k hooks) fields(e *entry, err error) []logx.Field {
	fields := []logx.Field{logx.String("handler", e.name), logx.Err(err)}
	if pe, ok := err.(*panicError); ok {
		fields = append(fields, logx.Stack(pe.stack))
	}
	return fields
}

func (k hooks) publishLoop(typ string, err error) {
	ev := eventbus.LoopEvent{Group: k.group, Loop: k.loop}
	if err != nil {
		ev.Error = err.Error()
	}
	k.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
