package storage

import (
	"context"
	"time"

	"tierloop/pkg/eventbus"
	logx "tierloop/pkg/logx"
)

// Recorder copies stall reports and eviction/fatal events from a bus into a
// Store. Run it under a supervisor; it returns when ctx is done.
type Recorder struct {
	store  Store
	bus    eventbus.Bus
	log    logx.Logger
	buffer int
}

func NewRecorder(store Store, bus eventbus.Bus, buffer int, log logx.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, buffer: buffer, log: log.With(logx.String("comp", "journal"))}
}

func (r *Recorder) Run(ctx context.Context) error {
	ch, unsubscribe := r.bus.Subscribe(r.buffer,
		eventbus.TypeLoopStalled, eventbus.TypeHandlerRemoved, eventbus.TypeLoopFatal)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.record(ctx, ev); err != nil {
				r.log.Warn("journal append failed", logx.String("type", ev.Type), logx.Err(err))
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) error {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	switch d := ev.Data.(type) {
	case eventbus.StallReport:
		at := d.At
		if at.IsZero() {
			at = ev.Time
		}
		return r.store.AppendStall(wctx, StallRecord{
			At:        at,
			GroupID:   d.GroupID,
			Group:     d.Group,
			Loop:      d.Loop,
			BlockedMS: d.Blocked.Milliseconds(),
			Stack:     d.Stack,
		})
	case eventbus.HandlerEvent:
		detail := d.Reason
		if d.Error != "" && detail != "" {
			detail += ": " + d.Error
		} else if d.Error != "" {
			detail = d.Error
		}
		return r.store.AppendEvent(wctx, EventRecord{
			At: ev.Time, Type: ev.Type, Group: d.Group, Loop: d.Loop, Handler: d.Handler, Detail: detail,
		})
	case eventbus.LoopEvent:
		return r.store.AppendEvent(wctx, EventRecord{
			At: ev.Time, Type: ev.Type, Group: d.Group, Loop: d.Loop, Detail: d.Error,
		})
	}
	return nil
}
