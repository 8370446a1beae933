// Package eventgroup is the scheduler facade: it owns one worker loop per
// priority tier plus the watchdog, routes handlers by their declared
// priority and cascades lifecycle calls to every loop.
package eventgroup

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"tierloop/pkg/eventbus"
	"tierloop/pkg/eventloop"
	logx "tierloop/pkg/logx"
	"tierloop/pkg/monitor"
	"tierloop/pkg/pauser"
)

var (
	ErrClosed          = errors.New("event group closed")
	ErrUnknownPriority = errors.New("unknown handler priority")
)

type Option func(*EventGroup)

func WithLogger(log logx.Logger) Option { return func(g *EventGroup) { g.log = log } }

// WithBus publishes loop, handler and stall events to bus.
func WithBus(bus eventbus.Bus) Option { return func(g *EventGroup) { g.bus = bus } }

// loop is what the group needs from each of its loops.
type loop interface {
	eventloop.EventLoop
	Status() eventloop.LoopStatus
}

// EventGroup routes handlers to its loops:
//
//	HIGH, MEDIUM   core loop
//	TIMER, DAEMON  timer loop
//	MONITOR        watchdog
//	BLOCKING       one goroutine per handler
//	CONCURRENT     round robin over the concurrent loops, else core
//
// Every handler sees the group as its owner.
type EventGroup struct {
	id  string
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	core       *eventloop.CoreLoop
	timer      *eventloop.CoreLoop
	blocking   *eventloop.BlockingLoop
	concurrent []*eventloop.CoreLoop
	watchdog   *monitor.Watchdog
	probes     map[string]*monitor.Probe

	// loops is every owned loop, watchdog last.
	loops []loop
	next  atomic.Uint64

	started   atomic.Bool
	stopped   atomic.Bool
	closing   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ eventloop.EventLoop = (*EventGroup)(nil)

func New(cfg Config, opts ...Option) *EventGroup {
	g := &EventGroup{
		id:  uuid.NewString(),
		cfg: cfg.withDefaults(),
		log: logx.Nop(),
		bus: eventbus.Nop{},
	}
	for _, o := range opts {
		o(g)
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	if g.bus == nil {
		g.bus = eventbus.Nop{}
	}
	g.log = g.log.With(logx.String("group", g.cfg.Name), logx.String("group_id", g.id))

	c := g.cfg
	common := func(extra ...eventloop.Option) []eventloop.Option {
		return append([]eventloop.Option{
			eventloop.WithOwner(g),
			eventloop.WithLogger(g.log),
			eventloop.WithBus(g.bus),
			eventloop.WithGroup(c.Name),
			eventloop.WithCloseGrace(c.CloseGrace),
		}, extra...)
	}

	g.core = eventloop.NewCoreLoop(c.Name+"/core", pauser.New(c.Core), common(eventloop.WithAffinity(c.Affinity))...)
	g.timer = eventloop.NewCoreLoop(c.Name+"/timer", pauser.New(c.Timer), common()...)
	g.blocking = eventloop.NewBlockingLoop(c.Name+"/blocking", c.Blocking, common()...)
	g.loops = append(g.loops, g.core, g.timer, g.blocking)
	for i := range c.ConcurrentThreads {
		l := eventloop.NewCoreLoop(c.Name+"/concurrent-"+strconv.Itoa(i), pauser.New(c.Concurrent), common()...)
		g.concurrent = append(g.concurrent, l)
		g.loops = append(g.loops, l)
	}

	g.watchdog = monitor.NewWatchdog(monitor.Config{
		Name:         c.Name + "/monitor",
		Interval:     c.Monitor.Interval,
		InitialDelay: c.Monitor.InitialDelay,
		GroupID:      g.id,
		Group:        c.Name,
		CloseGrace:   c.CloseGrace,
	}, g, g.log, g.bus)
	g.loops = append(g.loops, g.watchdog)

	if !c.Monitor.Disabled {
		g.probes = make(map[string]*monitor.Probe)
		watched := append([]*eventloop.CoreLoop{g.core, g.timer}, g.concurrent...)
		for _, l := range watched {
			p, err := g.watchdog.Watch(l)
			if err != nil {
				g.log.Warn("watchdog probe not registered", logx.String("watched", l.Name()), logx.Err(err))
				continue
			}
			g.probes[l.Name()] = p
		}
	}
	return g
}

func (g *EventGroup) Name() string { return g.cfg.Name }

// ID is a random instance id, distinguishing groups that share a name.
func (g *EventGroup) ID() string { return g.id }

func (g *EventGroup) String() string { return "EventGroup{" + g.cfg.Name + "}" }

// AddHandler registers h on the loop serving its priority.
func (g *EventGroup) AddHandler(h eventloop.Handler) error {
	if h == nil {
		return eventloop.ErrNilHandler
	}
	if g.closing.Load() {
		return fmt.Errorf("%s: %w", g.cfg.Name, ErrClosed)
	}
	l, err := g.route(h.Priority())
	if err != nil {
		return err
	}
	return l.AddHandler(h)
}

func (g *EventGroup) route(p eventloop.Priority) (eventloop.EventLoop, error) {
	switch p {
	case eventloop.PriorityHigh, eventloop.PriorityMedium:
		return g.core, nil
	case eventloop.PriorityTimer, eventloop.PriorityDaemon:
		return g.timer, nil
	case eventloop.PriorityMonitor:
		return g.watchdog, nil
	case eventloop.PriorityBlocking:
		return g.blocking, nil
	case eventloop.PriorityConcurrent:
		if len(g.concurrent) == 0 {
			return g.core, nil
		}
		i := (g.next.Add(1) - 1) % uint64(len(g.concurrent))
		return g.concurrent[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPriority, p)
}

// Start starts every loop. Loops never restart, so a second call or a call
// after Stop does nothing.
func (g *EventGroup) Start() {
	if g.closing.Load() || g.stopped.Load() || !g.started.CompareAndSwap(false, true) {
		return
	}
	for _, l := range g.loops {
		l.Start()
	}
	g.log.Info("event group started", logx.Int("loops", len(g.loops)))
}

func (g *EventGroup) Stop() {
	g.stopped.Store(true)
	for _, l := range g.loops {
		l.Stop()
	}
}

func (g *EventGroup) Unpause() {
	for _, l := range g.loops {
		l.Unpause()
	}
}

// Close stops and closes every loop concurrently, so the whole group takes
// about two close graces even with several stuck loops. It is idempotent.
func (g *EventGroup) Close() error {
	g.closeOnce.Do(func() {
		g.closing.Store(true)
		g.Stop()

		var wg sync.WaitGroup
		errs := make([]error, len(g.loops))
		for i, l := range g.loops {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = l.Close()
			}()
		}
		wg.Wait()
		if err := errors.Join(errs...); err != nil {
			g.log.Warn("event group close", logx.Err(err))
		}
		g.closed.Store(true)
		g.log.Info("event group closed")
	})
	return nil
}

// IsAlive reports whether the core loop is running.
func (g *EventGroup) IsAlive() bool { return g.core.IsAlive() }

// Core exposes the core loop for handlers that judge liveness by its
// progress, like the systemd watchdog.
func (g *EventGroup) Core() monitor.Monitored { return g.core }

// IsStopped reports whether every loop has observed Stop.
func (g *EventGroup) IsStopped() bool {
	for _, l := range g.loops {
		if !l.IsStopped() {
			return false
		}
	}
	return true
}

func (g *EventGroup) IsClosing() bool { return g.closing.Load() }
func (g *EventGroup) IsClosed() bool  { return g.closed.Load() }

// Snapshot is a point-in-time view of a group.
type Snapshot struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Alive   bool                   `json:"alive"`
	Stopped bool                   `json:"stopped"`
	Closing bool                   `json:"closing"`
	Closed  bool                   `json:"closed"`
	Loops   []eventloop.LoopStatus `json:"loops"`
	// Stalls counts stall reports per watched loop.
	Stalls map[string]uint64 `json:"stalls,omitempty"`
}

func (g *EventGroup) Snapshot() Snapshot {
	s := Snapshot{
		ID:      g.id,
		Name:    g.cfg.Name,
		Alive:   g.IsAlive(),
		Stopped: g.IsStopped(),
		Closing: g.IsClosing(),
		Closed:  g.IsClosed(),
		Loops:   make([]eventloop.LoopStatus, 0, len(g.loops)),
	}
	for _, l := range g.loops {
		s.Loops = append(s.Loops, l.Status())
	}
	if len(g.probes) > 0 {
		s.Stalls = make(map[string]uint64, len(g.probes))
		for name, p := range g.probes {
			s.Stalls[name] = p.Stalls()
		}
	}
	return s
}
