package monitor

import (
	"time"

	"tierloop/pkg/eventbus"
	"tierloop/pkg/eventloop"
	logx "tierloop/pkg/logx"
	"tierloop/pkg/pauser"
)

const (
	DefaultInterval     = 100 * time.Millisecond
	DefaultInitialDelay = 10 * time.Second
)

// Config configures a Watchdog.
type Config struct {
	Name string
	// Interval is both the tick period and the base stall threshold.
	Interval time.Duration
	// InitialDelay holds off the first tick so start-up work is not reported.
	InitialDelay time.Duration
	GroupID      string
	Group        string
	Affinity     []int
	CloseGrace   time.Duration
}

// Watchdog is a CoreLoop ticking every Interval over its probes.
type Watchdog struct {
	*eventloop.CoreLoop
	cfg Config
	log logx.Logger
	bus eventbus.Bus
}

// NewWatchdog builds the watchdog loop. owner is the handle MONITOR-tier
// handlers see as their owner; nil means the watchdog itself.
func NewWatchdog(cfg Config, owner eventloop.EventLoop, log logx.Logger, bus eventbus.Bus) *Watchdog {
	if cfg.Name == "" {
		cfg.Name = "monitor"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	opts := []eventloop.Option{
		eventloop.WithLogger(log),
		eventloop.WithBus(bus),
		eventloop.WithGroup(cfg.Group),
		eventloop.WithInitialDelay(cfg.InitialDelay),
		eventloop.WithAffinity(cfg.Affinity),
		eventloop.WithCloseGrace(cfg.CloseGrace),
	}
	if owner != nil {
		opts = append(opts, eventloop.WithOwner(owner))
	}
	return &Watchdog{
		CoreLoop: eventloop.NewCoreLoop(cfg.Name, pauser.NewSleepy(cfg.Interval), opts...),
		cfg:      cfg,
		log:      log,
		bus:      bus,
	}
}

// Watch registers a probe for target.
func (w *Watchdog) Watch(target Monitored) (*Probe, error) {
	p := NewProbe(target, ProbeConfig{
		Interval: w.cfg.Interval,
		GroupID:  w.cfg.GroupID,
		Group:    w.cfg.Group,
		Log:      w.log,
		Bus:      w.bus,
	})
	if err := w.AddHandler(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (w *Watchdog) Interval() time.Duration { return w.cfg.Interval }
