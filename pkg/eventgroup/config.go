package eventgroup

import (
	"time"

	"tierloop/pkg/monitor"
	"tierloop/pkg/pauser"
)

const (
	DefaultMonitorInterval     = monitor.DefaultInterval
	DefaultMonitorInitialDelay = monitor.DefaultInitialDelay

	// DaemonCloseGrace and ForegroundCloseGrace are the per-loop waits used
	// by Close when Config.CloseGrace is zero.
	DaemonCloseGrace     = 20 * time.Millisecond
	ForegroundCloseGrace = 5 * time.Second
)

// Config describes an EventGroup. The zero value of every field but Name is
// usable.
type Config struct {
	Name string
	// Daemon groups are not waited for at shutdown: Close gives each loop
	// DaemonCloseGrace instead of ForegroundCloseGrace.
	Daemon bool

	// Core runs HIGH and MEDIUM handlers.
	Core pauser.Config
	// Timer runs TIMER and DAEMON handlers. Zero means a 1ms sleepy pauser.
	Timer pauser.Config
	// Blocking is the per-handler pauser of the BLOCKING tier. Zero means a
	// 1ms sleepy pauser.
	Blocking pauser.Config
	// Concurrent is the pauser of each CONCURRENT loop.
	Concurrent pauser.Config
	// ConcurrentThreads is the number of CONCURRENT loops. Zero routes
	// CONCURRENT handlers to the core loop.
	ConcurrentThreads int

	Monitor MonitorConfig

	// Affinity pins the core loop to these CPUs.
	Affinity []int
	// CloseGrace overrides the grace derived from Daemon.
	CloseGrace time.Duration
}

type MonitorConfig struct {
	// Interval is the watchdog tick and the base stall threshold.
	Interval time.Duration
	// InitialDelay holds off the first watchdog tick. Negative means none.
	InitialDelay time.Duration
	// Disabled leaves the loops unwatched. MONITOR handlers still run.
	Disabled bool
}

// Effective returns c with every default a group would apply filled in.
func (c Config) Effective() Config { return c.withDefaults() }

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "event-group"
	}
	if c.Timer == (pauser.Config{}) {
		c.Timer = pauser.Config{Mode: pauser.ModeSleepy, Sleep: pauser.DefaultSleep}
	}
	if c.Blocking == (pauser.Config{}) {
		c.Blocking = pauser.Config{Mode: pauser.ModeSleepy, Sleep: pauser.DefaultSleep}
	}
	if c.ConcurrentThreads < 0 {
		c.ConcurrentThreads = 0
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = DefaultMonitorInterval
	}
	switch {
	case c.Monitor.InitialDelay == 0:
		c.Monitor.InitialDelay = DefaultMonitorInitialDelay
	case c.Monitor.InitialDelay < 0:
		c.Monitor.InitialDelay = 0
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = ForegroundCloseGrace
		if c.Daemon {
			c.CloseGrace = DaemonCloseGrace
		}
	}
	return c
}
