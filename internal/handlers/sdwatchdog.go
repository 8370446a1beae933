package handlers

import (
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tierloop/pkg/eventloop"
	logx "tierloop/pkg/logx"
	"tierloop/pkg/monitor"
)

// SystemdWatchdog pings systemd's watchdog from the MONITOR tier while the
// watched loop makes progress. A loop stuck in one pass for longer than the
// ping interval stops the pings, so systemd restarts the service.
type SystemdWatchdog struct {
	eventloop.HandlerBase

	target   monitor.Monitored
	interval time.Duration
	notify   func(state string) (bool, error)
	nanotime func() int64
	log      logx.Logger

	lastPing int64
	pings    atomic.Uint64
	skipped  atomic.Uint64
}

// NewSystemdWatchdog returns nil when the service manager did not ask for
// watchdog pings (WATCHDOG_USEC unset or meant for another process).
func NewSystemdWatchdog(target monitor.Monitored, log logx.Logger) (*SystemdWatchdog, error) {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return nil, err
	}
	// Ping twice per systemd timeout.
	return newSystemdWatchdog(target, d/2, func(state string) (bool, error) {
		return daemon.SdNotify(false, state)
	}, log), nil
}

func newSystemdWatchdog(target monitor.Monitored, interval time.Duration, notify func(string) (bool, error), log logx.Logger) *SystemdWatchdog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SystemdWatchdog{
		HandlerBase: eventloop.HandlerBase{Prio: eventloop.PriorityMonitor},
		target:      target,
		interval:    interval,
		notify:      notify,
		nanotime:    eventloop.Nanotime,
		log:         log.With(logx.String("comp", "sd_watchdog"), logx.String("loop", target.Name())),
	}
}

func (w *SystemdWatchdog) String() string { return "sd-watchdog:" + w.target.Name() }

// Interval is the ping period, half of WATCHDOG_USEC.
func (w *SystemdWatchdog) Interval() time.Duration { return w.interval }

func (w *SystemdWatchdog) Pings() uint64   { return w.pings.Load() }
func (w *SystemdWatchdog) Skipped() uint64 { return w.skipped.Load() }

func (w *SystemdWatchdog) Action() (bool, error) {
	now := w.nanotime()
	if w.lastPing != 0 && now-w.lastPing < int64(w.interval) {
		return false, nil
	}
	if !w.healthy(now) {
		if w.skipped.Add(1) == 1 {
			w.log.Warn("withholding systemd watchdog ping; loop is not progressing")
		}
		return false, nil
	}
	if _, err := w.notify(daemon.SdNotifyWatchdog); err != nil {
		return false, err
	}
	w.lastPing = now
	w.pings.Add(1)
	w.skipped.Store(0)
	return true, nil
}

// healthy is true when the target is running and either idle or inside a
// pass younger than one ping interval.
func (w *SystemdWatchdog) healthy(now int64) bool {
	if !w.target.IsAlive() {
		return false
	}
	start := w.target.LoopStartNS()
	if start == eventloop.LoopNotStarted || start == eventloop.LoopIdle {
		return true
	}
	return now-start < int64(w.interval)
}
