package config

import (
	"errors"
	"fmt"
	"strings"

	"tierloop/internal/affinity"
	"tierloop/internal/handlers"
	"tierloop/pkg/eventgroup"
	"tierloop/pkg/eventloop"
	logx "tierloop/pkg/logx"
	"tierloop/pkg/pauser"
)

// ToGroupConfig converts the group section into an eventgroup.Config.
func (c *Config) ToGroupConfig() (eventgroup.Config, error) {
	g := c.Group
	out := eventgroup.Config{
		Name:              strings.TrimSpace(g.Name),
		Daemon:            g.Daemon,
		ConcurrentThreads: g.ConcurrentThreads,
	}
	if out.Name == "" {
		out.Name = "loopd"
	}
	if g.ConcurrentThreads < 0 {
		return out, fmt.Errorf("group.concurrent_threads must be >= 0")
	}

	var err error
	if out.Core, err = g.Core.toPauser("group.core"); err != nil {
		return out, err
	}
	if out.Timer, err = g.Timer.toPauser("group.timer"); err != nil {
		return out, err
	}
	if out.Blocking, err = g.Blocking.toPauser("group.blocking"); err != nil {
		return out, err
	}
	if out.Concurrent, err = g.Concurrent.toPauser("group.concurrent"); err != nil {
		return out, err
	}

	if g.Monitor.Enabled != nil && !*g.Monitor.Enabled {
		out.Monitor.Disabled = true
	}
	if out.Monitor.Interval, err = ParseDurationField("group.monitor.interval", g.Monitor.Interval); err != nil {
		return out, err
	}
	// "0s" means no delay; omitted means the default.
	if s := strings.TrimSpace(g.Monitor.InitialDelay); s != "" {
		d, err := ParseDurationField("group.monitor.initial_delay", s)
		if err != nil {
			return out, err
		}
		out.Monitor.InitialDelay = d
		if d == 0 {
			out.Monitor.InitialDelay = -1
		}
	}

	if s := strings.TrimSpace(g.Affinity); s != "" {
		cpus, err := affinity.ParseCPUs(s)
		if err != nil {
			return out, fmt.Errorf("group.affinity: %w", err)
		}
		out.Affinity = cpus
	}
	if out.CloseGrace, err = ParseDurationField("group.close_grace", g.CloseGrace); err != nil {
		return out, err
	}
	return out, nil
}

func (p PauserConfig) toPauser(path string) (pauser.Config, error) {
	var out pauser.Config
	if p == (PauserConfig{}) {
		return out, nil
	}
	mode, err := pauser.ParseMode(p.Mode)
	if err != nil {
		return out, fmt.Errorf("%s.mode: %w", path, err)
	}
	out.Mode = mode
	out.Spin = p.Spin
	out.Yield = p.Yield
	if out.Sleep, err = ParseDurationField(path+".sleep", p.Sleep); err != nil {
		return out, err
	}
	if out.MinSleep, err = ParseDurationField(path+".min_sleep", p.MinSleep); err != nil {
		return out, err
	}
	if out.MaxSleep, err = ParseDurationField(path+".max_sleep", p.MaxSleep); err != nil {
		return out, err
	}
	if out.MinSleep > 0 && out.MaxSleep > 0 && out.MaxSleep < out.MinSleep {
		return out, fmt.Errorf("%s: max_sleep must be >= min_sleep", path)
	}
	return out, nil
}

// ToLogConfig converts the logging section into a logx.Config.
func (c *Config) ToLogConfig() logx.Config {
	l := c.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			Path:       l.Alerts.Path,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

// Validate checks every section that loopd would otherwise reject at
// start-up. Errors from all sections are joined.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.ToGroupConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path required when file logging is enabled"))
	}
	if a := c.Logging.Alerts; a.Enabled && strings.TrimSpace(a.Path) == "" {
		errs = append(errs, errors.New("logging.alerts.path required when alerts are enabled"))
	}
	if j := c.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(j.Path) == "" {
				errs = append(errs, errors.New("journal.path required"))
			}
		default:
			errs = append(errs, fmt.Errorf("journal.driver: unknown driver %q", j.Driver))
		}
		if _, err := ParseDurationField("journal.busy_timeout", j.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if j.MaxRecords < 0 {
			errs = append(errs, errors.New("journal.max_records must be >= 0"))
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"diag.read_timeout", c.Diag.ReadTimeout},
		{"diag.write_timeout", c.Diag.WriteTimeout},
		{"diag.idle_timeout", c.Diag.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	seen := map[string]bool{}
	for i, hb := range c.Heartbeats {
		path := fmt.Sprintf("heartbeats[%d]", i)
		name := strings.TrimSpace(hb.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name required", path))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("%s.name %q duplicated", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(hb.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule required", path))
		} else if _, err := handlers.ParseSchedule(hb.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
		}
		if _, err := hb.ParsePriority(); err != nil {
			errs = append(errs, fmt.Errorf("%s.priority: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// ParsePriority returns the heartbeat tier: TIMER unless DAEMON is asked for.
func (h HeartbeatConfig) ParsePriority() (eventloop.Priority, error) {
	if strings.TrimSpace(h.Priority) == "" {
		return eventloop.PriorityTimer, nil
	}
	p, err := eventloop.ParsePriority(h.Priority)
	if err != nil {
		return p, err
	}
	if p != eventloop.PriorityTimer && p != eventloop.PriorityDaemon {
		return p, fmt.Errorf("heartbeats run on TIMER or DAEMON, not %s", p)
	}
	return p, nil
}
