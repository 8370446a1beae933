package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tierloop/pkg/logx"
)

// HotSections are applied by a running loopd; anything else needs a restart.
var HotSections = map[string]bool{"logging": true, "diag": true}

// SummarizeChange returns the changed sections, safe fields for logging
// (never the diag token) and whether any changed section needs a restart.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Group, newCfg.Group) {
		changed = append(changed, "group")
		g := newCfg.Group
		attrs = append(attrs,
			logx.String("group.name", g.Name),
			logx.Bool("group.daemon", g.Daemon),
			logx.String("group.core.mode", g.Core.Mode),
			logx.Int("group.concurrent_threads", g.ConcurrentThreads),
			logx.String("group.monitor.interval", g.Monitor.Interval),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		l := newCfg.Logging
		attrs = append(attrs,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.alerts_enabled", l.Alerts.Enabled),
		)
	}

	var oJ, nJ JournalConfig
	if oldCfg.Journal != nil {
		oJ = *oldCfg.Journal
	}
	if newCfg.Journal != nil {
		nJ = *newCfg.Journal
	}
	if (oldCfg.Journal == nil) != (newCfg.Journal == nil) || oJ != nJ {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", strings.TrimSpace(nJ.Driver)),
			logx.Bool("journal.path_set", strings.TrimSpace(nJ.Path) != ""),
		)
	}

	od, nd := oldCfg.Diag, newCfg.Diag
	oTok, nTok := strings.TrimSpace(od.Token) != "", strings.TrimSpace(nd.Token) != ""
	od.Token, nd.Token = "", ""
	if od != nd || oTok != nTok {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", nd.Enabled),
			logx.String("diag.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("diag.token_set", nTok),
			logx.Bool("diag.allow_insecure", nd.AllowInsecure),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	if !reflect.DeepEqual(oldCfg.Heartbeats, newCfg.Heartbeats) {
		changed = append(changed, "heartbeats")
		attrs = append(attrs, logx.Int("heartbeats.count", len(newCfg.Heartbeats)))
	}

	sort.Strings(changed)
	restart := false
	for _, s := range changed {
		if !HotSections[s] {
			restart = true
		}
	}
	return changed, attrs, restart
}
