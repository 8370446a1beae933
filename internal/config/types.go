package config

// Config is the loopd configuration file. JSON or YAML; unknown keys are
// rejected.
//
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Group   GroupConfig   `json:"group"`
	Logging LoggingConfig `json:"logging"`

	// Journal persists stall reports. Omitted means no journal.
	Journal *JournalConfig `json:"journal,omitempty"`

	Diag    DiagConfig    `json:"diag,omitempty"`
	Systemd SystemdConfig `json:"systemd,omitempty"`

	Heartbeats []HeartbeatConfig `json:"heartbeats,omitempty"`
}

// GroupConfig describes the EventGroup loopd runs. Changes need a restart.
//
// Example:
//
//	"group": {
//	  "name": "loopd",
//	  "daemon": true,
//	  "core": { "mode": "balanced", "min_sleep": "50us", "max_sleep": "20ms" },
//	  "timer": { "mode": "sleepy", "sleep": "1ms" },
//	  "concurrent_threads": 2,
//	  "monitor": { "interval": "100ms", "initial_delay": "10s" },
//	  "affinity": "2-3"
//	}
type GroupConfig struct {
	Name   string `json:"name"`
	Daemon bool   `json:"daemon"`

	Core       PauserConfig `json:"core,omitempty"`
	Timer      PauserConfig `json:"timer,omitempty"`
	Blocking   PauserConfig `json:"blocking,omitempty"`
	Concurrent PauserConfig `json:"concurrent,omitempty"`

	ConcurrentThreads int `json:"concurrent_threads,omitempty"`

	Monitor MonitorConfig `json:"monitor,omitempty"`

	// Affinity is a CPU list for the core loop, e.g. "0,2,4-7".
	Affinity string `json:"affinity,omitempty"`

	// CloseGrace overrides the per-loop shutdown grace ("20ms" daemon,
	// "5s" otherwise).
	CloseGrace string `json:"close_grace,omitempty"`
}

// PauserConfig selects an idle strategy: busy, yielding, sleepy or balanced.
type PauserConfig struct {
	Mode     string `json:"mode,omitempty"`
	Sleep    string `json:"sleep,omitempty"`
	Spin     int    `json:"spin,omitempty"`
	Yield    int    `json:"yield,omitempty"`
	MinSleep string `json:"min_sleep,omitempty"`
	MaxSleep string `json:"max_sleep,omitempty"`
}

type MonitorConfig struct {
	// Enabled is a pointer so an omitted key keeps the watchdog on.
	Enabled      *bool  `json:"enabled,omitempty"`
	Interval     string `json:"interval,omitempty"`
	InitialDelay string `json:"initial_delay,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts mirrors warn+ lines (stalls, evictions) into a separate,
// rate-limited JSON file.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// JournalConfig controls the stall journal.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./loopd.db" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// Buffer is the stall event subscription depth. Default 64.
	Buffer int `json:"buffer,omitempty"`
	// MaxRecords bounds each journal table. Default 10000.
	MaxRecords int `json:"max_records,omitempty"`
}

// DiagConfig controls the diagnostics HTTP server (/status, /stalls,
// /debug/pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// SystemdConfig controls sd_notify integration. Both are no-ops when loopd
// is not started by systemd.
type SystemdConfig struct {
	// Notify sends READY=1 after start and STOPPING=1 on shutdown.
	Notify bool `json:"notify"`
	// Watchdog pings WATCHDOG=1 from the MONITOR tier while the core loop
	// keeps making progress.
	Watchdog bool `json:"watchdog"`
}

// HeartbeatConfig is a TIMER handler logging on a schedule: cron
// ("*/5 * * * *", "@every 30s"), duration ("30s") or HH:MM ("00:30").
type HeartbeatConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	// Priority is TIMER (default) or DAEMON.
	Priority string `json:"priority,omitempty"`
	Message  string `json:"message,omitempty"`
}
