package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tierloop/pkg/eventloop"
	"tierloop/pkg/pauser"
)

const sampleYAML = `
group:
  name: edge
  daemon: true
  core:
    mode: balanced
    spin: 10
    min_sleep: 100us
    max_sleep: 5ms
  timer:
    mode: sleepy
    sleep: 2ms
  concurrent_threads: 2
  monitor:
    interval: 50ms
    initial_delay: 0s
  affinity: "0"
logging:
  level: debug
  console: false
  file:
    enabled: false
    path: ""
journal:
  driver: sqlite
  path: ./loopd.db
heartbeats:
  - name: hb
    schedule: "@every 1s"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "loopd.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	g, err := cfg.ToGroupConfig()
	require.NoError(t, err)
	require.Equal(t, "edge", g.Name)
	require.True(t, g.Daemon)
	require.Equal(t, pauser.ModeBalanced, g.Core.Mode)
	require.Equal(t, 10, g.Core.Spin)
	require.Equal(t, 100*time.Microsecond, g.Core.MinSleep)
	require.Equal(t, 5*time.Millisecond, g.Core.MaxSleep)
	require.Equal(t, pauser.Config{Mode: pauser.ModeSleepy, Sleep: 2 * time.Millisecond}, g.Timer)
	require.Equal(t, 2, g.ConcurrentThreads)
	require.Equal(t, 50*time.Millisecond, g.Monitor.Interval)
	require.Equal(t, time.Duration(-1), g.Monitor.InitialDelay)
	require.Equal(t, []int{0}, g.Affinity)
	require.False(t, g.Monitor.Disabled)

	require.Equal(t, "debug", cfg.ToLogConfig().Level)
	require.Equal(t, "sqlite", cfg.Journal.Driver)
}

func TestLoadJSONRejectsUnknownAndTrailing(t *testing.T) {
	_, err := NewConfigManager(writeFile(t, "c.json", `{"group":{"name":"x"},"telegram":{}}`)).Load()
	require.ErrorContains(t, err, "unknown field")

	_, err = NewConfigManager(writeFile(t, "c.json", `{"group":{"name":"x"}}{}`)).Load()
	require.ErrorContains(t, err, "trailing data")
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := &Config{
		Group:   GroupConfig{Core: PauserConfig{Mode: "warp"}},
		Logging: LoggingConfig{File: LoggingFile{Enabled: true}},
		Journal: &JournalConfig{Driver: "redis", MaxRecords: -1},
		Diag:    DiagConfig{ReadTimeout: "soon"},
		Heartbeats: []HeartbeatConfig{
			{Name: "a", Schedule: "1m"},
			{Name: "a", Schedule: "", Priority: "HIGH"},
			{Name: "b", Schedule: "whenever"},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"group.core.mode",
		"logging.file.path",
		`unknown driver "redis"`,
		"journal.max_records",
		"diag.read_timeout",
		`heartbeats[1].name "a" duplicated`,
		"heartbeats[1].schedule required",
		"heartbeats[1].priority",
		"heartbeats[2].schedule: invalid schedule",
	} {
		require.ErrorContains(t, err, want)
	}
}

func TestToGroupConfigDefaults(t *testing.T) {
	off := false
	cfg := &Config{Group: GroupConfig{Monitor: MonitorConfig{Enabled: &off}}}
	g, err := cfg.ToGroupConfig()
	require.NoError(t, err)
	require.Equal(t, "loopd", g.Name)
	require.True(t, g.Monitor.Disabled)
	require.Zero(t, g.Monitor.InitialDelay)
	require.Equal(t, pauser.Config{}, g.Core)

	_, err = (&Config{Group: GroupConfig{Affinity: "x"}}).ToGroupConfig()
	require.ErrorContains(t, err, "group.affinity")
	_, err = (&Config{Group: GroupConfig{Core: PauserConfig{MinSleep: "5ms", MaxSleep: "1ms"}}}).ToGroupConfig()
	require.ErrorContains(t, err, "max_sleep must be >= min_sleep")
}

func TestHeartbeatPriority(t *testing.T) {
	p, err := HeartbeatConfig{}.ParsePriority()
	require.NoError(t, err)
	require.Equal(t, eventloop.PriorityTimer, p)

	p, err = HeartbeatConfig{Priority: "daemon"}.ParsePriority()
	require.NoError(t, err)
	require.Equal(t, eventloop.PriorityDaemon, p)

	_, err = HeartbeatConfig{Priority: "MONITOR"}.ParsePriority()
	require.Error(t, err)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", " 150ms ")
	require.NoError(t, err)
	require.Equal(t, 150*time.Millisecond, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	require.Zero(t, d)

	_, err = ParseDurationField("diag.idle_timeout", "-1s")
	require.ErrorContains(t, err, "diag.idle_timeout")

	d, err = ParseDurationOrDefault("x", "0s", time.Second)
	require.NoError(t, err)
	require.Equal(t, time.Second, d)
}

func TestSummarizeChange(t *testing.T) {
	old := &Config{Logging: LoggingConfig{Level: "info"}, Diag: DiagConfig{Token: "a"}}
	nu := &Config{Logging: LoggingConfig{Level: "debug"}, Diag: DiagConfig{Token: "b"}}

	changed, attrs, restart := SummarizeChange(old, nu)
	require.Equal(t, []string{"logging"}, changed)
	require.NotEmpty(t, attrs)
	require.False(t, restart)

	nu.Group.ConcurrentThreads = 4
	nu.Journal = &JournalConfig{Driver: "file", Path: "j"}
	changed, _, restart = SummarizeChange(old, nu)
	require.Equal(t, []string{"group", "journal", "logging"}, changed)
	require.True(t, restart)

	changed, _, _ = SummarizeChange(nil, nil)
	require.Empty(t, changed)
}

func TestWatchPublishesReload(t *testing.T) {
	path := writeFile(t, "loopd.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	m.SetDebounce(10 * time.Millisecond)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher time to register the directory.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600)
		select {
		case cfg := <-ch:
			return cfg.Logging.Level == "debug"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "debug", m.Get().Logging.Level)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchRejectsInvalidReload(t *testing.T) {
	path := writeFile(t, "loopd.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	m.SetDebounce(5 * time.Millisecond)
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"journal":{"driver":"tape","path":"x"}}`), 0o600))
	m.reload(context.Background())
	require.Equal(t, "info", m.Get().Logging.Level)
	require.Nil(t, m.Get().Journal)
}

func TestToJournalConfig(t *testing.T) {
	_, ok, err := (&Config{}).ToJournalConfig()
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = (&Config{Journal: &JournalConfig{Driver: "none"}}).ToJournalConfig()
	require.NoError(t, err)
	require.False(t, ok)

	sc, ok, err := (&Config{Journal: &JournalConfig{Driver: "SQLite", Path: " j.db ", MaxRecords: 10}}).ToJournalConfig()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, "j.db", sc.Path)
	require.Equal(t, 5*time.Second, sc.BusyTimeout)
	require.Equal(t, 10, sc.MaxRecords)

	_, _, err = (&Config{Journal: &JournalConfig{Driver: "file"}}).ToJournalConfig()
	require.ErrorContains(t, err, "journal.path is required")
}
