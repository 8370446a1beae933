package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tierloop/internal/storage"
	logx "tierloop/pkg/logx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "loopd.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestCheckPrintsLayout(t *testing.T) {
	cfg := writeConfig(t, `{"group":{"name":"edge","concurrent_threads":2},"heartbeats":[{"name":"hb","schedule":"30s"}]}`)
	out, err := execute(t, "check", "--config", cfg)
	require.NoError(t, err)
	require.Contains(t, out, "group       edge (daemon=false)")
	require.Contains(t, out, "concurrent  threads=2 pauser=balanced")
	require.Contains(t, out, "timer       pauser=sleepy")
	require.Contains(t, out, `heartbeat   hb "30s" on TIMER`)
}

func TestCheckRejectsInvalid(t *testing.T) {
	cfg := writeConfig(t, `{"group":{"core":{"mode":"warp"}}}`)
	_, err := execute(t, "check", "-c", cfg)
	require.ErrorContains(t, err, "group.core.mode")
}

func TestStallsAndEventsCommands(t *testing.T) {
	dir := t.TempDir()
	jpath := filepath.Join(dir, "journal")
	cfg := writeConfig(t, `{"journal":{"driver":"file","path":"`+jpath+`"}}`)

	out, err := execute(t, "stalls", "-c", cfg)
	require.NoError(t, err)
	require.Contains(t, out, "No stalls recorded.")

	st, err := storage.Open(storage.Config{Driver: "file", Path: jpath}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.AppendStall(ctx, storage.StallRecord{Loop: "main/core", BlockedMS: 1500, Stack: "goroutine 7 [running]:\nmain.spin()"}))
	require.NoError(t, st.AppendEvent(ctx, storage.EventRecord{Type: "handler.removed", Loop: "main/timer", Handler: "hb", Detail: "invalid"}))
	require.NoError(t, st.Close())

	out, err = execute(t, "stalls", "-c", cfg, "--stack")
	require.NoError(t, err)
	require.Contains(t, out, "main/core")
	require.Contains(t, out, "1.5s")
	require.Contains(t, out, "    goroutine 7 [running]:")

	out, err = execute(t, "stalls", "-c", cfg, "--json")
	require.NoError(t, err)
	require.Contains(t, out, `"blocked_ms": 1500`)
	require.NotContains(t, out, "goroutine 7")

	out, err = execute(t, "events", "-c", cfg, "--loop", "main/timer")
	require.NoError(t, err)
	require.Contains(t, out, "handler.removed")
	require.Contains(t, out, "hb")
}

func TestStallsWithoutJournal(t *testing.T) {
	cfg := writeConfig(t, `{}`)
	_, err := execute(t, "stalls", "-c", cfg)
	require.ErrorContains(t, err, "journal is not configured")
}
