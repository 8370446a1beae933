package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "loopd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

type notifyRecorder struct {
	mu   sync.Mutex
	sent []string
}

func (n *notifyRecorder) notify(state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, state)
	return true, nil
}

func (n *notifyRecorder) states() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
group:
  name: app
  daemon: true
  core:
    mode: sleepy
    sleep: 1ms
  monitor:
    interval: 10ms
    initial_delay: 10ms
logging:
  level: error
  console: false
journal:
  driver: file
  path: `+filepath.Join(dir, "journal")+`
systemd:
  notify: true
heartbeats:
  - name: hb
    schedule: "@every 1s"
`)
	a, err := NewApp(path)
	require.NoError(t, err)
	require.NotNil(t, a.Store())
	require.Len(t, a.heartbeats, 1)
	require.Nil(t, a.sdWatchdog)

	n := &notifyRecorder{}
	a.notify = n.notify

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, func() bool { return a.Group().IsAlive() }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"READY=1"}, n.states())
	require.False(t, a.diag.Enabled())

	require.Eventually(t, func() bool { return a.heartbeats[0].Fired() > 0 }, 5*time.Second, 20*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	require.True(t, a.Group().IsClosed())
	require.Equal(t, []string{"READY=1", "STOPPING=1"}, n.states())
	<-a.Done()
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := NewApp(writeConfig(t, dir, `
heartbeats:
  - name: hb
    schedule: "whenever"
`))
	require.ErrorContains(t, err, "heartbeats[0].schedule")

	_, err = NewApp(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestStopBeforeStart(t *testing.T) {
	a := &App{}
	require.NoError(t, a.Stop(context.Background(), StopUnknown))
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed before Start")
	}
	require.NoError(t, a.Err())
}
