package handlers

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tierloop/pkg/eventloop"
	logx "tierloop/pkg/logx"
)

type fakeLoop struct {
	alive atomic.Bool
	start atomic.Int64
}

func (f *fakeLoop) Name() string       { return "g/core" }
func (f *fakeLoop) IsAlive() bool      { return f.alive.Load() }
func (f *fakeLoop) LoopStartNS() int64 { return f.start.Load() }
func (f *fakeLoop) Stack() string      { return "" }

func newTestWatchdog(target *fakeLoop) (*SystemdWatchdog, *[]string, *int64) {
	var sent []string
	var clock int64 = 1
	w := newSystemdWatchdog(target, 100*time.Millisecond, func(s string) (bool, error) {
		sent = append(sent, s)
		return true, nil
	}, logx.Nop())
	w.nanotime = func() int64 { return clock }
	return w, &sent, &clock
}

func TestSystemdWatchdogPingsWhileProgressing(t *testing.T) {
	target := &fakeLoop{}
	target.alive.Store(true)
	target.start.Store(eventloop.LoopIdle)
	w, sent, clock := newTestWatchdog(target)
	require.Equal(t, eventloop.PriorityMonitor, w.Priority())

	busy, err := w.Action()
	require.NoError(t, err)
	require.True(t, busy)
	require.Equal(t, []string{"WATCHDOG=1"}, *sent)

	*clock += int64(50 * time.Millisecond)
	busy, _ = w.Action()
	require.False(t, busy, "interval not elapsed")

	*clock += int64(60 * time.Millisecond)
	target.start.Store(*clock - int64(10*time.Millisecond))
	busy, _ = w.Action()
	require.True(t, busy, "young pass is progress")
	require.Equal(t, uint64(2), w.Pings())
}

func TestSystemdWatchdogWithholdsWhenStuck(t *testing.T) {
	target := &fakeLoop{}
	target.alive.Store(true)
	w, sent, clock := newTestWatchdog(target)

	*clock = int64(time.Second)
	target.start.Store(*clock - int64(150*time.Millisecond))
	busy, err := w.Action()
	require.NoError(t, err)
	require.False(t, busy)
	require.Empty(t, *sent)
	require.Equal(t, uint64(1), w.Skipped())

	target.alive.Store(false)
	target.start.Store(eventloop.LoopIdle)
	_, _ = w.Action()
	require.Empty(t, *sent)

	target.alive.Store(true)
	busy, _ = w.Action()
	require.True(t, busy)
	require.Zero(t, w.Skipped())
}

func TestSystemdWatchdogNotifyError(t *testing.T) {
	target := &fakeLoop{}
	target.alive.Store(true)
	w := newSystemdWatchdog(target, time.Second, func(string) (bool, error) {
		return false, errors.New("socket gone")
	}, logx.Nop())
	_, err := w.Action()
	require.ErrorContains(t, err, "socket gone")
	require.Zero(t, w.Pings())
}

func TestNewSystemdWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	w, err := NewSystemdWatchdog(&fakeLoop{}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, w)
}
