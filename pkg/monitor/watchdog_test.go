package monitor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tierloop/pkg/eventbus"
	"tierloop/pkg/eventloop"
	logx "tierloop/pkg/logx"
	"tierloop/pkg/pauser"
)

func TestWatchdogReportsStalledLoop(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, eventbus.TypeLoopStalled)
	defer unsub()

	core := eventloop.NewCoreLoop("core", pauser.NewSleepy(time.Millisecond), eventloop.WithBus(bus))
	release := make(chan struct{})
	var blocked atomic.Bool
	require.NoError(t, core.AddHandler(eventloop.Func("stuck", eventloop.PriorityMedium, func() (bool, error) {
		if blocked.CompareAndSwap(false, true) {
			<-release
		}
		return false, nil
	})))

	wd := NewWatchdog(Config{Interval: 20 * time.Millisecond, Group: "test"}, nil, logx.Nop(), bus)
	probe, err := wd.Watch(core)
	require.NoError(t, err)
	require.Same(t, wd.CoreLoop, probe.Owner())

	core.Start()
	wd.Start()
	defer func() {
		_ = wd.Close()
		_ = core.Close()
	}()

	select {
	case e := <-ch:
		r := e.Data.(eventbus.StallReport)
		require.Equal(t, "core", r.Loop)
		require.Equal(t, "test", r.Group)
		require.GreaterOrEqual(t, r.Blocked, 20*time.Millisecond)
		require.Contains(t, r.Stack, "watchdog_test.go")
	case <-time.After(5 * time.Second):
		t.Fatal("no stall reported")
	}
	close(release)
	require.Eventually(t, func() bool { return core.LoopStartNS() == eventloop.LoopIdle }, 5*time.Second, time.Millisecond)
}

func TestWatchdogDropsProbeOfFinishedLoop(t *testing.T) {
	core := eventloop.NewCoreLoop("core", pauser.NewSleepy(time.Millisecond))
	wd := NewWatchdog(Config{Interval: 5 * time.Millisecond}, nil, logx.Nop(), nil)
	_, err := wd.Watch(core)
	require.NoError(t, err)
	defer func() { _ = wd.Close() }()

	core.Start()
	require.Eventually(t, func() bool { return core.LoopStartNS() != eventloop.LoopNotStarted }, 5*time.Second, time.Millisecond)
	wd.Start()
	require.NoError(t, core.Close())

	require.Eventually(t, func() bool { return wd.Status().Handlers == 0 }, 5*time.Second, time.Millisecond)
	require.True(t, wd.IsAlive())
}
