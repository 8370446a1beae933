package eventloop

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tierloop/pkg/pauser"
)

func newTestBlocking(t *testing.T, opts ...Option) *BlockingLoop {
	t.Helper()
	l := NewBlockingLoop("blocking", pauser.Config{Mode: pauser.ModeSleepy, Sleep: time.Millisecond}, opts...)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestBlockingLoopLifecycle(t *testing.T) {
	for _, beforeStart := range []bool{true, false} {
		l := newTestBlocking(t)
		h := newCounting(PriorityBlocking)
		if beforeStart {
			require.NoError(t, l.AddHandler(h))
		}
		l.Start()
		if !beforeStart {
			require.NoError(t, l.AddHandler(h))
		}

		require.Eventually(t, func() bool { return l.IsAlive() && h.starts.Load() == 1 }, waitFor, time.Millisecond)
		require.Equal(t, [3]int32{1, 0, 0}, h.counts())

		l.Stop()
		require.Eventually(t, l.IsStopped, waitFor, time.Millisecond)
		require.Equal(t, [3]int32{1, 1, 0}, h.counts())

		require.NoError(t, l.Close())
		require.NoError(t, l.Close())
		require.Equal(t, [3]int32{1, 1, 1}, h.counts())
	}
}

func TestBlockingLoopIsolatesBlockedHandler(t *testing.T) {
	l := newTestBlocking(t, WithCloseGrace(5*time.Millisecond))
	release := make(chan struct{})
	stuck := newCounting(PriorityBlocking)
	stuck.actionFn = func(int32) (bool, error) {
		<-release
		return false, nil
	}
	free := newCounting(PriorityBlocking)
	require.NoError(t, l.AddHandler(stuck))
	require.NoError(t, l.AddHandler(free))
	l.Start()

	require.Eventually(t, func() bool { return free.actions.Load() > 10 }, waitFor, time.Millisecond)
	require.Equal(t, int32(1), stuck.actions.Load())

	require.NoError(t, l.Close())
	require.Equal(t, [3]int32{1, 1, 1}, free.counts())
	require.Zero(t, stuck.releases.Load())

	close(release)
	require.Eventually(t, func() bool { return stuck.releases.Load() == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, l.IsStopped, waitFor, time.Millisecond)
}

func TestBlockingLoopEviction(t *testing.T) {
	l := newTestBlocking(t)
	bad := newCounting(PriorityBlocking)
	bad.startErr = errors.New("refused")
	done := newCounting(PriorityBlocking)
	done.actionFn = func(n int32) (bool, error) {
		if n == 3 {
			return false, InvalidHandler(nil)
		}
		return true, errors.New("transient")
	}
	require.NoError(t, l.AddHandler(bad))
	require.NoError(t, l.AddHandler(done))
	l.Start()

	require.Eventually(t, func() bool {
		return bad.releases.Load() == 1 && done.releases.Load() == 1
	}, waitFor, time.Millisecond)
	require.Equal(t, [3]int32{1, 1, 1}, bad.counts())
	require.Equal(t, [3]int32{1, 1, 1}, done.counts())
	require.Equal(t, int32(3), done.actions.Load())
	require.True(t, l.IsAlive())
	require.Zero(t, l.Status().Handlers)
}

func TestBlockingLoopAddHandlerRacingClose(t *testing.T) {
	l := newTestBlocking(t)
	h := newCounting(PriorityBlocking)

	l.mu.Lock()
	added := make(chan error, 1)
	go func() { added <- l.AddHandler(h) }()
	// Let AddHandler get past its first closing check and block on mu.
	time.Sleep(10 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = l.Close()
		close(closed)
	}()
	require.Eventually(t, l.IsClosing, waitFor, time.Millisecond)
	l.mu.Unlock()

	require.ErrorIs(t, <-added, ErrClosed)
	<-closed
	require.Equal(t, [3]int32{0, 0, 0}, h.counts())
	require.Zero(t, l.Status().Handlers)
}
