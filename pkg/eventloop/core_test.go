package eventloop

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tierloop/pkg/eventbus"
	"tierloop/pkg/pauser"
)

const waitFor = 5 * time.Second

type countingHandler struct {
	HandlerBase
	starts, actions, finishes, releases atomic.Int32

	startErr    error
	startPanic  bool
	finishPanic bool
	releaseErr  error
	actionFn    func(n int32) (bool, error)
}

func newCounting(p Priority) *countingHandler {
	return &countingHandler{HandlerBase: HandlerBase{Prio: p}}
}

func (h *countingHandler) OnStart() error {
	h.starts.Add(1)
	if h.startPanic {
		panic("start exploded")
	}
	return h.startErr
}

func (h *countingHandler) Action() (bool, error) {
	n := h.actions.Add(1)
	if h.actionFn != nil {
		return h.actionFn(n)
	}
	return false, nil
}

func (h *countingHandler) OnFinish() error {
	h.finishes.Add(1)
	if h.finishPanic {
		panic("finish exploded")
	}
	return nil
}

func (h *countingHandler) OnRelease() error {
	h.releases.Add(1)
	return h.releaseErr
}

func (h *countingHandler) counts() [3]int32 {
	return [3]int32{h.starts.Load(), h.finishes.Load(), h.releases.Load()}
}

func newTestCore(t *testing.T, opts ...Option) *CoreLoop {
	t.Helper()
	l := NewCoreLoop("core", pauser.NewSleepy(time.Millisecond), opts...)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestCoreLoopLifecycle(t *testing.T) {
	for _, tc := range []struct {
		name        string
		beforeStart bool
	}{
		{"registered before start", true},
		{"registered after start", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := newTestCore(t)
			h := newCounting(PriorityMedium)
			if tc.beforeStart {
				require.NoError(t, l.AddHandler(h))
			}
			l.Start()
			if !tc.beforeStart {
				require.NoError(t, l.AddHandler(h))
			}

			require.Eventually(t, func() bool { return l.IsAlive() && h.starts.Load() == 1 }, waitFor, time.Millisecond)
			require.Equal(t, [3]int32{1, 0, 0}, h.counts())
			require.Same(t, l, h.Owner())

			l.Stop()
			require.Eventually(t, l.IsStopped, waitFor, time.Millisecond)
			require.Equal(t, [3]int32{1, 1, 0}, h.counts())

			require.NoError(t, l.Close())
			require.True(t, l.IsClosed())
			require.Equal(t, [3]int32{1, 1, 1}, h.counts())

			actions := h.actions.Load()
			time.Sleep(10 * time.Millisecond)
			require.Equal(t, actions, h.actions.Load())
		})
	}
}

func TestCoreLoopStartFailureEvicts(t *testing.T) {
	for _, tc := range []struct {
		name string
		h    *countingHandler
	}{
		{"error", &countingHandler{startErr: errors.New("no resources")}},
		{"panic", &countingHandler{startPanic: true}},
		{"every hook fails", &countingHandler{
			startErr:    errors.New("no resources"),
			finishPanic: true,
			releaseErr:  errors.New("already gone"),
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := newTestCore(t)
			require.NoError(t, l.AddHandler(tc.h))
			l.Start()

			require.Eventually(t, func() bool { return tc.h.releases.Load() == 1 }, waitFor, time.Millisecond)
			require.Equal(t, [3]int32{1, 1, 1}, tc.h.counts())
			require.Zero(t, tc.h.actions.Load())
			require.Eventually(t, func() bool { return l.Status().Handlers == 0 }, waitFor, time.Millisecond)

			require.True(t, l.IsAlive())
			require.False(t, l.IsStopped())
			require.False(t, l.IsClosing())
			require.False(t, l.IsClosed())

			require.NoError(t, l.Close())
			require.Equal(t, [3]int32{1, 1, 1}, tc.h.counts())
		})
	}
}

func TestCoreLoopTransientErrorsKeepHandler(t *testing.T) {
	l := newTestCore(t)
	h := newCounting(PriorityMedium)
	h.actionFn = func(n int32) (bool, error) {
		if n%2 == 0 {
			panic("flaky")
		}
		return false, errors.New("try again")
	}
	require.NoError(t, l.AddHandler(h))
	l.Start()

	require.Eventually(t, func() bool { return h.actions.Load() > 20 }, waitFor, time.Millisecond)
	require.True(t, l.IsAlive())
	require.Equal(t, [3]int32{1, 0, 0}, h.counts())

	l.Stop()
	require.Eventually(t, l.IsStopped, waitFor, time.Millisecond)
	require.NoError(t, l.Close())
	require.Equal(t, [3]int32{1, 1, 1}, h.counts())
}

func TestCoreLoopInvalidHandlerEvicted(t *testing.T) {
	bus := eventbus.New()
	removed, unsub := bus.Subscribe(4, eventbus.TypeHandlerRemoved)
	defer unsub()

	l := newTestCore(t, WithBus(bus), WithGroup("g"))
	done := Func("drain", PriorityMedium, func() (bool, error) {
		return true, InvalidHandler(errors.New("queue drained"))
	})
	stays := newCounting(PriorityMedium)
	require.NoError(t, l.AddHandler(done))
	require.NoError(t, l.AddHandler(stays))
	l.Start()

	select {
	case e := <-removed:
		ev := e.Data.(eventbus.HandlerEvent)
		require.Equal(t, "drain", ev.Handler)
		require.Equal(t, "invalid", ev.Reason)
		require.Equal(t, "g", ev.Group)
		require.Equal(t, "MEDIUM", ev.Priority)
	case <-time.After(waitFor):
		t.Fatal("no handler.removed event")
	}
	require.Eventually(t, func() bool { return stays.actions.Load() > 2 }, waitFor, time.Millisecond)
	require.Equal(t, 1, l.Status().Handlers)
}

func TestCoreLoopRegistrationOrder(t *testing.T) {
	l := newTestCore(t)
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, l.AddHandler(Func(name, PriorityHigh, func() (bool, error) {
			order = append(order, name)
			return false, InvalidHandler(nil)
		})))
	}
	l.Start()
	require.Eventually(t, func() bool { return l.Status().Handlers == 0 }, waitFor, time.Millisecond)
	l.Stop()
	require.Eventually(t, l.IsStopped, waitFor, time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestCoreLoopAddHandlerFromAction(t *testing.T) {
	l := newTestCore(t)
	child := newCounting(PriorityMedium)
	var added atomic.Bool
	parent := Func("parent", PriorityMedium, func() (bool, error) {
		if added.CompareAndSwap(false, true) {
			if err := l.AddHandler(child); err != nil {
				return false, err
			}
		}
		return false, nil
	})
	require.NoError(t, l.AddHandler(parent))
	l.Start()

	require.Eventually(t, func() bool { return child.actions.Load() > 0 }, waitFor, time.Millisecond)
	require.Equal(t, int32(1), child.starts.Load())
}

func TestCoreLoopCloseIdempotent(t *testing.T) {
	l := newTestCore(t)
	h := newCounting(PriorityMedium)
	require.NoError(t, l.AddHandler(h))
	l.Start()
	require.Eventually(t, func() bool { return h.starts.Load() == 1 }, waitFor, time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Close())
	}
	require.Equal(t, [3]int32{1, 1, 1}, h.counts())
	require.True(t, l.IsStopped())
	require.ErrorIs(t, l.AddHandler(newCounting(PriorityMedium)), ErrClosed)
}

func TestCoreLoopCloseNeverStarted(t *testing.T) {
	l := newTestCore(t)
	h := newCounting(PriorityMedium)
	require.NoError(t, l.AddHandler(h))

	require.NoError(t, l.Close())
	require.True(t, l.IsStopped())
	require.True(t, l.IsClosed())
	require.Equal(t, [3]int32{0, 0, 1}, h.counts())

	l.Start()
	require.False(t, l.IsAlive())
}

func TestCoreLoopCloseWithStuckHandler(t *testing.T) {
	l := newTestCore(t, WithCloseGrace(5*time.Millisecond))
	release := make(chan struct{})
	h := newCounting(PriorityMedium)
	h.actionFn = func(int32) (bool, error) {
		<-release
		return false, nil
	}
	require.NoError(t, l.AddHandler(h))
	l.Start()
	require.Eventually(t, func() bool { return h.actions.Load() == 1 }, waitFor, time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Close())
	require.Less(t, time.Since(start), time.Second)
	require.True(t, l.IsClosing())
	require.Zero(t, h.releases.Load())

	close(release)
	require.Eventually(t, func() bool { return h.releases.Load() == 1 }, waitFor, time.Millisecond)
	require.Equal(t, [3]int32{1, 1, 1}, h.counts())
}

func TestCoreLoopPollStart(t *testing.T) {
	l := newTestCore(t)
	require.Equal(t, LoopNotStarted, l.LoopStartNS())

	release := make(chan struct{})
	var blocked atomic.Bool
	require.NoError(t, l.AddHandler(Func("slow", PriorityMedium, func() (bool, error) {
		if blocked.CompareAndSwap(false, true) {
			<-release
		}
		return false, nil
	})))
	l.Start()

	require.Eventually(t, blocked.Load, waitFor, time.Millisecond)
	ts := l.LoopStartNS()
	require.NotEqual(t, LoopNotStarted, ts)
	require.NotEqual(t, LoopIdle, ts)
	require.Contains(t, l.Stack(), "core_test.go")
	require.Equal(t, -1, l.Status().Handlers)

	close(release)
	require.Eventually(t, func() bool { return l.LoopStartNS() != ts }, waitFor, time.Millisecond)
}

func TestCoreLoopInitialDelayCutShortByStop(t *testing.T) {
	l := newTestCore(t, WithInitialDelay(time.Hour))
	h := newCounting(PriorityMedium)
	require.NoError(t, l.AddHandler(h))
	l.Start()
	require.True(t, l.IsAlive())

	l.Stop()
	require.Eventually(t, l.IsStopped, waitFor, time.Millisecond)
	require.Zero(t, h.starts.Load())
}

func TestCoreLoopEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.TypeLoopStarted, eventbus.TypeLoopFinished)
	defer unsub()

	l := newTestCore(t, WithBus(bus), WithGroup("g"))
	l.Start()
	l.Stop()

	var got []string
	for len(got) < 2 {
		select {
		case e := <-ch:
			require.Equal(t, "core", e.Data.(eventbus.LoopEvent).Loop)
			got = append(got, e.Type)
		case <-time.After(waitFor):
			t.Fatalf("events so far: %v", got)
		}
	}
	require.Equal(t, []string{eventbus.TypeLoopStarted, eventbus.TypeLoopFinished}, got)
}

func TestOwnerSetOnce(t *testing.T) {
	a := NewCoreLoop("a", nil)
	b := NewCoreLoop("b", nil)
	h := newCounting(PriorityMedium)
	require.NoError(t, a.AddHandler(h))
	require.NoError(t, b.AddHandler(h))
	require.Same(t, a, h.Owner())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestWithOwner(t *testing.T) {
	outer := NewCoreLoop("outer", nil)
	l := NewCoreLoop("inner", nil, WithOwner(outer))
	h := newCounting(PriorityMonitor)
	require.NoError(t, l.AddHandler(h))
	require.Same(t, outer, h.Owner())
	require.ErrorIs(t, l.AddHandler(nil), ErrNilHandler)
}

func TestCoreLoopFailingFinishAndReleaseAreSwallowed(t *testing.T) {
	l := newTestCore(t)
	bad := newCounting(PriorityMedium)
	bad.finishPanic = true
	bad.releaseErr = errors.New("already gone")
	good := newCounting(PriorityMedium)
	require.NoError(t, l.AddHandler(bad))
	require.NoError(t, l.AddHandler(good))
	l.Start()
	require.Eventually(t, func() bool { return good.actions.Load() > 2 }, waitFor, time.Millisecond)

	l.Stop()
	require.Eventually(t, l.IsStopped, waitFor, time.Millisecond)
	require.Equal(t, [3]int32{1, 1, 0}, bad.counts())
	require.Equal(t, [3]int32{1, 1, 0}, good.counts())

	require.NoError(t, l.Close())
	require.Equal(t, [3]int32{1, 1, 1}, bad.counts())
	require.Equal(t, [3]int32{1, 1, 1}, good.counts())
}

// explodingError panics when formatted, which takes the loop down from
// outside any handler hook.
type explodingError struct{}

func (explodingError) Error() string { panic("error formatting exploded") }

func TestCoreLoopFatalPanicTerminatesLoop(t *testing.T) {
	bus := eventbus.New()
	fatal, unsub := bus.Subscribe(4, eventbus.TypeLoopFatal)
	defer unsub()

	l := newTestCore(t, WithBus(bus), WithGroup("g"))
	h := newCounting(PriorityMedium)
	h.actionFn = func(int32) (bool, error) { return false, explodingError{} }
	require.NoError(t, l.AddHandler(h))
	l.Start()

	select {
	case e := <-fatal:
		ev := e.Data.(eventbus.LoopEvent)
		require.Equal(t, "core", ev.Loop)
		require.Equal(t, "g", ev.Group)
		require.Contains(t, ev.Error, "error formatting exploded")
	case <-time.After(waitFor):
		t.Fatal("no loop.fatal event")
	}

	require.Eventually(t, l.IsStopped, waitFor, time.Millisecond)
	require.False(t, l.IsAlive())
	require.Equal(t, int32(1), h.actions.Load())
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(1), h.actions.Load())
	require.Equal(t, [3]int32{1, 1, 0}, h.counts())

	require.NoError(t, l.Close())
	require.Equal(t, [3]int32{1, 1, 1}, h.counts())
}

func TestCoreLoopAddHandlerRacingClose(t *testing.T) {
	l := newTestCore(t)
	h := newCounting(PriorityMedium)

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
