package eventloop

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"tierloop/internal/affinity"
	"tierloop/internal/supervisor"
	"tierloop/pkg/eventbus"
	logx "tierloop/pkg/logx"
	"tierloop/pkg/pauser"
)

// DefaultCloseGrace is how long Close waits for the loop goroutine, twice at
// most, before giving up on it.
const DefaultCloseGrace = 20 * time.Millisecond

// Option configures a CoreLoop or BlockingLoop.
type Option func(*options)

type options struct {
	owner        EventLoop
	group        string
	log          logx.Logger
	bus          eventbus.Bus
	initialDelay time.Duration
	affinity     []int
	closeGrace   time.Duration
}

// WithOwner sets the handle handed to registered handlers. By default it is
// the loop itself.
func WithOwner(owner EventLoop) Option { return func(o *options) { o.owner = owner } }

// WithGroup names the scheduler the loop belongs to, for logs and events.
func WithGroup(name string) Option { return func(o *options) { o.group = name } }

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

// WithInitialDelay holds the first pass back by d. Stop and Close cut it short.
func WithInitialDelay(d time.Duration) Option { return func(o *options) { o.initialDelay = d } }

// WithAffinity pins the loop thread to cpus.
func WithAffinity(cpus []int) Option { return func(o *options) { o.affinity = cpus } }

// WithCloseGrace overrides DefaultCloseGrace.
func WithCloseGrace(d time.Duration) Option { return func(o *options) { o.closeGrace = d } }

func buildOptions(opts []Option) options {
	o := options{closeGrace: DefaultCloseGrace}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.bus == nil {
		o.bus = eventbus.Nop{}
	}
	if o.closeGrace <= 0 {
		o.closeGrace = DefaultCloseGrace
	}
	return o
}

// CoreLoop runs the poll-execute-evict protocol over an ordered handler list
// on one goroutine locked to its OS thread.
//
// A pass holds mu for its whole duration, so AddHandler from another goroutine
// waits for the pass in flight to end. Handlers registered from inside a pass
// (on the loop goroutine) are queued and join at the next pass.
type CoreLoop struct {
	name   string
	pauser pauser.Pauser
	opts   options
	hooks  hooks
	log    logx.Logger

	mu       sync.Mutex
	handlers []*entry

	pendMu  sync.Mutex
	pending []*entry

	state     atomic.Int32
	closing   atomic.Bool
	closed    atomic.Bool
	loopStart atomic.Int64
	goid      atomic.Int64

	sup       *supervisor.Supervisor
	delayWake chan struct{}
	exited    chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

var _ EventLoop = (*CoreLoop)(nil)

func NewCoreLoop(name string, p pauser.Pauser, opts ...Option) *CoreLoop {
	if p == nil {
		p = pauser.New(pauser.Config{})
	}
	o := buildOptions(opts)
	log := o.log.With(logx.String("comp", "eventloop"), logx.String("loop", name))
	l := &CoreLoop{
		name:      name,
		pauser:    p,
		opts:      o,
		log:       log,
		hooks:     hooks{loop: name, group: o.group, log: log, bus: o.bus},
		delayWake: make(chan struct{}, 1),
		exited:    make(chan struct{}),
	}
	if l.opts.owner == nil {
		l.opts.owner = l
	}
	return l
}

func (l *CoreLoop) Name() string { return l.name }

func (l *CoreLoop) String() string { return "CoreLoop{" + l.name + "}" }

// AddHandler appends h and wakes the loop so the next pass picks it up.
func (l *CoreLoop) AddHandler(h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if l.closing.Load() {
		return fmt.Errorf("%s: %w", l.name, ErrClosed)
	}
	h.SetOwner(l.opts.owner)
	e := newEntry(h)

	// closing is checked again under the lock releaseAll takes, so an
	// accepted handler is always released.
	if id := l.goid.Load(); id != 0 && id == goroutineID() {
		l.pendMu.Lock()
		if l.closing.Load() {
			l.pendMu.Unlock()
			return fmt.Errorf("%s: %w", l.name, ErrClosed)
		}
		l.pending = append(l.pending, e)
		l.pendMu.Unlock()
	} else {
		l.mu.Lock()
		if l.closing.Load() {
			l.mu.Unlock()
			return fmt.Errorf("%s: %w", l.name, ErrClosed)
		}
		l.handlers = append(l.handlers, e)
		l.mu.Unlock()
	}
	l.pauser.Unpause()
	return nil
}

// Start spawns the loop goroutine. Only the first call has an effect, and
// not after Stop.
func (l *CoreLoop) Start() {
	l.startOnce.Do(func() {
		if !l.state.CompareAndSwap(int32(stateNew), int32(stateRunning)) {
			return
		}
		l.sup = supervisor.New(context.Background(), supervisor.WithLogger(l.log))
		l.sup.Go("loop."+l.name, l.run)
	})
}

// Stop requests the loop to exit at the next pass boundary.
func (l *CoreLoop) Stop() {
	if l.state.CompareAndSwap(int32(stateNew), int32(stateTerminated)) {
		return
	}
	if l.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)) {
		l.log.Debug("loop stop requested")
	}
	l.wake()
}

func (l *CoreLoop) Unpause() { l.pauser.Unpause() }

func (l *CoreLoop) wake() {
	select {
	case l.delayWake <- struct{}{}:
	default:
	}
	l.pauser.Unpause()
}

// Close stops the loop, waits up to the close grace for it to exit, cancels it
// and waits once more, then releases every handler. If the goroutine is
// stuck inside a handler it releases the handlers itself when it gets out.
func (l *CoreLoop) Close() error {
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		l.Stop()

		if l.sup != nil && !l.awaitExit(l.opts.closeGrace) {
			l.log.Warn("loop did not stop within grace; cancelling", logx.Duration("grace", l.opts.closeGrace))
			l.sup.Cancel()
			l.wake()
			if !l.awaitExit(l.opts.closeGrace) {
				l.log.Warn("loop still running after cancel; handlers released on exit")
				l.closed.Store(true)
				return
			}
		}
		l.releaseAll()
		l.closed.Store(true)
	})
	return nil
}

func (l *CoreLoop) awaitExit(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-l.exited:
		return true
	case <-t.C:
		return false
	}
}

func (l *CoreLoop) IsAlive() bool   { return loopState(l.state.Load()) == stateRunning }
func (l *CoreLoop) IsStopped() bool { return loopState(l.state.Load()) == stateTerminated }
func (l *CoreLoop) IsClosing() bool { return l.closing.Load() }
func (l *CoreLoop) IsClosed() bool  { return l.closed.Load() }

// LoopStartNS is the Nanotime at which the current pass started, LoopIdle
// between passes, or LoopNotStarted. Safe to read from any goroutine.
func (l *CoreLoop) LoopStartNS() int64 { return l.loopStart.Load() }

// Stack returns the loop goroutine's current stack, "" if it is not running.
func (l *CoreLoop) Stack() string { return goroutineStack(l.goid.Load()) }

// Status reports the loop for diagnostics. It does not wait for a pass.
func (l *CoreLoop) Status() LoopStatus {
	st := LoopStatus{
		Name:   l.name,
		State:  loopState(l.state.Load()).String(),
		Pauser: l.pauser.Stats(),
	}
	if ts := l.loopStart.Load(); ts != LoopNotStarted && ts != LoopIdle {
		st.InPass = time.Duration(Nanotime() - ts)
	}
	if l.mu.TryLock() {
		st.Handlers = len(l.handlers)
		l.mu.Unlock()
	} else {
		st.Handlers = -1
	}
	l.pendMu.Lock()
	if st.Handlers >= 0 {
		st.Handlers += len(l.pending)
	}
	l.pendMu.Unlock()
	return st
}

func (l *CoreLoop) running(ctx context.Context) bool {
	return loopState(l.state.Load()) == stateRunning && ctx.Err() == nil
}

func (l *CoreLoop) run(ctx context.Context) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.goid.Store(goroutineID())

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loop %s: panic: %v", l.name, r)
			l.log.Error("loop terminated by fatal error", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			l.hooks.publishLoop(eventbus.TypeLoopFatal, err)
		}
		l.loopStart.Store(LoopIdle)
		l.finishAll()
		if l.closing.Load() {
			l.releaseAll()
		}
		l.state.Store(int32(stateTerminated))
		l.goid.Store(0)
		close(l.exited)
		l.hooks.publishLoop(eventbus.TypeLoopFinished, nil)
		l.log.Debug("loop finished")
	}()

	if len(l.opts.affinity) > 0 {
		if err := affinity.Set(l.opts.affinity); err != nil {
			l.log.Warn("cpu affinity not applied", logx.Err(err))
		}
	}

	l.hooks.publishLoop(eventbus.TypeLoopStarted, nil)
	l.log.Debug("loop started")

	if d := l.opts.initialDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-l.delayWake:
			t.Stop()
		case <-ctx.Done():
			t.Stop()
		}
	}

	for l.running(ctx) {
		if l.runPass() {
			l.pauser.Reset()
			continue
		}
		l.loopStart.Store(LoopIdle)
		l.pauser.Pause()
	}
	return nil
}

// runPass polls every handler once and reports whether any did work.
func (l *CoreLoop) runPass() (busy bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.loopStart.Store(Nanotime())
	l.mergePending()

	for i := 0; i < len(l.handlers); i++ {
		e := l.handlers[i]
		if err := l.hooks.start(e); err != nil {
			l.removeAt(i)
			i--
			l.hooks.evict(e, "start failed", err)
			continue
		}

		b, err := l.hooks.action(e)
		busy = busy || b
		if err == nil {
			continue
		}
		if IsInvalidHandler(err) {
			l.removeAt(i)
			i--
			l.hooks.evict(e, "invalid", nil)
			continue
		}
		l.hooks.transient(e, err)
	}
	return busy
}

func (l *CoreLoop) mergePending() {
	l.pendMu.Lock()
	if len(l.pending) > 0 {
		l.handlers = append(l.handlers, l.pending...)
		clear(l.pending)
		l.pending = l.pending[:0]
	}
	l.pendMu.Unlock()
}

// removeAt deletes index i in place, keeping order. Caller holds mu.
func (l *CoreLoop) removeAt(i int) {
	copy(l.handlers[i:], l.handlers[i+1:])
	l.handlers[len(l.handlers)-1] = nil
	l.handlers = l.handlers[:len(l.handlers)-1]
}

func (l *CoreLoop) finishAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mergePending()
	for _, e := range l.handlers {
		l.hooks.finish(e)
	}
}

func (l *CoreLoop) releaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mergePending()
	for _, e := range l.handlers {
		l.hooks.release(e)
	}
}
