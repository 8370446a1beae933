package eventloop

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"tierloop/internal/affinity"
	"tierloop/internal/supervisor"
	"tierloop/pkg/eventbus"
	logx "tierloop/pkg/logx"
	"tierloop/pkg/pauser"
)

// BlockingLoop gives every handler its own goroutine, so an Action that blocks
// only holds up itself. Lifecycle rules are the same as CoreLoop's; each
// handler polls with its own Pauser built from one shared Config.
type BlockingLoop struct {
	name  string
	pcfg  pauser.Config
	opts  options
	hooks hooks
	log   logx.Logger

	// mu guards workers and state transitions that spawn workers.
	mu      sync.Mutex
	workers []*worker

	state   atomic.Int32
	closing atomic.Bool
	closed  atomic.Bool
	active  atomic.Int32

	sup       *supervisor.Supervisor
	closeOnce sync.Once
}

type worker struct {
	e *entry
	p pauser.Pauser
	// mu is held while the worker goroutine runs a hook.
	mu      sync.Mutex
	spawned bool
	done    chan struct{}
}

var _ EventLoop = (*BlockingLoop)(nil)

func NewBlockingLoop(name string, pcfg pauser.Config, opts ...Option) *BlockingLoop {
	o := buildOptions(opts)
	log := o.log.With(logx.String("comp", "eventloop"), logx.String("loop", name))
	l := &BlockingLoop{
		name:  name,
		pcfg:  pcfg,
		opts:  o,
		log:   log,
		hooks: hooks{loop: name, group: o.group, log: log, bus: o.bus},
	}
	if l.opts.owner == nil {
		l.opts.owner = l
	}
	return l
}

func (l *BlockingLoop) Name() string   { return l.name }
func (l *BlockingLoop) String() string { return "BlockingLoop{" + l.name + "}" }

func (l *BlockingLoop) AddHandler(h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if l.closing.Load() {
		return fmt.Errorf("%s: %w", l.name, ErrClosed)
	}
	h.SetOwner(l.opts.owner)
	w := &worker{e: newEntry(h), p: pauser.New(l.pcfg), done: make(chan struct{})}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing.Load() {
		return fmt.Errorf("%s: %w", l.name, ErrClosed)
	}
	l.workers = append(l.workers, w)
	if loopState(l.state.Load()) == stateRunning {
		l.spawnLocked(w)
	}
	return nil
}

func (l *BlockingLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.CompareAndSwap(int32(stateNew), int32(stateRunning)) {
		return
	}
	l.sup = supervisor.New(context.Background(), supervisor.WithLogger(l.log))
	l.hooks.publishLoop(eventbus.TypeLoopStarted, nil)
	for _, w := range l.workers {
		l.spawnLocked(w)
	}
}

func (l *BlockingLoop) spawnLocked(w *worker) {
	w.spawned = true
	l.active.Add(1)
	l.sup.Go("blocking."+w.e.name, func(ctx context.Context) error {
		defer close(w.done)
		defer func() {
			if l.active.Add(-1) == 0 && loopState(l.state.Load()) != stateRunning {
				l.terminate()
			}
		}()
		l.work(ctx, w)
		return nil
	})
}

func (l *BlockingLoop) work(ctx context.Context, w *worker) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if len(l.opts.affinity) > 0 {
		if err := affinity.Set(l.opts.affinity); err != nil {
			l.log.Warn("cpu affinity not applied", logx.Err(err))
		}
	}

	for l.running(ctx) {
		busy, evicted := l.step(w)
		if evicted {
			return
		}
		if busy {
			w.p.Reset()
		} else {
			w.p.Pause()
		}
	}

	w.mu.Lock()
	l.hooks.finish(w.e)
	if l.closing.Load() {
		l.hooks.release(w.e)
	}
	w.mu.Unlock()
}

func (l *BlockingLoop) step(w *worker) (busy, evicted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := l.hooks.start(w.e); err != nil {
		l.hooks.evict(w.e, "start failed", err)
		return false, true
	}
	busy, err := l.hooks.action(w.e)
	switch {
	case err == nil:
	case IsInvalidHandler(err):
		l.hooks.evict(w.e, "invalid", nil)
		return false, true
	default:
		l.hooks.transient(w.e, err)
	}
	return busy, false
}

func (l *BlockingLoop) running(ctx context.Context) bool {
	return loopState(l.state.Load()) == stateRunning && ctx.Err() == nil
}

func (l *BlockingLoop) terminate() {
	if l.state.CompareAndSwap(int32(stateStopping), int32(stateTerminated)) {
		l.hooks.publishLoop(eventbus.TypeLoopFinished, nil)
		l.log.Debug("loop finished")
	}
}

func (l *BlockingLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.CompareAndSwap(int32(stateNew), int32(stateTerminated)) {
		return
	}
	if !l.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)) {
		return
	}
	for _, w := range l.workers {
		w.p.Unpause()
	}
	if l.active.Load() == 0 {
		l.terminate()
	}
}

func (l *BlockingLoop) Unpause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.workers {
		w.p.Unpause()
	}
}

// Close stops every worker and releases every handler. Workers stuck in an
// Action past two grace periods release their handler when they return.
func (l *BlockingLoop) Close() error {
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		l.Stop()

		l.mu.Lock()
		workers := append([]*worker(nil), l.workers...)
		l.mu.Unlock()

		if l.sup != nil && !l.awaitWorkers(workers, l.opts.closeGrace) {
			l.log.Warn("blocking handlers did not stop within grace; cancelling", logx.Duration("grace", l.opts.closeGrace))
			l.sup.Cancel()
			for _, w := range workers {
				w.p.Unpause()
			}
			l.awaitWorkers(workers, l.opts.closeGrace)
		}

		for _, w := range workers {
			if w.spawned {
				select {
				case <-w.done:
				default:
					continue
				}
			}
			w.mu.Lock()
			l.hooks.release(w.e)
			w.mu.Unlock()
		}
		l.closed.Store(true)
	})
	return nil
}

func (l *BlockingLoop) awaitWorkers(workers []*worker, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for _, w := range workers {
		if !w.spawned {
			continue
		}
		select {
		case <-w.done:
		case <-t.C:
			return false
		}
	}
	return true
}

func (l *BlockingLoop) IsAlive() bool   { return loopState(l.state.Load()) == stateRunning }
func (l *BlockingLoop) IsStopped() bool { return loopState(l.state.Load()) == stateTerminated }
func (l *BlockingLoop) IsClosing() bool { return l.closing.Load() }
func (l *BlockingLoop) IsClosed() bool  { return l.closed.Load() }

func (l *BlockingLoop) Status() LoopStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := LoopStatus{Name: l.name, State: loopState(l.state.Load()).String()}
	for _, w := range l.workers {
		select {
		case <-w.done:
			continue
		default:
		}
		st.Handlers++
		s := w.p.Stats()
		st.Pauser.Count += s.Count
		st.Pauser.Paused += s.Paused
	}
	return st
}
