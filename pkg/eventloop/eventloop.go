package eventloop

import (
	"math"
	"time"

	"tierloop/pkg/pauser"
)

// EventLoop is the handle a handler gets back to its scheduler. Both a single
// loop and an EventGroup implement it.
type EventLoop interface {
	Name() string
	// AddHandler registers h; it is valid before and after Start and the
	// handler is picked up on the next pass.
	AddHandler(h Handler) error
	Start()
	// Stop is cooperative: it takes effect at the next pass boundary.
	Stop()
	// Close stops, waits a bounded grace period and releases every handler.
	// Calling it again is a no-op.
	Close() error
	// Unpause cuts short an idle wait.
	Unpause()

	IsAlive() bool
	IsStopped() bool
	IsClosing() bool
	IsClosed() bool
}

// LoopStatus is a point-in-time view of one loop, for diagnostics.
type LoopStatus struct {
	Name     string       `json:"name"`
	State    string       `json:"state"`
	Handlers int          `json:"handlers"`
	Pauser   pauser.Stats `json:"pauser"`
	// InPass is how long the current pass has been running; zero when idle.
	InPass time.Duration `json:"in_pass"`
}

const (
	// LoopNotStarted is the poll-start value of a loop that never ran a pass.
	LoopNotStarted int64 = 0
	// LoopIdle is the poll-start value while a loop is between passes.
	LoopIdle int64 = math.MaxInt64
)

var epoch = time.Now()

// Nanotime is a monotonic clock in nanoseconds. It never returns
// LoopNotStarted.
func Nanotime() int64 { return int64(time.Since(epoch)) + 1 }

type loopState int32

const (
	stateNew loopState = iota
	stateRunning
	stateStopping
	stateTerminated
)

func (s loopState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateTerminated:
		return "terminated"
	}
	return "unknown"
}
