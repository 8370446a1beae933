package eventbus

import "time"

// Event types published by the scheduler.
const (
	TypeLoopStarted    = "loop.started"
	TypeLoopFinished   = "loop.finished"
	TypeLoopStalled    = "loop.stalled"
	TypeLoopFatal      = "loop.fatal"
	TypeHandlerRemoved = "handler.removed"
	TypeHandlerError   = "handler.error"
)

// LoopEvent accompanies loop.started, loop.finished and loop.fatal.
type LoopEvent struct {
	Group string `json:"group"`
	Loop  string `json:"loop"`
	Error string `json:"error,omitempty"`
}

// StallReport accompanies loop.stalled.
type StallReport struct {
	GroupID string        `json:"group_id"`
	Group   string        `json:"group"`
	Loop    string        `json:"loop"`
	Blocked time.Duration `json:"blocked"`
	At      time.Time     `json:"at"`
	Stack   string        `json:"stack,omitempty"`
}

// HandlerEvent accompanies handler.removed and handler.error.
type HandlerEvent struct {
	Group    string `json:"group"`
	Loop     string `json:"loop"`
	Handler  string `json:"handler"`
	Priority string `json:"priority"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}
