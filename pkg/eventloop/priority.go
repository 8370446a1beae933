package eventloop

import (
	"fmt"
	"strings"
)

// Priority is the tier a handler declares. It decides which loop of an
// EventGroup runs the handler; it never changes after construction.
type Priority int

const (
	// PriorityMedium is the zero value: ordinary work on the core loop.
	PriorityMedium Priority = iota
	// PriorityHigh shares the core loop with MEDIUM.
	PriorityHigh
	// PriorityTimer runs on the timer loop.
	PriorityTimer
	// PriorityDaemon runs on the timer loop; housekeeping that may lag.
	PriorityDaemon
	// PriorityMonitor runs on the watchdog loop.
	PriorityMonitor
	// PriorityBlocking gets a goroutine of its own and may block.
	PriorityBlocking
	// PriorityConcurrent is spread over the concurrent loops.
	PriorityConcurrent
)

var priorityNames = [...]string{
	PriorityMedium:     "MEDIUM",
	PriorityHigh:       "HIGH",
	PriorityTimer:      "TIMER",
	PriorityDaemon:     "DAEMON",
	PriorityMonitor:    "MONITOR",
	PriorityBlocking:   "BLOCKING",
	PriorityConcurrent: "CONCURRENT",
}

// Priorities returns every tier, highest first.
func Priorities() []Priority {
	return []Priority{
		PriorityHigh,
		PriorityMedium,
		PriorityTimer,
		PriorityDaemon,
		PriorityMonitor,
		PriorityBlocking,
		PriorityConcurrent,
	}
}

func (p Priority) Valid() bool { return p >= 0 && int(p) < len(priorityNames) }

func (p Priority) String() string {
	if p.Valid() {
		return priorityNames[p]
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

// ParsePriority accepts tier names case-insensitively.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return PriorityMedium, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
