// Package pauser holds the idle-backoff strategies a worker loop uses between
// passes that found no work.
//
// A Pauser is owned by exactly one polling goroutine: Reset and Pause are only
// called from that goroutine. Unpause and Stats are safe from anywhere.
package pauser

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Pauser is the idle-wait policy of a worker loop.
type Pauser interface {
	// Reset is called after a pass that did work; it returns the policy to its
	// tightest wait.
	Reset()
	// Pause blocks the caller according to the current policy.
	Pause()
	// Unpause makes a Pause in progress return promptly. If no Pause is in
	// progress, the next one returns immediately.
	Unpause()
	// Stats reports how often and how long the owner has been paused.
	Stats() Stats
}

// Stats is a best-effort view of time spent paused.
type Stats struct {
	Count  uint64        `json:"count"`
	Paused time.Duration `json:"paused"`
}

// Mode selects a Pauser variant.
type Mode int

const (
	ModeBalanced Mode = iota
	ModeBusy
	ModeYielding
	ModeSleepy
)

var modeNames = map[Mode]string{
	ModeBalanced: "balanced",
	ModeBusy:     "busy",
	ModeYielding: "yielding",
	ModeSleepy:   "sleepy",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a mode name. An empty string selects ModeBalanced.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "balanced", "exponential":
		return ModeBalanced, nil
	case "busy", "spin":
		return ModeBusy, nil
	case "yield", "yielding":
		return ModeYielding, nil
	case "sleep", "sleepy", "millis":
		return ModeSleepy, nil
	}
	return ModeBalanced, fmt.Errorf("unknown pauser mode %q (use busy, yielding, sleepy or balanced)", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Config describes a Pauser. Zero fields take the defaults below.
type Config struct {
	Mode Mode

	// Sleep is the fixed pause of ModeSleepy.
	Sleep time.Duration

	// ModeBalanced: Spin busy passes, then Yield yielding passes, then sleeps
	// doubling from MinSleep up to MaxSleep. A negative Spin or Yield skips
	// that phase.
	Spin     int
	Yield    int
	MinSleep time.Duration
	MaxSleep time.Duration
}

const (
	DefaultSleep    = time.Millisecond
	DefaultSpin     = 1000
	DefaultYield    = 500
	DefaultMinSleep = 50 * time.Microsecond
	DefaultMaxSleep = 20 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Sleep <= 0 {
		c.Sleep = DefaultSleep
	}
	if c.Spin == 0 {
		c.Spin = DefaultSpin
	}
	if c.Yield == 0 {
		c.Yield = DefaultYield
	}
	if c.MinSleep <= 0 {
		c.MinSleep = DefaultMinSleep
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = DefaultMaxSleep
	}
	if c.MaxSleep < c.MinSleep {
		c.MaxSleep = c.MinSleep
	}
	return c
}

// New builds the Pauser described by cfg.
func New(cfg Config) Pauser {
	cfg = cfg.withDefaults()
	switch cfg.Mode {
	case ModeBusy:
		return NewBusy()
	case ModeYielding:
		return NewYielding()
	case ModeSleepy:
		return NewSleepy(cfg.Sleep)
	default:
		return NewBalanced(cfg.Spin, cfg.Yield, cfg.MinSleep, cfg.MaxSleep)
	}
}

type counters struct {
	count  atomic.Uint64
	paused atomic.Int64
}

func (c *counters) note(d time.Duration) {
	c.count.Add(1)
	c.paused.Add(int64(d))
}

func (c *counters) Stats() Stats {
	return Stats{Count: c.count.Load(), Paused: time.Duration(c.paused.Load())}
}

// waker is a one-slot wakeup signal shared by the sleeping variants.
type waker struct {
	ch    chan struct{}
	timer *time.Timer
}

func newWaker() waker {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return waker{ch: make(chan struct{}, 1), timer: t}
}

func (w *waker) wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// sleep waits for d or a wakeup, whichever comes first.
func (w *waker) sleep(d time.Duration) {
	w.timer.Reset(d)
	select {
	case <-w.timer.C:
	case <-w.ch:
		w.timer.Stop()
	}
}
