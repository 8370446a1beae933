// Package affinity pins the calling OS thread to a set of CPUs.
//
// Callers must hold the thread with runtime.LockOSThread first, otherwise the
// Go scheduler may move the goroutine to another, unpinned thread.
package affinity

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseCPUs parses "0,2,4-7" into a CPU list. An empty string yields nil.
func ParseCPUs(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || a < 0 {
			return nil, fmt.Errorf("invalid cpu %q", part)
		}
		b := a
		if isRange {
			b, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || b < a {
				return nil, fmt.Errorf("invalid cpu range %q", part)
			}
		}
		for c := a; c <= b; c++ {
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}
