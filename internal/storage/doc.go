// Package storage persists what the watchdog and the loops report so an
// operator can look at it after the process is gone.
//
// It keeps:
//   - Stall reports (loop name, blocked time, stack)
//   - Lifecycle events (evicted handlers, fatal loop errors)
package storage
