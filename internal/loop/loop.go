// Package loop provides the single-threaded execution contexts that own
// virtual networks, their timers and cross-goroutine hand-off.
package loop

import "time"

// Loop runs callbacks one at a time. Everything belonging to a virtual
// network (conntrack, queues, timers) is only touched from its loop.
type Loop interface {
	// Delay schedules fn on the loop after d.
	Delay(d time.Duration, fn func()) Timer
	// RunOnLoop queues fn for execution on the loop. It never blocks.
	RunOnLoop(fn func())
}

// Timer is a handle to a delayed callback. Cancel may be called any number
// of times, before or after the callback fired.
type Timer interface {
	Cancel()
}
