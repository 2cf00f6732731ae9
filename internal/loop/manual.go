package loop

import (
	"sort"
	"time"
)

// Manual is a Loop driven by the caller with a virtual clock. Nothing runs
// until Drain or Advance is called. It is not safe for concurrent use.
type Manual struct {
	now     time.Duration
	seq     uint64
	timers  []*manualTimer
	pending []func()
}

// NewManual returns a loop at virtual time zero.
func NewManual() *Manual {
	return &Manual{}
}

type manualTimer struct {
	at        time.Duration
	seq       uint64
	fn        func()
	cancelled bool
}

func (t *manualTimer) Cancel() { t.cancelled = true }

func (m *Manual) Delay(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) RunOnLoop(fn func()) {
	m.pending = append(m.pending, fn)
}

// Elapsed returns the virtual time advanced so far.
func (m *Manual) Elapsed() time.Duration { return m.now }

// Timers returns the number of timers that are armed and not cancelled.
func (m *Manual) Timers() int {
	n := 0
	for _, t := range m.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// Drain runs posted callbacks until none are left.
func (m *Manual) Drain() {
	for len(m.pending) > 0 {
		fn := m.pending[0]
		m.pending = m.pending[1:]
		fn()
	}
}

// Advance moves the clock forward by d, firing due timers in deadline order.
// Timers armed by fired callbacks run too if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	target := m.now + d
	m.Drain()
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.now = t.at
		t.cancelled = true
		t.fn()
		m.Drain()
	}
	m.now = target
	m.compact()
}

func (m *Manual) nextDue(target time.Duration) *manualTimer {
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at != m.timers[j].at {
			return m.timers[i].at < m.timers[j].at
		}
		return m.timers[i].seq < m.timers[j].seq
	})
	for _, t := range m.timers {
		if t.cancelled {
			continue
		}
		if t.at > target {
			return nil
		}
		return t
	}
	return nil
}

func (m *Manual) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.cancelled {
			live = append(live, t)
		}
	}
	m.timers = live
}
