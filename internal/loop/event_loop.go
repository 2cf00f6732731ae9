package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/vswitch/internal/log"
)

// EventLoop is a goroutine-backed Loop. Posted callbacks are kept in an
// unbounded FIFO so that RunOnLoop is safe to call from the loop itself.
type EventLoop struct {
	name string

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	closed  atomic.Bool

	executed atomic.Int64
}

// NewEventLoop returns a loop that runs nothing until Start.
func NewEventLoop(name string) *EventLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventLoop{
		name:   name,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (l *EventLoop) Name() string { return l.name }

// Start launches the loop goroutine. Calling it twice is a no-op.
func (l *EventLoop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.run()
}

// Close stops the loop and waits for the running callback to return.
// Callbacks still queued are discarded.
func (l *EventLoop) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	l.cancel()
	if l.started.Load() {
		<-l.done
	}
	log.GetLogger().WithField("loop", l.name).Debug("event loop closed")
}

// RunOnLoop queues fn to run on the loop goroutine.
func (l *EventLoop) RunOnLoop(fn func()) {
	if l.closed.Load() {
		log.GetLogger().WithField("loop", l.name).Warn("callback posted to closed loop, discarded")
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Delay runs fn on the loop after d.
func (l *EventLoop) Delay(d time.Duration, fn func()) Timer {
	t := &eventTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.RunOnLoop(func() {
			if t.cancelled.Load() {
				return
			}
			fn()
		})
	})
	return t
}

// Executed returns the number of callbacks run so far.
func (l *EventLoop) Executed() int64 { return l.executed.Load() }

func (l *EventLoop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.pending
			l.pending = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if l.ctx.Err() != nil {
					return
				}
				l.exec(fn)
			}
		}
	}
}

func (l *EventLoop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.GetLogger().WithField("loop", l.name).Errorf("callback panicked: %v", r)
		}
	}()
	fn()
	l.executed.Add(1)
}

type eventTimer struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (t *eventTimer) Cancel() {
	if t.cancelled.Swap(true) {
		return
	}
	t.timer.Stop()
}
