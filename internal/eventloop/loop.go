// Package eventloop runs socket reads, timers and engine wake-ups on a
// single goroutine. Every callback runs on the goroutine that called Run,
// so state touched only from callbacks needs no locking.
package eventloop

import (
	"container/heap"
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"
)

// ErrSourceClosed is returned by Run when the packet source stops while
// the loop is still running.
var ErrSourceClosed = errors.New("eventloop: packet source closed")

// DefaultBatch bounds how many queued datagrams one packet callback gets.
const DefaultBatch = 64

// Datagram is one received UDP payload.
type Datagram struct {
	Data []byte
	From netip.AddrPort
	To   netip.AddrPort
}

// Action tells the loop what to do with a timer after its callback.
type Action struct {
	again bool
	after time.Duration
}

// Drop disarms the timer.
func Drop() Action { return Action{} }

// After re-arms the timer to fire again after d.
func After(d time.Duration) Action { return Action{again: true, after: d} }

// Again reports whether the action re-arms the timer, and when.
func (a Action) Again() (time.Duration, bool) { return a.after, a.again }

// TimerFunc is a timer callback.
type TimerFunc func() Action

// Timer is a loop timer. Its methods must be called from the loop
// goroutine or before Run starts.
type Timer struct {
	loop  *Loop
	fn    TimerFunc
	when  time.Time
	index int
}

// Reset arms t to fire after d, replacing any earlier deadline.
func (t *Timer) Reset(d time.Duration) {
	t.when = t.loop.now().Add(d)
	if t.index >= 0 {
		heap.Fix(&t.loop.timers, t.index)
		return
	}
	heap.Push(&t.loop.timers, t)
}

// Stop disarms t.
func (t *Timer) Stop() {
	if t.index >= 0 {
		heap.Remove(&t.loop.timers, t.index)
	}
}

// Active reports whether t is armed.
func (t *Timer) Active() bool { return t.index >= 0 }

// Deadline returns when an armed timer fires.
func (t *Timer) Deadline() time.Time { return t.when }

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	t := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	t.index = -1
	return t
}

// Loop multiplexes event sources onto one goroutine.
type Loop struct {
	now    func() time.Time
	batch  int
	timers timerHeap

	packets   <-chan Datagram
	onPackets func([]Datagram) error
	wake      <-chan struct{}
	onWake    func() error

	stop     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	err      error
}

// Option customises a Loop.
type Option func(*Loop)

// WithBatch sets the maximum datagram batch size.
func WithBatch(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.batch = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// New returns a loop with no sources.
func New(opts ...Option) *Loop {
	l := &Loop{
		now:   time.Now,
		batch: DefaultBatch,
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the loop's current time.
func (l *Loop) Now() time.Time { return l.now() }

// NewTimer registers a disarmed timer.
func (l *Loop) NewTimer(fn TimerFunc) *Timer {
	return &Timer{loop: l, fn: fn, index: -1}
}

// Schedule registers a timer that first fires after d.
func (l *Loop) Schedule(d time.Duration, fn TimerFunc) *Timer {
	t := l.NewTimer(fn)
	t.Reset(d)
	return t
}

// OnPackets installs the datagram source. fn receives batches of up to the
// configured size; an error from fn ends Run with that error.
func (l *Loop) OnPackets(src <-chan Datagram, fn func([]Datagram) error) {
	l.packets, l.onPackets = src, fn
}

// OnWake installs an engine wake-up source.
func (l *Loop) OnWake(src <-chan struct{}, fn func() error) {
	l.wake, l.onWake = src, fn
}

// Stop ends Run after the current callback. Safe from any goroutine.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Fail records err as Run's result and stops the loop.
func (l *Loop) Fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.Stop()
}

func (l *Loop) result() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loop) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// Run dispatches events until Stop, Fail, a callback error or ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	wait := time.NewTimer(time.Hour)
	defer wait.Stop()

	for !l.stopped() {
		var fire <-chan time.Time
		if len(l.timers) > 0 {
			wait.Reset(max(l.timers[0].when.Sub(l.now()), 0))
			fire = wait.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
		case <-fire:
			l.fireDue()
		case d, ok := <-l.packets:
			if !ok {
				return ErrSourceClosed
			}
			if err := l.onPackets(l.collect(d)); err != nil {
				return err
			}
		case <-l.wake:
			if err := l.onWake(); err != nil {
				return err
			}
		}
		wait.Stop()
	}
	return l.result()
}

func (l *Loop) collect(first Datagram) []Datagram {
	batch := []Datagram{first}
	for len(batch) < l.batch {
		select {
		case d, ok := <-l.packets:
			if !ok {
				return batch
			}
			batch = append(batch, d)
		default:
			return batch
		}
	}
	return batch
}

// fireDue runs every timer whose deadline has passed, earliest first.
func (l *Loop) fireDue() {
	now := l.now()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		if d, again := t.fn().Again(); again {
			t.Reset(d)
		} else {
			t.Stop()
		}
		if l.stopped() {
			return
		}
	}
}
