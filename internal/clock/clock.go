// Package clock abstracts wall time and tickers so periodic monitors can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and tickers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker used by the monitors.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Mock is a manually advanced clock. Tickers created from it only fire when
// Advance crosses their period. Loops started with Every on a Mock run on
// the goroutine calling Advance, so no tick is ever dropped.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*mockTicker
}

// NewMock creates a Mock starting at the given time.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

// Now returns the mock time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t without firing tickers.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward deadline by deadline. At each crossed
// deadline the clock reads that deadline, loop functions run to completion
// and plain tickers get a non-blocking send. Loops may stop themselves or
// start new loops from their function.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		t := m.dueLocked(target)
		if t == nil {
			break
		}
		at := t.next
		t.next = t.next.Add(t.period)
		if at.After(m.now) {
			m.now = at
		}
		if t.fn == nil {
			select {
			case t.ch <- at:
			default:
			}
			continue
		}
		m.mu.Unlock()
		t.fn(at)
		m.mu.Lock()
	}
	if target.After(m.now) {
		m.now = target
	}
	live := m.tickers[:0]
	for _, t := range m.tickers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	m.tickers = live
	m.mu.Unlock()
}

// dueLocked returns the live ticker with the earliest deadline not after
// target, the oldest ticker first on ties.
func (m *Mock) dueLocked(target time.Time) *mockTicker {
	var due *mockTicker
	for _, t := range m.tickers {
		if t.stopped || t.next.After(target) {
			continue
		}
		if due == nil || t.next.Before(due.next) {
			due = t
		}
	}
	return due
}

// NewTicker creates a mock ticker.
func (m *Mock) NewTicker(d time.Duration) Ticker {
	return m.newTicker(d, nil)
}

func (m *Mock) schedule(d time.Duration, fn func(time.Time)) Ticker {
	return m.newTicker(d, fn)
}

func (m *Mock) newTicker(d time.Duration, fn func(time.Time)) *mockTicker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTicker{
		ch:     make(chan time.Time, 1),
		period: d,
		next:   m.now.Add(d),
		fn:     fn,
		mock:   m,
	}
	m.tickers = append(m.tickers, t)
	return t
}

// Tickers returns the number of tickers that have not been stopped.
func (m *Mock) Tickers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type mockTicker struct {
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	fn      func(time.Time)
	stopped bool
	mock    *Mock
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.mock.mu.Lock()
	t.stopped = true
	t.mock.mu.Unlock()
}
