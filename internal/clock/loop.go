package clock

import (
	"sync"
	"time"
)

// Loop runs fn on every tick of a ticker until stopped.
type Loop struct {
	ticker Ticker
	quit   chan struct{}
	once   sync.Once
}

// scheduler is implemented by clocks that run loop functions themselves.
type scheduler interface {
	schedule(d time.Duration, fn func(time.Time)) Ticker
}

// Every starts a Loop calling fn with the tick time every d. fn runs on the
// loop goroutine, or on the caller of Advance for a Mock; callers serialize
// it with their own state.
func Every(c Clock, d time.Duration, fn func(time.Time)) *Loop {
	l := &Loop{quit: make(chan struct{})}
	if s, ok := c.(scheduler); ok {
		l.ticker = s.schedule(d, fn)
		return l
	}
	l.ticker = c.NewTicker(d)
	go l.run(fn)
	return l
}

func (l *Loop) run(fn func(time.Time)) {
	for {
		select {
		case <-l.quit:
			return
		case t := <-l.ticker.C():
			select {
			case <-l.quit:
				return
			default:
			}
			fn(t)
		}
	}
}

// Stop cancels the loop. It does not wait for a running fn to return, so it
// is safe to call while holding a lock fn acquires. Stopping twice is a no-op.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.ticker.Stop()
		close(l.quit)
	})
}
