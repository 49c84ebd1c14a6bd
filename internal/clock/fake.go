package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

// NewFake returns a Fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the simulated time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTicker registers a ticker firing every d of simulated time.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{clock: f, period: d, next: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

// AfterFunc registers fn to run once d of simulated time has passed.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, at: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Active reports how many tickers and timers are still armed.
func (f *Fake) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers) + len(f.timers)
}

// Advance moves simulated time forward by d, firing due tickers and timers in
// order. Timer callbacks run on the calling goroutine without the clock lock
// held. Like time.Ticker, a ticker whose previous tick was not consumed drops
// the new one.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		at, ok := f.nextEventLocked(target)
		if !ok {
			break
		}
		f.now = at

		for _, t := range f.tickers {
			for !t.next.After(at) {
				select {
				case t.ch <- at:
				default:
				}
				t.next = t.next.Add(t.period)
			}
		}

		var due []*fakeTimer
		remaining := f.timers[:0]
		for _, t := range f.timers {
			if !t.at.After(at) {
				due = append(due, t)
				continue
			}
			remaining = append(remaining, t)
		}
		f.timers = remaining

		f.mu.Unlock()
		for _, t := range due {
			t.fn()
		}
		f.mu.Lock()
	}
	f.now = target
	f.mu.Unlock()
}

func (f *Fake) nextEventLocked(limit time.Time) (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	consider := func(at time.Time) {
		if at.After(limit) {
			return
		}
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	for _, t := range f.tickers {
		consider(t.next)
	}
	for _, t := range f.timers {
		consider(t.at)
	}
	return next, found
}

func (f *Fake) removeTicker(target *fakeTicker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tickers {
		if t == target {
			f.tickers = append(f.tickers[:i], f.tickers[i+1:]...)
			return
		}
	}
}

func (f *Fake) removeTimer(target *fakeTimer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.timers {
		if t == target {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}

type fakeTicker struct {
	clock  *Fake
	period time.Duration
	next   time.Time
	ch     chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() { t.clock.removeTicker(t) }

type fakeTimer struct {
	clock *Fake
	at    time.Time
	fn    func()
}

func (t *fakeTimer) Stop() bool { return t.clock.removeTimer(t) }
