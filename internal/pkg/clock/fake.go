package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	at      time.Time
	ch      chan time.Time
	stopped bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return w.ch
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return &fakeTimer{f: f, w: w}
}

// Advance moves the fake time forward and fires every waiter whose deadline
// has passed, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	due := make([]*fakeWaiter, 0, len(f.waiters))
	rest := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped && !w.at.After(now) {
			due = append(due, w)
		} else {
			rest = append(rest, w)
		}
	}
	f.waiters = rest
	f.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, w := range due {
		w.ch <- w.at
	}
}

// WaiterCount reports how many waiters are armed. Tests use it to confirm a
// goroutine reached its timer before advancing time.
func (f *Fake) WaiterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	f *Fake
	w *fakeWaiter
}

func (ft *fakeTimer) C() <-chan time.Time { return ft.w.ch }

func (ft *fakeTimer) Stop() bool {
	ft.f.mu.Lock()
	defer ft.f.mu.Unlock()
	was := !ft.w.stopped
	ft.w.stopped = true
	return was
}

func (ft *fakeTimer) Reset(d time.Duration) bool {
	ft.f.mu.Lock()
	defer ft.f.mu.Unlock()
	was := !ft.w.stopped
	ft.w.stopped = false
	ft.w.at = ft.f.now.Add(d)
	present := false
	for _, w := range ft.f.waiters {
		if w == ft.w {
			present = true
			break
		}
	}
	if !present {
		ft.f.waiters = append(ft.f.waiters, ft.w)
	}
	return was
}
