package worker

import (
	"container/heap"
	"time"
)

// timerEntry is one scheduled callback.
type timerEntry struct {
	deadline time.Time
	fn       func()
	index    int
}

// timerHeap is a min-heap over timerEntry.deadline, used to render the
// spec's per-worker "timer wheel" — a fixed-resolution bucket ring is
// the classic C implementation of this, but a heap gives the same
// amortized-log(n) next-deadline query with no idle bucket-scanning, and
// needs no extra dependency.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timers wraps timerHeap with the heap package's invariant maintenance.
type timers struct {
	h timerHeap
}

func newTimers() *timers { return &timers{} }

// Schedule adds fn to run no earlier than deadline and returns a handle
// that can be used with Cancel.
func (t *timers) Schedule(deadline time.Time, fn func()) *timerEntry {
	e := &timerEntry{deadline: deadline, fn: fn}
	heap.Push(&t.h, e)
	return e
}

// Cancel removes a previously scheduled entry, if it hasn't already fired.
func (t *timers) Cancel(e *timerEntry) {
	if e.index < 0 || e.index >= len(t.h) || t.h[e.index] != e {
		return
	}
	heap.Remove(&t.h, e.index)
}

// Next returns the nearest deadline and whether any timer is pending.
func (t *timers) Next() (time.Time, bool) {
	if len(t.h) == 0 {
		return time.Time{}, false
	}
	return t.h[0].deadline, true
}

// FireDue pops and runs every entry whose deadline has passed.
func (t *timers) FireDue(now time.Time) {
	for len(t.h) > 0 && !t.h[0].deadline.After(now) {
		e := heap.Pop(&t.h).(*timerEntry)
		e.fn()
	}
}
