// Copyright 2024 The Vera Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timer implements the cancellable deadline (spec.md §4.D) and the
// ordered multimap the poller drains on every wakeup (spec.md §4.A).
package timer

import (
	"container/heap"
	"time"
)

// Wheel is an ordered multimap keyed by absolute deadline. It is owned by
// the poller and is not safe for concurrent use (the whole supervisor is
// single-threaded cooperative, spec.md §5).
type Wheel struct {
	entries entryHeap
	seq     uint64
}

// New returns an empty deadline wheel.
func New() *Wheel {
	w := &Wheel{}
	heap.Init(&w.entries)
	return w
}

// Timer is a cancellable deadline bound to a unit. A Timer constructed with
// timeout==0 is never registered and never fires (spec.md §4.D: "represents
// 'no timeout'").
type Timer struct {
	wheel    *Wheel
	deadline time.Time
	cb       func()
	index    int // heap index, maintained by container/heap
	live     bool
}

type entry = *Timer

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	t := x.(entry)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// After registers a callback to fire at now+timeout, or returns a Timer that
// never fires if timeout<=0. The zero Timer is safe to Cancel repeatedly.
func (w *Wheel) After(now time.Time, timeout time.Duration, cb func()) *Timer {
	t := &Timer{wheel: w, cb: cb}
	if timeout <= 0 {
		return t
	}
	t.deadline = now.Add(timeout)
	t.live = true
	heap.Push(&w.entries, t)
	return t
}

// Cancel de-registers the timer. Safe to call more than once and on a never
// registered (timeout==0) Timer.
func (t *Timer) Cancel() {
	if t == nil || !t.live {
		return
	}
	heap.Remove(&t.wheel.entries, t.index)
	t.live = false
}

// Run fires every entry with deadline<=now and returns the duration until
// the next pending deadline, or (0, false) if the wheel is empty. Callers
// should use the monotonic-coarse timestamp cached at the start of the
// current poller wakeup (spec.md §4.A), not a fresh clock read per timer.
func (w *Wheel) Run(now time.Time) (time.Duration, bool) {
	for w.entries.Len() > 0 {
		next := w.entries[0]
		if next.deadline.After(now) {
			return next.deadline.Sub(now), true
		}
		heap.Pop(&w.entries)
		next.live = false
		next.cb()
	}
	return 0, false
}
