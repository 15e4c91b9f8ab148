// Copyright 2025 The Agim Authors
// This file is part of the Agim library.
//
// The Agim library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The Agim library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the Agim library. If not, see <http://www.gnu.org/licenses/>.

package sched

import (
	"sync"
	"sync/atomic"
)

// TimerCallback runs when a timer fires, outside the wheel lock.
type TimerCallback func(pid uint64, ctx interface{})

// TimerEntry is one pending expiration. Cancellation tombstones the entry;
// the next Tick traversal frees it, which keeps concurrent walkers safe.
type TimerEntry struct {
	Deadline  uint64 // absolute milliseconds
	Pid       uint64
	Callback  TimerCallback
	Ctx       interface{}
	cancelled uint32 // atomic
	next      *TimerEntry
}

// Cancelled reports whether the entry was tombstoned.
func (e *TimerEntry) Cancelled() bool { return atomic.LoadUint32(&e.cancelled) != 0 }

// Wheel is a hashed timer wheel: entries land in slot
// (deadline/tick) % size, each slot holding a singly linked list.
type Wheel struct {
	mu     sync.Mutex
	slots  []*TimerEntry
	tickMs uint64
}

// NewWheel creates a wheel with the given slot count and tick granularity.
func NewWheel(size int, tickMs uint64) *Wheel {
	if size <= 0 {
		size = 1
	}
	if tickMs == 0 {
		tickMs = 1
	}
	return &Wheel{slots: make([]*TimerEntry, size), tickMs: tickMs}
}

// Add schedules a callback for the block at the absolute deadline and
// returns the entry, which the caller may Cancel.
func (w *Wheel) Add(deadlineMs, pid uint64, cb TimerCallback, ctx interface{}) *TimerEntry {
	e := &TimerEntry{Deadline: deadlineMs, Pid: pid, Callback: cb, Ctx: ctx}
	idx := (deadlineMs / w.tickMs) % uint64(len(w.slots))
	w.mu.Lock()
	e.next = w.slots[idx]
	w.slots[idx] = e
	w.mu.Unlock()
	return e
}

// Cancel tombstones an entry. Removal is deferred to the next Tick because
// a concurrent traversal may be holding the list.
func (w *Wheel) Cancel(e *TimerEntry) {
	atomic.StoreUint32(&e.cancelled, 1)
}

// Tick advances the wheel to now: expired entries are unlinked and returned
// in a slice for the caller to fire, cancelled entries are dropped.
func (w *Wheel) Tick(nowMs uint64) []*TimerEntry {
	var fired []*TimerEntry
	w.mu.Lock()
	for i, head := range w.slots {
		var keep *TimerEntry
		for e := head; e != nil; {
			next := e.next
			switch {
			case e.Cancelled():
				// Dropped on the floor; the GC reclaims it.
			case e.Deadline <= nowMs:
				e.next = nil
				fired = append(fired, e)
			default:
				e.next = keep
				keep = e
			}
			e = next
		}
		w.slots[i] = keep
	}
	w.mu.Unlock()
	return fired
}

// NextDeadline returns the minimum pending deadline, or 0 when the wheel is
// empty.
func (w *Wheel) NextDeadline() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var min uint64
	for _, head := range w.slots {
		for e := head; e != nil; e = e.next {
			if e.Cancelled() {
				continue
			}
			if min == 0 || e.Deadline < min {
				min = e.Deadline
			}
		}
	}
	return min
}

// HasPending reports whether any non-cancelled entry remains.
func (w *Wheel) HasPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, head := range w.slots {
		for e := head; e != nil; e = e.next {
			if !e.Cancelled() {
				return true
			}
		}
	}
	return false
}
