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
	"sync/atomic"

	"github.com/hyourindev/agim/proc"
)

// dequeInitialCap is the starting ring capacity (must be a power of two).
const dequeInitialCap = 64

// ring is one circular buffer generation of a deque. Slots are atomic so a
// thief may read a slot the owner is concurrently overwriting; the top CAS
// decides who owns the element.
type ring struct {
	slots []atomic.Pointer[proc.Block]
	mask  uint64
}

func newRing(capacity uint64) *ring {
	return &ring{slots: make([]atomic.Pointer[proc.Block], capacity), mask: capacity - 1}
}

func (r *ring) get(i uint64) *proc.Block      { return r.slots[i&r.mask].Load() }
func (r *ring) put(i uint64, b *proc.Block)   { r.slots[i&r.mask].Store(b) }
func (r *ring) capacity() uint64              { return uint64(len(r.slots)) }

// Deque is a Chase–Lev work-stealing deque of blocks. The owning worker
// pushes and pops at the bottom (LIFO, keeping hot blocks local); any other
// worker steals from the top (FIFO, distributing cold work). Grown-out
// buffers go on a retired list instead of being freed, because a thief may
// still be reading a slot of the old generation.
type Deque struct {
	top     atomic.Uint64
	bottom  atomic.Uint64
	buffer  atomic.Pointer[ring]
	retired []*ring // owner-only

	stealsAttempted  atomic.Uint64
	stealsSuccessful atomic.Uint64
}

// NewDeque creates an empty deque.
func NewDeque() *Deque {
	d := &Deque{}
	d.buffer.Store(newRing(dequeInitialCap))
	return d
}

// Push appends a block at the bottom. Owner-only.
func (d *Deque) Push(b *proc.Block) {
	bot := d.bottom.Load()
	top := d.top.Load()
	buf := d.buffer.Load()
	if bot-top >= buf.capacity() {
		buf = d.grow(buf, top, bot)
	}
	buf.put(bot, b)
	d.bottom.Store(bot + 1)
}

// grow doubles the ring, copying the live range and retiring the old buffer.
func (d *Deque) grow(old *ring, top, bot uint64) *ring {
	next := newRing(old.capacity() * 2)
	for i := top; i < bot; i++ {
		next.put(i, old.get(i))
	}
	d.retired = append(d.retired, old)
	d.buffer.Store(next)
	return next
}

// Pop removes the most recently pushed block. Owner-only. The last remaining
// element races a CAS against concurrent thieves.
func (d *Deque) Pop() *proc.Block {
	bot := d.bottom.Load()
	if bot == 0 {
		return nil
	}
	bot--
	d.bottom.Store(bot)
	top := d.top.Load()
	if top > bot {
		// Empty: restore bottom.
		d.bottom.Store(top)
		return nil
	}
	buf := d.buffer.Load()
	b := buf.get(bot)
	if top == bot {
		// Single element: win it against thieves or lose it.
		if !d.top.CompareAndSwap(top, top+1) {
			b = nil
		}
		d.bottom.Store(top + 1)
	}
	return b
}

// Steal removes the oldest block on behalf of another worker. Any thread. A
// lost CAS returns nil for this attempt; the caller retries elsewhere.
func (d *Deque) Steal() *proc.Block {
	d.stealsAttempted.Add(1)
	top := d.top.Load()
	bot := d.bottom.Load()
	if top >= bot {
		return nil
	}
	buf := d.buffer.Load()
	b := buf.get(top)
	if !d.top.CompareAndSwap(top, top+1) {
		return nil
	}
	d.stealsSuccessful.Add(1)
	return b
}

// Size returns the approximate element count.
func (d *Deque) Size() int {
	bot := d.bottom.Load()
	top := d.top.Load()
	if bot <= top {
		return 0
	}
	return int(bot - top)
}

// Empty reports whether the deque looks empty.
func (d *Deque) Empty() bool { return d.Size() == 0 }

// StealStats returns the attempted/successful steal counters.
func (d *Deque) StealStats() (attempted, successful uint64) {
	return d.stealsAttempted.Load(), d.stealsSuccessful.Load()
}
