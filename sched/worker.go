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
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/hyourindev/agim/core/vm"
	"github.com/hyourindev/agim/proc"
)

// Worker owns one deque and runs block slices. When its own deque drains it
// pulls from the scheduler's injector queue, then tries to steal from a
// random peer, then idles briefly. Yielded blocks are re-pushed onto the
// owner deque so hot blocks stay on the same worker.
type Worker struct {
	id    int
	sched *Scheduler
	deque *Deque
	rng   *rand.Rand

	blocksExecuted uint64 // atomic
}

func newWorker(id int, s *Scheduler) *Worker {
	return &Worker{
		id:    id,
		sched: s,
		deque: NewDeque(),
		rng:   rand.New(rand.NewSource(int64(id)*0x9e3779b9 + 1)),
	}
}

// BlocksExecuted returns the number of slices this worker has run.
func (w *Worker) BlocksExecuted() uint64 { return atomic.LoadUint64(&w.blocksExecuted) }

// loop is the worker body; it exits when the scheduler signals stop.
func (w *Worker) loop() {
	idle := 0
	for {
		if w.sched.stopped() {
			return
		}
		blk := w.next()
		if blk == nil {
			idle++
			if idle > 64 {
				time.Sleep(50 * time.Microsecond)
			}
			continue
		}
		idle = 0
		w.runBlock(blk)
	}
}

// next finds the next runnable block: own deque, injector, then a steal.
func (w *Worker) next() *proc.Block {
	if blk := w.deque.Pop(); blk != nil {
		return blk
	}
	if blk := w.sched.injectorPop(); blk != nil {
		return blk
	}
	if !w.sched.cfg.EnableStealing {
		return nil
	}
	peers := w.sched.workers
	if len(peers) <= 1 {
		return nil
	}
	victim := peers[w.rng.Intn(len(peers))]
	if victim == nil || victim.id == w.id {
		return nil
	}
	return victim.deque.Steal()
}

// runBlock dispatches one slice and translates the VM result into a
// scheduling decision. Dead blocks popped off a queue are finalized here —
// deques do not support removal, so kill leaves the corpse in place until a
// worker encounters it.
func (w *Worker) runBlock(blk *proc.Block) {
	// Order matters for the quiescence monitor: the block must be counted
	// active before it stops being counted queued.
	atomic.AddInt64(&w.sched.active, 1)
	defer atomic.AddInt64(&w.sched.active, -1)
	w.sched.noteDequeued()
	if !blk.TryDispatch() {
		if blk.State() == proc.StateDead {
			w.sched.finalize(blk)
		}
		return
	}
	res := blk.RunSlice()

	atomic.AddUint64(&w.blocksExecuted, 1)
	w.sched.noteSlice(blk.SliceReductions())

	if blk.State() == proc.StateDead {
		// Killed mid-slice; the interrupt hook stopped the VM.
		w.sched.finalize(blk)
		return
	}

	switch res {
	case vm.ResultOK, vm.ResultYield:
		blk.MarkRunnable()
		w.enqueueLocal(blk)
	case vm.ResultWaiting:
		if blk.HasMessages() {
			// A message landed between the empty check and the park; keep
			// the block hot.
			blk.MarkRunnable()
			w.enqueueLocal(blk)
			return
		}
		if blk.Park() {
			// Close the lost-wakeup window: a sender may have enqueued
			// between the empty check and the park.
			if blk.HasMessages() && blk.Wake() {
				w.enqueueLocal(blk)
				return
			}
			w.sched.noteParked(blk)
			return
		}
		// Park can only lose to kill; the block is dead.
		w.sched.finalize(blk)
	case vm.ResultHalt:
		blk.Exit(0)
		w.sched.finalize(blk)
	default:
		blk.Crash(blk.VM().FailReason())
		w.sched.finalize(blk)
	}
}

// enqueueLocal re-queues a block on this worker's own deque.
func (w *Worker) enqueueLocal(blk *proc.Block) {
	w.sched.noteEnqueued()
	w.deque.Push(blk)
}
