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

package proc

import (
	"fmt"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set"

	"github.com/hyourindev/agim/core/value"
	"github.com/hyourindev/agim/core/vm"
	"github.com/hyourindev/agim/params"
)

// State is the block lifecycle state. RUNNABLE↔WAITING and any-live→DEAD
// transitions are CAS; only the worker currently holding the block may move
// it out of RUNNING.
type State uint32

const (
	StateRunnable State = iota
	StateRunning
	StateWaiting
	StateDead
)

var stateNames = [...]string{"RUNNABLE", "RUNNING", "WAITING", "DEAD"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// ExitInfo captures how a block terminated. Populated exactly once, by the
// terminate call that wins the DEAD transition.
type ExitInfo struct {
	Code   int
	Reason string
}

// Counters are the block's lifetime statistics; all fields advance with
// atomic adds and readers observe monotone values.
type Counters struct {
	Reductions       uint64
	GCCollections    uint64
	MessagesSent     uint64
	MessagesReceived uint64
}

// Block is one isolated lightweight process: a VM, a heap, a mailbox, a
// capability set, and the link/monitor edges that tie its fate to other
// blocks. Blocks are scheduled cooperatively; the VM yields at reduction
// checkpoints and the scheduler decides what happens next.
type Block struct {
	pid  uint64
	name string

	state uint32 // atomic State
	caps  uint32 // atomic Cap

	limits params.Limits

	heap    *value.Heap
	machine *vm.VM
	mailbox *Mailbox
	prog    *vm.Bytecode

	reductions       uint64 // atomic
	gcCollections    uint64 // atomic
	messagesSent     uint64 // atomic
	messagesReceived uint64 // atomic

	// links is symmetric (both parties list each other); monitors is the
	// set this block watches, monitoredBy the set watching it. All three
	// are mutated from scheduler goroutines, hence the thread-safe sets.
	links       mapset.Set
	monitors    mapset.Set
	monitoredBy mapset.Set

	parent     uint64
	supervisor uint64

	exitMu sync.Mutex
	exit   *ExitInfo

	finalized uint32 // atomic; exit propagation runs once

	// prev/next thread the block through the scheduler's global run queue.
	prev, next *Block
}

// FirstFinalize returns true exactly once, for the caller that gets to run
// exit propagation and count the termination.
func (b *Block) FirstFinalize() bool {
	return atomic.CompareAndSwapUint32(&b.finalized, 0, 1)
}

// Run-queue linkage, owned by the scheduler's injector lock.

// QueueNext returns the next block in the run queue.
func (b *Block) QueueNext() *Block { return b.next }

// QueuePrev returns the previous block in the run queue.
func (b *Block) QueuePrev() *Block { return b.prev }

// SetQueueNext sets the next link.
func (b *Block) SetQueueNext(n *Block) { b.next = n }

// SetQueuePrev sets the previous link.
func (b *Block) SetQueuePrev(p *Block) { b.prev = p }

// SetQueueLinks sets both links.
func (b *Block) SetQueueLinks(p, n *Block) { b.prev, b.next = p, n }

// NewBlock builds a block in RUNNABLE state with an empty mailbox, a fresh
// heap, a zeroed VM, and no capabilities.
func NewBlock(pid uint64, name string, limits params.Limits) *Block {
	limits = limits.Normalize()
	b := &Block{
		pid:         pid,
		name:        name,
		limits:      limits,
		heap:        value.NewHeap(limits.MaxHeapSize),
		mailbox:     NewMailbox(limits.MaxMailbox),
		links:       mapset.NewSet(),
		monitors:    mapset.NewSet(),
		monitoredBy: mapset.NewSet(),
	}
	b.machine = vm.New(b.heap, limits.MaxStackDepth, limits.MaxCallDepth)
	b.machine.SetInbox(b)
	b.machine.SetInterrupt(func() bool { return b.State() == StateDead })
	b.heap.SetRoots(func(mark func(*value.Value)) {
		b.machine.ScanRoots(mark)
		b.mailbox.ScanRoots(mark)
	})
	return b
}

// Pop implements vm.Inbox: the VM's RECEIVE drains the mailbox through it.
func (b *Block) Pop() (uint64, *value.Value, bool) {
	return b.mailbox.Pop()
}

// Pid returns the block's process id.
func (b *Block) Pid() uint64 { return b.pid }

// Name returns the optional registered name.
func (b *Block) Name() string { return b.name }

// Heap returns the block's heap.
func (b *Block) Heap() *value.Heap { return b.heap }

// VM returns the block's virtual machine.
func (b *Block) VM() *vm.VM { return b.machine }

// Mailbox returns the block's message queue.
func (b *Block) Mailbox() *Mailbox { return b.mailbox }

// Limits returns the block's resource ceilings.
func (b *Block) Limits() params.Limits { return b.limits }

// Parent returns the spawning block's pid (0 for root blocks).
func (b *Block) Parent() uint64 { return b.parent }

// SetParent records the spawning block.
func (b *Block) SetParent(pid uint64) { b.parent = pid }

// Supervisor returns the supervising block's pid, if any.
func (b *Block) Supervisor() uint64 { return b.supervisor }

// SetSupervisor records the supervising block.
func (b *Block) SetSupervisor(pid uint64) { b.supervisor = pid }

// ---- State machine ---------------------------------------------------------

// State returns the current lifecycle state.
func (b *Block) State() State {
	return State(atomic.LoadUint32(&b.state))
}

// Alive reports whether the block has not yet terminated.
func (b *Block) Alive() bool { return b.State() != StateDead }

// TryDispatch claims the block for execution: RUNNABLE → RUNNING. Made
// atomic with the deque pop, this is what guarantees no two workers ever run
// the same block.
func (b *Block) TryDispatch() bool {
	return atomic.CompareAndSwapUint32(&b.state, uint32(StateRunnable), uint32(StateRunning))
}

// MarkRunnable moves RUNNING back to RUNNABLE at the end of a slice. Only
// the worker holding the block calls this.
func (b *Block) MarkRunnable() bool {
	return atomic.CompareAndSwapUint32(&b.state, uint32(StateRunning), uint32(StateRunnable))
}

// Wake moves WAITING to RUNNABLE on message arrival or timer fire. Any
// thread may call it; a RUNNING block is never touched, so the owning
// worker's exclusivity holds.
func (b *Block) Wake() bool {
	return atomic.CompareAndSwapUint32(&b.state, uint32(StateWaiting), uint32(StateRunnable))
}

// Park moves RUNNING to WAITING (blocking receive).
func (b *Block) Park() bool {
	return atomic.CompareAndSwapUint32(&b.state, uint32(StateRunning), uint32(StateWaiting))
}

// terminate wins or loses the race to DEAD. The winner records the exit
// info; later calls are no-ops.
func (b *Block) terminate(code int, reason string) bool {
	for {
		old := atomic.LoadUint32(&b.state)
		if State(old) == StateDead {
			return false
		}
		if atomic.CompareAndSwapUint32(&b.state, old, uint32(StateDead)) {
			b.exitMu.Lock()
			if b.exit == nil {
				b.exit = &ExitInfo{Code: code, Reason: reason}
			}
			b.exitMu.Unlock()
			return true
		}
	}
}

// Exit terminates the block with an exit code and no reason.
func (b *Block) Exit(code int) bool { return b.terminate(code, "") }

// Crash terminates the block abnormally with a textual reason.
func (b *Block) Crash(reason string) bool { return b.terminate(1, reason) }

// Exited returns the exit record, or nil while the block is alive.
func (b *Block) Exited() *ExitInfo {
	if b.State() != StateDead {
		return nil
	}
	b.exitMu.Lock()
	defer b.exitMu.Unlock()
	return b.exit
}

// Abnormal reports whether the recorded exit is abnormal (nonzero code or a
// crash reason).
func (e *ExitInfo) Abnormal() bool {
	return e != nil && (e.Code != 0 || e.Reason != "")
}

// ---- Capabilities ----------------------------------------------------------

// Caps returns the capability bitset, read atomically. Exit propagation
// reads it through here at propagation time.
func (b *Block) Caps() Cap {
	return Cap(atomic.LoadUint32(&b.caps))
}

// Grant adds capability bits; idempotent.
func (b *Block) Grant(c Cap) {
	for {
		old := atomic.LoadUint32(&b.caps)
		if atomic.CompareAndSwapUint32(&b.caps, old, old|uint32(c)) {
			return
		}
	}
}

// Revoke removes capability bits; idempotent.
func (b *Block) Revoke(c Cap) {
	for {
		old := atomic.LoadUint32(&b.caps)
		if atomic.CompareAndSwapUint32(&b.caps, old, old&^uint32(c)) {
			return
		}
	}
}

// CheckCap verifies that every bit of want is granted. On failure the block
// is crashed with a "capability denied" reason and false is returned.
func (b *Block) CheckCap(want Cap) bool {
	if b.Caps().Has(want) {
		return true
	}
	b.Crash(fmt.Sprintf("capability denied: %s", want))
	return false
}

// ---- Links and monitors ----------------------------------------------------

// AddLink records a bidirectional exit-propagation edge endpoint on this
// block. The scheduler performs the reciprocal update on the peer.
func (b *Block) AddLink(pid uint64) { b.links.Add(pid) }

// RemoveLink drops a link endpoint.
func (b *Block) RemoveLink(pid uint64) { b.links.Remove(pid) }

// Links returns the linked pids.
func (b *Block) Links() []uint64 { return pidSlice(b.links) }

// AddMonitor records that this block observes target.
func (b *Block) AddMonitor(target uint64) { b.monitors.Add(target) }

// RemoveMonitor stops observing target.
func (b *Block) RemoveMonitor(target uint64) { b.monitors.Remove(target) }

// AddMonitoredBy records an observer of this block.
func (b *Block) AddMonitoredBy(observer uint64) { b.monitoredBy.Add(observer) }

// RemoveMonitoredBy drops an observer.
func (b *Block) RemoveMonitoredBy(observer uint64) { b.monitoredBy.Remove(observer) }

// MonitoredBy returns the pids observing this block.
func (b *Block) MonitoredBy() []uint64 { return pidSlice(b.monitoredBy) }

func pidSlice(s mapset.Set) []uint64 {
	raw := s.ToSlice()
	out := make([]uint64, 0, len(raw))
	for _, v := range raw {
		out = append(out, v.(uint64))
	}
	return out
}

// ---- Messaging -------------------------------------------------------------

// Deliver enqueues a message for this block. Returns false when the block is
// dead or the mailbox is full. The lifetime-deliveries counter advances on
// enqueue and is never decremented.
func (b *Block) Deliver(sender uint64, payload *value.Value) bool {
	if !b.Alive() {
		return false
	}
	if !b.mailbox.Push(sender, payload) {
		return false
	}
	atomic.AddUint64(&b.messagesReceived, 1)
	return true
}

// NoteSent advances the sent-message counter.
func (b *Block) NoteSent() { atomic.AddUint64(&b.messagesSent, 1) }

// HasMessages reports whether the mailbox is non-empty.
func (b *Block) HasMessages() bool { return b.mailbox.Len() > 0 }

// ---- Execution -------------------------------------------------------------

// Load installs the program the block will execute.
func (b *Block) Load(prog *vm.Bytecode) {
	b.prog = prog
	b.machine.Load(prog)
}

// RunSlice executes one reduction-bounded quantum and returns the VM result.
// The caller (a worker) translates the result into a scheduling decision.
func (b *Block) RunSlice() vm.Result {
	b.machine.SetReductionLimit(b.limits.MaxReductions)
	b.machine.ResetReductions()
	res := b.machine.Run()
	atomic.AddUint64(&b.reductions, b.machine.Reductions())
	total, _, _ := b.heap.Collections()
	atomic.StoreUint64(&b.gcCollections, total)
	return res
}

// SliceReductions returns the reductions burned by the most recent slice.
func (b *Block) SliceReductions() uint64 { return b.machine.Reductions() }

// CountersSnapshot returns the block's lifetime statistics.
func (b *Block) CountersSnapshot() Counters {
	return Counters{
		Reductions:       atomic.LoadUint64(&b.reductions),
		GCCollections:    atomic.LoadUint64(&b.gcCollections),
		MessagesSent:     atomic.LoadUint64(&b.messagesSent),
		MessagesReceived: atomic.LoadUint64(&b.messagesReceived),
	}
}

// Info is a point-in-time snapshot for diagnostics.
type Info struct {
	Pid      uint64
	Name     string
	State    State
	Caps     Cap
	Mailbox  int
	Counters Counters
	Exit     *ExitInfo
}

// Info returns a diagnostic snapshot of the block.
func (b *Block) Info() Info {
	return Info{
		Pid:      b.pid,
		Name:     b.name,
		State:    b.State(),
		Caps:     b.Caps(),
		Mailbox:  b.mailbox.Len(),
		Counters: b.CountersSnapshot(),
		Exit:     b.Exited(),
	}
}

// Release tears down the block's retained resources at scheduler teardown.
func (b *Block) Release() {
	b.mailbox.Drain()
}
