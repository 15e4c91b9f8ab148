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

// Package sched implements the Agim scheduler: a sharded pid registry, a
// pool of workers with Chase–Lev work-stealing deques, exit propagation over
// the link/monitor graph, and a hashed timer wheel. Blocks are preempted
// cooperatively by the reduction budget their VM slices run under.
package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/hyourindev/agim/core/value"
	"github.com/hyourindev/agim/core/vm"
	"github.com/hyourindev/agim/params"
	"github.com/hyourindev/agim/proc"
)

// PIDInvalid is the reserved never-assigned pid.
const PIDInvalid uint64 = 0

// programCacheSize bounds the digest-keyed cache of loaded programs.
const programCacheSize = 128

// Config tunes a scheduler instance. Zero fields take defaults.
type Config struct {
	MaxBlocks         int
	DefaultReductions uint64
	NumWorkers        int
	EnableStealing    bool
	TimerWheelSize    int
	TimerTickMs       uint64
}

func (c Config) normalize() Config {
	if c.MaxBlocks == 0 {
		c.MaxBlocks = params.DefaultMaxBlocks
	}
	if c.DefaultReductions == 0 {
		c.DefaultReductions = params.DefaultReductions
	}
	if c.TimerWheelSize == 0 {
		c.TimerWheelSize = params.DefaultTimerWheelSize
	}
	if c.TimerTickMs == 0 {
		c.TimerTickMs = params.DefaultTimerTickMillis
	}
	return c
}

// Stats is a point-in-time snapshot of scheduler totals.
type Stats struct {
	BlocksTotal     uint64
	BlocksAlive     uint64
	BlocksDead      uint64
	TotalReductions uint64
	ContextSwitches uint64
	StealsAttempted uint64
	StealsSucceeded uint64
}

// Scheduler spawns, runs, and reaps blocks. One global injector queue feeds
// the workers (spawns and wakes may come from any thread, and Chase–Lev
// push is owner-only); yielded blocks ride each worker's own deque.
type Scheduler struct {
	cfg Config

	registry *Registry
	names    sync.Map // string → uint64

	nextPid uint64 // atomic

	workers []*Worker

	injectorMu   sync.Mutex
	injectorHead *proc.Block
	injectorTail *proc.Block

	timers *Wheel

	programs *lru.Cache // [32]byte digest → *vm.Bytecode

	totalSpawned    uint64 // atomic
	totalTerminated uint64 // atomic
	contextSwitches uint64 // atomic
	totalReductions uint64 // atomic

	queued int64  // atomic: blocks sitting in the injector or a deque
	active int64  // atomic: slices currently executing
	stop   uint32 // atomic

	inline *Worker // lazy driver for single-threaded Step
}

// New creates a scheduler. NumWorkers 0 means the caller drives execution
// inline with Step/Run on its own goroutine.
func New(cfg Config) *Scheduler {
	cfg = cfg.normalize()
	cache, _ := lru.New(programCacheSize)
	s := &Scheduler{
		cfg:      cfg,
		registry: NewRegistry(),
		timers:   NewWheel(cfg.TimerWheelSize, cfg.TimerTickMs),
		programs: cache,
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		s.workers = append(s.workers, newWorker(i, s))
	}
	return s
}

// Registry exposes the pid registry (diagnostics, tests).
func (s *Scheduler) Registry() *Registry { return s.registry }

// Timers exposes the timer wheel.
func (s *Scheduler) Timers() *Wheel { return s.timers }

// ---- Injector queue --------------------------------------------------------

// enqueue places a runnable block on the injector queue and notes the work.
func (s *Scheduler) enqueue(b *proc.Block) {
	s.noteEnqueued()
	s.injectorMu.Lock()
	b.SetQueueLinks(s.injectorTail, nil)
	if s.injectorTail != nil {
		s.injectorTail.SetQueueNext(b)
	} else {
		s.injectorHead = b
	}
	s.injectorTail = b
	s.injectorMu.Unlock()
}

// injectorPop removes the oldest injected block.
func (s *Scheduler) injectorPop() *proc.Block {
	s.injectorMu.Lock()
	b := s.injectorHead
	if b != nil {
		s.injectorHead = b.QueueNext()
		if s.injectorHead == nil {
			s.injectorTail = nil
		} else {
			s.injectorHead.SetQueuePrev(nil)
		}
		b.SetQueueLinks(nil, nil)
	}
	s.injectorMu.Unlock()
	return b
}

func (s *Scheduler) noteEnqueued() { atomic.AddInt64(&s.queued, 1) }
func (s *Scheduler) noteDequeued() { atomic.AddInt64(&s.queued, -1) }

func (s *Scheduler) noteParked(b *proc.Block) {
	log.Debugw("block parked", "pid", b.Pid())
}

// noteSlice accumulates per-slice accounting.
func (s *Scheduler) noteSlice(reductions uint64) {
	atomic.AddUint64(&s.totalReductions, reductions)
	atomic.AddUint64(&s.contextSwitches, 1)
}

func (s *Scheduler) stopped() bool { return atomic.LoadUint32(&s.stop) != 0 }

// ---- Spawning --------------------------------------------------------------

// Spawn creates a block with no capabilities and default limits.
func (s *Scheduler) Spawn(prog *vm.Bytecode, name string) uint64 {
	return s.SpawnEx(prog, name, proc.CapNone, nil, PIDInvalid)
}

// SpawnEx creates a block with explicit capabilities, limits, and parent.
// Returns PIDInvalid when the block budget is exhausted.
func (s *Scheduler) SpawnEx(prog *vm.Bytecode, name string, caps proc.Cap, limits *params.Limits, parent uint64) uint64 {
	if s.BlockCount() >= uint64(s.cfg.MaxBlocks) {
		log.Warnw("spawn rejected, block budget exhausted", "max", s.cfg.MaxBlocks)
		return PIDInvalid
	}
	pid := atomic.AddUint64(&s.nextPid, 1)

	lim := params.Limits{MaxReductions: s.cfg.DefaultReductions}
	if limits != nil {
		lim = *limits
	}
	b := proc.NewBlock(pid, name, lim)
	b.Grant(caps)
	b.SetParent(parent)
	b.Load(s.internProgram(prog))

	s.registry.Put(b)
	if name != "" {
		s.names.Store(name, pid)
	}
	s.enqueue(b)
	atomic.AddUint64(&s.totalSpawned, 1)
	log.Debugw("block spawned", "pid", pid, "name", name, "caps", caps.String())
	return pid
}

// internProgram deduplicates loaded programs through the digest-keyed cache
// so repeated spawns of the same bytecode share chunks.
func (s *Scheduler) internProgram(prog *vm.Bytecode) *vm.Bytecode {
	digest := prog.Digest()
	if cached, ok := s.programs.Get(digest); ok {
		return cached.(*vm.Bytecode)
	}
	s.programs.Add(digest, prog)
	return prog
}

// Lookup returns the block registered under pid, dead or alive.
func (s *Scheduler) Lookup(pid uint64) *proc.Block {
	return s.registry.Get(pid)
}

// WhereIs resolves a registered name to a pid.
func (s *Scheduler) WhereIs(name string) uint64 {
	if v, ok := s.names.Load(name); ok {
		return v.(uint64)
	}
	return PIDInvalid
}

// BlockCount returns the number of live blocks.
func (s *Scheduler) BlockCount() uint64 {
	return atomic.LoadUint64(&s.totalSpawned) - atomic.LoadUint64(&s.totalTerminated)
}

// ---- Messaging -------------------------------------------------------------

// Send delivers a message from sender to the block at pid, waking it if it
// was parked. Returns false when the target is missing, dead, or its
// mailbox is full — the sender sees a send-failure value, never a crash.
func (s *Scheduler) Send(sender, pid uint64, payload *value.Value) bool {
	b := s.registry.Get(pid)
	if b == nil || !b.Deliver(sender, payload) {
		return false
	}
	if from := s.registry.Get(sender); from != nil {
		from.NoteSent()
	}
	if b.Wake() {
		s.enqueue(b)
	}
	return true
}

// ---- Links and monitors ----------------------------------------------------

// Link establishes the bidirectional exit-propagation edge between two live
// blocks; both link sets are updated.
func (s *Scheduler) Link(a, b uint64) bool {
	ba, bb := s.registry.Get(a), s.registry.Get(b)
	if ba == nil || bb == nil || !ba.Alive() || !bb.Alive() {
		return false
	}
	ba.AddLink(b)
	bb.AddLink(a)
	return true
}

// Unlink removes the edge from both parties.
func (s *Scheduler) Unlink(a, b uint64) {
	if ba := s.registry.Get(a); ba != nil {
		ba.RemoveLink(b)
	}
	if bb := s.registry.Get(b); bb != nil {
		bb.RemoveLink(a)
	}
}

// Monitor makes observer watch target (unidirectional).
func (s *Scheduler) Monitor(observer, target uint64) bool {
	bo, bt := s.registry.Get(observer), s.registry.Get(target)
	if bo == nil || bt == nil || !bo.Alive() || !bt.Alive() {
		return false
	}
	bo.AddMonitor(target)
	bt.AddMonitoredBy(observer)
	return true
}

// Demonitor removes a monitor edge.
func (s *Scheduler) Demonitor(observer, target uint64) {
	if bo := s.registry.Get(observer); bo != nil {
		bo.RemoveMonitor(target)
	}
	if bt := s.registry.Get(target); bt != nil {
		bt.RemoveMonitoredBy(observer)
	}
}

// ---- Termination -----------------------------------------------------------

// Kill crashes the block at pid with reason "killed". Unknown, invalid, and
// already-dead pids are no-ops.
func (s *Scheduler) Kill(pid uint64) {
	b := s.registry.Get(pid)
	if b == nil || !b.Alive() {
		return
	}
	if b.Crash("killed") {
		s.finalize(b)
	}
}

// Crash terminates the block at pid abnormally with the given reason and
// runs exit propagation. No-op for unknown or dead pids.
func (s *Scheduler) Crash(pid uint64, reason string) {
	b := s.registry.Get(pid)
	if b == nil || !b.Alive() {
		return
	}
	if b.Crash(reason) {
		s.finalize(b)
	}
}

// finalize counts a termination exactly once and runs exit propagation.
func (s *Scheduler) finalize(b *proc.Block) {
	if !b.FirstFinalize() {
		return
	}
	atomic.AddUint64(&s.totalTerminated, 1)
	exit := b.Exited()
	if exit != nil && exit.Abnormal() {
		log.Debugw("block terminated abnormally", "pid", b.Pid(), "code", exit.Code, "reason", exit.Reason)
	} else {
		log.Debugw("block terminated", "pid", b.Pid())
	}
	s.PropagateExit(b)
}

// PropagateExit walks the dead block's links and monitors. Linked blocks
// without TRAP_EXIT crash on an abnormal exit; trap-exit holders receive a
// synthetic exit message instead. Monitors always receive a down-message.
// The capability set is read atomically at propagation time. The block
// stays in the registry so its pid remains lookupable until teardown.
func (s *Scheduler) PropagateExit(b *proc.Block) {
	exit := b.Exited()
	if exit == nil {
		return
	}
	for _, pid := range b.Links() {
		peer := s.registry.Get(pid)
		if peer == nil || !peer.Alive() {
			continue
		}
		peer.RemoveLink(b.Pid())
		if !exit.Abnormal() {
			continue
		}
		if peer.Caps().Has(proc.CapTrapExit) {
			msg := exitMessage(b.Pid(), exit)
			if peer.Deliver(b.Pid(), msg) && peer.Wake() {
				s.enqueue(peer)
			}
			msg.Release()
			continue
		}
		reason := exit.Reason
		if reason == "" {
			reason = fmt.Sprintf("exit code %d", exit.Code)
		}
		if peer.Crash(fmt.Sprintf("linked block %d exited: %s", b.Pid(), reason)) {
			s.finalize(peer)
		}
	}
	for _, pid := range b.MonitoredBy() {
		peer := s.registry.Get(pid)
		if peer == nil || !peer.Alive() {
			continue
		}
		peer.RemoveMonitor(b.Pid())
		msg := downMessage(b.Pid(), exit)
		if peer.Deliver(b.Pid(), msg) && peer.Wake() {
			s.enqueue(peer)
		}
		msg.Release()
	}
}

// exitMessage builds the synthetic trap-exit payload.
func exitMessage(pid uint64, exit *proc.ExitInfo) *value.Value {
	return syntheticMessage("exit_signal", map[string]*value.Value{
		"from":   value.PID(pid),
		"code":   value.Int(int64(exit.Code)),
		"reason": value.String(exit.Reason),
	})
}

// downMessage builds the synthetic monitor notification.
func downMessage(pid uint64, exit *proc.ExitInfo) *value.Value {
	return syntheticMessage("down", map[string]*value.Value{
		"from": value.PID(pid),
		"code": value.Int(int64(exit.Code)),
	})
}

// syntheticMessage wraps NewStruct and drops the construction references the
// struct has taken over.
func syntheticMessage(typeName string, fields map[string]*value.Value) *value.Value {
	msg := value.NewStruct(typeName, fields)
	for _, v := range fields {
		v.Release()
	}
	return msg
}

// ---- Timers ----------------------------------------------------------------

// NowMillis is the wheel's time source.
func NowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// SleepTimer schedules a wake for the block at pid after delayMs.
func (s *Scheduler) SleepTimer(pid uint64, delayMs uint64) *TimerEntry {
	return s.timers.Add(NowMillis()+delayMs, pid, func(p uint64, _ interface{}) {
		if b := s.registry.Get(p); b != nil && b.Wake() {
			s.enqueue(b)
		}
	}, nil)
}

// TickTimers fires every expired entry and returns how many fired.
func (s *Scheduler) TickTimers(nowMs uint64) int {
	fired := s.timers.Tick(nowMs)
	for _, e := range fired {
		if e.Callback != nil {
			e.Callback(e.Pid, e.Ctx)
		}
	}
	return len(fired)
}

// ---- Drivers ---------------------------------------------------------------

// Step runs at most one block slice inline and reports whether runnable work
// remains. It is the single-threaded driver.
func (s *Scheduler) Step() bool {
	s.TickTimers(NowMillis())
	blk := s.injectorPop()
	if blk == nil {
		return false
	}
	w := s.inlineWorker()
	w.runBlock(blk)
	// Drain the inline worker's deque back to the injector so Step state
	// lives entirely in the scheduler between calls.
	for {
		b := w.deque.Pop()
		if b == nil {
			break
		}
		s.noteDequeued()
		s.enqueue(b)
	}
	return atomic.LoadInt64(&s.queued) > 0
}

func (s *Scheduler) inlineWorker() *Worker {
	if s.inline == nil {
		s.inline = newWorker(-1, s)
	}
	return s.inline
}

// Run drives the scheduler until no runnable work remains: every block has
// terminated, parked with no pending timer, or the population is empty. In
// multi-worker mode the workers run on their own goroutines and Run blocks
// until quiescence.
func (s *Scheduler) Run() {
	if s.cfg.NumWorkers == 0 {
		for {
			if !s.Step() {
				if s.timers.HasPending() {
					time.Sleep(time.Duration(s.cfg.TimerTickMs) * time.Millisecond)
					continue
				}
				return
			}
		}
	}

	atomic.StoreUint32(&s.stop, 0)
	var g errgroup.Group
	for _, w := range s.workers {
		w := w
		g.Go(func() error {
			w.loop()
			return nil
		})
	}
	log.Infow("scheduler running", "workers", len(s.workers), "stealing", s.cfg.EnableStealing)

	for {
		s.TickTimers(NowMillis())
		if s.quiescent() {
			break
		}
		time.Sleep(200 * time.Microsecond)
	}
	atomic.StoreUint32(&s.stop, 1)
	_ = g.Wait()
	log.Infow("scheduler quiescent", "spawned", atomic.LoadUint64(&s.totalSpawned),
		"terminated", atomic.LoadUint64(&s.totalTerminated))
}

// quiescent reports that no queued work remains, no slice is mid-flight,
// and no timer can create more work without outside help.
func (s *Scheduler) quiescent() bool {
	if atomic.LoadInt64(&s.queued) > 0 || atomic.LoadInt64(&s.active) > 0 {
		return false
	}
	if s.timers.HasPending() {
		return false
	}
	for _, w := range s.workers {
		if !w.deque.Empty() {
			return false
		}
	}
	return atomic.LoadInt64(&s.queued) == 0 && atomic.LoadInt64(&s.active) == 0
}

// Stop requests worker shutdown without waiting for quiescence.
func (s *Scheduler) Stop() { atomic.StoreUint32(&s.stop, 1) }

// ---- Stats -----------------------------------------------------------------

// StatsSnapshot returns the scheduler totals.
func (s *Scheduler) StatsSnapshot() Stats {
	st := Stats{
		BlocksTotal:     atomic.LoadUint64(&s.totalSpawned),
		BlocksDead:      atomic.LoadUint64(&s.totalTerminated),
		TotalReductions: atomic.LoadUint64(&s.totalReductions),
		ContextSwitches: atomic.LoadUint64(&s.contextSwitches),
	}
	st.BlocksAlive = st.BlocksTotal - st.BlocksDead
	for _, w := range s.workers {
		a, ok := w.deque.StealStats()
		st.StealsAttempted += a
		st.StealsSucceeded += ok
	}
	return st
}

// Free tears the scheduler down: remaining blocks are released and the
// registry cleared. The scheduler must not be used afterwards.
func (s *Scheduler) Free() {
	s.Stop()
	s.registry.Each(func(b *proc.Block) { b.Release() })
	s.registry.Clear()
}
