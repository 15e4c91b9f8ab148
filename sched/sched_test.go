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
	"testing"
	"time"

	"github.com/hyourindev/agim/core/value"
	"github.com/hyourindev/agim/core/vm"
	"github.com/hyourindev/agim/proc"
)

// ---- Program builders ------------------------------------------------------

// haltProg terminates immediately.
func haltProg() *vm.Bytecode {
	c := vm.NewChunk("main", 0)
	c.Emit(vm.OpHalt, 1)
	return vm.NewBytecode(c)
}

// loopProg counts down from n, one reduction per iteration, then halts.
func loopProg(n int64) *vm.Bytecode {
	c := vm.NewChunk("main", 0)
	c.EmitU16(vm.OpConst, uint16(c.AddConst(value.Int(n))), 1)
	loop := len(c.Code)
	c.EmitU8(vm.OpGetLocal, 1, 2)
	c.EmitU16(vm.OpConst, uint16(c.AddConst(value.Int(0))), 2)
	c.Emit(vm.OpGt, 2)
	end := c.EmitJump(vm.OpJumpUnless, 2)
	c.EmitU8(vm.OpGetLocal, 1, 3)
	c.EmitU16(vm.OpConst, uint16(c.AddConst(value.Int(1))), 3)
	c.Emit(vm.OpSub, 3)
	c.EmitU8(vm.OpSetLocal, 1, 3)
	if err := c.EmitLoop(loop, 3); err != nil {
		panic(err)
	}
	if err := c.PatchJump(end); err != nil {
		panic(err)
	}
	c.Emit(vm.OpHalt, 4)
	return vm.NewBytecode(c)
}

// receiveProg parks until a message arrives, then halts with it on the
// stack.
func receiveProg() *vm.Bytecode {
	c := vm.NewChunk("main", 0)
	c.Emit(vm.OpReceive, 1)
	c.Emit(vm.OpHalt, 1)
	return vm.NewBytecode(c)
}

func singleThreaded() *Scheduler {
	return New(Config{NumWorkers: 0})
}

// ---- Spawn / registry ------------------------------------------------------

func TestSpawnAssignsMonotonePids(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	p1 := s.Spawn(haltProg(), "")
	p2 := s.Spawn(haltProg(), "")
	if p1 == PIDInvalid || p2 != p1+1 {
		t.Fatalf("pids = %d, %d; want monotone from 1", p1, p2)
	}
	if s.Lookup(p1) == nil || s.Lookup(p2) == nil {
		t.Fatal("spawned blocks not in registry")
	}
	if s.Lookup(PIDInvalid) != nil {
		t.Fatal("pid 0 resolved")
	}
}

func TestSpawnRespectsMaxBlocks(t *testing.T) {
	s := New(Config{NumWorkers: 0, MaxBlocks: 2})
	defer s.Free()
	if s.Spawn(haltProg(), "") == PIDInvalid || s.Spawn(haltProg(), "") == PIDInvalid {
		t.Fatal("spawns within budget failed")
	}
	if s.Spawn(haltProg(), "") != PIDInvalid {
		t.Fatal("spawn beyond budget succeeded")
	}
}

func TestWhereIs(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	pid := s.Spawn(haltProg(), "registered")
	if got := s.WhereIs("registered"); got != pid {
		t.Fatalf("WhereIs = %d; want %d", got, pid)
	}
	if s.WhereIs("missing") != PIDInvalid {
		t.Fatal("unknown name resolved")
	}
}

func TestRegistryKeepsDeadBlocks(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	pid := s.Spawn(haltProg(), "")
	s.Run()
	b := s.Lookup(pid)
	if b == nil {
		t.Fatal("dead block evicted from registry")
	}
	if b.State() != proc.StateDead {
		t.Fatalf("state = %v; want DEAD", b.State())
	}
}

// ---- Drivers ---------------------------------------------------------------

func TestRunSingleThreaded(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	pid := s.Spawn(loopProg(100), "")
	s.Run()
	b := s.Lookup(pid)
	exit := b.Exited()
	if exit == nil || exit.Code != 0 {
		t.Fatalf("exit = %+v; want normal", exit)
	}
	st := s.StatsSnapshot()
	if st.BlocksDead != 1 || st.BlocksAlive != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if st.TotalReductions == 0 || st.ContextSwitches == 0 {
		t.Fatalf("counters not advancing: %+v", st)
	}
}

func TestStepReturnsFalseWhenIdle(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	if s.Step() {
		t.Fatal("Step with no work reported work")
	}
	s.Spawn(haltProg(), "")
	for s.Step() {
	}
	if got := s.StatsSnapshot().BlocksDead; got != 1 {
		t.Fatalf("dead = %d; want 1", got)
	}
}

func TestParallelLoad(t *testing.T) {
	s := New(Config{NumWorkers: 4, EnableStealing: true})
	defer s.Free()
	for i := 0; i < 40; i++ {
		if s.Spawn(loopProg(500), "") == PIDInvalid {
			t.Fatalf("spawn %d failed", i)
		}
	}
	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("scheduler did not reach quiescence")
	}
	st := s.StatsSnapshot()
	if st.BlocksTotal != 40 || st.BlocksDead != 40 || st.BlocksAlive != 0 {
		t.Fatalf("stats = %+v; want 40 total, 40 dead, 0 alive", st)
	}
	if st.TotalReductions == 0 {
		t.Fatal("total reductions = 0")
	}
	if st.ContextSwitches == 0 {
		t.Fatal("context switches = 0")
	}
}

// ---- Messaging -------------------------------------------------------------

func TestSendWakesReceiver(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	pid := s.Spawn(receiveProg(), "")
	s.Run() // parks the receiver
	b := s.Lookup(pid)
	if b.State() != proc.StateWaiting {
		t.Fatalf("state = %v; want WAITING", b.State())
	}
	payload := value.Int(7)
	if !s.Send(PIDInvalid, pid, payload) {
		t.Fatal("send failed")
	}
	payload.Release()
	s.Run()
	exit := b.Exited()
	if exit == nil || exit.Code != 0 {
		t.Fatalf("receiver did not finish: %+v", exit)
	}
}

func TestSendToDeadOrMissingFails(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	pid := s.Spawn(haltProg(), "")
	s.Run()
	payload := value.Int(1)
	defer payload.Release()
	if s.Send(PIDInvalid, pid, payload) {
		t.Fatal("send to dead block succeeded")
	}
	if s.Send(PIDInvalid, 9999, payload) {
		t.Fatal("send to unknown pid succeeded")
	}
}

func TestSenderReceiverFIFO(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	pid := s.Spawn(receiveProg(), "")
	s.Run()
	for i := int64(0); i < 5; i++ {
		v := value.Int(i)
		if !s.Send(PIDInvalid, pid, v) {
			t.Fatalf("send %d failed", i)
		}
		v.Release()
	}
	b := s.Lookup(pid)
	for i := int64(0); i < 5; i++ {
		_, v, ok := b.Mailbox().Pop()
		if !ok || v.Int() != i {
			t.Fatalf("message %d out of order: %v %v", i, v, ok)
		}
		v.Release()
	}
}

// ---- Kill and exit propagation ---------------------------------------------

func TestKill(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	pid := s.Spawn(receiveProg(), "")
	s.Run()
	s.Kill(pid)
	b := s.Lookup(pid)
	exit := b.Exited()
	if exit == nil || exit.Reason != "killed" {
		t.Fatalf("exit = %+v; want killed", exit)
	}
	// Idempotent: second kill and unknown pids are no-ops.
	s.Kill(pid)
	s.Kill(9999)
	s.Kill(PIDInvalid)
	st := s.StatsSnapshot()
	if st.BlocksDead != 1 {
		t.Fatalf("terminated = %d; want exactly 1", st.BlocksDead)
	}
}

func TestExitPropagationCrashesLinked(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	pidA := s.Spawn(receiveProg(), "a")
	pidB := s.Spawn(receiveProg(), "b")
	s.Run()
	if !s.Link(pidA, pidB) {
		t.Fatal("link failed")
	}
	s.Crash(pidA, "boom")

	b := s.Lookup(pidB)
	if b.State() != proc.StateDead {
		t.Fatalf("linked block state = %v; want DEAD", b.State())
	}
	st := s.StatsSnapshot()
	if st.BlocksDead != 2 {
		t.Fatalf("terminated = %d; want 2", st.BlocksDead)
	}
}

func TestExitPropagationTrapExit(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	pidA := s.Spawn(receiveProg(), "a")
	pidB := s.SpawnEx(receiveProg(), "b", proc.CapTrapExit, nil, PIDInvalid)
	s.Run()
	s.Link(pidA, pidB)
	s.Crash(pidA, "boom")

	b := s.Lookup(pidB)
	if b.State() == proc.StateDead {
		t.Fatal("trap-exit block crashed")
	}
	if !b.HasMessages() {
		t.Fatal("trap-exit block received no exit message")
	}
	_, msg, _ := b.Mailbox().Pop()
	if msg.TypeName() != "exit_signal" {
		t.Fatalf("message type = %q; want exit_signal", msg.TypeName())
	}
	from, _ := value.StructGet(msg, "from")
	reason, _ := value.StructGet(msg, "reason")
	if from.Pid() != pidA || reason.Str() != "boom" {
		t.Fatalf("exit message = %s", value.JSON(msg))
	}
	msg.Release()
}

func TestNormalExitDoesNotCrashLinked(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	pidA := s.Spawn(receiveProg(), "a")
	pidB := s.Spawn(receiveProg(), "b")
	s.Run()
	s.Link(pidA, pidB)

	a := s.Lookup(pidA)
	a.Exit(0)
	s.PropagateExit(a)

	if s.Lookup(pidB).State() == proc.StateDead {
		t.Fatal("normal exit crashed the linked peer")
	}
}

func TestMonitorGetsDownMessage(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	target := s.Spawn(receiveProg(), "t")
	observer := s.Spawn(receiveProg(), "o")
	s.Run()
	if !s.Monitor(observer, target) {
		t.Fatal("monitor failed")
	}
	s.Crash(target, "gone")

	o := s.Lookup(observer)
	if o.State() == proc.StateDead {
		t.Fatal("monitor crashed with its target")
	}
	if !o.HasMessages() {
		t.Fatal("observer received no down message")
	}
	_, msg, _ := o.Mailbox().Pop()
	if msg.TypeName() != "down" {
		t.Fatalf("message type = %q; want down", msg.TypeName())
	}
	msg.Release()
}

func TestCapabilityDeniedKillsBlock(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	pid := s.SpawnEx(receiveProg(), "", proc.CapSpawn, nil, PIDInvalid)
	b := s.Lookup(pid)
	if b.CheckCap(proc.CapFileRead) {
		t.Fatal("denied capability passed")
	}
	if b.State() != proc.StateDead {
		t.Fatalf("state = %v; want DEAD", b.State())
	}
}

// ---- Timer integration -----------------------------------------------------

func TestSleepTimerWakesBlock(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	pid := s.Spawn(receiveProg(), "")
	s.Run()
	b := s.Lookup(pid)
	if b.State() != proc.StateWaiting {
		t.Fatalf("state = %v; want WAITING", b.State())
	}

	s.SleepTimer(pid, 0)
	if fired := s.TickTimers(NowMillis() + 100); fired != 1 {
		t.Fatalf("fired = %d; want 1", fired)
	}
	if b.State() != proc.StateRunnable {
		t.Fatalf("state = %v; want RUNNABLE after timer wake", b.State())
	}
}

// ---- Counters --------------------------------------------------------------

func TestTerminatedNeverExceedsSpawned(t *testing.T) {
	s := New(Config{NumWorkers: 2, EnableStealing: true})
	defer s.Free()
	for i := 0; i < 10; i++ {
		s.Spawn(loopProg(50), "")
	}
	s.Run()
	st := s.StatsSnapshot()
	if st.BlocksDead > st.BlocksTotal {
		t.Fatalf("terminated %d > spawned %d", st.BlocksDead, st.BlocksTotal)
	}
	if st.BlocksDead != st.BlocksTotal {
		t.Fatalf("not quiescent: %+v", st)
	}
}

func TestProgramCacheShares(t *testing.T) {
	s := singleThreaded()
	defer s.Free()
	prog := loopProg(10)
	p1 := s.Spawn(prog, "")
	// A structurally identical program maps to the same cached chunks.
	p2 := s.Spawn(loopProg(10), "")
	b1, b2 := s.Lookup(p1), s.Lookup(p2)
	if b1 == nil || b2 == nil {
		t.Fatal("spawns failed")
	}
	s.Run()
	if b1.Exited() == nil || b2.Exited() == nil {
		t.Fatal("cached-program blocks did not finish")
	}
}
