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
	"strings"
	"testing"

	"github.com/hyourindev/agim/core/value"
	"github.com/hyourindev/agim/params"
)

func newTestBlock(pid uint64) *Block {
	return NewBlock(pid, "", params.Limits{})
}

// ---- Capability set --------------------------------------------------------

func TestCapNames(t *testing.T) {
	cases := []struct {
		c    Cap
		want string
	}{
		{CapNone, "NONE"},
		{CapAll, "ALL"},
		{CapSpawn, "SPAWN"},
		{CapFileRead, "FILE_READ"},
		{CapTrapExit, "TRAP_EXIT"},
		{CapWebSocket, "WEBSOCKET"},
		{CapSpawn | CapSend, "SPAWN|SEND"},
	}
	for _, tc := range cases {
		if got := tc.c.String(); got != tc.want {
			t.Errorf("Cap(%#x).String() = %q; want %q", uint32(tc.c), got, tc.want)
		}
	}
}

func TestGrantRevokeIdempotent(t *testing.T) {
	b := newTestBlock(1)
	b.Grant(CapSpawn)
	b.Grant(CapSpawn)
	if !b.Caps().Has(CapSpawn) {
		t.Fatal("grant lost")
	}
	b.Revoke(CapSpawn)
	b.Revoke(CapSpawn)
	if b.Caps().Has(CapSpawn) {
		t.Fatal("revoke lost")
	}
}

func TestCheckCapDeniedCrashes(t *testing.T) {
	b := newTestBlock(1)
	b.Grant(CapSpawn)
	if b.CheckCap(CapFileRead) {
		t.Fatal("missing capability reported as present")
	}
	if b.State() != StateDead {
		t.Fatalf("state = %v; want DEAD", b.State())
	}
	exit := b.Exited()
	if exit == nil || !strings.Contains(exit.Reason, "capability denied: FILE_READ") {
		t.Fatalf("exit = %+v", exit)
	}
}

func TestCheckCapGrantedPasses(t *testing.T) {
	b := newTestBlock(1)
	b.Grant(CapSpawn | CapSend)
	if !b.CheckCap(CapSpawn) || !b.CheckCap(CapSpawn|CapSend) {
		t.Fatal("granted capability denied")
	}
	if b.State() == StateDead {
		t.Fatal("block crashed on a granted capability")
	}
}

// ---- Lifecycle -------------------------------------------------------------

func TestLifecycleTransitions(t *testing.T) {
	b := newTestBlock(1)
	if b.State() != StateRunnable {
		t.Fatalf("fresh state = %v", b.State())
	}
	if !b.TryDispatch() {
		t.Fatal("dispatch of runnable block failed")
	}
	if b.TryDispatch() {
		t.Fatal("double dispatch succeeded")
	}
	if !b.Park() {
		t.Fatal("park of running block failed")
	}
	if !b.Wake() {
		t.Fatal("wake of waiting block failed")
	}
	if b.Wake() {
		t.Fatal("wake of runnable block succeeded")
	}
}

func TestTerminateOnce(t *testing.T) {
	b := newTestBlock(1)
	if !b.Crash("boom") {
		t.Fatal("first crash rejected")
	}
	if b.Crash("later") || b.Exit(0) {
		t.Fatal("second termination accepted")
	}
	exit := b.Exited()
	if exit == nil || exit.Reason != "boom" || exit.Code != 1 {
		t.Fatalf("exit = %+v; want code 1 reason boom", exit)
	}
	if !exit.Abnormal() {
		t.Fatal("crash not abnormal")
	}
}

func TestNormalExitNotAbnormal(t *testing.T) {
	b := newTestBlock(1)
	b.Exit(0)
	if b.Exited().Abnormal() {
		t.Fatal("exit code 0 flagged abnormal")
	}
}

func TestFirstFinalizeOnce(t *testing.T) {
	b := newTestBlock(1)
	b.Exit(0)
	if !b.FirstFinalize() {
		t.Fatal("first finalize rejected")
	}
	if b.FirstFinalize() {
		t.Fatal("second finalize accepted")
	}
}

// ---- Mailbox ---------------------------------------------------------------

func TestMailboxFIFO(t *testing.T) {
	m := NewMailbox(16)
	for i := int64(0); i < 10; i++ {
		v := value.Int(i)
		if !m.Push(1, v) {
			t.Fatalf("push %d failed", i)
		}
		v.Release()
	}
	for i := int64(0); i < 10; i++ {
		sender, v, ok := m.Pop()
		if !ok || sender != 1 || v.Int() != i {
			t.Fatalf("pop %d = %v/%v/%v", i, sender, v, ok)
		}
		v.Release()
	}
	if _, _, ok := m.Pop(); ok {
		t.Fatal("pop from empty mailbox succeeded")
	}
}

func TestMailboxBounded(t *testing.T) {
	m := NewMailbox(2)
	v := value.Int(1)
	defer v.Release()
	if !m.Push(1, v) || !m.Push(1, v) {
		t.Fatal("pushes within capacity failed")
	}
	if m.Push(1, v) {
		t.Fatal("push beyond capacity succeeded")
	}
	if m.Len() != 2 {
		t.Fatalf("len = %d; want 2", m.Len())
	}
}

func TestMailboxSharesPayloadCOW(t *testing.T) {
	m := NewMailbox(4)
	mv := value.NewMap()
	mv, _ = value.MapSet(nil, mv, "x", value.Int(1))
	if !m.Push(1, mv) {
		t.Fatal("push failed")
	}
	if mv.Flags()&value.FlagCOWShared == 0 {
		t.Fatal("payload not marked COW-shared on send")
	}
	if mv.Refs() != 2 {
		t.Fatalf("payload refs = %d; want 2 (sender + mailbox)", mv.Refs())
	}
}

func TestDeliverCountsLifetime(t *testing.T) {
	b := newTestBlock(1)
	v := value.Int(1)
	defer v.Release()
	for i := 0; i < 3; i++ {
		if !b.Deliver(2, v) {
			t.Fatalf("deliver %d failed", i)
		}
	}
	_, p, _ := b.Pop()
	p.Release()
	if got := b.CountersSnapshot().MessagesReceived; got != 3 {
		t.Fatalf("messagesReceived = %d; want 3 (monotone, counts deliveries)", got)
	}
}

func TestDeliverToDeadBlockFails(t *testing.T) {
	b := newTestBlock(1)
	b.Crash("gone")
	v := value.Int(1)
	defer v.Release()
	if b.Deliver(2, v) {
		t.Fatal("delivered to a dead block")
	}
}

// ---- Links and monitors ----------------------------------------------------

func TestLinkSetDedupes(t *testing.T) {
	b := newTestBlock(1)
	b.AddLink(7)
	b.AddLink(7)
	if got := b.Links(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("links = %v; want [7]", got)
	}
	b.RemoveLink(7)
	if len(b.Links()) != 0 {
		t.Fatal("unlink failed")
	}
}

func TestMonitorSets(t *testing.T) {
	b := newTestBlock(1)
	b.AddMonitoredBy(3)
	b.AddMonitoredBy(4)
	b.AddMonitoredBy(3)
	if got := b.MonitoredBy(); len(got) != 2 {
		t.Fatalf("monitoredBy = %v; want 2 entries", got)
	}
}
