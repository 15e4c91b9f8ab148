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

package value

import "testing"

func TestCollectFreesReleasedOnly(t *testing.T) {
	h := NewHeap(0)
	a := h.Adopt(Int(1))
	b := h.Adopt(Int(2))
	c := h.Adopt(Int(3))

	a.Release()
	b.Release()
	c.Retain() // manual pin

	freed := h.Collect()
	if freed != 2 {
		t.Fatalf("freed = %d; want 2", freed)
	}
	if h.Live() != 1 {
		t.Fatalf("live = %d; want 1", h.Live())
	}
	if c.Int() != 3 || c.Refs() != 2 {
		t.Fatalf("pinned object corrupted: val=%d refs=%d", c.Int(), c.Refs())
	}
}

func TestCollectKeepsRootedValues(t *testing.T) {
	h := NewHeap(0)
	var root *Value
	h.SetRoots(func(mark func(*Value)) {
		if root != nil {
			mark(root)
		}
	})
	root = h.Adopt(Int(99))
	root.Release() // refcount 0, but rooted

	if freed := h.Collect(); freed != 0 {
		t.Fatalf("freed a rooted value (freed=%d)", freed)
	}
	root = nil
	if freed := h.Collect(); freed != 1 {
		t.Fatalf("unrooted value not freed (freed=%d)", freed)
	}
}

// makeCycle builds a↔b directly: going through ArrayPush would COW-clone
// the second container once the first holds a reference to it.
func makeCycle(h *Heap) (a, b *Value) {
	a = h.Adopt(NewArray(1))
	b = h.Adopt(NewArray(1))
	a.elems = append(a.elems, b.Retain())
	b.elems = append(b.elems, a.Retain())
	return a, b
}

func TestCollectFreesCycles(t *testing.T) {
	h := NewHeap(0)
	a, b := makeCycle(h)
	// Drop the external references; only the cycle's internal refs remain.
	a.Release()
	b.Release()

	if freed := h.Collect(); freed != 2 {
		t.Fatalf("cycle not collected (freed=%d)", freed)
	}
	if h.Live() != 0 {
		t.Fatalf("live = %d; want 0", h.Live())
	}
}

func TestCycleWithExternalPinSurvives(t *testing.T) {
	h := NewHeap(0)
	a, b := makeCycle(h)
	b.Release()
	// a keeps its external reference: the whole cycle must survive.

	if freed := h.Collect(); freed != 0 {
		t.Fatalf("pinned cycle collected (freed=%d)", freed)
	}
	a.Release()
	if freed := h.Collect(); freed != 2 {
		t.Fatalf("released cycle not collected (freed=%d)", freed)
	}
}

func TestMinorCollectionPromotes(t *testing.T) {
	h := NewHeap(0)
	h.SetPromotionThreshold(1)
	var root *Value
	h.SetRoots(func(mark func(*Value)) { mark(root) })
	root = h.Adopt(Int(5))

	h.CollectYoung()
	if root.Old() || root.Survivals() != 1 {
		t.Fatalf("after 1 minor: old=%v survivals=%d", root.Old(), root.Survivals())
	}
	h.CollectYoung()
	if !root.Old() {
		t.Fatalf("survivor not promoted after threshold")
	}
	_, minor, _ := h.Collections()
	if minor != 2 {
		t.Fatalf("minor count = %d; want 2", minor)
	}
}

func TestMinorIgnoresOldWithoutRememberedSet(t *testing.T) {
	h := NewHeap(0)
	h.SetPromotionThreshold(0)
	var roots []*Value
	h.SetRoots(func(mark func(*Value)) {
		for _, r := range roots {
			mark(r)
		}
	})

	parent := h.Adopt(NewArray(1))
	roots = append(roots, parent)
	h.CollectYoung() // promotes parent (threshold 0)
	if !parent.Old() {
		t.Fatal("parent not promoted")
	}

	// Old parent takes a young child: the write barrier must remember it.
	child := h.Adopt(Int(1))
	parent, _ = ArrayPush(h, parent, child)
	child.Release()
	if h.RememberedCount() != 1 {
		t.Fatalf("remembered count = %d; want 1", h.RememberedCount())
	}
	if !h.CardDirty(parent) {
		t.Fatal("card not dirtied by write barrier")
	}

	// Minor GC with no roots scanning the child directly: the remembered
	// set must keep it alive.
	roots = nil
	if freed := h.CollectYoung(); freed != 0 {
		t.Fatalf("remembered child collected (freed=%d)", freed)
	}
}

func TestWriteBarrierYoungParentNoop(t *testing.T) {
	h := NewHeap(0)
	parent := h.Adopt(NewArray(1))
	child := h.Adopt(Int(1))
	parent, _ = ArrayPush(h, parent, child)
	if h.RememberedCount() != 0 {
		t.Fatalf("young parent remembered; set size %d", h.RememberedCount())
	}
}

func TestFullCollectionClearsRemembered(t *testing.T) {
	h := NewHeap(0)
	h.SetPromotionThreshold(0)
	var roots []*Value
	h.SetRoots(func(mark func(*Value)) {
		for _, r := range roots {
			mark(r)
		}
	})
	parent := h.Adopt(NewArray(1))
	roots = append(roots, parent)
	h.CollectYoung()
	child := h.Adopt(Int(1))
	parent, _ = ArrayPush(h, parent, child)
	child.Release()

	h.CollectFull()
	if h.RememberedCount() != 0 {
		t.Fatalf("remembered set not cleared by full GC: %d", h.RememberedCount())
	}
	_, _, major := h.Collections()
	if major != 1 {
		t.Fatalf("major count = %d; want 1", major)
	}
}

func TestIncrementalMarking(t *testing.T) {
	h := NewHeap(0)
	var roots []*Value
	h.SetRoots(func(mark func(*Value)) {
		for _, r := range roots {
			mark(r)
		}
	})
	for i := 0; i < 10; i++ {
		roots = append(roots, h.Adopt(Int(int64(i))))
	}
	garbage := h.Adopt(Int(-1))
	garbage.Release()

	h.StartIncremental()
	if !h.GCInProgress() {
		t.Fatal("incremental cycle not open")
	}
	steps := 0
	for !h.MarkIncrement(2) {
		steps++
		if steps > 100 {
			t.Fatal("incremental marking did not converge")
		}
	}
	h.Complete()
	if h.GCInProgress() {
		t.Fatal("cycle still open after Complete")
	}
	if h.Live() != 10 {
		t.Fatalf("live = %d; want 10", h.Live())
	}
}

func TestStepDrivesWholeCycle(t *testing.T) {
	h := NewHeap(0)
	dead := h.Adopt(Int(1))
	dead.Release()
	h.StartIncremental()
	for i := 0; !h.Step(1); i++ {
		if i > 100 {
			t.Fatal("Step did not converge")
		}
	}
	if h.Live() != 0 {
		t.Fatalf("live = %d; want 0", h.Live())
	}
}

func TestAdoptRespectsBudget(t *testing.T) {
	h := NewHeap(valueBaseSize + 8) // room for a single small cell
	if h.Adopt(Int(1)) == nil {
		t.Fatal("first adopt within budget failed")
	}
	if h.Adopt(Int(2)) != nil {
		t.Fatal("adopt beyond budget succeeded")
	}
}
