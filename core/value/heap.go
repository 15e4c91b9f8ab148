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

import (
	mapset "github.com/deckarep/golang-set"
)

const (
	// valueBaseSize is the accounting cost charged per cell before payload.
	valueBaseSize = 96

	// cardCount is the number of card-table slots; cards cover allocation-
	// sequence ranges rather than raw addresses.
	cardCount = 1024

	// cardShift groups 2^cardShift consecutive allocations per card.
	cardShift = 9
)

// RootScanner enumerates a block's strong GC roots: the VM operand stack,
// every live frame's locals and callee, the mailbox queue, and the exit
// payload. The heap calls it at the start of every collection.
type RootScanner func(mark func(*Value))

// Heap is the per-block allocation arena: an intrusive list of every cell the
// block owns, generational bookkeeping, and the tracing collector's state.
// A heap is single-threaded — only the worker currently running its block
// touches it — so none of this state is locked. Value refcounts remain
// atomic because cells escape the heap via message passing.
type Heap struct {
	head *Value // allocation list, newest first

	bytesAllocated   uint64
	objectsAllocated uint64
	maxHeap          uint64
	nextGC           uint64

	gcCount      uint64
	minorGCCount uint64
	majorGCCount uint64

	generational       bool
	promotionThreshold uint8

	gcInProgress bool
	grayHead     *Value
	grayCount    int

	remembered mapset.Set // old cells referencing young ones; worker-local
	cards      [cardCount]byte

	allocSeq uint64

	roots RootScanner
}

// NewHeap creates a heap with the given byte budget (0 means unlimited) and
// generational collection enabled.
func NewHeap(maxBytes uint64) *Heap {
	return &Heap{
		maxHeap:            maxBytes,
		nextGC:             1 << 20,
		generational:       true,
		promotionThreshold: 2,
		remembered:         mapset.NewThreadUnsafeSet(),
	}
}

// SetRoots installs the block's root scanner.
func (h *Heap) SetRoots(fn RootScanner) { h.roots = fn }

// SetGenerational toggles generational collection; when disabled the write
// barrier is a no-op and every collection traces the full heap.
func (h *Heap) SetGenerational(on bool) { h.generational = on }

// SetPromotionThreshold sets the survival count past which a young object is
// promoted.
func (h *Heap) SetPromotionThreshold(n uint8) { h.promotionThreshold = n }

// BytesAllocated returns the current accounted heap size.
func (h *Heap) BytesAllocated() uint64 { return h.bytesAllocated }

// ObjectsAllocated returns the lifetime allocation count.
func (h *Heap) ObjectsAllocated() uint64 { return h.objectsAllocated }

// Collections returns (total, minor, major) collection counts.
func (h *Heap) Collections() (total, minor, major uint64) {
	return h.gcCount, h.minorGCCount, h.majorGCCount
}

// Live counts the cells currently on the allocation list (test hook).
func (h *Heap) Live() int {
	n := 0
	for v := h.head; v != nil; v = v.next {
		n++
	}
	return n
}

// adopt links a freshly constructed cell into this heap: young, white,
// charged against the byte budget. A nil heap adopts nothing, which lets
// container helpers run heap-less in tests and host code. Cells allocated
// while a mark phase is in flight start black so the cycle cannot sweep
// them.
func (h *Heap) adopt(v *Value) *Value {
	if h == nil || v == nil {
		return v
	}
	h.allocSeq++
	v.seq = h.allocSeq
	v.color = colorWhite
	if h.gcInProgress {
		v.color = colorBlack
	}
	v.next = h.head
	h.head = v
	h.bytesAllocated += v.size()
	h.objectsAllocated++
	return v
}

// Adopt is the exported allocation entry point: it links v into the heap and
// returns it. Returns nil when the heap byte budget is exhausted; the caller
// surfaces that as a runtime error for the block.
func (h *Heap) Adopt(v *Value) *Value {
	if h == nil {
		return v
	}
	if h.maxHeap != 0 && h.bytesAllocated+v.size() > h.maxHeap {
		return nil
	}
	return h.adopt(v)
}

// AdoptGC is Adopt with an allocation-triggered collection: when the
// accounted size crosses the growth threshold a collection runs first, and
// the budget is rechecked after.
func (h *Heap) AdoptGC(v *Value) *Value {
	if h == nil {
		return v
	}
	if h.bytesAllocated > h.nextGC {
		h.Collect()
		h.nextGC = h.bytesAllocated * 2
		if h.nextGC < 1<<20 {
			h.nextGC = 1 << 20
		}
	}
	return h.Adopt(v)
}

// size estimates the accounting cost of a cell.
func (v *Value) size() uint64 {
	s := uint64(valueBaseSize)
	switch v.kind {
	case KindString:
		s += uint64(len(v.str))
	case KindBytes:
		s += uint64(len(v.raw))
	case KindVector:
		s += uint64(len(v.vec)) * 8
	case KindArray:
		s += uint64(cap(v.elems)) * 8
	case KindMap, KindStruct:
		if v.tab != nil {
			s += uint64(len(v.tab.buckets))*8 + uint64(v.tab.count)*48
		}
	case KindClosure:
		s += uint64(len(v.ups)) * 8
	}
	return s
}

// ---- Write barrier ---------------------------------------------------------

// WriteBarrier records an old→young edge when parent (already promoted)
// receives a reference to child. The parent is flagged REMEMBERED once,
// appended to the deduplicated remembered set, and its card dirtied. While
// an incremental mark is in flight the barrier also shades white children of
// black parents so the tri-color invariant holds.
func (h *Heap) WriteBarrier(parent, child *Value) {
	if h == nil || parent == nil {
		return
	}
	if h.gcInProgress && parent.color == colorBlack && child != nil && child.color == colorWhite {
		h.pushGray(child)
	}
	if !h.generational || !parent.old {
		return
	}
	if !parent.remembered {
		parent.remembered = true
		h.remembered.Add(parent)
	}
	h.cards[(parent.seq>>cardShift)%cardCount] = 1
}

// writeBarrier is the internal spelling used by the container mutators.
func (h *Heap) writeBarrier(parent, child *Value) { h.WriteBarrier(parent, child) }

// RememberedCount returns the remembered-set cardinality (test hook).
func (h *Heap) RememberedCount() int {
	if h == nil {
		return 0
	}
	return h.remembered.Cardinality()
}

// CardDirty reports whether the card covering v is dirty (test hook).
func (h *Heap) CardDirty(v *Value) bool {
	return h.cards[(v.seq>>cardShift)%cardCount] != 0
}
