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

// The collector is tri-color and generational. A minor collection traces
// only young objects, with the remembered set standing in for old-to-young
// edges; a full collection traces everything. The sweep frees a cell only
// when it is white AND no reference from outside the doomed set remains —
// a manual Retain pins an object through any number of cycles, which is what
// keeps mailbox messages and timer contexts alive without scanning them.

// ---- Marking ---------------------------------------------------------------

func (h *Heap) pushGray(v *Value) {
	v.color = colorGray
	v.grayNext = h.grayHead
	h.grayHead = v
	h.grayCount++
}

func (h *Heap) popGray() *Value {
	v := h.grayHead
	if v == nil {
		return nil
	}
	h.grayHead = v.grayNext
	v.grayNext = nil
	h.grayCount--
	return v
}

// markValue grays a white object. Minor collections skip old objects — the
// remembered set re-introduces the ones that matter.
func (h *Heap) markValue(v *Value, minor bool) {
	if v == nil || v.color != colorWhite {
		return
	}
	if minor && v.old {
		return
	}
	h.pushGray(v)
}

// markRoots seeds the gray list from the block's strong roots, plus the
// remembered set when collecting only the young generation.
func (h *Heap) markRoots(minor bool) {
	if h.roots != nil {
		h.roots(func(v *Value) { h.markValue(v, minor) })
	}
	if minor {
		h.remembered.Each(func(i interface{}) bool {
			parent := i.(*Value)
			parent.children(func(c *Value) { h.markValue(c, minor) })
			return false
		})
	}
}

// drain blackens up to budget gray objects (budget <= 0 means unbounded) and
// reports whether the frontier is empty.
func (h *Heap) drain(minor bool, budget int) bool {
	for h.grayHead != nil {
		if budget == 0 {
			return false
		}
		if budget > 0 {
			budget--
		}
		v := h.popGray()
		v.color = colorBlack
		v.children(func(c *Value) { h.markValue(c, minor) })
	}
	return true
}

// ---- Sweep -----------------------------------------------------------------

// sweep walks the allocation list and frees unreachable cells. A white cell
// dies when every remaining reference to it comes from other dying cells;
// references from outside the doomed set (a manual Retain, a mailbox, a
// timer context) pin it. Minor sweeps never touch the old generation.
// Survivors of a minor sweep age and are promoted past the threshold.
func (h *Heap) sweep(minor bool) (freed int) {
	// Pass 1: every unmarked cell of the swept generation is presumed dead.
	dead := make(map[*Value]bool)
	for v := h.head; v != nil; v = v.next {
		if v.color == colorWhite && !(minor && v.old) {
			dead[v] = true
		}
	}

	// Pass 2: un-kill until fixed point. A cell stays dead only while every
	// one of its references comes from other dead cells; any reference from
	// outside the set (a manual Retain, a live container, another heap)
	// rescues it, and a rescue can cascade to everything it references.
	for {
		in := make(map[*Value]uint32, len(dead))
		for v := range dead {
			v.children(func(c *Value) {
				if dead[c] {
					in[c]++
				}
			})
		}
		changed := false
		for v := range dead {
			if v.Refs() > in[v] {
				delete(dead, v)
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	// Pass 3: release references from dying cells to surviving cells, then
	// unlink the dead.
	for v := range dead {
		v.children(func(c *Value) {
			if !dead[c] {
				c.Release()
			}
		})
	}
	var prev *Value
	for v := h.head; v != nil; {
		next := v.next
		if dead[v] {
			if prev == nil {
				h.head = next
			} else {
				prev.next = next
			}
			h.bytesAllocated -= v.size()
			v.next = nil
			freed++
			v = next
			continue
		}
		// Survivor: reset for the next cycle, age the young.
		if minor && !v.old {
			v.survivals++
			if v.survivals > h.promotionThreshold {
				v.old = true
			}
		}
		if !(minor && v.old) {
			v.color = colorWhite
		}
		prev = v
		v = next
	}
	return freed
}

// ---- Collection entry points -----------------------------------------------

// Collect runs a stop-the-world collection over both generations.
func (h *Heap) Collect() int {
	if h == nil {
		return 0
	}
	h.gcInProgress = true
	h.markRoots(false)
	h.drain(false, -1)
	freed := h.sweep(false)
	h.gcInProgress = false
	h.gcCount++
	return freed
}

// CollectYoung runs a minor collection: young objects only, with the
// remembered set as extra roots. The card table is not consulted here; the
// write barrier dirties it alongside the remembered set. Survivors age
// toward promotion.
func (h *Heap) CollectYoung() int {
	if h == nil {
		return 0
	}
	if !h.generational {
		return h.Collect()
	}
	h.gcInProgress = true
	h.markRoots(true)
	h.drain(true, -1)
	freed := h.sweep(true)
	h.gcInProgress = false
	h.gcCount++
	h.minorGCCount++
	return freed
}

// CollectFull runs a major collection and clears the remembered set and card
// table on completion.
func (h *Heap) CollectFull() int {
	if h == nil {
		return 0
	}
	freed := h.Collect()
	h.majorGCCount++
	h.clearRemembered()
	return freed
}

func (h *Heap) clearRemembered() {
	h.remembered.Each(func(i interface{}) bool {
		i.(*Value).remembered = false
		return false
	})
	h.remembered.Clear()
	for i := range h.cards {
		h.cards[i] = 0
	}
}

// ---- Incremental marking ---------------------------------------------------

// StartIncremental seeds the gray list from the roots and leaves the cycle
// open; MarkIncrement and Step advance it.
func (h *Heap) StartIncremental() {
	if h.gcInProgress {
		return
	}
	h.gcInProgress = true
	h.markRoots(false)
}

// MarkIncrement blackens up to budget gray objects and reports whether the
// frontier is empty.
func (h *Heap) MarkIncrement(budget int) bool {
	if !h.gcInProgress {
		return true
	}
	return h.drain(false, budget)
}

// Step advances an open cycle by one bounded burst of marking; once the
// frontier drains it sweeps and closes the cycle. Returns true when the
// cycle finished.
func (h *Heap) Step(budget int) bool {
	if !h.gcInProgress {
		return true
	}
	if !h.drain(false, budget) {
		return false
	}
	h.sweep(false)
	h.gcInProgress = false
	h.gcCount++
	return true
}

// Complete finishes an open incremental cycle synchronously.
func (h *Heap) Complete() {
	if !h.gcInProgress {
		return
	}
	h.drain(false, -1)
	h.sweep(false)
	h.gcInProgress = false
	h.gcCount++
}

// GCInProgress reports whether an incremental cycle is open.
func (h *Heap) GCInProgress() bool { return h.gcInProgress }

// GrayCount returns the current frontier size (test hook).
func (h *Heap) GrayCount() int { return h.grayCount }
