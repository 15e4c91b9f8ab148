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

// Len returns the element count of a container value: string bytes, bytes
// length, vector dimension, array length, map entry count, or struct field
// count. Other kinds have length 0.
func (v *Value) Len() int {
	switch v.kind {
	case KindString:
		return len(v.str)
	case KindBytes:
		return len(v.raw)
	case KindVector:
		return len(v.vec)
	case KindArray:
		return len(v.elems)
	case KindMap:
		return v.tab.count
	case KindStruct:
		return v.tab.count
	}
	return 0
}

// ArrayGet returns the element at index i, or nil (the value) when the index
// is out of range. Array access never traps.
func ArrayGet(arr *Value, i int64) (*Value, error) {
	if arr.kind != KindArray {
		return nil, ErrWrongKind
	}
	if i < 0 || i >= int64(len(arr.elems)) {
		return Nil(), nil
	}
	return arr.elems[i], nil
}

// ArrayPush appends elem to the array, cloning first if the array is shared.
// The element is retained. The returned cell is arr itself for exclusive
// arrays, or the clone for shared ones; in the latter case the caller's
// reference to arr has already been released.
func ArrayPush(h *Heap, arr, elem *Value) (*Value, error) {
	if arr.kind != KindArray {
		return nil, ErrWrongKind
	}
	arr, err := arrayEnsureUnshared(h, arr)
	if err != nil {
		return nil, err
	}
	elem.Retain()
	arr.elems = append(arr.elems, elem)
	h.writeBarrier(arr, elem)
	return arr, nil
}

// ArraySet stores elem at index i, with the same COW contract as ArrayPush.
// Out-of-range stores are ignored (the array is returned unchanged).
func ArraySet(h *Heap, arr *Value, i int64, elem *Value) (*Value, error) {
	if arr.kind != KindArray {
		return nil, ErrWrongKind
	}
	if i < 0 || i >= int64(len(arr.elems)) {
		return arr, nil
	}
	arr, err := arrayEnsureUnshared(h, arr)
	if err != nil {
		return nil, err
	}
	elem.Retain()
	if old := arr.elems[i]; old != nil {
		old.Release()
	}
	arr.elems[i] = elem
	h.writeBarrier(arr, elem)
	return arr, nil
}

// arrayEnsureUnshared returns an exclusively owned array cell: arr itself
// when it is unshared, otherwise a clone whose elements have been retained.
// In the clone case the caller's reference on arr is released, keeping the
// original owner's view intact.
func arrayEnsureUnshared(h *Heap, arr *Value) (*Value, error) {
	if !arr.isShared() {
		return arr, nil
	}
	clone := h.adopt(NewArray(len(arr.elems)))
	for _, e := range arr.elems {
		e.Retain()
		clone.elems = append(clone.elems, e)
	}
	arr.Release()
	return clone, nil
}

// BytesSet writes b at index i of a bytes value with COW semantics.
func BytesSet(h *Heap, v *Value, i int64, b byte) (*Value, error) {
	if v.kind != KindBytes {
		return nil, ErrWrongKind
	}
	if i < 0 || i >= int64(len(v.raw)) {
		return v, nil
	}
	if v.isShared() {
		clone := h.adopt(Bytes(append([]byte(nil), v.raw...)))
		v.Release()
		v = clone
	}
	v.raw[i] = b
	return v, nil
}
