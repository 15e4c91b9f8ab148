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
	"bytes"
	"math"
)

// Equal implements structural equality. Floats follow IEEE-754 (NaN != NaN),
// strings compare byte-wise, collections recursively. Int and float compare
// numerically across the two kinds — the one deliberate cross-kind
// exception. All other cross-kind comparisons are false.
func Equal(a, b *Value) bool {
	if a == b && a.kind != KindFloat {
		return true
	}
	if a.kind != b.kind {
		// Mixed numeric comparison.
		if a.kind == KindInt && b.kind == KindFloat {
			return float64(int64(a.num)) == math.Float64frombits(b.num)
		}
		if a.kind == KindFloat && b.kind == KindInt {
			return math.Float64frombits(a.num) == float64(int64(b.num))
		}
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool, KindPID:
		return a.num == b.num
	case KindInt:
		return int64(a.num) == int64(b.num)
	case KindFloat:
		return math.Float64frombits(a.num) == math.Float64frombits(b.num)
	case KindString:
		return a.hash == b.hash && a.str == b.str
	case KindBytes:
		return bytes.Equal(a.raw, b.raw)
	case KindVector:
		if len(a.vec) != len(b.vec) {
			return false
		}
		for i := range a.vec {
			if a.vec[i] != b.vec[i] {
				return false
			}
		}
		return true
	case KindArray:
		if len(a.elems) != len(b.elems) {
			return false
		}
		for i := range a.elems {
			if !Equal(a.elems[i], b.elems[i]) {
				return false
			}
		}
		return true
	case KindMap, KindStruct:
		if a.kind == KindStruct && a.tname != b.tname {
			return false
		}
		if a.tab.count != b.tab.count {
			return false
		}
		eq := true
		a.tab.each(func(key string, av *Value) {
			if !eq {
				return
			}
			bv := b.tab.get(key)
			if bv == nil || !Equal(av, bv) {
				eq = false
			}
		})
		return eq
	case KindFunction, KindClosure:
		return a.fn == b.fn
	case KindEnum:
		if a.tname != b.tname || a.vname != b.vname {
			return false
		}
		return childEqual(a.child, b.child)
	case KindOption, KindResult:
		if a.some != b.some {
			return false
		}
		return childEqual(a.child, b.child)
	}
	return false
}

func childEqual(a, b *Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	return Equal(a, b)
}

// Compare orders two values: -1, 0, or +1. Ordering is defined for numeric
// operands (int and float freely mixed) and for string pairs; every other
// combination is a type error.
func Compare(a, b *Value) (int, error) {
	if a.kind == KindString && b.kind == KindString {
		switch {
		case a.str < b.str:
			return -1, nil
		case a.str > b.str:
			return 1, nil
		}
		return 0, nil
	}
	af, aok := numeric(a)
	bf, bok := numeric(b)
	if !aok || !bok {
		return 0, ErrNotComparable
	}
	// Exact path when both sides are ints.
	if a.kind == KindInt && b.kind == KindInt {
		ai, bi := int64(a.num), int64(b.num)
		switch {
		case ai < bi:
			return -1, nil
		case ai > bi:
			return 1, nil
		}
		return 0, nil
	}
	switch {
	case af < bf:
		return -1, nil
	case af > bf:
		return 1, nil
	}
	return 0, nil
}

// numeric widens int and float payloads to float64.
func numeric(v *Value) (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(int64(v.num)), true
	case KindFloat:
		return math.Float64frombits(v.num), true
	}
	return 0, false
}
