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

// Chars counts the UTF-8 code points of a string value: every byte whose top
// two bits are not 10 starts a new code point.
func (v *Value) Chars() int {
	n := 0
	for i := 0; i < len(v.str); i++ {
		if v.str[i]&0xC0 != 0x80 {
			n++
		}
	}
	return n
}

// StringSlice returns the byte range [start, end) of a string value as a new
// string value. Out-of-range indices clamp to the string bounds; start > end
// yields the empty string. Strings are immutable, so no COW is involved.
func StringSlice(h *Heap, s *Value, start, end int64) (*Value, error) {
	if s.kind != KindString {
		return nil, ErrWrongKind
	}
	n := int64(len(s.str))
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start > end || start >= n {
		return h.adopt(String("")), nil
	}
	return h.adopt(String(s.str[start:end])), nil
}

// Concat concatenates two values into a string: string+string appends,
// anything else is rendered through its debug form first. The result is a
// fresh string value on h.
func Concat(h *Heap, a, b *Value) *Value {
	return h.adopt(String(a.String() + b.String()))
}
