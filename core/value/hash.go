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

const (
	fnvOffset32 uint32 = 2166136261
	fnvPrime32  uint32 = 16777619
)

// HashString computes the 32-bit FNV-1a hash of s. String values precompute
// this at construction; map buckets and the inline cache key off it.
func HashString(s string) uint32 {
	h := fnvOffset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime32
	}
	return h
}

// HashBytes is HashString over a raw byte slice.
func HashBytes(b []byte) uint32 {
	h := fnvOffset32
	for _, c := range b {
		h ^= uint32(c)
		h *= fnvPrime32
	}
	return h
}

// Combine folds two hashes into one. Used for shape ids and anywhere a
// composite key is needed.
func Combine(h1, h2 uint64) uint64 {
	return h1 ^ (h2 + 0x9e3779b97f4a7c15 + (h1 << 6) + (h1 >> 2))
}

// Hash returns the hash of a value. Strings use their precomputed FNV-1a
// hash; other heap values hash by identity (their allocation sequence),
// primitives by payload bits.
func (v *Value) Hash() uint64 {
	switch v.kind {
	case KindString:
		return uint64(v.hash)
	case KindNil:
		return 0
	case KindBool, KindInt, KindFloat, KindPID:
		return Combine(uint64(v.kind), v.num)
	default:
		return Combine(uint64(v.kind), v.seq)
	}
}
